package engine

import (
	"context"
	"time"
	"unsafe"

	"github.com/hupe1980/tierheap/las"
	"github.com/hupe1980/tierheap/object"
	"github.com/hupe1980/tierheap/swizzle"
)

// The compacting GC runs continuously:
//
//  1. Compute the safe-point from the epoch manager.
//  2. Walk version chains reachable from the roots; the newest version
//     at or below the safe-point is retained, everything older on the
//     chain is collectable and detached.
//  3. Track per-extent live bytes; extents under the occupancy
//     threshold queue for compaction.
//  4. Compaction copies retained objects to a fresh extent, rewrites
//     the holders' pointer fields through the parent back-pointers, and
//     retires the source extent.

func (en *Engine) runGCWorker() {
	defer en.wg.Done()
	ticker := time.NewTicker(en.opts.GCInterval)
	defer ticker.Stop()
	ctx := context.Background()

	for {
		select {
		case <-en.stopCh:
			return
		case <-ticker.C:
			en.gcPass(ctx)
		}
	}
}

func (en *Engine) gcPass(ctx context.Context) {
	safe := en.epoch.SafePoint()
	en.pruneReachable(safe)
	en.compactSparse(ctx)
}

// pruneReachable walks from the roots and detaches chain links below
// the newest safe version of every field.
func (en *Engine) pruneReachable(safe uint64) {
	en.RangeRoots(func(r *Root) bool {
		en.pruneField(r.Field(), safe, 0)
		return true
	})
}

const maxPruneDepth = 64

func (en *Engine) pruneField(f swizzle.Field, safe uint64, depth int) {
	if depth > maxPruneDepth {
		return
	}
	retainedSeen := false
	cur := f
	for i := 0; i < maxChainWalk; i++ {
		o, ext, ok := en.residentObject(cur.Load())
		if !ok {
			return
		}

		// Recurse into the pointer cluster: children stay reachable
		// through every still-linked version.
		for pi := 0; pi < o.Ptrs(); pi++ {
			en.pruneField(o.PointerField(pi), safe, depth+1)
		}

		v, live := en.resolveVersion(o)
		if retainedSeen && (!live || (v != 0 && v <= safe)) {
			// Older than the retained version: nobody can reach it again.
			next := o.Chain().Load()
			if cur.CompareAndSwap(cur.Load(), next) {
				en.collect(o, ext)
				continue
			}
			return
		}
		if v != 0 && v <= safe {
			retainedSeen = true
		}
		cur = o.Chain()
	}
}

// residentObject resolves a pointer word without faulting: the GC never
// pulls cold data in just to prune it. Slab cells are not objects; a
// pointer into a slab extent resolves to nothing here.
func (en *Engine) residentObject(w swizzle.Ptr) (object.Object, *las.Extent, bool) {
	switch w.Tag() {
	case swizzle.TagNative:
		ext, ok := en.space.ExtentByAddr(w.Addr())
		if !ok || ext.Slab() != nil || ext.ResidentBytes() == nil {
			return object.Object{}, nil, false
		}
		return object.At(unsafe.Pointer(w.Addr())), ext, true
	case swizzle.TagPersistent:
		r, _, err := en.resolvePtr(context.Background(), w)
		if err != nil || !r.obj.Valid() || (r.ext != nil && r.ext.Slab() != nil) {
			return object.Object{}, nil, false
		}
		return r.obj, r.ext, true
	default:
		return object.Object{}, nil, false
	}
}

// collect marks one chain link dead and books its bytes out of the
// extent occupancy.
func (en *Engine) collect(o object.Object, ext *las.Extent) {
	total := object.TotalSize(o.Size())
	o.VersionField().Store(0)
	ext.AddLive(-total)
	ext.MarkDirty()
}

// compactSparse compacts resident extents whose live fraction dropped
// under the threshold.
func (en *Engine) compactSparse(ctx context.Context) {
	ctrl := en.space.Controller()
	en.space.RangeExtents(func(e *las.Extent) bool {
		select {
		case <-en.stopCh:
			return false
		default:
		}
		if !en.compactable(e) {
			return true
		}
		if !ctrl.TryAcquireBackground() {
			return false
		}
		moved, err := en.compactExtent(ctx, e)
		ctrl.ReleaseBackground()
		en.logger.LogCompaction(ctx, moved, err)
		if err == nil {
			en.compactions.Add(1)
			en.observer.OnCompaction()
		}
		return true
	})
}

func (en *Engine) compactable(e *las.Extent) bool {
	if e.State() != las.StateResident || e.Pinned() || e.Slab() != nil {
		return false
	}
	used := e.Used()
	if used == 0 {
		return false
	}
	if e.Live() >= int(float64(used)*en.opts.CompactionThreshold) {
		return false
	}
	return e.Live() >= 0
}

// compactExtent moves the retained objects of e into a fresh extent and
// retires e, returning the number of objects moved. A compaction that
// cannot get a destination aborts and leaves the source intact; pointer
// fix-up is per-object CAS, so readers observe either address and both
// name the same object.
func (en *Engine) compactExtent(ctx context.Context, e *las.Extent) (int, error) {
	var dst *las.Extent
	moved, skipped := 0, 0

	var walkErr error
	walkExtent(e, func(o object.Object, off int) bool {
		if v := o.VersionField().Load(); v.IsZero() {
			return true // collected
		}
		if v, live := en.resolveVersion(o); v == 0 && !live {
			// Aborted leftover. It may still sit installed in a field
			// until the next writer unlinks it, so the extent must
			// survive this round rather than strand the field.
			skipped++
			return true
		}
		total := object.TotalSize(o.Size())
		if dst == nil {
			var err error
			dst, err = en.space.AllocateExtent(ctx, las.Hint{Kind: las.HintCompaction})
			if err != nil {
				walkErr = err
				return false
			}
		}
		doff, ok := dst.Reserve(total)
		if !ok {
			walkErr = las.ErrExtentBoundary
			return false
		}
		dbuf := dst.ResidentBytes()[doff : doff+total : doff+total]
		copy(dbuf, o.Image())
		no := object.FromBytes(dbuf)
		ntag := uint16(doff / 8)
		np := swizzle.Native(no.Addr(), ntag)

		if !en.redirectHolders(o, e, off, np) {
			// Holder not reachable this round; the copy stays garbage in
			// dst (its live bytes were never counted) and e survives.
			skipped++
			return true
		}
		en.redirectChildren(no, np)
		dst.ObserveVersion(no.VersionField().Load().Real())
		dst.AddLive(total)
		dst.MarkDirty()
		o.VersionField().Store(0)
		moved++
		return true
	})
	if walkErr != nil {
		return moved, walkErr
	}
	if moved == 0 && dst != nil {
		en.space.FreeExtent(dst)
	}
	if skipped > 0 {
		// Some retained object could not be redirected; the source
		// extent survives and a later pass retries.
		return moved, nil
	}

	// Everything retained left the extent; only dead weight remains.
	en.space.FreeExtent(e)
	return moved, nil
}

// redirectHolders finds every pointer word naming the object at off in
// e and CASes it to np: the holder field or a newer version's chain
// word, located through the parent back-pointer.
func (en *Engine) redirectHolders(o object.Object, e *las.Extent, off int, np swizzle.Ptr) bool {
	target := swizzle.Native(o.Addr(), uint16(off/8))
	p := o.Parent().Load()

	redirectChain := func(f swizzle.Field) bool {
		for i := 0; i < maxChainWalk; i++ {
			w := f.Load()
			if w.IsNull() {
				return false
			}
			if w.Tag() == swizzle.TagNative && w.Addr() == target.Addr() {
				return f.CompareAndSwap(w, np)
			}
			co, _, ok := en.residentObject(w)
			if !ok {
				return false
			}
			f = co.Chain()
		}
		return false
	}

	switch {
	case p.IsNull():
		done := false
		en.RangeRoots(func(r *Root) bool {
			if redirectChain(r.Field()) {
				done = true
				return false
			}
			return true
		})
		return done
	case p.Tag() == swizzle.TagNative:
		holder, _, ok := en.residentObject(p)
		if !ok {
			return false
		}
		for i := 0; i < holder.Ptrs(); i++ {
			if redirectChain(holder.PointerField(i)) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// redirectChildren repoints the parent back-pointers of the moved
// object's children at the new address.
func (en *Engine) redirectChildren(no object.Object, np swizzle.Ptr) {
	for i := 0; i < no.Ptrs(); i++ {
		w := no.PointerField(i).Load()
		child, _, ok := en.residentObject(w)
		if !ok {
			continue
		}
		child.Parent().Store(np)
	}
}
