package engine

import (
	"context"
	"time"
	"unsafe"

	"github.com/hupe1980/tierheap/las"
	"github.com/hupe1980/tierheap/object"
	"github.com/hupe1980/tierheap/source"
	"github.com/hupe1980/tierheap/swizzle"
)

// The eviction worker keeps the candidate map sized toward the
// configured headroom: it unswizzles clean, unpinned block shadows and
// admits them, then drops candidates while the controller reports
// memory pressure. Eviction never flushes; dirty shadows get their
// converted image written back first and are admitted on a later pass,
// once the write is acknowledged.

func (en *Engine) runEvictionWorker() {
	defer en.wg.Done()
	ticker := time.NewTicker(en.opts.EvictInterval)
	defer ticker.Stop()
	ctx := context.Background()

	for {
		select {
		case <-en.stopCh:
			return
		case <-ticker.C:
			en.evictionPass(ctx)
		}
	}
}

func (en *Engine) evictionPass(ctx context.Context) {
	ctrl := en.space.Controller()
	target := ctrl.EvictionHeadroom()
	if target == 0 {
		return
	}

	// Grow the candidate map toward the headroom target.
	if en.space.CandidateBytes() < target {
		need := target - en.space.CandidateBytes()
		en.space.EvictableResident(func(e *las.Extent) bool {
			if e.Dirty() {
				if _, err := en.writeBackConverted(ctx, e); err != nil {
					en.logger.Warn("eviction write-back failed", "extent", e.ID(), "error", err)
				}
				return true
			}
			if en.unswizzleExtent(e) && en.space.Admit(e) {
				need -= int64(e.Bytes())
			}
			return need > 0
		})

		// Still short and under pressure: give cold pure-DRAM extents a
		// block backing so the next pass can admit them.
		if need > 0 && ctrl.UnderPressure() {
			en.space.MigratableResident(func(e *las.Extent) bool {
				if _, err := en.space.AssignBacking(e); err != nil {
					return false // no block tier or it is full
				}
				if _, err := en.writeBackConverted(ctx, e); err != nil {
					en.logger.Warn("migration write-back failed", "extent", e.ID(), "error", err)
					return true
				}
				need -= int64(e.Bytes())
				return need > 0
			})
		}
	}

	// Drop candidates while memory is tight.
	evicted, freed := 0, int64(0)
	for ctrl.UnderPressure() {
		n := en.space.EvictOne()
		if n == 0 {
			break
		}
		en.evictions.Add(1)
		en.observer.OnEviction(n)
		evicted++
		freed += int64(n)
	}
	if evicted > 0 {
		en.logger.LogEviction(ctx, evicted, freed)
	}
}

// writeBackConverted snapshots a shadow image, rewrites every pointer
// word in the copy to its position-independent storage form, and writes
// it to the block backing. Volatile targets have no storage form and
// keep their native words; they are meaningless after a restart, which
// is exactly what volatile data is.
func (en *Engine) writeBackConverted(ctx context.Context, shadow *las.Extent) (*source.Completion, error) {
	img, err := en.space.SnapshotImage(shadow)
	if err != nil {
		return nil, err
	}
	if shadow.Slab() != nil {
		// Slab cells carry no pointers; the image ships unchanged.
		return en.space.WriteBackImage(ctx, shadow, img)
	}
	walkImage(img, shadow.Used(), func(o object.Object, off int) bool {
		en.convertWord(o.Chain())
		en.convertWord(o.Parent())
		for i := 0; i < o.Ptrs(); i++ {
			en.convertWord(o.PointerField(i))
		}
		return true
	})
	return en.space.WriteBackImage(ctx, shadow, img)
}

// convertWord rewrites a native pointer word to storage form in place.
func (en *Engine) convertWord(f swizzle.Field) {
	w := f.Load()
	if w.Tag() != swizzle.TagNative {
		return
	}
	te, ok := en.space.ExtentByAddr(w.Addr())
	if !ok {
		return
	}
	off := te.OffsetOf(w.Addr())
	if sp, ok := storageForm(te, off, w.Object()); ok {
		f.Store(sp)
	}
}

// walkImage visits the object images in an extent image, following the
// bump-allocation layout: objects sit back to back from offset 0 up to
// the cursor.
func walkImage(img []byte, used int, fn func(o object.Object, off int) bool) {
	off := 0
	for off < used {
		o := object.FromBytes(img[off:])
		total := object.TotalSize(o.Size())
		if total <= object.HeaderSize || off+total > used {
			return
		}
		if !fn(o, off) {
			return
		}
		off += total
	}
}

// walkExtent visits the resident objects of an extent.
func walkExtent(e *las.Extent, fn func(o object.Object, off int) bool) {
	buf := e.ResidentBytes()
	if buf == nil {
		return
	}
	walkImage(buf, e.Used(), fn)
}

// unswizzleExtent converts every inbound pointer into e to storage
// form, so dropping the image later is a pure metadata operation.
// Inbound pointers live in the holder field naming each object's chain
// and in the chain words of newer versions; both are reached by walking
// the version chain from the holder field, which the parent
// back-pointer locates. Returns false when some inbound pointer cannot
// be unswizzled this round.
func (en *Engine) unswizzleExtent(e *las.Extent) bool {
	ok := true
	walkExtent(e, func(o object.Object, off int) bool {
		p := o.Parent().Load()
		switch {
		case p.IsNull():
			// Root-held (or parent not yet recorded): convert from every
			// root field chain that reaches into e.
			en.RangeRoots(func(r *Root) bool {
				if !en.chainConvert(r.Field(), e) {
					ok = false
				}
				return true
			})
		case p.Tag() == swizzle.TagNative:
			if _, found := en.space.ExtentByAddr(p.Addr()); !found {
				ok = false
				return false
			}
			holder := object.At(unsafe.Pointer(p.Addr()))
			for i := 0; i < holder.Ptrs(); i++ {
				if !en.chainConvert(holder.PointerField(i), e) {
					ok = false
				}
			}
		default:
			// Holder is not resident; its stored pointers are already in
			// storage form.
		}
		return ok
	})
	return ok
}

// chainConvert walks the version chain anchored at f, rewriting native
// words that point into e with their storage form. The walk follows
// resident links only: non-resident tails were unswizzled when their
// own extents were written back.
func (en *Engine) chainConvert(f swizzle.Field, e *las.Extent) bool {
	for depth := 0; depth < maxChainWalk; depth++ {
		w := f.Load()
		switch w.Tag() {
		case swizzle.TagNull:
			return true
		case swizzle.TagNative:
			addr := w.Addr()
			if e.Contains(addr) {
				off := e.OffsetOf(addr)
				sp, ok := storageForm(e, off, uint16(off/8))
				if !ok {
					return false
				}
				f.CompareAndSwap(w, sp)
				// Keep walking the chain through the still-resident image.
				f = object.At(unsafe.Pointer(addr)).Chain()
				continue
			}
			te, ok := en.space.ExtentByAddr(addr)
			if !ok || te.Slab() != nil || te.ResidentBytes() == nil {
				// Not walkable: gone, or a header-less slab cell.
				return true
			}
			f = object.At(unsafe.Pointer(addr)).Chain()
		case swizzle.TagPersistent:
			r, _, err := en.resolvePtr(context.Background(), w)
			if err != nil || !r.obj.Valid() || (r.ext != nil && r.ext.Slab() != nil) {
				return true
			}
			f = r.obj.Chain()
		default:
			// Block form: non-resident tail.
			return true
		}
	}
	return true
}

const maxChainWalk = 1 << 16
