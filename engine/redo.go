package engine

import (
	"context"
	"time"

	"github.com/hupe1980/tierheap/las"
	"github.com/hupe1980/tierheap/object"
	"github.com/hupe1980/tierheap/swizzle"
)

// Redo-log resolution. Committed set deltas are applied in place on the
// target object once no active transaction could still observe the
// pre-delta bytes; otherwise a new version is synthesized by copying
// the head and applying the deltas, chained as usual. A new transaction
// that would observe an unresolved delta stalls until resolution.

// enqueueDeltas registers the transaction's deltas as pending and hands
// them to the resolver. Deltas for the same object merge into one
// pending entry; the resolver drains entries until they stay empty, so
// a delta appended mid-resolution is never lost.
func (en *Engine) enqueueDeltas(tx *Tx, commitVersion uint64) {
	for _, d := range tx.deltas {
		var submit *pendingDelta
		en.pendingDeltas.Compute(d.key, func(cur *pendingDelta, loaded bool) (*pendingDelta, bool) {
			if loaded {
				cur.mu.Lock()
				cur.deltas = append(cur.deltas, delta{off: d.off, payload: d.payload})
				if commitVersion > cur.commitVersion {
					cur.commitVersion = commitVersion
				}
				cur.mu.Unlock()
				return cur, false
			}
			submit = &pendingDelta{
				key:           d.key,
				field:         d.f,
				commitVersion: commitVersion,
				mergeID:       d.mergeID,
				deltas:        []delta{{off: d.off, payload: d.payload}},
				done:          make(chan struct{}),
			}
			return submit, false
		})
		if submit != nil {
			select {
			case en.redoCh <- submit:
			case <-en.stopCh:
				return
			}
		}
	}
}

// stallOnPendingDelta blocks a reader that would otherwise observe an
// object with unresolved deltas at or below its read version.
func (en *Engine) stallOnPendingDelta(ctx context.Context, r resolved, readVersion uint64) error {
	pd, ok := en.pendingDeltas.Load(r.key())
	if !ok || pd.commitVersion > readVersion {
		return nil
	}
	select {
	case <-pd.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-en.stopCh:
		return ErrClosed
	}
}

func (en *Engine) runRedoResolver() {
	defer en.wg.Done()
	ctx := context.Background()
	for {
		select {
		case <-en.stopCh:
			// Drain what is queued so no reader stalls forever.
			for {
				select {
				case pd := <-en.redoCh:
					en.resolveDelta(ctx, pd)
				default:
					return
				}
			}
		case pd := <-en.redoCh:
			en.resolveDelta(ctx, pd)
		}
	}
}

func (pd *pendingDelta) drain() []delta {
	pd.mu.Lock()
	ds := pd.deltas
	pd.deltas = nil
	pd.mu.Unlock()
	return ds
}

// resolveDelta drains the pending entry until it stays empty, then
// removes it and wakes stalled readers. The removal goes through
// Compute so a concurrent append either lands before the emptiness
// check or recreates the entry via its own submit.
func (en *Engine) resolveDelta(ctx context.Context, pd *pendingDelta) {
	defer close(pd.done)
	for {
		ds := pd.drain()
		if len(ds) > 0 {
			en.applyBatch(ctx, pd, ds)
		}
		removed := false
		en.pendingDeltas.Compute(pd.key, func(cur *pendingDelta, loaded bool) (*pendingDelta, bool) {
			if !loaded || cur != pd {
				removed = true
				return cur, !loaded
			}
			cur.mu.Lock()
			empty := len(cur.deltas) == 0
			cur.mu.Unlock()
			if empty {
				removed = true
				return nil, true
			}
			return cur, false
		})
		if removed {
			return
		}
	}
}

func (en *Engine) applyBatch(ctx context.Context, pd *pendingDelta, ds []delta) {
	for attempt := 0; attempt < 16; attempt++ {
		r, err := en.deref(ctx, pd.field.field())
		if err != nil {
			en.logger.Warn("redo resolution dropped", "error", err)
			return
		}

		if en.epoch.SafePoint() >= pd.commitVersion {
			// Nobody can observe the pre-delta bytes: apply in place.
			en.applyDeltas(r.obj, pd.mergeID, ds)
			r.ext.MarkDirty()
			return
		}

		// Some active transaction still reads the old bytes: synthesize
		// a fresh version carrying the post-delta image.
		if en.synthesizeVersion(ctx, r, pd, ds) {
			return
		}
		// Lost a race against a concurrent writer on the field; retry
		// against the new head.
		time.Sleep(time.Millisecond)
	}
	en.logger.Warn("redo resolution gave up", "object", pd.key.obj)
}

func (en *Engine) applyDeltas(o object.Object, mergeID uint8, ds []delta) {
	scalar := o.Scalar()
	for _, d := range ds {
		if d.off+len(d.payload) > len(scalar) {
			continue
		}
		if mergeID != 0 {
			name, _ := en.merge.Name(mergeID)
			if fn, ok := en.merge.Lookup(name); ok {
				merged := fn(scalar[d.off:d.off+len(d.payload)], d.payload)
				copy(scalar[d.off:], merged)
				continue
			}
		}
		copy(scalar[d.off:], d.payload)
	}
}

// synthesizeVersion copies the head, applies the deltas to the copy and
// installs it as the new head at the delta's commit version.
func (en *Engine) synthesizeVersion(ctx context.Context, head resolved, pd *pendingDelta, ds []delta) bool {
	old := pd.field.Load()
	src := head.obj

	total := object.TotalSize(src.Size())
	ext, err := en.space.AllocateExtent(ctx, las.Hint{Kind: las.HintTx})
	if err != nil {
		en.logger.Warn("redo synthesis failed", "error", err)
		return true // drop rather than wedge readers
	}
	off, _ := ext.Reserve(total)
	buf := ext.ResidentBytes()[off : off+total : off+total]
	o := object.Init(buf, object.Real(pd.commitVersion), src.Size(), src.Ptrs(), src.Class(), src.Flags())
	copy(o.Payload(), src.Payload())
	o.Chain().Store(old)
	o.Parent().Store(src.Parent().Load())
	en.applyDeltas(o, pd.mergeID, ds)

	tag := uint16(off / 8)
	if !pd.field.field().CompareAndSwap(old, swizzle.Native(o.Addr(), tag)) {
		return false
	}
	ext.ObserveVersion(pd.commitVersion)
	ext.AddLive(total)
	ext.MarkDirty()
	return true
}
