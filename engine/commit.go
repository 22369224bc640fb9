package engine

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/tierheap/las"
	"github.com/hupe1980/tierheap/object"
	"github.com/hupe1980/tierheap/source"
	"github.com/hupe1980/tierheap/swizzle"
	"github.com/hupe1980/tierheap/wal"
)

// Commit runs the commit protocol:
//
//  1. Validate read-for-write intents against the current heads.
//  2. Validate redo deltas; lattice targets merge instead of aborting.
//  3. Obtain the commit version and publish it with a single store into
//     the transaction state slot; every object allocated here becomes
//     valid at once.
//  4. Rewrite this transaction's indirect handles to the direct version
//     and release the state slot.
//  5. Null freed fields, hand redo deltas to the resolver.
//  6. Make the transaction durable per the heap's mode.
func (tx *Tx) Commit(ctx context.Context) error {
	if err := tx.active(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		tx.Abort()
		return ErrCancelled
	}
	tx.setStatus(statusValidating)

	if err := tx.validate(); err != nil {
		tx.Abort()
		return err
	}

	tx.setStatus(statusPublishing)
	v := tx.en.epoch.Publish(tx.st)

	// Rewrite indirect handles promptly so extent images written below
	// carry self-describing versions; the slot is released right after.
	for _, a := range tx.allocs {
		a.obj.VersionField().Store(object.Real(v))
		a.ext.ObserveVersion(v)
		a.ext.AddLive(object.TotalSize(a.size))
	}

	// Null the freed fields; the objects stay for older snapshots until
	// the GC passes the commit version.
	for _, f := range tx.freed {
		p := f.Load()
		if !p.IsNull() {
			f.field().CompareAndSwap(p, swizzle.Null)
			tx.logPtrWord(f, uint64(swizzle.Null))
		}
	}

	// Hand deltas to the resolver before releasing the slot so readers
	// stall rather than observe the pre-delta image.
	tx.en.enqueueDeltas(tx, v)

	err := tx.makeDurable(ctx, v)

	tx.en.epoch.Finish(tx.st)
	tx.en.epoch.Release(tx.st)
	tx.unpinAll()
	tx.status.Store(statusCommitted)
	tx.en.commits.Add(1)
	tx.en.logger.LogCommit(ctx, tx.id, v, err)
	if err != nil {
		// Publication already happened; a durability failure surfaces
		// as an I/O error without retracting the commit.
		return fmt.Errorf("engine: commit %d durability: %w", tx.id, err)
	}
	return nil
}

func (tx *Tx) validate() error {
	ctx := context.Background()
	for _, intent := range tx.rfw {
		cur := tx.foreignHead(ctx, intent.f)
		if tx.samePointee(ctx, cur, intent.observed) {
			continue
		}
		tx.en.conflicts.Add(1)
		return ErrReadForWriteConflict
	}
	for _, d := range tx.deltas {
		if d.mergeID != 0 {
			continue // lattice fields merge instead of conflicting
		}
		cur := d.f.Load()
		if cur.IsNull() {
			tx.en.conflicts.Add(1)
			return ErrWriteConflict
		}
		r, _, err := tx.en.resolvePtr(ctx, cur)
		if err != nil || !r.obj.Valid() || r.key() != d.key {
			// Head replaced and no merge defined for the field.
			tx.en.conflicts.Add(1)
			return ErrWriteConflict
		}
	}
	return nil
}

// samePointee reports whether two pointer words name the same object,
// tolerating representation changes from swizzling in between.
func (tx *Tx) samePointee(ctx context.Context, a, b swizzle.Ptr) bool {
	if a == b {
		return true
	}
	if a.IsNull() || b.IsNull() {
		return false
	}
	ra, _, errA := tx.en.resolvePtr(ctx, a)
	rb, _, errB := tx.en.resolvePtr(ctx, b)
	if errA != nil || errB != nil || !ra.obj.Valid() || !rb.obj.Valid() {
		return false
	}
	return ra.obj.Addr() == rb.obj.Addr()
}

// makeDurable writes dirty block-backed segments and the log records.
// Buffered mode returns once source writes are acknowledged; sync mode
// additionally flushes every involved source and the log.
func (tx *Tx) makeDurable(ctx context.Context, v uint64) error {
	var comps []*source.Completion
	involved := make(map[source.Source]struct{})

	for _, seg := range tx.segs {
		if be := seg.ShadowOf(); be != nil {
			comp, err := tx.en.writeBackConverted(ctx, seg)
			if err != nil {
				return err
			}
			comps = append(comps, comp)
			involved[be.Source()] = struct{}{}
		} else if seg.Source().Persistent() {
			involved[seg.Source()] = struct{}{}
		}
	}

	// Buffered durability: all writes acknowledged by their sources.
	for _, c := range comps {
		if err := c.Wait(ctx); err != nil {
			return err
		}
	}

	if tx.en.log != nil && (len(tx.records) > 0 || len(tx.freed) > 0) {
		// Snapshot byte-addressable payloads now: the user wrote them
		// after Alloc, and the log must carry the committed bytes.
		for _, pr := range tx.payloadRecords {
			img := pr.ext.ResidentBytes()
			o := object.FromBytes(img[pr.off:])
			p := make([]byte, len(o.Payload()))
			copy(p, o.Payload())
			pr.entry.Payload = p
		}
		entries := make([]*wal.Entry, 0, len(tx.records)+1)
		entries = append(entries, &wal.Entry{Kind: wal.KindBegin, TxID: tx.id, Version: tx.st.ReadVersion()})
		entries = append(entries, tx.records...)
		if err := tx.en.log.Append(entries...); err != nil {
			return err
		}
		if err := tx.en.log.Commit(tx.id, v); err != nil {
			return err
		}
	}

	if tx.en.opts.Durability == DurabilitySync {
		g, gctx := errgroup.WithContext(ctx)
		for src := range involved {
			g.Go(func() error { return src.Flush(gctx) })
		}
		if err := g.Wait(); err != nil {
			return err
		}
		if tx.en.log != nil {
			return tx.en.log.Sync()
		}
	}
	return nil
}

// Log record builders. Records accumulate in the transaction and reach
// the log only at commit; volatile placements are skipped because
// nothing about them survives a restart.

func (tx *Tx) logAlloc(ext *las.Extent, off, payload, ptrs int, class uint8) {
	if tx.en.log == nil {
		return
	}
	e, durable := tx.durableRef(ext, off)
	if !durable {
		return
	}
	e.Kind = wal.KindAlloc
	e.TxID = tx.id
	e.Size = uint32(payload)
	e.Ptrs = uint16(ptrs)
	e.Class = class
	tx.records = append(tx.records, e)
	// Byte-addressable persistent placements carry the payload in the
	// log: their extent images are only as durable as the last msync.
	if ext.ShadowOf() == nil {
		tx.payloadRecords = append(tx.payloadRecords, payloadRecord{entry: e, ext: ext, off: off})
	}
}

func (tx *Tx) logPtrSet(f FieldRef, ext *las.Extent, off int, tag uint16) {
	if tx.en.log == nil {
		return
	}
	target, ok := storageForm(ext, off, tag)
	if !ok {
		target = swizzle.Null
	}
	tx.logPtrWord(f, uint64(target))
}

func (tx *Tx) logPtrWord(f FieldRef, target uint64) {
	if tx.en.log == nil {
		return
	}
	e := &wal.Entry{Kind: wal.KindPtrSet, TxID: tx.id, Target: target}
	if f.IsRoot() {
		e.Src = rootSrcSentinel
		e.Name = f.root.Name()
	} else {
		he, durable := tx.durableRef(f.hext, f.hext.OffsetOf(f.holder.Addr()))
		if !durable {
			return
		}
		e.Src, e.ExtentOff, e.ObjOff = he.Src, he.ExtentOff, he.ObjOff
		e.Field = uint16(f.index)
	}
	tx.records = append(tx.records, e)
}

func (tx *Tx) logDelta(v View, mergeID uint8, off int, payload []byte) {
	if tx.en.log == nil {
		return
	}
	e, durable := tx.durableRef(v.ext, v.ext.OffsetOf(v.obj.Addr()))
	if !durable {
		return
	}
	e.TxID = tx.id
	e.DeltaOff = uint32(off)
	e.Payload = payload
	if mergeID != 0 {
		e.Kind = wal.KindMerge
		e.Name, _ = tx.en.merge.Name(mergeID)
	} else {
		e.Kind = wal.KindDelta
	}
	tx.records = append(tx.records, e)
}

// rootSrcSentinel marks PtrSet records whose holder is the root table.
const rootSrcSentinel = 0xFFFF

// durableRef builds the log addressing triple for an object location,
// or reports that the location is volatile and needs no record.
func (tx *Tx) durableRef(ext *las.Extent, off int) (*wal.Entry, bool) {
	stable := ext
	if be := ext.ShadowOf(); be != nil {
		stable = be
	}
	if !stable.Source().Persistent() {
		return nil, false
	}
	return &wal.Entry{
		Src:       uint16(stable.Source().ID()),
		ExtentOff: uint64(stable.SourceOffset()),
		ObjOff:    uint32(off),
	}, true
}

type payloadRecord struct {
	entry *wal.Entry
	ext   *las.Extent
	off   int
}
