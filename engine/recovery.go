package engine

import (
	"context"
	"fmt"

	"github.com/hupe1980/tierheap/object"
	"github.com/hupe1980/tierheap/source"
	"github.com/hupe1980/tierheap/swizzle"
	"github.com/hupe1980/tierheap/wal"
)

// RecoveryResult summarizes a log replay.
type RecoveryResult struct {
	Transactions int
	LastCommit   uint64
}

// Recover forward-replays the committed transactions from the durable
// log, rebuilding volatile state: extent registrations and occupancy,
// byte-addressable object images, and pointer fields. Block extent
// images are authoritative on their devices; replay only re-registers
// them. Lattice merges are re-applied through the registry; an
// unregistered name fails the open.
func (en *Engine) Recover(ctx context.Context) (RecoveryResult, error) {
	if en.log == nil {
		return RecoveryResult{}, nil
	}
	txs, last, err := en.log.ReplayCommitted()
	if err != nil {
		return RecoveryResult{}, &ErrCorrupt{Detail: "log replay failed", cause: err}
	}

	for _, tx := range txs {
		for i := range tx.Entries {
			if err := en.replayEntry(ctx, &tx.Entries[i], tx.CommitVersion); err != nil {
				return RecoveryResult{}, err
			}
		}
	}
	return RecoveryResult{Transactions: len(txs), LastCommit: last}, nil
}

func (en *Engine) replayEntry(ctx context.Context, e *wal.Entry, commitVersion uint64) error {
	switch e.Kind {
	case wal.KindAlloc:
		return en.replayAlloc(e, commitVersion)
	case wal.KindPtrSet:
		return en.replayPtrSet(e)
	case wal.KindDelta:
		return en.replayDelta(e, nil)
	case wal.KindMerge:
		fn, ok := en.merge.Lookup(e.Name)
		if !ok {
			return &ErrUnregisteredMerge{Name: e.Name}
		}
		return en.replayDelta(e, fn)
	default:
		return nil
	}
}

func (en *Engine) replayAlloc(e *wal.Entry, commitVersion uint64) error {
	ext, err := en.space.RestoreExtent(source.ID(e.Src), int64(e.ExtentOff))
	if err != nil {
		return &ErrCorrupt{Detail: "alloc record references unknown source", cause: err}
	}
	total := object.TotalSize(int(e.Size))
	end := int(e.ObjOff) + total
	if end > ext.Bytes() {
		return &ErrCorrupt{Detail: fmt.Sprintf("alloc record overflows extent %v", ext.ID())}
	}
	ext.RestoreCursor(end, ext.Live()+total, commitVersion)

	buf := ext.ResidentBytes()
	if buf == nil {
		// Block extent: the written-back image carries the object.
		return nil
	}
	img := buf[e.ObjOff : int(e.ObjOff)+total : int(e.ObjOff)+total]
	o := object.Init(img, object.Real(commitVersion), int(e.Size), int(e.Ptrs), e.Class, 0)
	if len(e.Payload) > 0 {
		copy(o.Payload(), e.Payload)
		// Stored pointer words are stale native addresses from the
		// previous process; null the cluster and let PtrSet records
		// rebuild it.
		for i := 0; i < o.Ptrs(); i++ {
			o.PointerField(i).Store(swizzle.Null)
		}
	}
	return nil
}

func (en *Engine) replayPtrSet(e *wal.Entry) error {
	if e.Src == rootSrcSentinel {
		r := en.Root(e.Name)
		r.Field().Store(swizzle.Ptr(e.Target))
		return nil
	}
	ext, err := en.space.RestoreExtent(source.ID(e.Src), int64(e.ExtentOff))
	if err != nil {
		return &ErrCorrupt{Detail: "ptrset record references unknown source", cause: err}
	}
	buf := ext.ResidentBytes()
	if buf == nil {
		return nil // block image is authoritative
	}
	o := object.FromBytes(buf[e.ObjOff:])
	if int(e.Field) >= o.Ptrs() {
		return &ErrCorrupt{Detail: fmt.Sprintf("ptrset field %d out of range in extent %v", e.Field, ext.ID())}
	}
	o.PointerField(int(e.Field)).Store(swizzle.Ptr(e.Target))
	return nil
}

func (en *Engine) replayDelta(e *wal.Entry, merge MergeFunc) error {
	ext, err := en.space.RestoreExtent(source.ID(e.Src), int64(e.ExtentOff))
	if err != nil {
		return &ErrCorrupt{Detail: "delta record references unknown source", cause: err}
	}
	buf := ext.ResidentBytes()
	if buf == nil {
		return nil
	}
	o := object.FromBytes(buf[e.ObjOff:])
	scalar := o.Scalar()
	off := int(e.DeltaOff)
	if off+len(e.Payload) > len(scalar) {
		return &ErrCorrupt{Detail: fmt.Sprintf("delta overflows object in extent %v", ext.ID())}
	}
	if merge != nil {
		copy(scalar[off:], merge(scalar[off:off+len(e.Payload)], e.Payload))
	} else {
		copy(scalar[off:], e.Payload)
	}
	return nil
}
