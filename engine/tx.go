package engine

import (
	"context"
	"sync/atomic"

	"github.com/hupe1980/tierheap/epoch"
	"github.com/hupe1980/tierheap/las"
	"github.com/hupe1980/tierheap/object"
	"github.com/hupe1980/tierheap/swizzle"
	"github.com/hupe1980/tierheap/wal"
)

// Transaction state machine:
// Begun -> Validating -> Publishing -> Committed, or -> Aborted from
// any pre-commit state.
const (
	statusBegun int32 = iota
	statusValidating
	statusPublishing
	statusCommitted
	statusAborted
)

// Tx is one transaction. A Tx is used by a single goroutine; the
// engine-side structures it touches are what the concurrency model
// protects.
type Tx struct {
	en     *Engine
	st     *epoch.State
	id     uint64
	status atomic.Int32

	seg  *las.Extent   // current private allocation extent
	segs []*las.Extent // every extent this transaction opened

	allocs         []txAlloc
	records        []*wal.Entry
	payloadRecords []payloadRecord
	rfw            []rfwIntent
	deltas         []txDelta
	freed          []FieldRef
	pins           map[*las.Extent]struct{}
	installed      bool // at least one pointer field was CASed
}

type txAlloc struct {
	obj   object.Object
	ext   *las.Extent
	off   int
	size  int // payload bytes
	ptrs  int
	class uint8
	flags uint8
}

type rfwIntent struct {
	f        FieldRef
	observed swizzle.Ptr
}

type txDelta struct {
	f       FieldRef
	key     objKey
	mergeID uint8
	off     int
	payload []byte
}

// Begin starts a transaction at the current snapshot.
func (en *Engine) Begin(ctx context.Context) (*Tx, error) {
	if err := en.closedErr(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Tx{
		en:   en,
		st:   en.epoch.Begin(),
		id:   en.txSeq.Add(1),
		pins: make(map[*las.Extent]struct{}),
	}, nil
}

// ID returns the transaction id.
func (tx *Tx) ID() uint64 { return tx.id }

// ReadVersion returns the snapshot version.
func (tx *Tx) ReadVersion() uint64 { return tx.st.ReadVersion() }

func (tx *Tx) active() error {
	switch tx.status.Load() {
	case statusBegun:
		return nil
	case statusAborted:
		return ErrTxDone
	default:
		return ErrTxDone
	}
}

// touch pins an extent into the working set for the transaction's
// lifetime, keeping it out of the eviction candidate map.
func (tx *Tx) touch(e *las.Extent) {
	if e == nil {
		return
	}
	if _, ok := tx.pins[e]; !ok {
		e.Pin()
		tx.pins[e] = struct{}{}
	}
}

func (tx *Tx) unpinAll() {
	for e := range tx.pins {
		e.Unpin()
	}
	tx.pins = nil
}

// place reserves room for an object image in the transaction's private
// allocator segment, opening a new extent when the current one is full.
func (tx *Tx) place(ctx context.Context, total int) (object.Object, *las.Extent, int, error) {
	if total > tx.en.space.ExtentBytes() {
		return object.Object{}, nil, 0, las.ErrExtentBoundary
	}
	for {
		if tx.seg != nil {
			if off, ok := tx.seg.Reserve(total); ok {
				buf := tx.seg.ResidentBytes()
				return object.FromBytes(buf[off : off+total : off+total]), tx.seg, off, nil
			}
		}
		seg, err := tx.en.space.AllocateExtent(ctx, las.Hint{Kind: las.HintTx})
		if err != nil {
			return object.Object{}, nil, 0, err
		}
		tx.seg = seg
		tx.segs = append(tx.segs, seg)
		tx.touch(seg)
	}
}

// loadHead loads the field and classifies its head for writers.
// A head from an aborted transaction is unlinked in passing, so aborted
// garbage never blocks the field.
func (tx *Tx) loadHead(ctx context.Context, f FieldRef) (swizzle.Ptr, resolved, error) {
	for {
		p := f.Load()
		if p.IsNull() {
			return p, resolved{}, nil
		}
		r, err := tx.en.deref(ctx, f.field())
		if err != nil {
			return p, resolved{}, err
		}
		tx.touch(r.ext)
		// The deref may have swizzled the word; reload for the CAS base.
		p = f.Load()

		v, live := tx.en.resolveVersion(r.obj)
		if v == 0 && !live {
			// Aborted leftover: help unlink and retry.
			f.field().CompareAndSwap(p, r.obj.Chain().Load())
			continue
		}
		if v == 0 && live {
			h := r.obj.VersionField().Load()
			if h.IsIndirect() && h.Slot() == tx.st.Slot() {
				return p, r, nil // our own uncommitted head
			}
			tx.en.conflicts.Add(1)
			return p, resolved{}, ErrWriteConflict
		}
		return p, r, nil
	}
}

// Alloc allocates a new object under the pointer field f: a payload of
// ptrs pointer words followed by scalarLen scalar bytes. The object
// carries an indirect uncommitted version and is CASed into f; it
// becomes visible to others only when the transaction publishes.
func (tx *Tx) Alloc(ctx context.Context, f FieldRef, ptrs, scalarLen int) (*Mutable, error) {
	return tx.allocObject(ctx, f, ptrs, scalarLen, 0, 0, nil)
}

// AllocLattice allocates a lattice object whose scalar payload merges
// under the registered function name instead of conflicting.
func (tx *Tx) AllocLattice(ctx context.Context, f FieldRef, mergeName string, scalarLen int) (*Mutable, error) {
	id, ok := tx.en.merge.ID(mergeName)
	if !ok {
		return nil, &ErrUnregisteredMerge{Name: mergeName}
	}
	return tx.allocObject(ctx, f, 0, scalarLen, id, object.FlagLattice, nil)
}

func (tx *Tx) allocObject(ctx context.Context, f FieldRef, ptrs, scalarLen int, class, flags uint8, init []byte) (*Mutable, error) {
	if err := tx.active(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	old, _, err := tx.loadHead(ctx, f)
	if err != nil {
		return nil, err
	}

	payload := ptrs*8 + scalarLen
	total := object.TotalSize(payload)
	o, ext, off, err := tx.place(ctx, total)
	if err != nil {
		return nil, err
	}

	buf := ext.ResidentBytes()[off : off+total : off+total]
	o = object.Init(buf, object.Indirect(tx.st.Slot()), payload, ptrs, class, flags)
	o.Chain().Store(old)
	o.Parent().Store(f.holderPtr())
	if init != nil {
		copy(o.Scalar(), init)
	}

	tag := uint16(off / 8)
	np := swizzle.Native(o.Addr(), tag)
	if !f.field().CompareAndSwap(old, np) {
		// Another writer won the field between load and install.
		tx.en.conflicts.Add(1)
		return nil, ErrWriteConflict
	}
	tx.installed = true
	ext.MarkDirty()
	if f.hext != nil {
		f.hext.MarkDirty()
	}

	tx.allocs = append(tx.allocs, txAlloc{obj: o, ext: ext, off: off, size: payload, ptrs: ptrs, class: class, flags: flags})
	tx.logAlloc(ext, off, payload, ptrs, class)
	tx.logPtrSet(f, ext, off, tag)

	return &Mutable{tx: tx, obj: o, ext: ext}, nil
}

// Write creates a new version of the object under f by copying the
// newest visible version's contents; the returned Mutable is the only
// writable handle until commit.
func (tx *Tx) Write(ctx context.Context, f FieldRef) (*Mutable, error) {
	if err := tx.active(); err != nil {
		return nil, err
	}
	cur, err := tx.Read(ctx, f)
	if err != nil {
		return nil, err
	}
	src := cur.obj
	m, err := tx.allocObject(ctx, f, src.Ptrs(), len(src.Scalar()), src.Class(), src.Flags()&^object.FlagFreed, nil)
	if err != nil {
		return nil, err
	}
	copy(m.obj.Payload(), src.Payload())
	return m, nil
}

// Read returns the newest version under f whose resolved version is at
// or below the transaction's read version. The transaction's own
// uncommitted writes are visible to it. Read never aborts.
func (tx *Tx) Read(ctx context.Context, f FieldRef) (View, error) {
	if err := tx.active(); err != nil {
		return View{}, err
	}
	if err := ctx.Err(); err != nil {
		return View{}, err
	}

	field := f.field()
	for {
		r, err := tx.en.deref(ctx, field)
		if err != nil {
			return View{}, err
		}
		tx.touch(r.ext)

		v, live := tx.en.resolveVersion(r.obj)
		visible := false
		switch {
		case v != 0 && v <= tx.st.ReadVersion():
			visible = true
		case v == 0 && live:
			h := r.obj.VersionField().Load()
			visible = h.IsIndirect() && h.Slot() == tx.st.Slot()
		}
		if visible {
			if err := tx.en.stallOnPendingDelta(ctx, r, tx.st.ReadVersion()); err != nil {
				return View{}, err
			}
			return View{obj: r.obj, ext: r.ext, version: v}, nil
		}

		// Too new, in flight, or aborted: follow the chain.
		field = r.obj.Chain()
	}
}

// ReadForWrite reads like Read and records an intent on f: commit
// aborts if another transaction commits a new head at f in between.
func (tx *Tx) ReadForWrite(ctx context.Context, f FieldRef) (View, error) {
	v, err := tx.Read(ctx, f)
	if err != nil {
		return View{}, err
	}
	tx.rfw = append(tx.rfw, rfwIntent{f: f, observed: tx.foreignHead(ctx, f)})
	return v, nil
}

// foreignHead returns the newest head of f not installed by this
// transaction: our own copy-on-write heads chain down to the version
// the intent is really about.
func (tx *Tx) foreignHead(ctx context.Context, f FieldRef) swizzle.Ptr {
	w := f.Load()
	for i := 0; i < maxChainWalk; i++ {
		if w.IsNull() {
			return w
		}
		r, _, err := tx.en.resolvePtr(ctx, w)
		if err != nil || !r.obj.Valid() {
			return w
		}
		h := r.obj.VersionField().Load()
		if h.IsIndirect() && h.Slot() == tx.st.Slot() {
			w = r.obj.Chain().Load()
			continue
		}
		return w
	}
	return w
}

// Set appends a byte delta against the object under f to the
// transaction's redo log. No new version is allocated; the delta is
// resolved after commit. For lattice objects the payload is a merge
// operand rather than an overwrite.
func (tx *Tx) Set(ctx context.Context, f FieldRef, off int, payload []byte) error {
	if err := tx.active(); err != nil {
		return err
	}
	v, err := tx.Read(ctx, f)
	if err != nil {
		return err
	}
	if off < 0 || off+len(payload) > len(v.Scalar()) {
		return las.ErrExtentBoundary
	}

	var mergeID uint8
	if v.obj.Flags()&object.FlagLattice != 0 {
		mergeID = v.obj.Class()
	}
	p := make([]byte, len(payload))
	copy(p, payload)
	tx.deltas = append(tx.deltas, txDelta{
		f:       f,
		key:     resolved{obj: v.obj, ext: v.ext}.key(),
		mergeID: mergeID,
		off:     off,
		payload: p,
	})
	tx.logDelta(v, mergeID, off, p)
	return nil
}

// Free links the object under f onto the transaction's free list. The
// field is nulled at commit; physical reclamation is the GC's.
func (tx *Tx) Free(ctx context.Context, f FieldRef) error {
	if err := tx.active(); err != nil {
		return err
	}
	_, r, err := tx.loadHead(ctx, f)
	if err != nil {
		return err
	}
	if !r.obj.Valid() {
		return ErrNullPointer
	}
	tx.freed = append(tx.freed, f)
	return nil
}

// Abort discards the transaction: private segments, redo deltas and
// indirect-version slots. No pointer field needs rolling back: every
// object this transaction installed carries a version that never
// becomes valid, and later writers unlink it in passing.
func (tx *Tx) Abort() {
	if !tx.setStatus(statusAborted) {
		return
	}
	tx.en.aborts.Add(1)
	tx.en.epoch.Finish(tx.st)
	tx.en.epoch.Release(tx.st)
	tx.unpinAll()
	if !tx.installed {
		for _, seg := range tx.segs {
			tx.en.space.FreeExtent(seg)
		}
	}
	tx.segs = nil
	tx.seg = nil
	tx.allocs = nil
	tx.records = nil
	tx.payloadRecords = nil
	tx.deltas = nil
}

func (tx *Tx) setStatus(to int32) bool {
	for {
		cur := tx.status.Load()
		if cur == statusCommitted || cur == statusAborted {
			return false
		}
		if tx.status.CompareAndSwap(cur, to) {
			return true
		}
	}
}

// View is a read-only handle to one object version.
type View struct {
	obj     object.Object
	ext     *las.Extent
	version uint64
}

// Valid reports whether the view holds an object.
func (v View) Valid() bool { return v.obj.Valid() }

// Version returns the resolved version, 0 for own uncommitted objects.
func (v View) Version() uint64 { return v.version }

// Scalar returns the read-only scalar payload.
func (v View) Scalar() []byte { return v.obj.Scalar() }

// Ptrs returns the number of pointer fields.
func (v View) Ptrs() int { return v.obj.Ptrs() }

// Field returns the reference for the i-th pointer field, for
// traversal deeper into the heap.
func (v View) Field(en *Engine, i int) FieldRef {
	return en.FieldOf(v.obj, v.ext, i)
}

// Mutable is the single writable handle to an object allocated in this
// transaction. It is consumed by commit; afterwards only read-only
// views exist.
type Mutable struct {
	tx  *Tx
	obj object.Object
	ext *las.Extent
}

// Scalar returns the writable scalar payload. Valid until commit.
func (m *Mutable) Scalar() []byte {
	if m.tx.status.Load() != statusBegun {
		return nil
	}
	return m.obj.Scalar()
}

// Field returns the reference for the i-th pointer field, for
// allocating children under this object.
func (m *Mutable) Field(i int) FieldRef {
	return m.tx.en.FieldOf(m.obj, m.ext, i)
}

// View downgrades to a read-only view.
func (m *Mutable) View() View {
	return View{obj: m.obj, ext: m.ext}
}
