// Package las implements the logical address space: it carves sources
// into extents, issues logical slices, maintains the page table mapping
// block extents to their resident shadows, and keeps the eviction
// candidate map.
//
// Pointer dereference fast paths never enter this package; they go
// straight through the swizzled word. The LAS is the slow path: block
// fault-in, allocation, eviction and compaction support.
package las

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/hupe1980/tierheap/object"
	"github.com/hupe1980/tierheap/resource"
	"github.com/hupe1980/tierheap/source"
)

// HintKind steers extent placement.
type HintKind int

const (
	// HintTx places a new transaction object: persistent byte-addressable
	// first, then memory, then block with a memory shadow.
	HintTx HintKind = iota
	// HintCompaction accepts any destination.
	HintCompaction
	// HintSlab places a slab extent; byte-addressable preferred.
	HintSlab
	// HintDirected pins the allocation to one source.
	HintDirected
)

// Hint carries the placement request.
type Hint struct {
	Kind   HintKind
	Source source.ID // only for HintDirected
}

// Observer receives address-space events. The monitoring package
// provides an implementation backed by VictoriaMetrics counters.
type Observer interface {
	OnFaultIn()
}

// NoopObserver discards all events.
type NoopObserver struct{}

// OnFaultIn implements Observer.
func (NoopObserver) OnFaultIn() {}

// Config configures the LAS.
type Config struct {
	// PageSize is the heap-wide page size. Defaults to 4096.
	PageSize int
	// ExtentPages is the extent length in pages. Defaults to 16.
	ExtentPages int
	// Controller budgets resident memory; may be nil.
	Controller *resource.Controller
	// Observer receives fault-in events. Defaults to NoopObserver.
	Observer Observer
}

type attachedSource struct {
	src     source.Source
	byteSrc source.ByteAddressable // nil for block sources
	chunk   int64                  // internal boundary extents must not cross; 0 = none

	mu   sync.Mutex
	next int64
	free []int64
}

// acquire reserves extentBytes within the source and returns the byte
// offset, or false when the source is full.
func (a *attachedSource) acquire(extentBytes int64) (int64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n := len(a.free); n > 0 {
		off := a.free[n-1]
		a.free = a.free[:n-1]
		return off, true
	}
	off := a.next
	if a.chunk > 0 && off/a.chunk != (off+extentBytes-1)/a.chunk {
		off = (off/a.chunk + 1) * a.chunk
	}
	if off+extentBytes > a.src.Capacity() {
		return 0, false
	}
	a.next = off + extentBytes
	return off, true
}

func (a *attachedSource) release(off int64) {
	a.mu.Lock()
	a.free = append(a.free, off)
	a.mu.Unlock()
}

// LAS is the logical address space over all attached sources.
type LAS struct {
	cfg         Config
	extentBytes int

	mu      sync.RWMutex
	sources map[source.ID]*attachedSource
	order   []*attachedSource
	memTier *attachedSource // shadow allocations come from here

	extents   *xsync.MapOf[ExtentID, *Extent] // every live extent
	pageTable *xsync.MapOf[ExtentID, *Extent] // block extent -> resident shadow
	faults    *xsync.MapOf[ExtentID, *faultOp]

	candidates     *xsync.MapOf[ExtentID, *Extent]
	candidateBytes atomic.Int64
	faultins       atomic.Uint64

	// addrIndex locates the extent holding a native address; consulted
	// only on slow paths (unswizzling, GC walks).
	addrMu    sync.RWMutex
	addrIndex []*Extent // sorted by base address

	closed atomic.Bool
}

type faultOp struct {
	done   chan struct{}
	shadow *Extent
	err    error
}

// New creates an empty LAS.
func New(cfg Config) *LAS {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 4096
	}
	if cfg.ExtentPages <= 0 {
		cfg.ExtentPages = 16
	}
	if cfg.Observer == nil {
		cfg.Observer = NoopObserver{}
	}
	return &LAS{
		cfg:         cfg,
		extentBytes: cfg.PageSize * cfg.ExtentPages,
		sources:     make(map[source.ID]*attachedSource),
		extents:     xsync.NewMapOf[ExtentID, *Extent](),
		pageTable:   xsync.NewMapOf[ExtentID, *Extent](),
		faults:      xsync.NewMapOf[ExtentID, *faultOp](),
		candidates:  xsync.NewMapOf[ExtentID, *Extent](),
	}
}

// PageSize returns the heap-wide page size.
func (l *LAS) PageSize() int { return l.cfg.PageSize }

// ExtentBytes returns the uniform extent length in bytes.
func (l *LAS) ExtentBytes() int { return l.extentBytes }

// Controller returns the resource controller, possibly nil.
func (l *LAS) Controller() *resource.Controller { return l.cfg.Controller }

// FaultIns returns the number of block fault-ins served.
func (l *LAS) FaultIns() uint64 { return l.faultins.Load() }

// Attach registers a source. Sources may be attached at open or later.
func (l *LAS) Attach(src source.Source) error {
	if l.closed.Load() {
		return ErrClosed
	}
	a := &attachedSource{src: src}
	if bs, ok := src.(source.ByteAddressable); ok {
		a.byteSrc = bs
	}
	if ms, ok := src.(*source.MemorySource); ok {
		if ms.ChunkBytes()%int64(l.extentBytes) != 0 {
			return fmt.Errorf("las: memory chunk %d not a multiple of extent size %d", ms.ChunkBytes(), l.extentBytes)
		}
		a.chunk = ms.ChunkBytes()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.sources[src.ID()]; dup {
		return fmt.Errorf("las: duplicate source id %d", src.ID())
	}
	l.sources[src.ID()] = a
	l.order = append(l.order, a)
	if src.Kind() == source.KindMemory && l.memTier == nil {
		l.memTier = a
	}
	return nil
}

// SourceByID returns the attached source.
func (l *LAS) SourceByID(id source.ID) (source.Source, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	a, ok := l.sources[id]
	if !ok {
		return nil, false
	}
	return a.src, true
}

// Sources returns the attached sources in attach order.
func (l *LAS) Sources() []source.Source {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]source.Source, len(l.order))
	for i, a := range l.order {
		out[i] = a.src
	}
	return out
}

func (l *LAS) placementOrder(hint Hint) []*attachedSource {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var pmem, mem, block []*attachedSource
	for _, a := range l.order {
		switch a.src.Kind() {
		case source.KindPersistentMemory:
			pmem = append(pmem, a)
		case source.KindMemory:
			mem = append(mem, a)
		case source.KindBlock:
			block = append(block, a)
		}
	}

	switch hint.Kind {
	case HintDirected:
		if a, ok := l.sources[hint.Source]; ok {
			return []*attachedSource{a}
		}
		return nil
	case HintSlab:
		return append(append(pmem, mem...), block...)
	case HintCompaction:
		return append(append(pmem, block...), mem...)
	default: // HintTx
		return append(append(pmem, mem...), block...)
	}
}

// AllocateExtent creates a fresh, resident, empty extent placed per the
// hint. Block placements always come with a writable memory shadow so
// the caller gets byte-addressable slices.
func (l *LAS) AllocateExtent(ctx context.Context, hint Hint) (*Extent, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}
	for _, a := range l.placementOrder(hint) {
		var (
			e   *Extent
			err error
		)
		if a.byteSrc != nil {
			e, err = l.newByteExtent(ctx, a, false)
		} else {
			e, err = l.newBlockExtent(ctx, a)
		}
		if err != nil {
			return nil, err
		}
		if e != nil {
			return e, nil
		}
	}
	return nil, ErrOutOfSpace
}

// AllocateSlabExtent creates a resident extent carrying a slab
// descriptor for the class.
func (l *LAS) AllocateSlabExtent(ctx context.Context, class object.SlabClass, hint Hint) (*Extent, error) {
	if class.ExtentBytes() > l.extentBytes {
		return nil, fmt.Errorf("las: slab class %d needs %d bytes, extent holds %d: %w",
			class.ID, class.ExtentBytes(), l.extentBytes, ErrExtentBoundary)
	}
	e, err := l.AllocateExtent(ctx, hint)
	if err != nil {
		return nil, err
	}
	e.slab = object.NewSlab(class)
	return e, nil
}

// newByteExtent carves an extent out of a byte-addressable source.
// For memory sources the resident budget gates the allocation: the
// non-blocking form fails over to the next placement (typically block
// plus shadow), while the blocking form (used for shadows, which
// must land in memory) waits for the eviction worker to free budget.
func (l *LAS) newByteExtent(ctx context.Context, a *attachedSource, blocking bool) (*Extent, error) {
	off, ok := a.acquire(int64(l.extentBytes))
	if !ok {
		return nil, nil // try next source
	}
	if a.src.Kind() == source.KindMemory {
		if blocking {
			if err := l.cfg.Controller.AcquireMemory(ctx, int64(l.extentBytes)); err != nil {
				a.release(off)
				return nil, err
			}
		} else if !l.cfg.Controller.TryAcquireMemory(int64(l.extentBytes)) {
			a.release(off)
			return nil, nil // memory tier under pressure; try next source
		}
	}
	buf := a.byteSrc.Bytes(off, l.extentBytes)
	if buf == nil {
		a.release(off)
		return nil, fmt.Errorf("las: source %d: extent at %d unmapped", a.src.ID(), off)
	}
	clear(buf)

	e := &Extent{
		id:    MakeExtentID(a.src.ID(), uint64(off)/uint64(l.cfg.PageSize)),
		src:   a.src,
		bytes: l.extentBytes,
		off:   off,
		buf:   buf,
	}
	e.state.Store(int32(StateResident))
	l.extents.Store(e.id, e)
	l.indexInsert(e)
	return e, nil
}

func (l *LAS) newBlockExtent(ctx context.Context, a *attachedSource) (*Extent, error) {
	l.mu.RLock()
	mem := l.memTier
	l.mu.RUnlock()
	if mem == nil {
		return nil, fmt.Errorf("las: block source %d needs a memory source for shadows", a.src.ID())
	}

	off, ok := a.acquire(int64(l.extentBytes))
	if !ok {
		return nil, nil
	}
	be := &Extent{
		id:    MakeExtentID(a.src.ID(), uint64(off)/uint64(l.cfg.PageSize)),
		src:   a.src,
		bytes: l.extentBytes,
		off:   off,
	}
	be.state.Store(int32(StateEvicted)) // never directly addressable

	shadow, err := l.newShadow(ctx, mem, be)
	if err != nil {
		a.release(off)
		return nil, err
	}
	// Born dirty: no image exists on the block side yet.
	shadow.MarkDirty()
	l.extents.Store(be.id, be)
	return shadow, nil
}

func (l *LAS) newShadow(ctx context.Context, mem *attachedSource, be *Extent) (*Extent, error) {
	e, err := l.newByteExtent(ctx, mem, true)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, ErrOutOfSpace
	}
	e.shadowOf.Store(be)
	e.backing.Store(be)
	be.backing.Store(e)
	l.pageTable.Store(be.id, e)
	return e, nil
}

// Allocate reserves size bytes in an extent placed per the hint and
// returns the extent with its single mutable slice. A request larger
// than one extent fails with ErrExtentBoundary: slices never cross one.
func (l *LAS) Allocate(ctx context.Context, size int, hint Hint) (*Extent, *MutableSlice, error) {
	if size <= 0 || size > l.extentBytes {
		return nil, nil, ErrExtentBoundary
	}
	e, err := l.AllocateExtent(ctx, hint)
	if err != nil {
		return nil, nil, err
	}
	off, ok := e.Reserve(size)
	if !ok {
		return nil, nil, ErrExtentBoundary
	}
	return e, l.MutableAt(e, off, size), nil
}

// MutableAt issues the mutable slice for a freshly reserved range.
// Callers obtain ranges only through Reserve, so each range gets
// exactly one mutable slice.
func (l *LAS) MutableAt(e *Extent, off, n int) *MutableSlice {
	buf := e.ResidentBytes()
	return &MutableSlice{ext: e, off: off, buf: buf[off : off+n : off+n]}
}

// Publish consumes the mutable slice and returns the read-only logical
// slice for the range. Only immutable slices exist from here on.
func (l *LAS) Publish(ms *MutableSlice) (Slice, error) {
	if ms.consumed {
		return Slice{}, ErrConsumed
	}
	ms.consumed = true
	n := len(ms.buf)
	ms.buf = nil
	return Slice{ext: ms.ext, off: ms.off, n: n}, nil
}

// SliceAt issues a read-only slice over a committed range.
func (l *LAS) SliceAt(e *Extent, off, n int) (Slice, error) {
	if off < 0 || n < 0 || off+n > e.bytes {
		return Slice{}, ErrExtentBoundary
	}
	return Slice{ext: e, off: off, n: n}, nil
}

// ExtentOf returns the extent with the given identity.
func (l *LAS) ExtentOf(id ExtentID) (*Extent, bool) {
	return l.extents.Load(id)
}

// ExtentForPage returns the extent of source src containing page.
func (l *LAS) ExtentForPage(src source.ID, page uint64) (*Extent, bool) {
	start := page - page%uint64(l.cfg.ExtentPages)
	return l.extents.Load(MakeExtentID(src, start))
}

// ExtentForOffset returns the byte-addressable extent of src containing
// byte offset off.
func (l *LAS) ExtentForOffset(src source.ID, off uint64) (*Extent, bool) {
	start := off - off%uint64(l.extentBytes)
	return l.extents.Load(MakeExtentID(src, start/uint64(l.cfg.PageSize)))
}

// Resident returns the resident twin for a block extent: its shadow if
// mapped, resurrecting it from the candidate map when needed.
func (l *LAS) Resident(be *Extent) (*Extent, bool) {
	s, ok := l.pageTable.Load(be.id)
	if !ok {
		return nil, false
	}
	if !l.Revive(s) {
		return nil, false
	}
	return s, true
}

// FaultIn maps a block extent into memory, reading its image from the
// source. Concurrent faults on the same extent share one read.
func (l *LAS) FaultIn(ctx context.Context, be *Extent) (*Extent, error) {
	if s, ok := l.Resident(be); ok {
		s.Touch()
		return s, nil
	}

	op := &faultOp{done: make(chan struct{})}
	winner, loaded := l.faults.LoadOrStore(be.id, op)
	if loaded {
		select {
		case <-winner.done:
			return winner.shadow, winner.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	op.shadow, op.err = l.faultInLocked(ctx, be)
	close(op.done)
	l.faults.Delete(be.id)
	return op.shadow, op.err
}

func (l *LAS) faultInLocked(ctx context.Context, be *Extent) (*Extent, error) {
	// Re-check: a concurrent fault may have finished before we won.
	if s, ok := l.Resident(be); ok {
		return s, nil
	}
	l.mu.RLock()
	mem := l.memTier
	l.mu.RUnlock()
	if mem == nil {
		return nil, fmt.Errorf("las: no memory source to fault into")
	}

	shadow, err := l.newShadow(ctx, mem, be)
	if err != nil {
		return nil, err
	}
	buf := shadow.ResidentBytes()
	if err := be.src.ReadPages(ctx, be.id.StartPage(), buf).Wait(ctx); err != nil {
		l.dropShadow(shadow)
		return nil, err
	}
	// The image was walked at unswizzle time, so the bump cursor is the
	// backing extent's; carry it over with the occupancy counters.
	shadow.used.Store(be.used.Load())
	shadow.live.Store(be.live.Load())
	shadow.floor.Store(be.floor.Load())
	shadow.slab = be.slab
	l.faultins.Add(1)
	l.cfg.Observer.OnFaultIn()
	return shadow, nil
}

// SnapshotImage copies a shadow's resident image for write-back. The
// caller may rewrite pointer words in the copy to their storage form
// before handing it to WriteBackImage.
func (l *LAS) SnapshotImage(shadow *Extent) ([]byte, error) {
	if shadow.shadowOf.Load() == nil {
		return nil, fmt.Errorf("las: extent %v has no block backing", shadow.id)
	}
	buf := shadow.ResidentBytes()
	if buf == nil {
		return nil, ErrNotResident
	}
	shadow.dirty.Store(false)
	img := make([]byte, len(buf))
	copy(img, buf)
	return img, nil
}

// WriteBackImage writes a snapshotted image to the shadow's block
// backing and returns the completion.
func (l *LAS) WriteBackImage(ctx context.Context, shadow *Extent, img []byte) (*source.Completion, error) {
	be := shadow.shadowOf.Load()
	if be == nil {
		return nil, fmt.Errorf("las: extent %v has no block backing", shadow.id)
	}
	if err := l.cfg.Controller.AcquireIO(ctx, len(img)); err != nil {
		return nil, err
	}
	comp := be.src.WritePages(ctx, be.id.StartPage(), img)
	be.pending.Store(comp)
	be.used.Store(shadow.used.Load())
	be.live.Store(shadow.live.Load())
	be.floor.Store(shadow.floor.Load())
	be.slab = shadow.slab
	return comp, nil
}

// WriteBack snapshots and writes a shadow's image unchanged.
func (l *LAS) WriteBack(ctx context.Context, shadow *Extent) (*source.Completion, error) {
	img, err := l.SnapshotImage(shadow)
	if err != nil {
		return nil, err
	}
	return l.WriteBackImage(ctx, shadow, img)
}

// dropShadow unmaps and frees a shadow extent.
func (l *LAS) dropShadow(shadow *Extent) {
	be := shadow.shadowOf.Load()
	shadow.state.Store(int32(StateDead))
	l.indexRemove(shadow)
	shadow.dropImage()
	if be != nil {
		l.pageTable.Delete(be.id)
		be.backing.Store(nil)
	}
	l.extents.Delete(shadow.id)
	l.releaseExtentRange(shadow)
}

// FreeExtent retires an extent entirely (compaction source, emptied
// slab). Block extents release their shadow first.
func (l *LAS) FreeExtent(e *Extent) {
	if s := e.backing.Load(); s != nil && e.src.Kind() == source.KindBlock {
		l.dropShadow(s)
	}
	l.candidates.Delete(e.id)
	e.state.Store(int32(StateDead))
	l.indexRemove(e)
	e.dropImage()
	l.extents.Delete(e.id)
	l.releaseExtentRange(e)
}

func (l *LAS) releaseExtentRange(e *Extent) {
	l.mu.RLock()
	a := l.sources[e.src.ID()]
	l.mu.RUnlock()
	if a == nil {
		return
	}
	a.release(e.off)
	if e.src.Kind() == source.KindMemory {
		l.cfg.Controller.ReleaseMemory(int64(e.bytes))
	}
}

// RestoreExtent re-registers an extent known from the durable log or
// manifest. Byte-addressable extents come back resident, aliasing their
// source mapping; block extents stay cold until faulted.
func (l *LAS) RestoreExtent(srcID source.ID, off int64) (*Extent, error) {
	l.mu.RLock()
	a := l.sources[srcID]
	l.mu.RUnlock()
	if a == nil {
		return nil, fmt.Errorf("las: restore references unknown source %d", srcID)
	}

	id := MakeExtentID(srcID, uint64(off)/uint64(l.cfg.PageSize))
	if e, ok := l.extents.Load(id); ok {
		return e, nil
	}

	e := &Extent{
		id:    id,
		src:   a.src,
		bytes: l.extentBytes,
		off:   off,
	}
	if a.byteSrc != nil {
		buf := a.byteSrc.Bytes(off, l.extentBytes)
		if buf == nil {
			return nil, fmt.Errorf("las: source %d: restored extent at %d unmapped", srcID, off)
		}
		e.buf = buf
		e.state.Store(int32(StateResident))
		l.indexInsert(e)
	} else {
		e.state.Store(int32(StateEvicted))
	}

	// Keep the bump allocator clear of the restored range.
	a.mu.Lock()
	if a.next < off+int64(l.extentBytes) {
		a.next = off + int64(l.extentBytes)
	}
	a.mu.Unlock()

	l.extents.Store(id, e)
	return e, nil
}

// RestoreExtentForOffset restores the extent containing byte offset
// off of a byte-addressable source. Extents are uniform, so the
// geometry is recomputable from any interior pointer.
func (l *LAS) RestoreExtentForOffset(srcID source.ID, off uint64) (*Extent, error) {
	start := off - off%uint64(l.extentBytes)
	return l.RestoreExtent(srcID, int64(start))
}

// RestoreExtentForPage restores the block extent containing page.
func (l *LAS) RestoreExtentForPage(srcID source.ID, page uint64) (*Extent, error) {
	start := page - page%uint64(l.cfg.ExtentPages)
	return l.RestoreExtent(srcID, int64(start)*int64(l.cfg.PageSize))
}

// RestoreCursor seeds an extent's occupancy after replay.
func (e *Extent) RestoreCursor(used, live int, floor uint64) {
	for {
		cur := e.used.Load()
		if cur >= int64(used) {
			break
		}
		if e.used.CompareAndSwap(cur, int64(used)) {
			break
		}
	}
	e.live.Store(int64(live))
	if floor != 0 {
		e.ObserveVersion(floor)
	}
}

// ExtentByAddr locates the resident extent containing a native address.
// Slow path only.
func (l *LAS) ExtentByAddr(addr uintptr) (*Extent, bool) {
	l.addrMu.RLock()
	defer l.addrMu.RUnlock()
	i := sort.Search(len(l.addrIndex), func(i int) bool {
		return l.addrIndex[i].BaseAddr() > addr
	})
	if i == 0 {
		return nil, false
	}
	e := l.addrIndex[i-1]
	if e.Contains(addr) {
		return e, true
	}
	return nil, false
}

func (l *LAS) indexInsert(e *Extent) {
	l.addrMu.Lock()
	defer l.addrMu.Unlock()
	base := e.BaseAddr()
	i := sort.Search(len(l.addrIndex), func(i int) bool {
		return l.addrIndex[i].BaseAddr() > base
	})
	l.addrIndex = append(l.addrIndex, nil)
	copy(l.addrIndex[i+1:], l.addrIndex[i:])
	l.addrIndex[i] = e
}

func (l *LAS) indexRemove(e *Extent) {
	l.addrMu.Lock()
	defer l.addrMu.Unlock()
	for i, x := range l.addrIndex {
		if x == e {
			l.addrIndex = append(l.addrIndex[:i], l.addrIndex[i+1:]...)
			return
		}
	}
}

// RangeExtents visits every live extent.
func (l *LAS) RangeExtents(fn func(*Extent) bool) {
	l.extents.Range(func(_ ExtentID, e *Extent) bool {
		return fn(e)
	})
}

// Close marks the LAS closed. Sources are closed by the heap.
func (l *LAS) Close() {
	l.closed.Store(true)
}
