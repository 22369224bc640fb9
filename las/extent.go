package las

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/hupe1980/tierheap/object"
	"github.com/hupe1980/tierheap/source"
)

// ExtentState tracks residency of an extent image.
type ExtentState int32

const (
	// StateResident means the image is in memory and directly addressable.
	StateResident ExtentState = iota
	// StateCandidate means the extent sits in the eviction candidate map
	// with all inbound pointers unswizzled.
	StateCandidate
	// StateEvicted means the image was dropped; access faults it back in.
	StateEvicted
	// StateDead means the extent was compacted away or freed.
	StateDead
)

// ExtentID identifies an extent by its source and first page.
type ExtentID uint64

// MakeExtentID packs a source id and start page.
func MakeExtentID(src source.ID, startPage uint64) ExtentID {
	return ExtentID(uint64(src)<<48 | startPage&(1<<48-1))
}

// Source returns the owning source id.
func (id ExtentID) Source() source.ID { return source.ID(uint64(id) >> 48) }

// StartPage returns the first page of the extent run.
func (id ExtentID) StartPage() uint64 { return uint64(id) & (1<<48 - 1) }

// Extent is a contiguous run of pages within one source: the unit of
// allocation, eviction and compaction. The Go-side struct is metadata;
// the payload bytes live in the source.
type Extent struct {
	id    ExtentID
	src   source.Source
	bytes int
	off   int64 // byte offset of the extent within its source

	// Resident image. For byte-addressable sources this aliases source
	// memory; for block sources it is a shadow in the memory tier.
	mu    sync.RWMutex
	buf   []byte
	state atomic.Int32

	// shadowOf links a memory shadow back to its block extent, and
	// backing links a block extent to its current shadow.
	shadowOf atomic.Pointer[Extent]
	backing  atomic.Pointer[Extent]

	used  atomic.Int64  // bump cursor for object placement
	live  atomic.Int64  // live payload bytes, maintained by the GC
	floor atomic.Uint64 // lowest real version stored in the extent

	touched atomic.Bool  // second-chance bit for eviction
	dirty   atomic.Bool  // image diverged from block backing
	pins    atomic.Int32 // active-transaction working-set pins
	slab    *object.Slab

	// pending is the in-flight background write of a fresh block-backed
	// extent; publication of durability waits on it.
	pending atomic.Pointer[source.Completion]
}

// ID returns the extent identity.
func (e *Extent) ID() ExtentID { return e.id }

// Source returns the owning source.
func (e *Extent) Source() source.Source { return e.src }

// Bytes returns the extent length in bytes.
func (e *Extent) Bytes() int { return e.bytes }

// SourceOffset returns the extent's byte offset within its source.
func (e *Extent) SourceOffset() int64 { return e.off }

// State returns the residency state.
func (e *Extent) State() ExtentState { return ExtentState(e.state.Load()) }

// Slab returns the slab descriptor, or nil for regular extents.
func (e *Extent) Slab() *object.Slab { return e.slab }

// Used returns the bump cursor: bytes handed out so far.
func (e *Extent) Used() int { return int(e.used.Load()) }

// Live returns the live payload byte count.
func (e *Extent) Live() int { return int(e.live.Load()) }

// AddLive adjusts the live byte count; the GC subtracts collected
// objects here.
func (e *Extent) AddLive(delta int) { e.live.Add(int64(delta)) }

// VersionFloor returns the lowest real version stored in the extent.
func (e *Extent) VersionFloor() uint64 { return e.floor.Load() }

// ObserveVersion lowers the version floor to v if needed.
func (e *Extent) ObserveVersion(v uint64) {
	for {
		cur := e.floor.Load()
		if cur != 0 && cur <= v {
			return
		}
		if e.floor.CompareAndSwap(cur, v) {
			return
		}
	}
}

// Touch sets the second-chance bit; called on every slow-path access.
func (e *Extent) Touch() { e.touched.Store(true) }

// MarkDirty records a semantic mutation of the resident image: object
// placement, pointer install, or in-place redo application. Residency
// rewrites of pointer words do not count; they carry no information the
// block image lacks.
func (e *Extent) MarkDirty() { e.dirty.Store(true) }

// Dirty reports whether the image diverged from its block backing.
func (e *Extent) Dirty() bool { return e.dirty.Load() }

// Pin marks the extent as part of an active transaction's working set;
// pinned extents are never admitted to the candidate map.
func (e *Extent) Pin() { e.pins.Add(1) }

// Unpin releases a working-set pin.
func (e *Extent) Unpin() { e.pins.Add(-1) }

// Pinned reports whether any transaction pins the extent.
func (e *Extent) Pinned() bool { return e.pins.Load() > 0 }

// Reserve bump-allocates n aligned bytes inside the extent, returning
// the intra-extent offset. ok is false when the extent is full; the
// caller then opens a new extent, so an object never crosses a boundary.
func (e *Extent) Reserve(n int) (int, bool) {
	n = (n + object.Alignment - 1) &^ (object.Alignment - 1)
	for {
		cur := e.used.Load()
		if cur+int64(n) > int64(e.bytes) {
			return 0, false
		}
		if e.used.CompareAndSwap(cur, cur+int64(n)) {
			return int(cur), true
		}
	}
}

// ResidentBytes returns the resident image, or nil when evicted.
func (e *Extent) ResidentBytes() []byte {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if ExtentState(e.state.Load()) == StateEvicted {
		return nil
	}
	return e.buf
}

// BaseAddr returns the address of byte 0 of the resident image, or 0.
func (e *Extent) BaseAddr() uintptr {
	b := e.ResidentBytes()
	if b == nil {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// Contains reports whether addr falls inside the resident image.
func (e *Extent) Contains(addr uintptr) bool {
	base := e.BaseAddr()
	return base != 0 && addr >= base && addr < base+uintptr(e.bytes)
}

// OffsetOf translates a resident address to an intra-extent offset.
func (e *Extent) OffsetOf(addr uintptr) int {
	return int(addr - e.BaseAddr())
}

// Backing returns the block extent backing this shadow, or the shadow
// backing this block extent, depending on which side e is.
func (e *Extent) Backing() *Extent { return e.backing.Load() }

// ShadowOf returns the block extent this memory extent shadows, or nil.
func (e *Extent) ShadowOf() *Extent { return e.shadowOf.Load() }

// PendingWrite returns the in-flight background write, if any.
func (e *Extent) PendingWrite() *source.Completion { return e.pending.Load() }

// dropImage releases the resident image. Caller transitions state first.
func (e *Extent) dropImage() {
	e.mu.Lock()
	e.buf = nil
	e.mu.Unlock()
}
