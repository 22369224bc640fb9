// Package engine implements the MVCC transaction core on top of the
// logical address space: version chains, the six-operation transaction
// contract, copy-on-write commit with single-store publication, the
// redo log for fine-grained set, and the background workers (redo
// resolver, eviction, compacting GC).
package engine

import (
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/hupe1980/tierheap/epoch"
	"github.com/hupe1980/tierheap/las"
	"github.com/hupe1980/tierheap/object"
	"github.com/hupe1980/tierheap/swizzle"
	"github.com/hupe1980/tierheap/wal"
)

// DurabilityMode selects the heap-wide durability contract.
type DurabilityMode int

const (
	// DurabilityBuffered acknowledges a commit once all source writes
	// are acknowledged; the log fsync happens in the background.
	DurabilityBuffered DurabilityMode = iota
	// DurabilitySync acknowledges a commit only after every involved
	// source flushed and the commit record is on the device.
	DurabilitySync
)

// Options configures the engine.
type Options struct {
	// Durability selects buffered or synchronous durable linearizability.
	Durability DurabilityMode
	// GCInterval is the compacting GC cycle period. Default 100ms.
	GCInterval time.Duration
	// EvictInterval is the eviction worker period. Default 50ms.
	EvictInterval time.Duration
	// CompactionThreshold is the live-byte fraction below which an
	// extent is compacted. Default 0.5.
	CompactionThreshold float64
	// Logger receives commit and worker events. Defaults to a no-op
	// logger; the heap passes its domain Logger here.
	Logger Logger
	// Observer receives eviction and compaction events. Defaults to
	// NoopMetricsObserver.
	Observer MetricsObserver
}

// Engine owns the heap-wide transaction machinery.
type Engine struct {
	opts  Options
	space *las.LAS
	epoch *epoch.Manager
	log   *wal.WAL // nil for a volatile heap
	merge *MergeRegistry
	slabs map[uint8]object.SlabClass

	roots *xsync.MapOf[string, *Root]

	txSeq atomic.Uint64

	// Unresolved redo deltas keyed by target object identity. Readers
	// that would observe one stall on its done channel.
	pendingDeltas *xsync.MapOf[objKey, *pendingDelta]
	redoCh        chan *pendingDelta

	// Slab extents currently open for each class.
	slabMu   sync.Mutex
	openSlab map[uint8]*las.Extent

	stopCh  chan struct{}
	wg      sync.WaitGroup
	stopped atomic.Bool

	logger   Logger
	observer MetricsObserver

	// Counters surfaced through heap stats.
	commits     atomic.Uint64
	aborts      atomic.Uint64
	conflicts   atomic.Uint64
	evictions   atomic.Uint64
	compactions atomic.Uint64
}

// objKey names an object by extent identity and slot.
type objKey struct {
	ext las.ExtentID
	obj uint16
}

type pendingDelta struct {
	key     objKey
	field   FieldRef
	mergeID uint8
	done    chan struct{}

	mu            sync.Mutex
	commitVersion uint64
	deltas        []delta
}

type delta struct {
	off     int
	payload []byte
}

// Config bundles the engine constructor inputs.
type Config struct {
	Space  *las.LAS
	Epoch  *epoch.Manager
	Log    *wal.WAL
	Merges *MergeRegistry
	Slabs  map[uint8]object.SlabClass
}

// New creates an engine and starts its background workers.
func New(cfg Config, optFns ...func(*Options)) *Engine {
	opts := Options{
		GCInterval:          100 * time.Millisecond,
		EvictInterval:       50 * time.Millisecond,
		CompactionThreshold: 0.5,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.Observer == nil {
		opts.Observer = NoopMetricsObserver{}
	}
	if opts.CompactionThreshold <= 0 || opts.CompactionThreshold >= 1 {
		opts.CompactionThreshold = 0.5
	}

	en := &Engine{
		opts:          opts,
		space:         cfg.Space,
		epoch:         cfg.Epoch,
		log:           cfg.Log,
		merge:         cfg.Merges,
		slabs:         cfg.Slabs,
		roots:         xsync.NewMapOf[string, *Root](),
		pendingDeltas: xsync.NewMapOf[objKey, *pendingDelta](),
		redoCh:        make(chan *pendingDelta, 256),
		openSlab:      make(map[uint8]*las.Extent),
		stopCh:        make(chan struct{}),
		logger:        opts.Logger,
		observer:      opts.Observer,
	}

	en.wg.Add(3)
	go en.runRedoResolver()
	go en.runEvictionWorker()
	go en.runGCWorker()
	return en
}

// Space returns the logical address space.
func (en *Engine) Space() *las.LAS { return en.space }

// Epoch returns the epoch manager.
func (en *Engine) Epoch() *epoch.Manager { return en.epoch }

// Merges returns the sealed merge registry.
func (en *Engine) Merges() *MergeRegistry { return en.merge }

// SlabClass returns a registered slab class.
func (en *Engine) SlabClass(id uint8) (object.SlabClass, bool) {
	c, ok := en.slabs[id]
	return c, ok
}

// Stats is a snapshot of engine counters.
type Stats struct {
	Commits        uint64
	Aborts         uint64
	Conflicts      uint64
	Evictions      uint64
	Compactions    uint64
	ActiveTx       int
	FaultIns       uint64
	CandidateCount int
}

// Stats returns a counter snapshot.
func (en *Engine) Stats() Stats {
	return Stats{
		Commits:        en.commits.Load(),
		Aborts:         en.aborts.Load(),
		Conflicts:      en.conflicts.Load(),
		Evictions:      en.evictions.Load(),
		Compactions:    en.compactions.Load(),
		ActiveTx:       en.epoch.ActiveCount(),
		FaultIns:       en.space.FaultIns(),
		CandidateCount: en.space.CandidateCount(),
	}
}

// Close marks the engine closed, so new transactions fail with
// ErrClosed, then signals the redo resolver, GC and eviction workers
// together and waits for all three to exit; the redo resolver applies
// the deltas still queued before it returns. The caller drains active
// transactions and flushes logs above us.
func (en *Engine) Close() {
	if !en.stopped.CompareAndSwap(false, true) {
		return
	}
	close(en.stopCh)
	en.wg.Wait()
}

func (en *Engine) closedErr() error {
	if en.stopped.Load() {
		return ErrClosed
	}
	return nil
}

// Root is a root table entry: a pointer word addressable like any
// object field, plus the layout signature typed roots enforce.
type Root struct {
	name string
	word uint64
	size int
	ptrs int
	mu   sync.Mutex // guards signature initialization
}

// Name returns the root key; empty for the untyped root.
func (r *Root) Name() string { return r.name }

// Field returns the root's pointer field.
func (r *Root) Field() swizzle.Field {
	return swizzle.FieldAt(unsafe.Pointer(&r.word))
}

// Signature returns the recorded object size and pointer count, or
// (0, 0) before the first allocation under this root.
func (r *Root) Signature() (size, ptrs int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size, r.ptrs
}

func (r *Root) adoptSignature(size, ptrs int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size == 0 && r.ptrs == 0 {
		r.size, r.ptrs = size, ptrs
		return true
	}
	return r.size == size && r.ptrs == ptrs
}

// Root returns the root entry for key, creating it on first use. The
// empty key is the untyped root.
func (en *Engine) Root(key string) *Root {
	r, _ := en.roots.LoadOrCompute(key, func() *Root {
		return &Root{name: key}
	})
	return r
}

// RangeRoots visits every root entry.
func (en *Engine) RangeRoots(fn func(*Root) bool) {
	en.roots.Range(func(_ string, r *Root) bool { return fn(r) })
}

// RestoreRoot seeds a root entry from the manifest during recovery.
func (en *Engine) RestoreRoot(key string, word uint64, size, ptrs int) {
	r := en.Root(key)
	r.word = word
	r.size, r.ptrs = size, ptrs
}

// TypedRootField returns the field for a typed root, enforcing that the
// first allocation under the key fixes the size/layout signature and
// later opens match it.
func (en *Engine) TypedRootField(key string, size, ptrs int) (FieldRef, bool) {
	r := en.Root(key)
	if !r.adoptSignature(size, ptrs) {
		return FieldRef{}, false
	}
	return FieldRef{root: r}, true
}

// StorageWord converts a pointer word to its position-independent
// storage form for the manifest. Volatile targets have none; callers
// persist null for them.
func (en *Engine) StorageWord(p swizzle.Ptr) (uint64, bool) {
	if p.IsNull() {
		return uint64(swizzle.Null), true
	}
	if p.Tag() != swizzle.TagNative {
		return uint64(p), true
	}
	ext, ok := en.space.ExtentByAddr(p.Addr())
	if !ok {
		return uint64(swizzle.Null), false
	}
	off := ext.OffsetOf(p.Addr())
	sp, ok := storageForm(ext, off, p.Object())
	if !ok {
		return uint64(swizzle.Null), false
	}
	return uint64(sp), true
}
