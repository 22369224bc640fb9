package tierheap

import (
	"time"

	"github.com/hupe1980/tierheap/blobstore"
	"github.com/hupe1980/tierheap/engine"
	"github.com/hupe1980/tierheap/object"
	"github.com/hupe1980/tierheap/wal"
)

type sourceKind int

const (
	srcMemory sourceKind = iota
	srcMappedFile
	srcBlockFile
	srcBlob
)

type sourceSpec struct {
	kind     sourceKind
	path     string
	capacity int64
	store    blobstore.Store
}

type options struct {
	pageSize    int
	extentPages int

	sources []sourceSpec

	memoryLimit      int64
	evictionHeadroom int64
	maxBackground    int64
	ioLimit          int64

	walEnabled bool
	walOptions []func(*wal.Options)
	durability engine.DurabilityMode

	slabClasses []object.SlabClass
	merges      map[string]engine.MergeFunc

	retryBudget  int
	retryBackoff time.Duration

	metricsCollector MetricsCollector
	monitoring       bool
	logger           *Logger
}

// Option configures Open.
type Option func(*options)

// WithPageSize sets the heap-wide page size. Defaults to 4096.
func WithPageSize(n int) Option {
	return func(o *options) { o.pageSize = n }
}

// WithExtentPages sets the extent length in pages. Defaults to 16.
func WithExtentPages(n int) Option {
	return func(o *options) { o.extentPages = n }
}

// WithMemorySource attaches a volatile DRAM source of the given
// capacity. At least one memory source is required when any block
// source is attached; shadow extents live here.
func WithMemorySource(capacity int64) Option {
	return func(o *options) {
		o.sources = append(o.sources, sourceSpec{kind: srcMemory, capacity: capacity})
	}
}

// WithMappedFileSource attaches a persistent byte-addressable source
// backed by a shared file mapping at path.
func WithMappedFileSource(path string, capacity int64) Option {
	return func(o *options) {
		o.sources = append(o.sources, sourceSpec{kind: srcMappedFile, path: path, capacity: capacity})
	}
}

// WithBlockFileSource attaches a block source backed by a regular file.
func WithBlockFileSource(path string, capacity int64) Option {
	return func(o *options) {
		o.sources = append(o.sources, sourceSpec{kind: srcBlockFile, path: path, capacity: capacity})
	}
}

// WithBlobSource attaches a block source backed by an object store
// (local directory, S3, MinIO). Extent images are lz4-compressed.
func WithBlobSource(store blobstore.Store, capacity int64) Option {
	return func(o *options) {
		o.sources = append(o.sources, sourceSpec{kind: srcBlob, capacity: capacity, store: store})
	}
}

// WithMemoryLimit caps resident extent memory. Under pressure a new
// memory extent is not waited for: allocation moves on to the next
// source in the placement order. Only memory shadows of block extents
// block until the eviction worker frees headroom.
func WithMemoryLimit(bytes int64) Option {
	return func(o *options) { o.memoryLimit = bytes }
}

// WithEvictionHeadroom sets how much reclaimable memory the eviction
// worker keeps pre-unswizzled. Defaults to 1/8 of the memory limit.
func WithEvictionHeadroom(bytes int64) Option {
	return func(o *options) { o.evictionHeadroom = bytes }
}

// WithBackgroundWorkers bounds concurrent background jobs.
func WithBackgroundWorkers(n int64) Option {
	return func(o *options) { o.maxBackground = n }
}

// WithIOLimit throttles background I/O in bytes per second.
func WithIOLimit(bytesPerSec int64) Option {
	return func(o *options) { o.ioLimit = bytesPerSec }
}

// WithWAL enables the per-heap durable log inside the heap directory.
//
// Example:
//
//	tierheap.WithWAL(func(o *wal.Options) {
//	    o.Compress = true
//	    o.DurabilityMode = wal.DurabilitySync
//	})
func WithWAL(optFns ...func(*wal.Options)) Option {
	return func(o *options) {
		o.walEnabled = true
		o.walOptions = optFns
	}
}

// WithDurability selects buffered or synchronous durable
// linearizability for commits.
func WithDurability(mode engine.DurabilityMode) Option {
	return func(o *options) { o.durability = mode }
}

// WithSlabClass registers a tiny-object class. Classes are fixed at
// open; the id is embedded in slab-object references.
func WithSlabClass(class object.SlabClass) Option {
	return func(o *options) { o.slabClasses = append(o.slabClasses, class) }
}

// WithLatticeMerge registers a named merge function. The function must
// be associative, commutative and idempotent. A durable log that
// references an unregistered name fails the open.
func WithLatticeMerge(name string, fn engine.MergeFunc) Option {
	return func(o *options) {
		if o.merges == nil {
			o.merges = make(map[string]engine.MergeFunc)
		}
		o.merges[name] = fn
	}
}

// WithRetryBudget bounds the runner's conflict retries. Defaults to 8.
func WithRetryBudget(n int) Option {
	return func(o *options) { o.retryBudget = n }
}

// WithRetryBackoff sets the base backoff between retries. Defaults to
// 100 microseconds, doubling per attempt.
func WithRetryBackoff(d time.Duration) Option {
	return func(o *options) { o.retryBackoff = d }
}

// WithMetricsCollector configures an operation observer. Pass nil to
// disable collection.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithMonitoring exports VictoriaMetrics counters for I/O, fault-ins,
// evictions, compactions and transaction outcomes.
func WithMonitoring() Option {
	return func(o *options) { o.monitoring = true }
}

// WithLogger configures structured logging.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		pageSize:         4096,
		extentPages:      16,
		retryBudget:      8,
		retryBackoff:     100 * time.Microsecond,
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
