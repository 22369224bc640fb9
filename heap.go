package tierheap

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/tierheap/engine"
	"github.com/hupe1980/tierheap/epoch"
	"github.com/hupe1980/tierheap/las"
	"github.com/hupe1980/tierheap/manifest"
	"github.com/hupe1980/tierheap/monitoring"
	"github.com/hupe1980/tierheap/object"
	"github.com/hupe1980/tierheap/resource"
	"github.com/hupe1980/tierheap/source"
	"github.com/hupe1980/tierheap/source/blob"
	"github.com/hupe1980/tierheap/wal"
)

// Heap is an open heterogeneous persistent heap.
type Heap struct {
	dir  string
	opts options

	space  *las.LAS
	epoch  *epoch.Manager
	engine *engine.Engine
	log    *wal.WAL
	ctrl   *resource.Controller

	sources []source.Source
	nextSrc atomic.Uint32

	closed atomic.Bool
	logger *Logger
}

// Open builds a heap over the configured sources. dir holds the
// manifest and, when WAL is enabled, the durable log; pass "" for a
// purely volatile heap.
//
// Open consults the durable state: it loads the manifest, replays the
// log, reconstructs the epoch, re-swizzles the roots and validates the
// registered lattice merges.
func Open(dir string, optFns ...Option) (*Heap, error) {
	opts := applyOptions(optFns)
	if len(opts.sources) == 0 {
		return nil, errors.New("tierheap: no sources configured")
	}

	merges, err := engine.NewMergeRegistry(opts.merges)
	if err != nil {
		return nil, err
	}

	slabs := make(map[uint8]object.SlabClass, len(opts.slabClasses))
	for _, c := range opts.slabClasses {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if _, dup := slabs[c.ID]; dup {
			return nil, fmt.Errorf("tierheap: duplicate slab class id %d", c.ID)
		}
		slabs[c.ID] = c
	}

	// Durable metadata, if any.
	var m *manifest.Manifest
	if dir != "" {
		m, err = manifest.Load(dir)
		if err != nil && !errors.Is(err, manifest.ErrNotFound) {
			return nil, err
		}
	}
	if m != nil {
		if m.PageSize != opts.pageSize || m.ExtentPages != opts.extentPages {
			return nil, fmt.Errorf("tierheap: geometry %d/%d does not match existing heap %d/%d",
				opts.pageSize, opts.extentPages, m.PageSize, m.ExtentPages)
		}
		for _, name := range m.Merges {
			if _, ok := merges.Lookup(name); !ok {
				return nil, &engine.ErrUnregisteredMerge{Name: name}
			}
		}
	}

	ctrl := resource.NewController(resource.Config{
		MemoryLimitBytes:      opts.memoryLimit,
		EvictionHeadroomBytes: opts.evictionHeadroom,
		MaxBackgroundWorkers:  opts.maxBackground,
		IOLimitBytesPerSec:    opts.ioLimit,
	})
	lasCfg := las.Config{
		PageSize:    opts.pageSize,
		ExtentPages: opts.extentPages,
		Controller:  ctrl,
	}
	if opts.monitoring {
		lasCfg.Observer = monitoring.HeapObserver{}
	}
	space := las.New(lasCfg)

	h := &Heap{
		dir:    dir,
		opts:   opts,
		space:  space,
		ctrl:   ctrl,
		logger: opts.logger,
	}

	for _, spec := range opts.sources {
		if _, err := h.buildSource(spec); err != nil {
			h.closeSources()
			return nil, err
		}
	}

	var log *wal.WAL
	if opts.walEnabled {
		if dir == "" {
			return nil, errors.New("tierheap: WAL requires a heap directory")
		}
		log, err = wal.New(append([]func(*wal.Options){func(o *wal.Options) {
			o.Path = dir
		}}, opts.walOptions...)...)
		if err != nil {
			h.closeSources()
			return nil, err
		}
	}
	h.log = log

	var seed uint64
	if m != nil {
		seed = m.Epoch
	}
	h.epoch = epoch.NewManager(seed)

	h.engine = engine.New(engine.Config{
		Space:  space,
		Epoch:  h.epoch,
		Log:    log,
		Merges: merges,
		Slabs:  slabs,
	}, func(o *engine.Options) {
		o.Durability = opts.durability
		o.Logger = opts.logger
		if opts.monitoring {
			o.Observer = monitoring.HeapObserver{}
		}
	})

	// Re-swizzle the roots from the manifest, then replay the log over
	// them; log records are newer than the last manifest cut.
	if m != nil {
		for key, info := range m.Roots {
			h.engine.RestoreRoot(key, info.Ptr, info.Size, info.Ptrs)
		}
	}
	ctx := context.Background()
	rec, err := h.engine.Recover(ctx)
	h.logger.LogRecovery(ctx, rec.Transactions, rec.LastCommit, err)
	if err != nil {
		h.engine.Close()
		h.closeSources()
		return nil, err
	}
	if rec.LastCommit > seed {
		h.epoch.Seed(rec.LastCommit)
	}

	h.logger.LogOpen(ctx, dir, len(h.sources))
	return h, nil
}

func (h *Heap) buildSource(spec sourceSpec) (source.Source, error) {
	id := source.ID(h.nextSrc.Add(1))
	var obs source.Observer = source.NoopObserver{}
	if h.opts.monitoring {
		obs = monitoring.SourceObserver{}
	}

	var (
		src source.Source
		err error
	)
	switch spec.kind {
	case srcMemory:
		chunk := int64(h.space.ExtentBytes()) * 128
		src, err = source.NewMemorySource(id, h.opts.pageSize, spec.capacity, func(o *source.MemoryOptions) {
			o.ChunkBytes = chunk
			o.Observer = obs
		})
	case srcMappedFile:
		src, err = source.OpenMappedFileSource(id, h.opts.pageSize, spec.path, spec.capacity, func(o *source.MappedFileOptions) {
			o.Observer = obs
		})
	case srcBlockFile:
		src, err = source.OpenBlockFileSource(id, h.opts.pageSize, spec.path, spec.capacity, func(o *source.BlockFileOptions) {
			o.Observer = obs
		})
	case srcBlob:
		src = blob.New(id, h.opts.pageSize, spec.capacity, spec.store, func(o *blob.Options) {
			o.Observer = obs
		})
	default:
		return nil, fmt.Errorf("tierheap: unknown source kind %d", spec.kind)
	}
	if err != nil {
		return nil, err
	}
	if err := h.space.Attach(src); err != nil {
		_ = src.Close()
		return nil, err
	}
	h.sources = append(h.sources, src)
	return src, nil
}

// AttachSource adds a source to a running heap: a volatile DRAM tier,
// a mapped file, a block file or a blob store, per the same options
// used at open.
func (h *Heap) AttachSource(optFn Option) (source.Source, error) {
	if h.closed.Load() {
		return nil, ErrClosed
	}
	var probe options
	optFn(&probe)
	if len(probe.sources) != 1 {
		return nil, errors.New("tierheap: AttachSource expects exactly one source option")
	}
	return h.buildSource(probe.sources[0])
}

// Engine exposes the transaction engine, mainly for tests and tooling.
func (h *Heap) Engine() *engine.Engine { return h.engine }

// Space exposes the logical address space.
func (h *Heap) Space() *las.LAS { return h.space }

// RootField returns the untyped root pointer field.
func (h *Heap) RootField() engine.FieldRef {
	return h.engine.RootField("")
}

// TypedRootField returns the root field for a registered user type key.
// The first object allocated under the key fixes its size and pointer
// layout; later opens must ask for the same signature.
func (h *Heap) TypedRootField(key string, scalarSize, ptrs int) (engine.FieldRef, error) {
	size := ptrs*8 + scalarSize
	f, ok := h.engine.TypedRootField(key, size, ptrs)
	if !ok {
		r := h.engine.Root(key)
		gotSize, gotPtrs := r.Signature()
		return engine.FieldRef{}, &ErrTypeMismatch{
			Key: key, WantSize: size, WantPtrs: ptrs, GotSize: gotSize, GotPtrs: gotPtrs,
		}
	}
	return f, nil
}

// Begin starts a transaction. Most callers use Run instead.
func (h *Heap) Begin(ctx context.Context) (*engine.Tx, error) {
	if h.closed.Load() {
		return nil, ErrClosed
	}
	tx, err := h.engine.Begin(ctx)
	return tx, translateError(err)
}

// Run executes fn inside a transaction and commits on success. On
// conflict it retries with bounded exponential backoff until the retry
// budget is exhausted, then returns the last error wrapped in
// ErrRetriesExhausted.
func (h *Heap) Run(ctx context.Context, fn func(tx *engine.Tx) error) error {
	var lastErr error
	backoff := h.opts.retryBackoff

	for attempt := 0; attempt <= h.opts.retryBudget; attempt++ {
		if attempt > 0 {
			h.opts.metricsCollector.OnRetry(attempt)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}

		tx, err := h.Begin(ctx)
		if err != nil {
			return err
		}
		start := time.Now()
		if err := fn(tx); err != nil {
			tx.Abort()
			h.opts.metricsCollector.OnAbort(err)
			if h.opts.monitoring {
				monitoring.IncAbort()
			}
			if engine.IsRetryable(err) {
				lastErr = err
				continue
			}
			return translateError(err)
		}
		if err := tx.Commit(ctx); err != nil {
			h.opts.metricsCollector.OnAbort(err)
			if h.opts.monitoring {
				monitoring.IncAbort()
				if engine.IsRetryable(err) {
					monitoring.IncConflict()
				}
			}
			if engine.IsRetryable(err) {
				lastErr = err
				continue
			}
			return translateError(err)
		}
		h.opts.metricsCollector.OnCommit(time.Since(start))
		if h.opts.monitoring {
			monitoring.IncCommit()
		}
		return nil
	}
	return fmt.Errorf("%w: %w", ErrRetriesExhausted, translateError(lastErr))
}

// Stats is a point-in-time heap summary.
type Stats struct {
	Engine        engine.Stats
	ResidentBytes int64
	Sources       int
}

// Stats returns counters and, with monitoring enabled, refreshes the
// exported gauges.
func (h *Heap) Stats() Stats {
	s := Stats{
		Engine:        h.engine.Stats(),
		ResidentBytes: h.ctrl.MemoryUsage(),
		Sources:       len(h.sources),
	}
	if h.opts.monitoring {
		monitoring.SetResidentBytes(s.ResidentBytes)
		monitoring.SetCandidateCount(s.Engine.CandidateCount)
	}
	return s
}

// Flush makes all committed state durable: every persistent source is
// flushed in parallel and the log is synced.
func (h *Heap) Flush(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, src := range h.sources {
		if !src.Persistent() {
			continue
		}
		g.Go(func() error { return src.Flush(gctx) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if h.log != nil {
		return h.log.Sync()
	}
	return nil
}

// Checkpoint flushes everything, rewrites the manifest and truncates
// the log.
func (h *Heap) Checkpoint(ctx context.Context) error {
	if h.dir == "" {
		return nil
	}
	if err := h.Flush(ctx); err != nil {
		return err
	}
	if err := h.saveManifest(); err != nil {
		return err
	}
	if h.log != nil {
		return h.log.Checkpoint()
	}
	return nil
}

func (h *Heap) saveManifest() error {
	m := manifest.New(h.opts.pageSize, h.opts.extentPages)
	m.Epoch = h.epoch.Current()
	m.Merges = h.engine.Merges().Names()
	for _, c := range h.opts.slabClasses {
		m.SlabClasses = append(m.SlabClasses, manifest.SlabClassInfo{
			ID: c.ID, CellSize: c.CellSize, Align: c.Align, CellCount: c.CellCount,
		})
	}
	for _, src := range h.sources {
		info := manifest.SourceInfo{
			ID:         uint16(src.ID()),
			Kind:       uint8(src.Kind()),
			Persistent: src.Persistent(),
			Capacity:   src.Capacity(),
		}
		switch s := src.(type) {
		case *source.MappedFileSource:
			info.Path = s.Path()
		case *source.BlockFileSource:
			info.Path = s.Path()
		}
		m.Sources = append(m.Sources, info)
	}
	h.engine.RangeRoots(func(r *engine.Root) bool {
		word, _ := h.engine.StorageWord(r.Field().Load())
		size, ptrs := r.Signature()
		m.Roots[r.Name()] = manifest.RootInfo{Ptr: word, Size: size, Ptrs: ptrs}
		return true
	})
	return manifest.Save(h.dir, m)
}

// Close tears the heap down in order: stop accepting transactions,
// drain active ones, stop the background workers, flush logs and
// metadata, then release the sources.
func (h *Heap) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	ctx := context.Background()

	// Drain active transactions.
	deadline := time.Now().Add(5 * time.Second)
	for h.epoch.ActiveCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	h.engine.Close()

	var firstErr error
	if h.dir != "" {
		if err := h.Flush(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := h.saveManifest(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if h.log != nil {
		if err := h.log.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := h.closeSources(); err != nil && firstErr == nil {
		firstErr = err
	}
	h.space.Close()

	h.logger.LogClose(ctx, firstErr)
	return firstErr
}

func (h *Heap) closeSources() error {
	var firstErr error
	for _, src := range h.sources {
		if err := src.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DefaultBlockPath returns the conventional block file location inside
// a heap directory.
func DefaultBlockPath(dir string) string {
	return filepath.Join(dir, "cold.blk")
}
