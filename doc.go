// Package tierheap is a heterogeneous persistent heap: a transactional
// object store that unifies byte-addressable memory (DRAM, persistent
// memory) and block storage behind one swizzled-pointer abstraction.
//
// A heap is opened over one or more I/O sources. User code runs
// transactions against it, traversing objects through pointer fields
// that transparently fault cold data in from block sources, and
// mutating through copy-on-write versions or fine-grained redo deltas.
// Commits publish with a single atomic store and offer buffered or
// synchronous durable linearizability over the per-heap log.
//
//	h, err := tierheap.Open(dir,
//	    tierheap.WithMemorySource(64<<20),
//	    tierheap.WithBlockFileSource(filepath.Join(dir, "cold.blk"), 1<<30),
//	    tierheap.WithWAL(),
//	)
//	if err != nil { ... }
//	defer h.Close()
//
//	err = h.Run(ctx, func(tx *engine.Tx) error {
//	    root := h.RootField()
//	    m, err := tx.Alloc(ctx, root, 2, 64)
//	    ...
//	    return err
//	})
//
// The hot set stays in memory; the eviction worker unswizzles and drops
// cold extents under memory pressure, and the compacting GC reclaims
// superseded object versions.
package tierheap
