package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/tierheap/epoch"
	"github.com/hupe1980/tierheap/las"
	"github.com/hupe1980/tierheap/source"
)

// newTestEngine builds an engine over a single DRAM source with the
// background workers parked, so tests drive GC passes directly.
func newTestEngine(t *testing.T) *Engine {
	t.Helper()

	space := las.New(las.Config{PageSize: 4096, ExtentPages: 16})
	mem, err := source.NewMemorySource(1, 4096, 32<<20)
	require.NoError(t, err)
	require.NoError(t, space.Attach(mem))
	t.Cleanup(func() { _ = mem.Close() })

	merges, err := NewMergeRegistry(nil)
	require.NoError(t, err)

	en := New(Config{
		Space:  space,
		Epoch:  epoch.NewManager(0),
		Merges: merges,
	}, func(o *Options) {
		o.GCInterval = time.Hour
		o.EvictInterval = time.Hour
	})
	t.Cleanup(en.Close)
	return en
}

// TestGCPruneAndCompact builds a container with two children in one
// extent, supersedes the large child so the extent goes sparse, and
// checks that a GC pass prunes the dead version, compacts the extent,
// and rewrites every holder pointer so the survivors stay reachable.
func TestGCPruneAndCompact(t *testing.T) {
	en := newTestEngine(t)
	ctx := context.Background()
	root := en.RootField("")

	// One transaction places container, small child A and a large child
	// B back to back in its private segment extent.
	tx1, err := en.Begin(ctx)
	require.NoError(t, err)
	container, err := tx1.Alloc(ctx, root, 2, 8)
	require.NoError(t, err)
	a, err := tx1.Alloc(ctx, container.Field(0), 0, 16)
	require.NoError(t, err)
	copy(a.Scalar(), "child A payload")
	b, err := tx1.Alloc(ctx, container.Field(1), 0, 4096)
	require.NoError(t, err)
	copy(b.Scalar(), "child B payload")
	require.NoError(t, tx1.Commit(ctx))

	aView := a.View()
	oldExt := aView.ext
	require.Same(t, oldExt, b.View().ext, "children share one segment extent")
	usedBefore := oldExt.Used()

	// Supersede B from another transaction; its copy lands elsewhere.
	tx2, err := en.Begin(ctx)
	require.NoError(t, err)
	rootView, err := tx2.Read(ctx, root)
	require.NoError(t, err)
	nb, err := tx2.Write(ctx, rootView.Field(en, 1))
	require.NoError(t, err)
	copy(nb.Scalar(), "child B rewrite")
	require.NoError(t, tx2.Commit(ctx))

	oldB := b.View().obj

	// Prune: the superseded B version is collectable at the safe-point.
	en.pruneReachable(en.epoch.SafePoint())
	assert.True(t, oldB.VersionField().Load().IsZero(), "superseded version is collected")
	assert.Less(t, oldExt.Live(), usedBefore/2, "extent occupancy dropped below the threshold")

	// Compact: survivors move, the holders' pointer words follow.
	en.compactSparse(ctx)
	assert.Equal(t, las.StateDead, oldExt.State(), "sparse extent is retired")
	assert.Equal(t, uint64(1), en.Stats().Compactions)

	// Everything stays reachable from the root through the rewritten
	// pointers, with identical payloads at new addresses.
	tx3, err := en.Begin(ctx)
	require.NoError(t, err)
	rv, err := tx3.Read(ctx, root)
	require.NoError(t, err)

	ca, err := tx3.Read(ctx, rv.Field(en, 0))
	require.NoError(t, err)
	assert.Equal(t, []byte("child A payload"), ca.Scalar()[:15])
	assert.NotSame(t, oldExt, ca.ext, "child A moved out of the retired extent")

	cb, err := tx3.Read(ctx, rv.Field(en, 1))
	require.NoError(t, err)
	assert.Equal(t, []byte("child B rewrite"), cb.Scalar()[:15])

	// The moved container is the new parent of both children.
	parent := ca.obj.Parent().Load()
	require.False(t, parent.IsNull())
	assert.Equal(t, rv.obj.Addr(), parent.Addr(), "parent back-pointer follows the moved holder")

	require.NoError(t, tx3.Commit(ctx))
}

// TestGCSafePointBlocksPrune pins an old snapshot with an active reader
// and checks the superseded version survives until the reader finishes.
func TestGCSafePointBlocksPrune(t *testing.T) {
	en := newTestEngine(t)
	ctx := context.Background()
	root := en.RootField("")

	tx1, err := en.Begin(ctx)
	require.NoError(t, err)
	m, err := tx1.Alloc(ctx, root, 0, 16)
	require.NoError(t, err)
	copy(m.Scalar(), "first version")
	require.NoError(t, tx1.Commit(ctx))

	// Reader holds the old snapshot open.
	reader, err := en.Begin(ctx)
	require.NoError(t, err)
	rv, err := reader.Read(ctx, root)
	require.NoError(t, err)

	tx2, err := en.Begin(ctx)
	require.NoError(t, err)
	nm, err := tx2.Write(ctx, root)
	require.NoError(t, err)
	copy(nm.Scalar(), "newer version")
	require.NoError(t, tx2.Commit(ctx))

	en.pruneReachable(en.epoch.SafePoint())
	assert.False(t, rv.obj.VersionField().Load().IsZero(),
		"version observed by an active reader is never collected")

	again, err := reader.Read(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, []byte("first version"), again.Scalar()[:13])
	require.NoError(t, reader.Commit(ctx))

	// With the reader gone the safe-point advances and the old version
	// is collectable.
	en.pruneReachable(en.epoch.SafePoint())
	assert.True(t, rv.obj.VersionField().Load().IsZero())
}

// TestCompactionSkipsPinnedExtents keeps a transaction's working set out
// of the compactor entirely.
func TestCompactionSkipsPinnedExtents(t *testing.T) {
	en := newTestEngine(t)
	ctx := context.Background()
	root := en.RootField("")

	tx, err := en.Begin(ctx)
	require.NoError(t, err)
	m, err := tx.Alloc(ctx, root, 0, 8)
	require.NoError(t, err)
	ext := m.View().ext
	require.True(t, ext.Pinned())
	assert.False(t, en.compactable(ext))
	require.NoError(t, tx.Commit(ctx))
}
