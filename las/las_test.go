package las

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/tierheap/resource"
	"github.com/hupe1980/tierheap/source"
)

const testPageSize = 4096

func newTestLAS(t *testing.T, withBlock bool) *LAS {
	t.Helper()
	l := New(Config{
		PageSize:    testPageSize,
		ExtentPages: 16,
		Controller:  resource.NewController(resource.Config{}),
	})

	mem, err := source.NewMemorySource(1, testPageSize, 8<<20, func(o *source.MemoryOptions) {
		o.ChunkBytes = int64(l.ExtentBytes()) * 16
	})
	require.NoError(t, err)
	require.NoError(t, l.Attach(mem))
	t.Cleanup(func() { _ = mem.Close() })

	if withBlock {
		blk, err := source.OpenBlockFileSource(2, testPageSize, filepath.Join(t.TempDir(), "cold.blk"), 32<<20)
		require.NoError(t, err)
		require.NoError(t, l.Attach(blk))
		t.Cleanup(func() { _ = blk.Close() })
	}
	return l
}

func TestAllocatePublishLifecycle(t *testing.T) {
	l := newTestLAS(t, false)
	ctx := context.Background()

	ext, ms, err := l.Allocate(ctx, 128, Hint{Kind: HintTx})
	require.NoError(t, err)
	require.NotNil(t, ext)
	require.Equal(t, 128, ms.Len())

	copy(ms.Bytes(), "mutable once")

	s, err := l.Publish(ms)
	require.NoError(t, err)
	assert.Nil(t, ms.Bytes(), "mutable slice is consumed by publication")

	_, err = l.Publish(ms)
	assert.ErrorIs(t, err, ErrConsumed)

	got, err := s.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte("mutable once"), got[:12])

	sub, err := s.Sub(0, 7)
	require.NoError(t, err)
	assert.Equal(t, 7, sub.Len())
	_, err = s.Sub(120, 16)
	assert.ErrorIs(t, err, ErrExtentBoundary)
}

func TestAllocateRejectsOversize(t *testing.T) {
	l := newTestLAS(t, false)
	_, _, err := l.Allocate(context.Background(), l.ExtentBytes()+1, Hint{Kind: HintTx})
	assert.ErrorIs(t, err, ErrExtentBoundary)
}

func TestReserveNeverCrossesBoundary(t *testing.T) {
	l := newTestLAS(t, false)
	ext, err := l.AllocateExtent(context.Background(), Hint{Kind: HintTx})
	require.NoError(t, err)

	half := l.ExtentBytes()/2 + 16
	_, ok := ext.Reserve(half)
	require.True(t, ok)
	_, ok = ext.Reserve(half)
	assert.False(t, ok, "second half-plus reservation must fail, not wrap")
}

func TestExtentLookups(t *testing.T) {
	l := newTestLAS(t, false)
	ext, err := l.AllocateExtent(context.Background(), Hint{Kind: HintTx})
	require.NoError(t, err)

	byPage, ok := l.ExtentForPage(ext.Source().ID(), ext.ID().StartPage())
	require.True(t, ok)
	assert.Same(t, ext, byPage)

	byOff, ok := l.ExtentForOffset(ext.Source().ID(), uint64(ext.SourceOffset())+100)
	require.True(t, ok)
	assert.Same(t, ext, byOff)

	byAddr, ok := l.ExtentByAddr(ext.BaseAddr() + 64)
	require.True(t, ok)
	assert.Same(t, ext, byAddr)

	_, ok = l.ExtentByAddr(0x1)
	assert.False(t, ok)
}

func TestBlockAllocationGetsShadow(t *testing.T) {
	l := newTestLAS(t, true)
	ctx := context.Background()

	shadow, err := l.AllocateExtent(ctx, Hint{Kind: HintDirected, Source: 2})
	require.NoError(t, err)
	require.NotNil(t, shadow.ShadowOf(), "block placement returns a writable memory shadow")
	assert.Equal(t, source.ID(2), shadow.ShadowOf().Source().ID())
	assert.Equal(t, source.ID(1), shadow.Source().ID())

	// The page table maps the block extent to its shadow.
	res, ok := l.Resident(shadow.ShadowOf())
	require.True(t, ok)
	assert.Same(t, shadow, res)
}

func TestWriteBackEvictFaultIn(t *testing.T) {
	l := newTestLAS(t, true)
	ctx := context.Background()

	shadow, err := l.AllocateExtent(ctx, Hint{Kind: HintDirected, Source: 2})
	require.NoError(t, err)
	be := shadow.ShadowOf()

	off, ok := shadow.Reserve(64)
	require.True(t, ok)
	copy(shadow.ResidentBytes()[off:], "cold data survives eviction")

	comp, err := l.WriteBack(ctx, shadow)
	require.NoError(t, err)
	require.NoError(t, comp.Wait(ctx))

	require.True(t, l.Admit(shadow))
	assert.Equal(t, StateCandidate, shadow.State())
	assert.Positive(t, l.CandidateBytes())

	freed := l.EvictOne()
	assert.Equal(t, l.ExtentBytes(), freed)
	assert.Nil(t, shadow.ResidentBytes())

	// Fault the extent back in and check the payload.
	re, err := l.FaultIn(ctx, be)
	require.NoError(t, err)
	require.NotNil(t, re.ResidentBytes())
	assert.Equal(t, []byte("cold data survives eviction"), re.ResidentBytes()[off:off+27])
	assert.Equal(t, uint64(1), l.FaultIns())
	assert.Equal(t, 64, re.Used(), "bump cursor survives the round trip")
}

func TestCandidateReviveOnAccess(t *testing.T) {
	l := newTestLAS(t, true)
	ctx := context.Background()

	shadow, err := l.AllocateExtent(ctx, Hint{Kind: HintDirected, Source: 2})
	require.NoError(t, err)
	comp, err := l.WriteBack(ctx, shadow)
	require.NoError(t, err)
	require.NoError(t, comp.Wait(ctx))
	require.True(t, l.Admit(shadow))

	// A slow-path access takes the extent back out of the map.
	res, ok := l.Resident(shadow.ShadowOf())
	require.True(t, ok)
	assert.Same(t, shadow, res)
	assert.Equal(t, StateResident, shadow.State())
	assert.Zero(t, l.CandidateCount())
}

func TestPinnedExtentNotAdmitted(t *testing.T) {
	l := newTestLAS(t, true)
	ctx := context.Background()

	shadow, err := l.AllocateExtent(ctx, Hint{Kind: HintDirected, Source: 2})
	require.NoError(t, err)
	comp, err := l.WriteBack(ctx, shadow)
	require.NoError(t, err)
	require.NoError(t, comp.Wait(ctx))

	shadow.Pin()
	assert.False(t, l.Admit(shadow))
	shadow.Unpin()
	assert.True(t, l.Admit(shadow))
}

func TestSecondChance(t *testing.T) {
	l := newTestLAS(t, true)
	ctx := context.Background()

	shadow, err := l.AllocateExtent(ctx, Hint{Kind: HintDirected, Source: 2})
	require.NoError(t, err)
	comp, err := l.WriteBack(ctx, shadow)
	require.NoError(t, err)
	require.NoError(t, comp.Wait(ctx))
	require.True(t, l.Admit(shadow))

	// A touched candidate survives one selection round.
	shadow.Touch()
	assert.Zero(t, l.EvictOne())
	assert.Equal(t, StateCandidate, shadow.State())

	// The touch bit was cleared; the next round evicts.
	assert.Positive(t, l.EvictOne())
	assert.Equal(t, StateEvicted, shadow.State())
}

func TestDirtyShadowNotAdmitted(t *testing.T) {
	l := newTestLAS(t, true)
	ctx := context.Background()

	shadow, err := l.AllocateExtent(ctx, Hint{Kind: HintDirected, Source: 2})
	require.NoError(t, err)
	// Never written back: the backing has no acknowledged image.
	assert.False(t, l.Admit(shadow))
}

func TestDirectedMissingSourceOutOfSpace(t *testing.T) {
	l := newTestLAS(t, false)
	_, err := l.AllocateExtent(context.Background(), Hint{Kind: HintDirected, Source: 99})
	assert.ErrorIs(t, err, ErrOutOfSpace)
}

func TestRestoreExtent(t *testing.T) {
	l := newTestLAS(t, true)

	e, err := l.RestoreExtent(2, int64(l.ExtentBytes())*3)
	require.NoError(t, err)
	assert.Equal(t, StateEvicted, e.State())
	e.RestoreCursor(256, 256, 9)
	assert.Equal(t, 256, e.Used())
	assert.Equal(t, uint64(9), e.VersionFloor())

	// Restoring the same extent returns the registered one.
	again, err := l.RestoreExtent(2, int64(l.ExtentBytes())*3)
	require.NoError(t, err)
	assert.Same(t, e, again)

	_, err = l.RestoreExtent(42, 0)
	assert.Error(t, err)
}

func TestDuplicateSourceRejected(t *testing.T) {
	l := newTestLAS(t, false)
	mem, err := source.NewMemorySource(1, testPageSize, 1<<20, func(o *source.MemoryOptions) {
		o.ChunkBytes = int64(l.ExtentBytes())
	})
	require.NoError(t, err)
	defer mem.Close()
	assert.Error(t, l.Attach(mem))
}
