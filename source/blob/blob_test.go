package blob

import (
	"bytes"
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/tierheap/blobstore"
	"github.com/hupe1980/tierheap/source"
)

const testPageSize = 4096

func newTestSource(t *testing.T) (*Source, *blobstore.MemoryStore) {
	t.Helper()
	store := blobstore.NewMemoryStore()
	s := New(9, testPageSize, 1<<30, store)
	t.Cleanup(func() { _ = s.Close() })
	return s, store
}

func TestRoundTripCompressible(t *testing.T) {
	s, store := newTestSource(t)
	ctx := context.Background()

	data := bytes.Repeat([]byte("tierheap"), 4*testPageSize/8)
	require.NoError(t, s.WritePages(ctx, 16, data).Wait(ctx))
	require.NoError(t, s.Flush(ctx))

	// The stored object is framed and compressed.
	obj, err := store.Get(ctx, "extents/0000000000000010.lz4")
	require.NoError(t, err)
	assert.Equal(t, byte(1), obj[0])
	assert.Less(t, len(obj), len(data))

	buf := make([]byte, len(data))
	require.NoError(t, s.ReadPages(ctx, 16, buf).Wait(ctx))
	assert.Equal(t, data, buf)
}

func TestRoundTripIncompressible(t *testing.T) {
	s, _ := newTestSource(t)
	ctx := context.Background()

	data := make([]byte, testPageSize)
	rng := rand.New(rand.NewSource(1))
	_, _ = rng.Read(data)

	require.NoError(t, s.WritePages(ctx, 0, data).Wait(ctx))
	buf := make([]byte, testPageSize)
	require.NoError(t, s.ReadPages(ctx, 0, buf).Wait(ctx))
	assert.Equal(t, data, buf)
}

func TestMissingExtent(t *testing.T) {
	s, _ := newTestSource(t)
	ctx := context.Background()
	err := s.ReadPages(ctx, 64, make([]byte, testPageSize)).Wait(ctx)
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}

func TestAlignmentChecks(t *testing.T) {
	s, _ := newTestSource(t)
	ctx := context.Background()
	assert.ErrorIs(t, s.WritePages(ctx, 0, make([]byte, 100)).Wait(ctx), source.ErrAlignment)
	assert.ErrorIs(t, s.ReadPages(ctx, 0, make([]byte, 100)).Wait(ctx), source.ErrAlignment)
}

func TestOverwriteExtent(t *testing.T) {
	s, _ := newTestSource(t)
	ctx := context.Background()

	first := bytes.Repeat([]byte{1}, testPageSize)
	second := bytes.Repeat([]byte{2}, testPageSize)
	require.NoError(t, s.WritePages(ctx, 3, first).Wait(ctx))
	require.NoError(t, s.WritePages(ctx, 3, second).Wait(ctx))

	buf := make([]byte, testPageSize)
	require.NoError(t, s.ReadPages(ctx, 3, buf).Wait(ctx))
	assert.Equal(t, second, buf)
}
