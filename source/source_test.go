package source

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPageSize = 4096

func TestMemorySourceBasics(t *testing.T) {
	s, err := NewMemorySource(1, testPageSize, 1<<20, func(o *MemoryOptions) {
		o.ChunkBytes = 1 << 20
	})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, ID(1), s.ID())
	assert.Equal(t, KindMemory, s.Kind())
	assert.False(t, s.Persistent())
	assert.GreaterOrEqual(t, s.Capacity(), int64(1<<20))

	// Byte access is stable and writable.
	b := s.Bytes(0, 64)
	require.NotNil(t, b)
	copy(b, "stable bytes")
	again := s.Bytes(0, 64)
	assert.Equal(t, b[:12], again[:12])
	assert.Equal(t, s.BaseAt(0), s.BaseAt(0))
}

func TestMemorySourcePageIO(t *testing.T) {
	s, err := NewMemorySource(1, testPageSize, 1<<20)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	data := make([]byte, testPageSize)
	copy(data, "page zero")
	require.NoError(t, s.WritePages(ctx, 0, data).Wait(ctx))

	buf := make([]byte, testPageSize)
	require.NoError(t, s.ReadPages(ctx, 0, buf).Wait(ctx))
	assert.Equal(t, data, buf)
}

func TestMemorySourceGrow(t *testing.T) {
	s, err := NewMemorySource(1, testPageSize, 1<<20, func(o *MemoryOptions) {
		o.ChunkBytes = 1 << 20
	})
	require.NoError(t, err)
	defer s.Close()

	before := s.Capacity()
	require.NoError(t, s.Grow(1<<20))
	assert.Equal(t, before+1<<20, s.Capacity())
	assert.NotNil(t, s.Bytes(before, 64))
}

func TestMappedFileSourceDurability(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pmem.dat")

	s, err := OpenMappedFileSource(2, testPageSize, path, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, KindPersistentMemory, s.Kind())
	assert.True(t, s.Persistent())

	copy(s.Bytes(128, 32), "durable payload")
	require.NoError(t, s.Flush(context.Background()))
	require.NoError(t, s.Close())

	s2, err := OpenMappedFileSource(2, testPageSize, path, 1<<20)
	require.NoError(t, err)
	defer s2.Close()
	assert.Equal(t, []byte("durable payload"), s2.Bytes(128, 15))
}

func TestBlockFileSourceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cold.blk")
	s, err := OpenBlockFileSource(3, testPageSize, path, 1<<20)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, KindBlock, s.Kind())
	assert.True(t, s.Persistent())

	ctx := context.Background()
	data := make([]byte, 2*testPageSize)
	copy(data[0:], "first page")
	copy(data[testPageSize:], "second page")
	require.NoError(t, s.WritePages(ctx, 4, data).Wait(ctx))
	require.NoError(t, s.Flush(ctx))

	buf := make([]byte, 2*testPageSize)
	require.NoError(t, s.ReadPages(ctx, 4, buf).Wait(ctx))
	assert.Equal(t, data, buf)
}

func TestBlockFileSourceAlignment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cold.blk")
	s, err := OpenBlockFileSource(3, testPageSize, path, 1<<20)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	err = s.WritePages(ctx, 0, make([]byte, 100)).Wait(ctx)
	assert.ErrorIs(t, err, ErrAlignment)

	err = s.ReadPages(ctx, 1<<20, make([]byte, testPageSize)).Wait(ctx)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestBlockFileSourceGrow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cold.blk")
	s, err := OpenBlockFileSource(3, testPageSize, path, 8*testPageSize)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	err = s.WritePages(ctx, 8, make([]byte, testPageSize)).Wait(ctx)
	assert.ErrorIs(t, err, ErrOutOfRange)

	require.NoError(t, s.Grow(8*testPageSize))
	assert.NoError(t, s.WritePages(ctx, 8, make([]byte, testPageSize)).Wait(ctx))
}

func TestClosedSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cold.blk")
	s, err := OpenBlockFileSource(3, testPageSize, path, 1<<20)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	ctx := context.Background()
	assert.ErrorIs(t, s.ReadPages(ctx, 0, make([]byte, testPageSize)).Wait(ctx), ErrClosed)
	assert.ErrorIs(t, s.Flush(ctx), ErrClosed)
	assert.NoError(t, s.Close(), "close is idempotent")
}

type countingObserver struct {
	reads, writes int
}

func (o *countingObserver) OnRead(ID, int)  { o.reads++ }
func (o *countingObserver) OnWrite(ID, int) { o.writes++ }

func TestObserverAccounting(t *testing.T) {
	obs := &countingObserver{}
	s, err := NewMemorySource(1, testPageSize, 1<<20, func(o *MemoryOptions) {
		o.Observer = obs
	})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.WritePages(ctx, 0, make([]byte, testPageSize)).Wait(ctx))
	require.NoError(t, s.ReadPages(ctx, 0, make([]byte, testPageSize)).Wait(ctx))
	assert.Equal(t, 1, obs.writes)
	assert.Equal(t, 1, obs.reads)
}
