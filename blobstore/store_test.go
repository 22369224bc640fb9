package blobstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, "extents/a", []byte("alpha")))
	require.NoError(t, s.Put(ctx, "extents/b", []byte("beta")))
	require.NoError(t, s.Put(ctx, "other/c", []byte("gamma")))

	data, err := s.Get(ctx, "extents/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("alpha"), data)

	// Overwrite replaces the object.
	require.NoError(t, s.Put(ctx, "extents/a", []byte("alpha2")))
	data, err = s.Get(ctx, "extents/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("alpha2"), data)

	names, err := s.List(ctx, "extents/")
	require.NoError(t, err)
	assert.Equal(t, []string{"extents/a", "extents/b"}, names)

	require.NoError(t, s.Delete(ctx, "extents/a"))
	_, err = s.Get(ctx, "extents/a")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting a missing object is not an error.
	assert.NoError(t, s.Delete(ctx, "extents/a"))
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestLocalStore(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	testStore(t, s)
}

func TestMemoryStoreIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	payload := []byte("mutate me")
	require.NoError(t, s.Put(ctx, "x", payload))
	payload[0] = 'X'

	got, err := s.Get(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, []byte("mutate me"), got)

	got[1] = 'Y'
	again, err := s.Get(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, []byte("mutate me"), again)
}
