package engine

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func maxMerge(a, b []byte) []byte {
	if bytes.Compare(a, b) >= 0 {
		return a
	}
	return b
}

func TestMergeRegistryStableIDs(t *testing.T) {
	r, err := NewMergeRegistry(map[string]MergeFunc{
		"sum": func(a, b []byte) []byte { return a },
		"max": maxMerge,
	})
	require.NoError(t, err)

	// Ids assign by sorted name, so they are stable across restarts.
	maxID, ok := r.ID("max")
	require.True(t, ok)
	sumID, ok := r.ID("sum")
	require.True(t, ok)
	assert.Equal(t, uint8(1), maxID)
	assert.Equal(t, uint8(2), sumID)

	name, ok := r.Name(1)
	require.True(t, ok)
	assert.Equal(t, "max", name)

	_, ok = r.Name(0)
	assert.False(t, ok, "id 0 is reserved for non-lattice objects")
	_, ok = r.Name(9)
	assert.False(t, ok)

	assert.Equal(t, []string{"max", "sum"}, r.Names())
}

func TestMergeRegistryLookup(t *testing.T) {
	r, err := NewMergeRegistry(map[string]MergeFunc{"max": maxMerge})
	require.NoError(t, err)

	fn, ok := r.Lookup("max")
	require.True(t, ok)
	assert.Equal(t, []byte{9}, fn([]byte{3}, []byte{9}))

	_, ok = r.Lookup("missing")
	assert.False(t, ok)
}

func TestMergeRegistryRejectsNil(t *testing.T) {
	_, err := NewMergeRegistry(map[string]MergeFunc{"bad": nil})
	assert.Error(t, err)
}

func TestNilRegistry(t *testing.T) {
	var r *MergeRegistry
	_, ok := r.Lookup("x")
	assert.False(t, ok)
	_, ok = r.ID("x")
	assert.False(t, ok)
	assert.Empty(t, r.Names())
}

func TestRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrWriteConflict))
	assert.True(t, IsRetryable(ErrReadForWriteConflict))
	assert.False(t, IsRetryable(ErrNullPointer))
	assert.False(t, IsRetryable(nil))
}
