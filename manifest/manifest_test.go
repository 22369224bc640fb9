package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	m := New(4096, 16)
	m.Epoch = 42
	m.Sources = []SourceInfo{
		{ID: 1, Kind: 0, Persistent: false, Capacity: 64 << 20},
		{ID: 2, Kind: 2, Persistent: true, Capacity: 1 << 30, Path: "/data/cold.blk"},
	}
	m.SlabClasses = []SlabClassInfo{{ID: 1, CellSize: 24, Align: 8, CellCount: 128}}
	m.Merges = []string{"max", "sum"}
	m.Roots[""] = RootInfo{Ptr: 0x1234, Size: 32, Ptrs: 2}
	m.Roots["trie"] = RootInfo{Ptr: 0x5678, Size: 64, Ptrs: 4}

	require.NoError(t, Save(dir, m))

	got, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, m.Epoch, got.Epoch)
	assert.Equal(t, m.PageSize, got.PageSize)
	assert.Equal(t, m.ExtentPages, got.ExtentPages)
	assert.Equal(t, m.Sources, got.Sources)
	assert.Equal(t, m.SlabClasses, got.SlabClasses)
	assert.Equal(t, m.Merges, got.Merges)
	assert.Equal(t, m.Roots, got.Roots)
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(t.TempDir())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveOverwrites(t *testing.T) {
	dir := t.TempDir()
	m := New(4096, 16)
	m.Epoch = 1
	require.NoError(t, Save(dir, m))
	m.Epoch = 2
	require.NoError(t, Save(dir, m))

	got, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Epoch)
}
