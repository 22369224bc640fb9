package object

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlabClassValidate(t *testing.T) {
	tests := []struct {
		name    string
		class   SlabClass
		wantErr bool
	}{
		{"valid", SlabClass{ID: 1, CellSize: 24, Align: 8, CellCount: 100}, false},
		{"reserved id", SlabClass{ID: 0, CellSize: 24, Align: 8, CellCount: 100}, true},
		{"bad align", SlabClass{ID: 1, CellSize: 24, Align: 6, CellCount: 100}, true},
		{"zero cells", SlabClass{ID: 1, CellSize: 24, Align: 8, CellCount: 0}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.class.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSlabStride(t *testing.T) {
	c := SlabClass{ID: 1, CellSize: 20, Align: 8, CellCount: 4}
	assert.Equal(t, 24, c.Stride())
	assert.Equal(t, 96, c.ExtentBytes())
}

func TestSlabAllocateRelease(t *testing.T) {
	s := NewSlab(SlabClass{ID: 1, CellSize: 16, Align: 8, CellCount: 3})

	seen := map[uint32]bool{}
	for i := 0; i < 3; i++ {
		cell, ok := s.Allocate()
		require.True(t, ok)
		require.False(t, seen[cell], "cell %d handed out twice", cell)
		seen[cell] = true
	}
	_, ok := s.Allocate()
	assert.False(t, ok, "full slab must refuse")
	assert.Equal(t, 3, s.Occupied())
	assert.False(t, s.Empty())

	s.Release(1)
	cell, ok := s.Allocate()
	require.True(t, ok)
	assert.Equal(t, uint32(1), cell)

	s.Release(0)
	s.Release(1)
	s.Release(2)
	assert.True(t, s.Empty())
}

func TestSlabCellOffset(t *testing.T) {
	s := NewSlab(SlabClass{ID: 2, CellSize: 10, Align: 8, CellCount: 4})
	assert.Equal(t, 0, s.CellOffset(0))
	assert.Equal(t, 16, s.CellOffset(1))
	assert.Equal(t, 32, s.CellOffset(2))
}
