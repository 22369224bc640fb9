package object

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/tierheap/swizzle"
)

func TestTotalSizeAligned(t *testing.T) {
	assert.Equal(t, HeaderSize, TotalSize(0))
	assert.Equal(t, HeaderSize+8, TotalSize(1))
	assert.Equal(t, HeaderSize+8, TotalSize(8))
	assert.Equal(t, HeaderSize+16, TotalSize(9))
}

func TestInitAndAccessors(t *testing.T) {
	buf := make([]byte, TotalSize(24))
	o := Init(buf, Indirect(9), 24, 2, 0, 0)

	require.True(t, o.Valid())
	assert.Equal(t, 24, o.Size())
	assert.Equal(t, 2, o.Ptrs())
	assert.Equal(t, uint8(0), o.Class())
	assert.True(t, o.Chain().Load().IsNull())
	assert.True(t, o.Parent().Load().IsNull())
	assert.True(t, o.PointerField(0).Load().IsNull())
	assert.True(t, o.PointerField(1).Load().IsNull())
	assert.Len(t, o.Scalar(), 24-16)
	assert.Len(t, o.Payload(), 24)

	v := o.VersionField().Load()
	assert.True(t, v.IsIndirect())
	assert.Equal(t, uint32(9), v.Slot())
}

func TestVersionPublication(t *testing.T) {
	buf := make([]byte, TotalSize(8))
	o := Init(buf, Indirect(3), 8, 0, 0, 0)

	o.VersionField().Store(Real(41))
	v := o.VersionField().Load()
	assert.False(t, v.IsIndirect())
	assert.Equal(t, uint64(41), v.Real())
	assert.False(t, v.IsZero())
}

func TestFlags(t *testing.T) {
	buf := make([]byte, TotalSize(8))
	o := Init(buf, Real(1), 8, 0, 3, FlagLattice)
	assert.Equal(t, uint8(3), o.Class())
	assert.NotZero(t, o.Flags()&FlagLattice)

	o.SetFlags(o.Flags() | FlagFreed)
	assert.NotZero(t, o.Flags()&FlagFreed)
}

func TestPointerFieldsAtPayloadHead(t *testing.T) {
	buf := make([]byte, TotalSize(16))
	o := Init(buf, Real(1), 16, 2, 0, 0)

	p := swizzle.Block(1, 5, 2)
	o.PointerField(0).Store(p)
	assert.Equal(t, p, o.PointerField(0).Load())
	// The cluster occupies the start of the payload.
	assert.Equal(t, o.Payload()[:8], o.Image()[HeaderSize:HeaderSize+8])
}
