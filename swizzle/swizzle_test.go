package swizzle

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNativeRoundTrip(t *testing.T) {
	var word uint64
	addr := uintptr(unsafe.Pointer(&word)) &^ 7

	p := Native(addr, 42)
	assert.Equal(t, TagNative, p.Tag())
	assert.Equal(t, addr, p.Addr())
	assert.Equal(t, uint16(42), p.Object())
	assert.False(t, p.IsNull())
}

func TestPersistentRoundTrip(t *testing.T) {
	p := Persistent(7, 123456, 99)
	assert.Equal(t, TagPersistent, p.Tag())
	assert.Equal(t, uint16(7), p.Source())
	assert.Equal(t, uint64(123456), p.Offset())
	assert.Equal(t, uint16(99), p.Object())
}

func TestBlockRoundTrip(t *testing.T) {
	p := Block(3, 0xABCDEF, 17)
	assert.Equal(t, TagBlock, p.Tag())
	assert.Equal(t, uint16(3), p.Source())
	assert.Equal(t, uint64(0xABCDEF), p.Page())
	assert.Equal(t, uint16(17), p.Object())
}

func TestNull(t *testing.T) {
	assert.True(t, Null.IsNull())
	assert.Equal(t, TagNull, Null.Tag())
}

func TestBoundaries(t *testing.T) {
	p := Persistent(MaxSourceID, MaxOffset, 0xFFFF)
	assert.Equal(t, MaxSourceID, p.Source())
	assert.Equal(t, MaxOffset, p.Offset())
	assert.Equal(t, uint16(0xFFFF), p.Object())
}

func TestSameObject(t *testing.T) {
	native := Native(0x10000, 5)
	block := Block(1, 200, 5)
	other := Block(1, 200, 6)

	assert.True(t, native.SameObject(block))
	assert.False(t, native.SameObject(other))
	assert.True(t, Null.SameObject(Null))
	assert.False(t, Null.SameObject(native))
}

func TestFieldAtomics(t *testing.T) {
	var word uint64
	f := FieldAt(unsafe.Pointer(&word))
	require.True(t, f.Valid())

	f.Store(Null)
	assert.True(t, f.Load().IsNull())

	p := Block(2, 77, 3)
	require.True(t, f.CompareAndSwap(Null, p))
	assert.Equal(t, p, f.Load())

	// A CAS against a stale value must fail.
	assert.False(t, f.CompareAndSwap(Null, Persistent(1, 1, 1)))
	assert.Equal(t, p, f.Load())
}

func TestStringForms(t *testing.T) {
	assert.Contains(t, Persistent(1, 2, 3).String(), "persistent")
	assert.Contains(t, Block(1, 2, 3).String(), "block")
	assert.Contains(t, Null.String(), "null")
}
