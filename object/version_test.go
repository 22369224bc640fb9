package object

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type mapResolver map[uint32]uint64

func (m mapResolver) ResolveSlot(slot uint32) uint64 { return m[slot] }

func TestVersionHandles(t *testing.T) {
	assert.True(t, Version(0).IsZero())
	assert.False(t, Real(5).IsIndirect())
	assert.True(t, Indirect(5).IsIndirect())
	assert.Equal(t, uint32(5), Indirect(5).Slot())
	assert.Equal(t, uint64(5), Real(5).Real())
}

func TestResolve(t *testing.T) {
	r := mapResolver{7: 100}
	assert.Equal(t, uint64(100), Indirect(7).Resolve(r))
	assert.Equal(t, uint64(0), Indirect(8).Resolve(r))
	assert.Equal(t, uint64(33), Real(33).Resolve(r))
}
