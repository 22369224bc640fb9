package epoch

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBeginAssignsCurrentVersion(t *testing.T) {
	m := NewManager(0)

	s1 := m.Begin()
	assert.Equal(t, uint64(0), s1.ReadVersion())

	v := m.Publish(s1)
	assert.Equal(t, uint64(1), v)
	m.Finish(s1)

	s2 := m.Begin()
	assert.Equal(t, uint64(1), s2.ReadVersion())
}

func TestCommitVersionsMonotone(t *testing.T) {
	m := NewManager(10)
	var mu sync.Mutex
	var versions []uint64

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := m.Begin()
			v := m.Publish(s)
			m.Finish(s)
			mu.Lock()
			versions = append(versions, v)
			mu.Unlock()
		}()
	}
	wg.Wait()

	seen := map[uint64]bool{}
	for _, v := range versions {
		require.False(t, seen[v], "version %d handed out twice", v)
		seen[v] = true
		assert.Greater(t, v, uint64(10))
	}
}

func TestResolveSlot(t *testing.T) {
	m := NewManager(0)
	s := m.Begin()

	assert.Equal(t, uint64(0), m.ResolveSlot(s.Slot()), "uncommitted slot resolves to 0")
	assert.True(t, m.SlotKnown(s.Slot()))

	v := m.Publish(s)
	assert.Equal(t, v, m.ResolveSlot(s.Slot()))

	m.Finish(s)
	m.Release(s)
	assert.False(t, m.SlotKnown(s.Slot()))
	assert.Equal(t, uint64(0), m.ResolveSlot(s.Slot()))
}

func TestSafePointTracksLowestReader(t *testing.T) {
	m := NewManager(0)

	a := m.Begin() // read version 0
	w := m.Begin()
	m.Publish(w) // version 1
	m.Finish(w)
	m.Release(w)

	// a still reads at 0, so the safe-point must not pass it.
	assert.LessOrEqual(t, m.SafePoint(), a.ReadVersion())

	m.Finish(a)
	m.Release(a)
	assert.Equal(t, uint64(1), m.SafePoint())
}

func TestSeed(t *testing.T) {
	m := NewManager(0)
	m.Seed(77)
	assert.Equal(t, uint64(77), m.Current())
	s := m.Begin()
	assert.Equal(t, uint64(77), s.ReadVersion())
	assert.Equal(t, uint64(78), m.Publish(s))
}

func TestActiveCount(t *testing.T) {
	m := NewManager(0)
	assert.Equal(t, 0, m.ActiveCount())
	s := m.Begin()
	assert.Equal(t, 1, m.ActiveCount())
	m.Finish(s)
	assert.Equal(t, 0, m.ActiveCount())
}
