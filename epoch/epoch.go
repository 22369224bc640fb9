// Package epoch allocates transaction versions and tracks the lowest
// version any live transaction can still observe.
//
// Versions are monotone 64-bit numbers. A transaction gets its read
// version at begin and, if it commits, a commit version from the same
// counter. The minimum over active read versions and unpublished commit
// slots is the GC safe-point: versions at or below it can never be
// observed again and may be reclaimed.
package epoch

import (
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// State is the per-transaction record the manager tracks. Its commit
// slot is the single word whose store publishes every object the
// transaction allocated: indirect version handles resolve through it.
type State struct {
	slot        uint32
	readVersion uint64
	commit      atomic.Uint64 // 0 until publish
}

// Slot returns the state's slot id, embedded in indirect version handles.
func (s *State) Slot() uint32 { return s.slot }

// ReadVersion returns the snapshot version assigned at begin.
func (s *State) ReadVersion() uint64 { return s.readVersion }

// CommitVersion returns the published commit version, or 0.
func (s *State) CommitVersion() uint64 { return s.commit.Load() }

// Manager is the per-heap version authority.
type Manager struct {
	next      atomic.Uint64 // last version handed out
	published atomic.Uint64 // highest version visible to new readers
	slotSeq   atomic.Uint32

	// slots stays populated until the indirect-version rewrite finishes;
	// active only spans begin..finish and feeds the safe-point.
	slots  *xsync.MapOf[uint32, *State]
	active *xsync.MapOf[uint32, *State]

	lowest atomic.Uint64 // cached safe-point

	// commitMu serializes version publication so the published counter
	// never runs ahead of an unpublished commit. Readers never take it.
	commitMu sync.Mutex
}

// NewManager creates a manager starting after the given version.
// Pass 0 for a fresh heap; recovery passes the last durable commit.
func NewManager(last uint64) *Manager {
	m := &Manager{
		slots:  xsync.NewMapOf[uint32, *State](),
		active: xsync.NewMapOf[uint32, *State](),
	}
	m.next.Store(last)
	m.published.Store(last)
	m.lowest.Store(last)
	return m
}

// Seed raises the version counters to at least last. Recovery calls it
// after replay with the highest durable commit version.
func (m *Manager) Seed(last uint64) {
	for {
		cur := m.next.Load()
		if cur >= last {
			break
		}
		if m.next.CompareAndSwap(cur, last) {
			break
		}
	}
	for {
		cur := m.published.Load()
		if cur >= last {
			break
		}
		if m.published.CompareAndSwap(cur, last) {
			break
		}
	}
	if m.lowest.Load() < last && m.ActiveCount() == 0 {
		m.lowest.Store(last)
	}
}

// Begin registers a new transaction and assigns its read version.
func (m *Manager) Begin() *State {
	s := &State{
		slot:        m.slotSeq.Add(1),
		readVersion: m.published.Load(),
	}
	m.slots.Store(s.slot, s)
	m.active.Store(s.slot, s)
	return s
}

// Publish allocates the commit version for s and stores it into the
// state slot. That single store makes every object allocated by the
// transaction valid; the surrounding mutex only orders publications so
// a later version is never visible before an earlier one.
func (m *Manager) Publish(s *State) uint64 {
	m.commitMu.Lock()
	v := m.next.Add(1)
	s.commit.Store(v)
	m.published.Store(v)
	m.commitMu.Unlock()
	return v
}

// Finish removes s from the active set and refreshes the safe-point.
// The slot stays resolvable until Release.
func (m *Manager) Finish(s *State) {
	m.active.Delete(s.slot)
	m.refreshLowest()
}

// Release drops the state slot once no indirect handle references it.
func (m *Manager) Release(s *State) {
	m.slots.Delete(s.slot)
}

// ResolveSlot implements object.Resolver.
func (m *Manager) ResolveSlot(slot uint32) uint64 {
	if s, ok := m.slots.Load(slot); ok {
		return s.commit.Load()
	}
	return 0
}

// SlotKnown reports whether the slot is still registered. An indirect
// handle whose slot is gone and whose re-read stays indirect belongs to
// an aborted transaction: committed handles are rewritten to direct
// versions before their slot is released.
func (m *Manager) SlotKnown(slot uint32) bool {
	_, ok := m.slots.Load(slot)
	return ok
}

// Current returns the highest published version.
func (m *Manager) Current() uint64 { return m.published.Load() }

// SafePoint returns the version at or below which no active transaction
// can observe anything newer. Cached; refreshed when transactions end.
func (m *Manager) SafePoint() uint64 { return m.lowest.Load() }

func (m *Manager) refreshLowest() {
	low := m.published.Load()
	m.active.Range(func(_ uint32, s *State) bool {
		if s.readVersion < low {
			low = s.readVersion
		}
		// An assigned but unpublished commit pins the safe-point too.
		if c := s.commit.Load(); c != 0 && c-1 < low {
			low = c - 1
		}
		return true
	})
	m.lowest.Store(low)
}

// ActiveCount returns the number of live transactions.
func (m *Manager) ActiveCount() int {
	n := 0
	m.active.Range(func(uint32, *State) bool { n++; return true })
	return n
}
