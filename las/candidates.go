package las

import "github.com/hupe1980/tierheap/source"

// The eviction candidate map holds extents that are cheap to drop: all
// inbound pointers are unswizzled, the block backing is clean, and no
// active transaction pins them. Dropping a candidate is then a pure
// metadata operation plus an image release.

// Admit moves a resident extent into the candidate map. The caller (the
// eviction worker) has already unswizzled every inbound pointer. Admit
// refuses extents that are pinned, dirty, or have no durable backing.
func (l *LAS) Admit(e *Extent) bool {
	// A fresh shadow is born dirty and stays unadmittable until its
	// first write-back lands; a faulted-in shadow is clean because its
	// backing is the authoritative copy it was read from.
	if e.Pinned() || e.ShadowOf() == nil || e.Dirty() {
		return false
	}
	if p := e.ShadowOf().PendingWrite(); p != nil {
		select {
		case <-p.Done():
			if p.Err() != nil {
				return false
			}
		default:
			return false // write still in flight
		}
	}
	if !e.state.CompareAndSwap(int32(StateResident), int32(StateCandidate)) {
		return false
	}
	e.touched.Store(false)
	l.candidates.Store(e.id, e)
	l.candidateBytes.Add(int64(e.bytes))
	return true
}

// Revive returns a candidate to service in a single step: the reader
// that hit it gets the extent back and the map entry disappears.
// Returns false only when the extent is no longer usable (evicted or
// dead); resident extents pass through unchanged.
func (l *LAS) Revive(e *Extent) bool {
	switch ExtentState(e.state.Load()) {
	case StateResident:
		return true
	case StateCandidate:
		if e.state.CompareAndSwap(int32(StateCandidate), int32(StateResident)) {
			if _, ok := l.candidates.LoadAndDelete(e.id); ok {
				l.candidateBytes.Add(-int64(e.bytes))
			}
			return true
		}
		// Lost the race against eviction.
		return ExtentState(e.state.Load()) == StateResident
	default:
		return false
	}
}

// CandidateBytes returns the reclaimable bytes sitting in the map.
func (l *LAS) CandidateBytes() int64 { return l.candidateBytes.Load() }

// CandidateCount returns the number of candidates.
func (l *LAS) CandidateCount() int {
	n := 0
	l.candidates.Range(func(ExtentID, *Extent) bool { n++; return true })
	return n
}

// EvictOne picks a victim with second chance and drops its image.
// A touched candidate gets its bit cleared and is skipped once. Returns
// the freed byte count, or 0 when nothing was evictable.
func (l *LAS) EvictOne() int {
	var victim *Extent
	l.candidates.Range(func(_ ExtentID, e *Extent) bool {
		if e.touched.CompareAndSwap(true, false) {
			return true // second chance
		}
		victim = e
		return false
	})
	if victim == nil {
		return 0
	}
	if !victim.state.CompareAndSwap(int32(StateCandidate), int32(StateEvicted)) {
		return 0 // revived concurrently
	}
	if _, ok := l.candidates.LoadAndDelete(victim.id); ok {
		l.candidateBytes.Add(-int64(victim.bytes))
	}

	// The shadow dies; the block extent stays and will fault back in.
	be := victim.ShadowOf()
	l.indexRemove(victim)
	victim.dropImage()
	if be != nil {
		l.pageTable.Delete(be.id)
		be.backing.Store(nil)
	}
	l.extents.Delete(victim.id)
	l.releaseExtentRange(victim)
	return victim.bytes
}

// EvictableResident visits resident, unpinned, clean block shadows that
// are not yet candidates; the eviction worker unswizzles them and calls
// Admit. Slab extents are excluded: header-less cells give the walk no
// parent back-pointers to unswizzle through.
func (l *LAS) EvictableResident(fn func(*Extent) bool) {
	l.extents.Range(func(_ ExtentID, e *Extent) bool {
		if ExtentState(e.state.Load()) != StateResident {
			return true
		}
		if e.ShadowOf() == nil || e.Pinned() || e.slab != nil {
			return true
		}
		if e.src.Kind() != source.KindMemory {
			return true
		}
		return fn(e)
	})
}

// MigratableResident visits resident, unpinned memory extents with no
// block backing yet. Under memory pressure the eviction worker assigns
// them one and writes their image back, turning cold DRAM data into
// evictable shadows.
func (l *LAS) MigratableResident(fn func(*Extent) bool) {
	l.extents.Range(func(_ ExtentID, e *Extent) bool {
		if ExtentState(e.state.Load()) != StateResident {
			return true
		}
		if e.ShadowOf() != nil || e.Pinned() || e.slab != nil || e.Used() == 0 {
			return true
		}
		if e.src.Kind() != source.KindMemory {
			return true
		}
		return fn(e)
	})
}

// AssignBacking reserves a block extent for a pure memory extent,
// making e its shadow. The image stays dirty until the first
// write-back lands.
func (l *LAS) AssignBacking(e *Extent) (*Extent, error) {
	if e.ShadowOf() != nil {
		return e.ShadowOf(), nil
	}
	l.mu.RLock()
	var blk *attachedSource
	for _, a := range l.order {
		if a.src.Kind() == source.KindBlock {
			blk = a
			break
		}
	}
	l.mu.RUnlock()
	if blk == nil {
		return nil, ErrOutOfSpace
	}

	off, ok := blk.acquire(int64(l.extentBytes))
	if !ok {
		return nil, ErrOutOfSpace
	}
	be := &Extent{
		id:    MakeExtentID(blk.src.ID(), uint64(off)/uint64(l.cfg.PageSize)),
		src:   blk.src,
		bytes: l.extentBytes,
		off:   off,
	}
	be.state.Store(int32(StateEvicted))
	be.backing.Store(e)
	e.shadowOf.Store(be)
	e.backing.Store(be)
	e.MarkDirty()
	l.pageTable.Store(be.id, e)
	l.extents.Store(be.id, be)
	return be, nil
}
