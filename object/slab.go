package object

import (
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
)

// SlabClass describes a registered tiny-object class. Classes are fixed
// at heap open; the id is embedded in slab-object references.
type SlabClass struct {
	ID        uint8
	CellSize  int
	Align     int
	CellCount int // cells per extent
}

// Validate checks the class parameters.
func (c SlabClass) Validate() error {
	if c.ID == 0 {
		return fmt.Errorf("slab class id 0 is reserved for regular objects")
	}
	if c.CellSize <= 0 || c.CellCount <= 0 {
		return fmt.Errorf("slab class %d: non-positive cell size or count", c.ID)
	}
	if c.Align <= 0 || c.Align&(c.Align-1) != 0 {
		return fmt.Errorf("slab class %d: alignment %d is not a power of two", c.ID, c.Align)
	}
	return nil
}

// Stride returns the aligned distance between cells.
func (c SlabClass) Stride() int {
	return (c.CellSize + c.Align - 1) &^ (c.Align - 1)
}

// ExtentBytes returns the payload bytes one slab extent needs.
func (c SlabClass) ExtentBytes() int {
	return c.Stride() * c.CellCount
}

// Slab is the per-extent descriptor of a slab extent: the class plus an
// occupancy bitmap. Slab objects are immutable, contain no pointers and
// are never version-chained; the whole slab is reclaimed only once no
// cell is referenced.
type Slab struct {
	Class SlabClass

	mu  sync.Mutex
	occ *roaring.Bitmap
}

// NewSlab creates an empty descriptor for the class.
func NewSlab(class SlabClass) *Slab {
	return &Slab{Class: class, occ: roaring.New()}
}

// Allocate claims a free cell and returns its index, or false when full.
func (s *Slab) Allocate() (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cell uint32
	if s.occ.IsEmpty() {
		cell = 0
	} else {
		// First gap, or the next cell after the highest occupied one.
		n := uint32(s.Class.CellCount)
		found := false
		for i := uint32(0); i < n; i++ {
			if !s.occ.Contains(i) {
				cell = i
				found = true
				break
			}
		}
		if !found {
			return 0, false
		}
	}
	if cell >= uint32(s.Class.CellCount) {
		return 0, false
	}
	s.occ.Add(cell)
	return cell, true
}

// Release returns a cell to the free set.
func (s *Slab) Release(cell uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.occ.Remove(cell)
}

// Occupied returns the number of live cells.
func (s *Slab) Occupied() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.occ.GetCardinality())
}

// Empty reports whether no cell is referenced; only then may the extent
// be reclaimed.
func (s *Slab) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.occ.IsEmpty()
}

// CellOffset returns the byte offset of a cell within the extent payload.
func (s *Slab) CellOffset(cell uint32) int {
	return int(cell) * s.Class.Stride()
}

// Snapshot returns a copy of the occupancy bitmap, for GC scans.
func (s *Slab) Snapshot() *roaring.Bitmap {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.occ.Clone()
}
