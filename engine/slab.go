package engine

import (
	"context"
	"fmt"

	"github.com/hupe1980/tierheap/las"
	"github.com/hupe1980/tierheap/object"
	"github.com/hupe1980/tierheap/source"
	"github.com/hupe1980/tierheap/swizzle"
)

// Slab objects are the tiny-object fast path: header-less cells inside
// a class-dedicated extent, immutable, pointer-free and never
// version-chained. A cell becomes visible through the versioned holder
// that points at it; the extent is reclaimed only once every cell is
// unreferenced.

// AllocCell writes data into a fresh cell of the registered class and
// installs the cell pointer into f. The field must be null: cells are
// immutable, so "updating" one means allocating a sibling elsewhere.
func (tx *Tx) AllocCell(ctx context.Context, f FieldRef, classID uint8, data []byte) error {
	if err := tx.active(); err != nil {
		return err
	}
	class, ok := tx.en.slabs[classID]
	if !ok {
		return fmt.Errorf("engine: unregistered slab class %d", classID)
	}
	if len(data) > class.CellSize {
		return fmt.Errorf("engine: %d bytes exceed slab class %d cell size %d", len(data), classID, class.CellSize)
	}
	if !f.Load().IsNull() {
		tx.en.conflicts.Add(1)
		return ErrWriteConflict
	}

	ext, cell, err := tx.en.allocateCell(ctx, class)
	if err != nil {
		return err
	}
	tx.touch(ext)

	slab := ext.Slab()
	off := slab.CellOffset(cell)
	buf := ext.ResidentBytes()
	copy(buf[off:off+class.CellSize], data)
	ext.MarkDirty()
	ext.AddLive(class.Stride())

	p := swizzle.Native(ext.BaseAddr()+uintptr(off), uint16(off/8))
	if !f.field().CompareAndSwap(swizzle.Null, p) {
		slab.Release(cell)
		tx.en.conflicts.Add(1)
		return ErrWriteConflict
	}
	tx.installed = true
	if f.hext != nil {
		f.hext.MarkDirty()
	}
	return nil
}

// ReadCell returns the read-only cell bytes under f.
func (tx *Tx) ReadCell(ctx context.Context, f FieldRef) ([]byte, error) {
	if err := tx.active(); err != nil {
		return nil, err
	}
	p := f.Load()
	if p.IsNull() {
		return nil, ErrNullPointer
	}
	ext, off, err := tx.en.resolveCell(ctx, f)
	if err != nil {
		return nil, err
	}
	tx.touch(ext)
	class := ext.Slab().Class
	buf := ext.ResidentBytes()
	return buf[off : off+class.CellSize : off+class.CellSize], nil
}

// FreeCell nulls the field and releases the cell back to its slab.
// The extent itself stays allocated: the GC neither compacts nor
// reclaims slab extents, even once every cell is free.
func (tx *Tx) FreeCell(ctx context.Context, f FieldRef) error {
	if err := tx.active(); err != nil {
		return err
	}
	p := f.Load()
	if p.IsNull() {
		return ErrNullPointer
	}
	ext, off, err := tx.en.resolveCell(ctx, f)
	if err != nil {
		return err
	}
	if !f.field().CompareAndSwap(p, swizzle.Null) {
		tx.en.conflicts.Add(1)
		return ErrWriteConflict
	}
	slab := ext.Slab()
	slab.Release(uint32(off / slab.Class.Stride()))
	ext.AddLive(-slab.Class.Stride())
	ext.MarkDirty()
	tx.installed = true
	return nil
}

func (en *Engine) resolveCell(ctx context.Context, f FieldRef) (*las.Extent, int, error) {
	for {
		p := f.Load()
		if p.IsNull() {
			return nil, 0, ErrNullPointer
		}
		switch p.Tag() {
		case swizzle.TagNative:
			ext, ok := en.space.ExtentByAddr(p.Addr())
			if !ok || ext.Slab() == nil {
				return nil, 0, ErrDanglingPointer
			}
			if !en.space.Revive(ext) {
				continue
			}
			return ext, ext.OffsetOf(p.Addr()), nil
		case swizzle.TagBlock:
			be, ok := en.space.ExtentForPage(source.ID(p.Source()), p.Page())
			if !ok {
				return nil, 0, ErrDanglingPointer
			}
			shadow, err := en.space.FaultIn(ctx, be)
			if err != nil {
				return nil, 0, err
			}
			off := int(p.Object()) * 8
			f.field().CompareAndSwap(p, swizzle.Native(shadow.BaseAddr()+uintptr(off), p.Object()))
			return shadow, off, nil
		case swizzle.TagPersistent:
			ext, ok := en.space.ExtentForOffset(source.ID(p.Source()), p.Offset())
			if !ok {
				return nil, 0, ErrDanglingPointer
			}
			return ext, int(p.Offset() - uint64(ext.SourceOffset())), nil
		default:
			return nil, 0, ErrNullPointer
		}
	}
}

// allocateCell claims a cell in the open slab extent of the class,
// opening a new extent when the current one fills.
func (en *Engine) allocateCell(ctx context.Context, class object.SlabClass) (*las.Extent, uint32, error) {
	en.slabMu.Lock()
	defer en.slabMu.Unlock()

	if ext := en.openSlab[class.ID]; ext != nil {
		if cell, ok := ext.Slab().Allocate(); ok {
			return ext, cell, nil
		}
	}
	ext, err := en.space.AllocateSlabExtent(ctx, class, las.Hint{Kind: las.HintSlab})
	if err != nil {
		return nil, 0, err
	}
	en.openSlab[class.ID] = ext
	cell, _ := ext.Slab().Allocate()
	return ext, cell, nil
}
