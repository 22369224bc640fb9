package engine

import (
	"context"
	"errors"
	"fmt"
	"unsafe"

	"github.com/hupe1980/tierheap/las"
	"github.com/hupe1980/tierheap/object"
	"github.com/hupe1980/tierheap/source"
	"github.com/hupe1980/tierheap/swizzle"
)

// FieldRef names a pointer field together with its holder, which the
// engine needs to maintain parent back-pointers. FieldRefs are handed
// out by the engine and are not copyable into long-lived structures:
// pointer ownership stays with the holder object.
type FieldRef struct {
	root   *Root
	holder object.Object
	hext   *las.Extent
	index  int
}

// RootField returns the field reference for a root table entry.
func (en *Engine) RootField(key string) FieldRef {
	return FieldRef{root: en.Root(key)}
}

// FieldOf returns the reference for the i-th pointer field of holder.
func (en *Engine) FieldOf(holder object.Object, ext *las.Extent, i int) FieldRef {
	return FieldRef{holder: holder, hext: ext, index: i}
}

// IsRoot reports whether the field lives in the root table.
func (f FieldRef) IsRoot() bool { return f.root != nil }

func (f FieldRef) field() swizzle.Field {
	if f.root != nil {
		return f.root.Field()
	}
	return f.holder.PointerField(f.index)
}

// Load reads the field's current pointer word.
func (f FieldRef) Load() swizzle.Ptr { return f.field().Load() }

// holderPtr returns the swizzled pointer naming the holder object, for
// parent back-pointers. Null for root fields.
func (f FieldRef) holderPtr() swizzle.Ptr {
	if f.root != nil {
		return swizzle.Null
	}
	addr := f.holder.Addr()
	return swizzle.Native(addr, objTag(f.hext, f.holder))
}

// objTag computes the object tag for an object resident in ext: its
// 8-byte slot index within the extent.
func objTag(ext *las.Extent, o object.Object) uint16 {
	return uint16(ext.OffsetOf(o.Addr()) / 8)
}

// resolved is the outcome of a pointer dereference: the object view
// plus the resident extent holding it.
type resolved struct {
	obj object.Object
	ext *las.Extent
}

func (r resolved) key() objKey {
	return objKey{ext: residentKey(r.ext), obj: objTag(r.ext, r.obj)}
}

// residentKey names the stable identity of an extent: block extents
// keep their identity across shadow churn.
func residentKey(e *las.Extent) las.ExtentID {
	if be := e.ShadowOf(); be != nil {
		return be.ID()
	}
	return e.ID()
}

// deref resolves the pointer in f to a resident object, faulting in
// block extents and swizzling the word in place. Concurrent
// dereferences tolerate both representations; a reader that loses the
// in-place rewrite race simply retries the load.
func (en *Engine) deref(ctx context.Context, f swizzle.Field) (resolved, error) {
	for {
		p := f.Load()
		if p.IsNull() {
			return resolved{}, ErrNullPointer
		}
		r, rewritten, err := en.resolvePtr(ctx, p)
		if err != nil {
			// A compaction or eviction may have rewritten the field after
			// we loaded it; a changed word means retry, not dangling.
			if errors.Is(err, ErrDanglingPointer) && f.Load() != p {
				continue
			}
			return resolved{}, err
		}
		if rewritten != p && !rewritten.IsNull() {
			// In-place swizzle: a single aligned word store. Losing the
			// race is fine; whoever wins wrote an equivalent pointer.
			f.CompareAndSwap(p, rewritten)
		}
		if r.obj.Valid() {
			return r, nil
		}
	}
}

// resolvePtr resolves a pointer word without rewriting the field; it
// returns the native form to install when the word was unswizzled.
func (en *Engine) resolvePtr(ctx context.Context, p swizzle.Ptr) (resolved, swizzle.Ptr, error) {
	switch p.Tag() {
	case swizzle.TagNative:
		addr := p.Addr()
		ext, ok := en.space.ExtentByAddr(addr)
		if !ok {
			return resolved{}, p, ErrDanglingPointer
		}
		if !en.space.Revive(ext) {
			// Evicted between load and lookup; retry via the block form
			// the evictor installed.
			return resolved{}, p, nil
		}
		return resolved{obj: object.At(unsafe.Pointer(addr)), ext: ext}, p, nil

	case swizzle.TagPersistent:
		ext, ok := en.space.ExtentForOffset(source.ID(p.Source()), p.Offset())
		if !ok {
			// Known only through this pointer: the log was truncated at a
			// checkpoint, so re-register the extent from its geometry.
			var err error
			ext, err = en.space.RestoreExtentForOffset(source.ID(p.Source()), p.Offset())
			if err != nil {
				return resolved{}, p, ErrDanglingPointer
			}
		}
		buf := ext.ResidentBytes()
		if buf == nil {
			return resolved{}, p, ErrDanglingPointer
		}
		objOff := int(p.Offset() - uint64(ext.SourceOffset()))
		o := object.FromBytes(buf[objOff:])
		native := swizzle.Native(o.Addr(), p.Object())
		return resolved{obj: o, ext: ext}, native, nil

	case swizzle.TagBlock:
		be, ok := en.space.ExtentForPage(source.ID(p.Source()), p.Page())
		if !ok {
			var err error
			be, err = en.space.RestoreExtentForPage(source.ID(p.Source()), p.Page())
			if err != nil {
				return resolved{}, p, ErrDanglingPointer
			}
		}
		shadow, err := en.space.FaultIn(ctx, be)
		if err != nil {
			return resolved{}, p, fmt.Errorf("engine: fault-in of extent %v: %w", be.ID(), err)
		}
		buf := shadow.ResidentBytes()
		if buf == nil {
			// Evicted again already; loop in deref retries.
			return resolved{}, p, nil
		}
		objOff := int(p.Object()) * 8
		o := object.FromBytes(buf[objOff:])
		native := swizzle.Native(o.Addr(), p.Object())
		return resolved{obj: o, ext: shadow}, native, nil

	default:
		return resolved{}, p, ErrNullPointer
	}
}

// storageForm computes the position-independent representation of a
// pointer to the object at objOff inside ext: a persistent-offset word
// for byte-addressable persistent extents, a block word for
// block-backed ones. ok is false for purely volatile extents, which
// have no unswizzled form.
func storageForm(e *las.Extent, objOff int, tag uint16) (swizzle.Ptr, bool) {
	if be := e.ShadowOf(); be != nil {
		return swizzle.Block(uint16(be.Source().ID()), be.ID().StartPage(), tag), true
	}
	switch e.Source().Kind() {
	case source.KindPersistentMemory:
		return swizzle.Persistent(uint16(e.Source().ID()), uint64(e.SourceOffset())+uint64(objOff), tag), true
	case source.KindBlock:
		return swizzle.Block(uint16(e.Source().ID()), e.ID().StartPage(), tag), true
	default:
		return swizzle.Null, false
	}
}

// resolveVersion resolves an object's version handle to a real version.
// Returns (0, true) when the owning transaction is still in flight and
// (0, false) when the object belongs to an aborted transaction.
func (en *Engine) resolveVersion(o object.Object) (uint64, bool) {
	v := o.VersionField().Load()
	if v.IsZero() {
		return 0, false
	}
	if !v.IsIndirect() {
		return v.Real(), true
	}
	if c := en.epoch.ResolveSlot(v.Slot()); c != 0 {
		return c, true
	}
	if en.epoch.SlotKnown(v.Slot()) {
		return 0, true // in flight
	}
	// Slot gone. Committed handles are rewritten before release, so a
	// still-indirect handle can only be an aborted leftover, unless
	// the rewrite landed between our two loads; re-read to be sure.
	v2 := o.VersionField().Load()
	if v2 != v && !v2.IsIndirect() && !v2.IsZero() {
		return v2.Real(), true
	}
	return 0, false
}
