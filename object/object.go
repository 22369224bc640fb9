// Package object defines the versioned record layout inside extents.
//
// A regular object is laid out as:
//
//	+0   version handle (8 B, atomic)
//	+8   chain pointer to the next-older version (swizzled, 8 B)
//	+16  parent back-pointer (swizzled, 8 B)
//	+24  size (4 B) | pointer count (2 B) | class (1 B) | flags (1 B)
//	+32  payload: pointer cluster first, then scalar bytes
//
// The header is fixed-size so every field sits at a constant offset;
// pointer rewrites and version publication must be single aligned word
// stores, and a variable-length header would break that.
//
// An object is valid iff its version handle is non-zero. Objects form a
// singly linked version chain ordered new to old through the chain
// pointer.
package object

import (
	"unsafe"

	"github.com/hupe1980/tierheap/swizzle"
)

const (
	// HeaderSize is the fixed header length in bytes.
	HeaderSize = 32
	// Alignment is the object alignment within an extent.
	Alignment = 8
)

// Flags stored in the header flag byte.
const (
	// FlagLattice marks an object whose field merges under a registered
	// lattice function instead of conflicting.
	FlagLattice uint8 = 1 << 0
	// FlagFreed marks an object linked onto a transaction free list.
	FlagFreed uint8 = 1 << 1
)

const (
	offVersion = 0
	offChain   = 8
	offParent  = 16
	offSize    = 24
	offPtrs    = 28
	offClass   = 30
	offFlags   = 31
)

// Object is a view over an object image resident in extent memory.
// The zero Object is invalid.
type Object struct {
	base unsafe.Pointer
}

// At interprets the 8-byte-aligned memory at p as an object header.
func At(p unsafe.Pointer) Object { return Object{base: p} }

// FromBytes interprets the start of buf as an object header.
func FromBytes(buf []byte) Object {
	return Object{base: unsafe.Pointer(&buf[0])}
}

// Valid reports whether the view is backed by memory.
func (o Object) Valid() bool { return o.base != nil }

// Addr returns the base address of the object image.
func (o Object) Addr() uintptr { return uintptr(o.base) }

func (o Object) u64(off uintptr) *uint64 {
	return (*uint64)(unsafe.Add(o.base, off))
}

func (o Object) u32(off uintptr) *uint32 {
	return (*uint32)(unsafe.Add(o.base, off))
}

// VersionField returns the version handle word for atomic access.
func (o Object) VersionField() VersionField {
	return VersionField{word: o.u64(offVersion)}
}

// Chain returns the pointer field linking to the next-older version.
func (o Object) Chain() swizzle.Field {
	return swizzle.FieldAt(unsafe.Add(o.base, offChain))
}

// Parent returns the parent back-pointer field. The parent relation is
// not an ownership edge; it is consulted only during unswizzling and
// compaction fix-up and may be stale while the target is non-resident.
func (o Object) Parent() swizzle.Field {
	return swizzle.FieldAt(unsafe.Add(o.base, offParent))
}

// Size returns the payload size in bytes (pointer cluster included).
func (o Object) Size() int {
	return int(*o.u32(offSize))
}

// Ptrs returns the number of pointer fields at the payload head.
func (o Object) Ptrs() int {
	return int(*(*uint16)(unsafe.Add(o.base, offPtrs)))
}

// Class returns the slab class id, or 0 for regular objects.
func (o Object) Class() uint8 {
	return *(*uint8)(unsafe.Add(o.base, offClass))
}

// Flags returns the header flag byte.
func (o Object) Flags() uint8 {
	return *(*uint8)(unsafe.Add(o.base, offFlags))
}

// SetFlags rewrites the flag byte. Callers serialize through the engine.
func (o Object) SetFlags(f uint8) {
	*(*uint8)(unsafe.Add(o.base, offFlags)) = f
}

// PointerField returns the i-th pointer field of the payload cluster.
func (o Object) PointerField(i int) swizzle.Field {
	return swizzle.FieldAt(unsafe.Add(o.base, HeaderSize+uintptr(i)*8))
}

// Scalar returns the scalar region of the payload, after the pointer
// cluster. Read-only for committed versions.
func (o Object) Scalar() []byte {
	off := HeaderSize + o.Ptrs()*8
	n := o.Size() - o.Ptrs()*8
	return unsafe.Slice((*byte)(unsafe.Add(o.base, off)), n)
}

// Payload returns the whole payload, pointer cluster included.
func (o Object) Payload() []byte {
	return unsafe.Slice((*byte)(unsafe.Add(o.base, HeaderSize)), o.Size())
}

// Image returns header plus payload as one byte slice.
func (o Object) Image() []byte {
	return unsafe.Slice((*byte)(o.base), TotalSize(o.Size()))
}

// TotalSize returns the aligned on-extent footprint of an object with
// the given payload size.
func TotalSize(payload int) int {
	n := HeaderSize + payload
	return (n + Alignment - 1) &^ (Alignment - 1)
}

// Init formats buf as an object image: header written, pointer cluster
// nulled, scalar region zeroed by the allocator's fresh extent memory.
func Init(buf []byte, v Version, payload, ptrs int, class, flags uint8) Object {
	o := FromBytes(buf)
	*o.u64(offVersion) = uint64(v)
	*o.u32(offSize) = uint32(payload)
	*(*uint16)(unsafe.Add(o.base, offPtrs)) = uint16(ptrs)
	*(*uint8)(unsafe.Add(o.base, offClass)) = class
	*(*uint8)(unsafe.Add(o.base, offFlags)) = flags
	o.Chain().Store(swizzle.Null)
	o.Parent().Store(swizzle.Null)
	for i := 0; i < ptrs; i++ {
		o.PointerField(i).Store(swizzle.Null)
	}
	return o
}
