// Package mmap provides anonymous and file-backed memory mappings.
//
// Memory sources allocate their extents from anonymous read-write
// mappings so the payload bytes live outside the Go garbage collector.
// Persistent byte-addressable sources map their backing file shared and
// read-write; Sync flushes a dirty range with msync, which is the only
// durability primitive those sources expose.
//
// Mappings never move for their lifetime, which is what makes it safe to
// store native machine addresses inside swizzled pointer words.
package mmap
