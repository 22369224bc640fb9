package las

import "errors"

var (
	// ErrOutOfSpace is returned when no source can fit an allocation.
	// Recoverable: the caller may retry after GC frees extents.
	ErrOutOfSpace = errors.New("las: out of space")
	// ErrExtentBoundary is returned when a slice would cross an extent
	// boundary. This is an invariant violation and aborts the caller's
	// transaction.
	ErrExtentBoundary = errors.New("las: slice crosses extent boundary")
	// ErrConsumed is returned when a mutable slice is used after publish.
	ErrConsumed = errors.New("las: mutable slice already published")
	// ErrNotResident is returned when byte access hits an evicted extent.
	ErrNotResident = errors.New("las: extent not resident")
	// ErrClosed is returned after the LAS shut down.
	ErrClosed = errors.New("las: closed")
)
