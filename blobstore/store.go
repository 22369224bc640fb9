// Package blobstore abstracts the object stores a blob-backed block
// source spills extents to.
//
// Extents are written and read whole, so the interface is deliberately
// coarse: Put stores an immutable object, Get returns its full payload.
// Local and in-memory implementations live here; S3 and MinIO backends
// are in subpackages.
package blobstore

import (
	"context"
	"os"
)

// ErrNotFound is returned when an object does not exist.
//
// Implementations return an error satisfying errors.Is(err, ErrNotFound).
// The default maps to os.ErrNotExist.
var ErrNotFound = os.ErrNotExist

// Store is an object store holding extent payloads.
type Store interface {
	// Put stores data under name, replacing any previous object.
	Put(ctx context.Context, name string, data []byte) error
	// Get returns the full payload stored under name.
	Get(ctx context.Context, name string) ([]byte, error)
	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, name string) error
	// List returns the names under prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}
