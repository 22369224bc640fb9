package source

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/hupe1980/tierheap/internal/mmap"
)

// MappedFileSource is a persistent byte-addressable source: a file
// mapped shared and read-write, standing in for persistent memory.
// Mutations become durable at Flush, which msyncs the mapping; that is
// the only durability primitive the transaction engine uses.
type MappedFileSource struct {
	id       ID
	pageSize int
	path     string

	file    *os.File
	mapping *mmap.Mapping
	size    int64
	closed  atomic.Bool

	obs Observer
}

// MappedFileOptions configures a MappedFileSource.
type MappedFileOptions struct {
	Observer Observer
}

// OpenMappedFileSource opens (creating if necessary) the file at path
// and maps capacity bytes of it.
func OpenMappedFileSource(id ID, pageSize int, path string, capacity int64, optFns ...func(*MappedFileOptions)) (*MappedFileSource, error) {
	opts := MappedFileOptions{Observer: NoopObserver{}}
	for _, fn := range optFns {
		fn(&opts)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600) //nolint:gosec // G304: path is configurable
	if err != nil {
		return nil, fmt.Errorf("source: open mapped file: %w", err)
	}
	m, err := mmap.MapFile(f, int(capacity))
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("source: map %s: %w", path, err)
	}

	return &MappedFileSource{
		id:       id,
		pageSize: pageSize,
		path:     path,
		file:     f,
		mapping:  m,
		size:     capacity,
		obs:      opts.Observer,
	}, nil
}

// ID implements Source.
func (s *MappedFileSource) ID() ID { return s.id }

// Kind implements Source.
func (s *MappedFileSource) Kind() Kind { return KindPersistentMemory }

// Persistent implements Source.
func (s *MappedFileSource) Persistent() bool { return true }

// Capacity implements Source.
func (s *MappedFileSource) Capacity() int64 { return s.size }

// PageSize implements Source.
func (s *MappedFileSource) PageSize() int { return s.pageSize }

// Path returns the backing file path.
func (s *MappedFileSource) Path() string { return s.path }

// Bytes implements ByteAddressable.
func (s *MappedFileSource) Bytes(off int64, n int) []byte {
	if s.closed.Load() || off < 0 || off+int64(n) > s.size {
		return nil
	}
	return s.mapping.Bytes()[off : off+int64(n)]
}

// BaseAt implements ByteAddressable.
func (s *MappedFileSource) BaseAt(off int64) unsafe.Pointer {
	b := s.Bytes(off, 1)
	if b == nil {
		return nil
	}
	return unsafe.Pointer(&b[0])
}

// ReadPages implements Source; completes immediately from the mapping.
func (s *MappedFileSource) ReadPages(_ context.Context, page uint64, buf []byte) *Completion {
	src := s.Bytes(int64(page)*int64(s.pageSize), len(buf))
	if src == nil {
		if s.closed.Load() {
			return resolved(ErrClosed)
		}
		return resolved(ErrOutOfRange)
	}
	copy(buf, src)
	s.obs.OnRead(s.id, len(buf))
	return resolved(nil)
}

// WritePages implements Source; completes immediately into the mapping.
// Durability waits for Flush.
func (s *MappedFileSource) WritePages(_ context.Context, page uint64, data []byte) *Completion {
	dst := s.Bytes(int64(page)*int64(s.pageSize), len(data))
	if dst == nil {
		if s.closed.Load() {
			return resolved(ErrClosed)
		}
		return resolved(ErrOutOfRange)
	}
	copy(dst, data)
	s.obs.OnWrite(s.id, len(data))
	return resolved(nil)
}

// Flush implements Source: msync the whole mapping.
func (s *MappedFileSource) Flush(context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.mapping.Sync(0, int(s.size))
}

// Close syncs and unmaps the file.
func (s *MappedFileSource) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := s.mapping.Sync(0, int(s.size))
	if cerr := s.mapping.Close(); err == nil {
		err = cerr
	}
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	return err
}
