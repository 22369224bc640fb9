package source

import (
	"context"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/hupe1980/tierheap/internal/mmap"
)

// MemorySource is a volatile byte-addressable source backed by anonymous
// mappings. Memory is reserved in large chunks and carved lazily; a byte
// offset maps to a stable address for the life of the source, which is
// what native pointers rely on.
//
// Chunks impose no internal page boundary, so huge pages work when the
// kernel grants them.
type MemorySource struct {
	id       ID
	pageSize int
	chunkLen int64

	mu       sync.Mutex
	mappings []*mmap.Mapping
	capacity atomic.Int64
	closed   atomic.Bool

	obs Observer
}

// MemoryOptions configures a MemorySource.
type MemoryOptions struct {
	// ChunkBytes is the reservation granularity. Defaults to 8 MiB.
	ChunkBytes int64
	// Observer receives read/write accounting. Defaults to NoopObserver.
	Observer Observer
}

// NewMemorySource reserves a volatile source of the given capacity.
// Capacity is rounded up to whole chunks.
func NewMemorySource(id ID, pageSize int, capacity int64, optFns ...func(*MemoryOptions)) (*MemorySource, error) {
	opts := MemoryOptions{ChunkBytes: 8 << 20, Observer: NoopObserver{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.ChunkBytes < int64(pageSize) {
		opts.ChunkBytes = int64(pageSize)
	}

	s := &MemorySource{
		id:       id,
		pageSize: pageSize,
		chunkLen: opts.ChunkBytes,
		obs:      opts.Observer,
	}
	if err := s.Grow(capacity); err != nil {
		return nil, err
	}
	return s, nil
}

// ID implements Source.
func (s *MemorySource) ID() ID { return s.id }

// Kind implements Source.
func (s *MemorySource) Kind() Kind { return KindMemory }

// Persistent implements Source.
func (s *MemorySource) Persistent() bool { return false }

// Capacity implements Source.
func (s *MemorySource) Capacity() int64 { return s.capacity.Load() }

// PageSize implements Source.
func (s *MemorySource) PageSize() int { return s.pageSize }

// Grow reserves additional chunks covering at least n more bytes.
func (s *MemorySource) Grow(n int64) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for grown := int64(0); grown < n; grown += s.chunkLen {
		m, err := mmap.MapAnon(int(s.chunkLen))
		if err != nil {
			return err
		}
		s.mappings = append(s.mappings, m)
		s.capacity.Add(s.chunkLen)
	}
	return nil
}

// ChunkBytes returns the reservation granularity. The LAS never issues
// an extent across a chunk boundary.
func (s *MemorySource) ChunkBytes() int64 { return s.chunkLen }

func (s *MemorySource) locate(off int64, n int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := off / s.chunkLen
	rel := off % s.chunkLen
	if idx >= int64(len(s.mappings)) || rel+int64(n) > s.chunkLen {
		return nil
	}
	return s.mappings[idx].Bytes()[rel : rel+int64(n)]
}

// Bytes implements ByteAddressable.
func (s *MemorySource) Bytes(off int64, n int) []byte {
	return s.locate(off, n)
}

// BaseAt implements ByteAddressable.
func (s *MemorySource) BaseAt(off int64) unsafe.Pointer {
	b := s.locate(off, 1)
	if b == nil {
		return nil
	}
	return unsafe.Pointer(&b[0])
}

// ReadPages implements Source. Memory reads complete immediately.
func (s *MemorySource) ReadPages(_ context.Context, page uint64, buf []byte) *Completion {
	if s.closed.Load() {
		return resolved(ErrClosed)
	}
	src := s.locate(int64(page)*int64(s.pageSize), len(buf))
	if src == nil {
		return resolved(ErrOutOfRange)
	}
	copy(buf, src)
	s.obs.OnRead(s.id, len(buf))
	return resolved(nil)
}

// WritePages implements Source. Memory writes complete immediately.
func (s *MemorySource) WritePages(_ context.Context, page uint64, data []byte) *Completion {
	if s.closed.Load() {
		return resolved(ErrClosed)
	}
	dst := s.locate(int64(page)*int64(s.pageSize), len(data))
	if dst == nil {
		return resolved(ErrOutOfRange)
	}
	copy(dst, data)
	s.obs.OnWrite(s.id, len(data))
	return resolved(nil)
}

// Flush implements Source. Volatile memory has nothing to make durable.
func (s *MemorySource) Flush(context.Context) error { return nil }

// Close unmaps all chunks. Native pointers into the source become
// invalid; the heap drops all resident extents first.
func (s *MemorySource) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, m := range s.mappings {
		if err := m.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.mappings = nil
	return firstErr
}
