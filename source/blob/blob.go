// Package blob adapts a blobstore.Store into a block source, letting a
// heap spill cold extents to object storage (local directory, S3,
// MinIO). One object holds one extent image, keyed by its first page
// address, and payloads are lz4-compressed on the wire.
package blob

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/tierheap/blobstore"
	"github.com/hupe1980/tierheap/source"
)

// Extent images are framed with a one-byte marker so incompressible
// payloads round-trip unchanged.
const (
	frameRaw byte = 0
	frameLZ4 byte = 1
)

// Source is a block source over an object store.
type Source struct {
	id       source.ID
	pageSize int
	store    blobstore.Store
	capacity int64

	reqCh  chan func()
	stopCh chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool

	obs source.Observer
}

// Options configures a blob Source.
type Options struct {
	// QueueDepth bounds the submission queue. Defaults to 32.
	QueueDepth int
	// Workers is the number of I/O goroutines; object stores benefit
	// from a little parallelism. Defaults to 2.
	Workers int
	// Observer receives read/write accounting.
	Observer source.Observer
}

// New creates a block source over the given store.
func New(id source.ID, pageSize int, capacity int64, store blobstore.Store, optFns ...func(*Options)) *Source {
	opts := Options{QueueDepth: 32, Workers: 2, Observer: source.NoopObserver{}}
	for _, fn := range optFns {
		fn(&opts)
	}

	s := &Source{
		id:       id,
		pageSize: pageSize,
		store:    store,
		capacity: capacity,
		reqCh:    make(chan func(), opts.QueueDepth),
		stopCh:   make(chan struct{}),
		obs:      opts.Observer,
	}
	s.wg.Add(opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go s.ioLoop()
	}
	return s
}

// ID implements source.Source.
func (s *Source) ID() source.ID { return s.id }

// Kind implements source.Source.
func (s *Source) Kind() source.Kind { return source.KindBlock }

// Persistent implements source.Source.
func (s *Source) Persistent() bool { return true }

// Capacity implements source.Source.
func (s *Source) Capacity() int64 { return atomic.LoadInt64(&s.capacity) }

// PageSize implements source.Source.
func (s *Source) PageSize() int { return s.pageSize }

// Grow implements source.Growable. Object stores have no fixed size;
// growing only raises the advertised capacity.
func (s *Source) Grow(n int64) error {
	atomic.AddInt64(&s.capacity, n)
	return nil
}

func (s *Source) ioLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			for {
				select {
				case fn := <-s.reqCh:
					fn()
				default:
					return
				}
			}
		case fn := <-s.reqCh:
			fn()
		}
	}
}

func (s *Source) submit(ctx context.Context, comp *source.Completion, fn func()) *source.Completion {
	if s.closed.Load() {
		comp.Resolve(source.ErrClosed)
		return comp
	}
	select {
	case s.reqCh <- fn:
		return comp
	case <-s.stopCh:
		comp.Resolve(source.ErrClosed)
		return comp
	case <-ctx.Done():
		comp.Resolve(ctx.Err())
		return comp
	}
}

func (s *Source) objectName(page uint64) string {
	return fmt.Sprintf("extents/%016x.lz4", page)
}

// ReadPages implements source.Source. The page must be the first page of
// a previously written extent and buf must match its uncompressed size.
func (s *Source) ReadPages(ctx context.Context, page uint64, buf []byte) *source.Completion {
	if len(buf)%s.pageSize != 0 {
		c := source.NewCompletion()
		c.Resolve(source.ErrAlignment)
		return c
	}
	comp := source.NewCompletion()
	return s.submit(ctx, comp, func() {
		data, err := s.store.Get(ctx, s.objectName(page))
		if err != nil {
			comp.Resolve(err)
			return
		}
		if len(data) == 0 {
			comp.Resolve(fmt.Errorf("blob: empty extent object at page %d", page))
			return
		}
		switch data[0] {
		case frameRaw:
			if copy(buf, data[1:]) != len(buf) {
				err = fmt.Errorf("blob: extent at page %d holds %d bytes, want %d", page, len(data)-1, len(buf))
			}
		case frameLZ4:
			var n int
			n, err = lz4.UncompressBlock(data[1:], buf)
			if err == nil && n != len(buf) {
				err = fmt.Errorf("blob: extent at page %d decompressed to %d bytes, want %d", page, n, len(buf))
			}
		default:
			err = fmt.Errorf("blob: unknown frame marker %#x at page %d", data[0], page)
		}
		if err == nil {
			s.obs.OnRead(s.id, len(buf))
		}
		comp.Resolve(err)
	})
}

// WritePages implements source.Source.
func (s *Source) WritePages(ctx context.Context, page uint64, data []byte) *source.Completion {
	if len(data)%s.pageSize != 0 {
		c := source.NewCompletion()
		c.Resolve(source.ErrAlignment)
		return c
	}
	// Compress outside the I/O loop; the payload is captured here so the
	// caller may reuse data after submission.
	comp := source.NewCompletion()
	dst := make([]byte, 1+lz4.CompressBlockBound(len(data)))
	var c lz4.Compressor
	n, err := c.CompressBlock(data, dst[1:])
	if err != nil {
		comp.Resolve(err)
		return comp
	}
	var payload []byte
	if n == 0 || n >= len(data) {
		// Incompressible; lz4 signals this with n == 0.
		dst[0] = frameRaw
		payload = append(dst[:1], data...)
	} else {
		dst[0] = frameLZ4
		payload = dst[:1+n]
	}
	return s.submit(ctx, comp, func() {
		err := s.store.Put(ctx, s.objectName(page), payload)
		if err == nil {
			s.obs.OnWrite(s.id, len(data))
		}
		comp.Resolve(err)
	})
}

// Flush implements source.Source. Puts are durable on acknowledgement
// for every supported store, so a flush is a queue barrier.
func (s *Source) Flush(ctx context.Context) error {
	if s.closed.Load() {
		return source.ErrClosed
	}
	comp := source.NewCompletion()
	s.submit(ctx, comp, func() { comp.Resolve(nil) })
	return comp.Wait(ctx)
}

// Close stops the I/O goroutines.
func (s *Source) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.stopCh)
	s.wg.Wait()
	return nil
}
