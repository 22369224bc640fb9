package source

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
)

// BlockFileSource is a block-addressable source over a regular file.
// Requests must be page-aligned. I/O runs on a dedicated submission
// goroutine so callers never block on the syscall itself; they block on
// the returned Completion when they need the result.
type BlockFileSource struct {
	id       ID
	pageSize int
	path     string

	file     *os.File
	capacity atomic.Int64

	reqCh  chan *blockReq
	stopCh chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool

	obs Observer
}

type blockReq struct {
	write bool
	off   int64
	buf   []byte
	comp  *Completion
}

// BlockFileOptions configures a BlockFileSource.
type BlockFileOptions struct {
	// QueueDepth bounds the submission queue. Defaults to 64.
	QueueDepth int
	// Observer receives read/write accounting.
	Observer Observer
}

// OpenBlockFileSource opens (creating if necessary) a block source of
// the given capacity at path.
func OpenBlockFileSource(id ID, pageSize int, path string, capacity int64, optFns ...func(*BlockFileOptions)) (*BlockFileSource, error) {
	opts := BlockFileOptions{QueueDepth: 64, Observer: NoopObserver{}}
	for _, fn := range optFns {
		fn(&opts)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600) //nolint:gosec // G304: path is configurable
	if err != nil {
		return nil, fmt.Errorf("source: open block file: %w", err)
	}
	if fi, err := f.Stat(); err == nil && fi.Size() < capacity {
		if err := f.Truncate(capacity); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("source: size block file: %w", err)
		}
	}

	s := &BlockFileSource{
		id:       id,
		pageSize: pageSize,
		path:     path,
		file:     f,
		reqCh:    make(chan *blockReq, opts.QueueDepth),
		stopCh:   make(chan struct{}),
		obs:      opts.Observer,
	}
	s.capacity.Store(capacity)

	s.wg.Add(1)
	go s.ioLoop()
	return s, nil
}

// ID implements Source.
func (s *BlockFileSource) ID() ID { return s.id }

// Kind implements Source.
func (s *BlockFileSource) Kind() Kind { return KindBlock }

// Persistent implements Source.
func (s *BlockFileSource) Persistent() bool { return true }

// Capacity implements Source.
func (s *BlockFileSource) Capacity() int64 { return s.capacity.Load() }

// PageSize implements Source.
func (s *BlockFileSource) PageSize() int { return s.pageSize }

// Path returns the backing file path.
func (s *BlockFileSource) Path() string { return s.path }

// Grow implements Growable.
func (s *BlockFileSource) Grow(n int64) error {
	if s.closed.Load() {
		return ErrClosed
	}
	newCap := s.capacity.Add(n)
	return s.file.Truncate(newCap)
}

func (s *BlockFileSource) ioLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			// Drain what is already queued so no completion is orphaned.
			for {
				select {
				case req := <-s.reqCh:
					s.serve(req)
				default:
					return
				}
			}
		case req := <-s.reqCh:
			s.serve(req)
		}
	}
}

func (s *BlockFileSource) serve(req *blockReq) {
	var err error
	if req.write {
		_, err = s.file.WriteAt(req.buf, req.off)
		if err == nil {
			s.obs.OnWrite(s.id, len(req.buf))
		}
	} else {
		_, err = s.file.ReadAt(req.buf, req.off)
		if err == nil {
			s.obs.OnRead(s.id, len(req.buf))
		}
	}
	req.comp.Resolve(err)
}

func (s *BlockFileSource) submit(ctx context.Context, req *blockReq) *Completion {
	if s.closed.Load() {
		return resolved(ErrClosed)
	}
	if len(req.buf)%s.pageSize != 0 {
		return resolved(ErrAlignment)
	}
	if req.off < 0 || req.off+int64(len(req.buf)) > s.capacity.Load() {
		return resolved(ErrOutOfRange)
	}
	select {
	case s.reqCh <- req:
		return req.comp
	case <-s.stopCh:
		return resolved(ErrClosed)
	case <-ctx.Done():
		return resolved(ctx.Err())
	}
}

// ReadPages implements Source.
func (s *BlockFileSource) ReadPages(ctx context.Context, page uint64, buf []byte) *Completion {
	return s.submit(ctx, &blockReq{
		off:  int64(page) * int64(s.pageSize),
		buf:  buf,
		comp: NewCompletion(),
	})
}

// WritePages implements Source.
func (s *BlockFileSource) WritePages(ctx context.Context, page uint64, data []byte) *Completion {
	return s.submit(ctx, &blockReq{
		write: true,
		off:   int64(page) * int64(s.pageSize),
		buf:   data,
		comp:  NewCompletion(),
	})
}

// Flush implements Source: fsync the backing file. Completes only
// after previously acknowledged writes are durable, because the I/O
// goroutine serves requests in submission order.
func (s *BlockFileSource) Flush(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	// Barrier through the queue so queued writes land first.
	barrier := &blockReq{write: true, off: 0, buf: nil, comp: NewCompletion()}
	barrier.buf = []byte{}
	if err := s.submit(ctx, barrier).Wait(ctx); err != nil {
		return err
	}
	return s.file.Sync()
}

// Close stops the I/O goroutine and closes the file.
func (s *BlockFileSource) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.stopCh)
	s.wg.Wait()
	err := s.file.Sync()
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	return err
}
