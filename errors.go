package tierheap

import (
	"errors"
	"fmt"

	"github.com/hupe1980/tierheap/engine"
	"github.com/hupe1980/tierheap/las"
)

var (
	// ErrConflict is returned when a transaction lost a write or
	// read-for-write race; the runner retries these.
	ErrConflict = errors.New("tierheap: transaction conflict")
	// ErrOutOfSpace is returned when every source is full.
	ErrOutOfSpace = errors.New("tierheap: out of space")
	// ErrRetriesExhausted is returned by Run when the retry budget is
	// spent; it wraps the last error.
	ErrRetriesExhausted = errors.New("tierheap: retry budget exhausted")
	// ErrClosed is returned for operations on a closed heap.
	ErrClosed = errors.New("tierheap: heap is closed")
)

// ErrTypeMismatch indicates a typed root whose recorded layout
// signature differs from the requested one.
type ErrTypeMismatch struct {
	Key      string
	WantSize int
	WantPtrs int
	GotSize  int
	GotPtrs  int
}

func (e *ErrTypeMismatch) Error() string {
	return fmt.Sprintf("tierheap: typed root %q: layout %d/%d does not match recorded %d/%d",
		e.Key, e.WantSize, e.WantPtrs, e.GotSize, e.GotPtrs)
}

func translateError(err error) error {
	if err == nil {
		return nil
	}
	if engine.IsRetryable(err) {
		return fmt.Errorf("%w: %w", ErrConflict, err)
	}
	if errors.Is(err, las.ErrOutOfSpace) {
		return fmt.Errorf("%w: %w", ErrOutOfSpace, err)
	}
	if errors.Is(err, engine.ErrClosed) || errors.Is(err, las.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return err
}
