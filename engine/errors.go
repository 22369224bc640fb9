package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrWriteConflict is returned when a pointer field already holds an
	// uncommitted version from another transaction. Retryable.
	ErrWriteConflict = errors.New("engine: write conflict")
	// ErrReadForWriteConflict is returned at commit when a tracked field
	// was committed by another transaction after our snapshot. Retryable.
	ErrReadForWriteConflict = errors.New("engine: read-for-write conflict at commit")
	// ErrTxDone is returned for operations on a finished transaction.
	ErrTxDone = errors.New("engine: transaction already finished")
	// ErrCancelled is returned when the user aborted the transaction.
	ErrCancelled = errors.New("engine: transaction cancelled")
	// ErrNullPointer is returned when dereferencing a null field.
	ErrNullPointer = errors.New("engine: null pointer dereference")
	// ErrDanglingPointer is returned when a pointer resolves to no live
	// extent: a freed-field dereference. Invariant violation.
	ErrDanglingPointer = errors.New("engine: dangling pointer")
	// ErrClosed is returned once the engine shut down.
	ErrClosed = errors.New("engine: closed")
)

// ErrUnregisteredMerge indicates a lattice merge name unknown to this
// heap. Fatal during open.
type ErrUnregisteredMerge struct {
	Name  string
	cause error
}

func (e *ErrUnregisteredMerge) Error() string {
	return fmt.Sprintf("engine: unregistered lattice merge %q", e.Name)
}

func (e *ErrUnregisteredMerge) Unwrap() error { return e.cause }

// ErrCorrupt indicates a failed integrity check during recovery. Fatal
// to heap open.
type ErrCorrupt struct {
	Detail string
	cause  error
}

func (e *ErrCorrupt) Error() string {
	return fmt.Sprintf("engine: corrupt heap state: %s", e.Detail)
}

func (e *ErrCorrupt) Unwrap() error { return e.cause }

// IsRetryable reports whether the transaction runner may retry after err.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrWriteConflict) || errors.Is(err, ErrReadForWriteConflict)
}
