package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrLockTimeout       = errors.New("lock wait timed out")
	ErrPersistence       = errors.New("persistence failure")

	// ErrLockNotHeld means a stock mutation was attempted on a row the
	// transaction never locked. It is a programming error, not a user error.
	ErrLockNotHeld = errors.New("row lock not held by transaction")

	ErrEmptyCart           = fmt.Errorf("%w: cart is empty", ErrValidation)
	ErrIdempotencyConflict = fmt.Errorf("%w: idempotency key reused with a different request", ErrValidation)
	ErrConflict            = fmt.Errorf("%w: conflicting record", ErrValidation)
)

type Kind string

const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindInsufficientStock Kind = "insufficient_stock"
	KindLockTimeout       Kind = "lock_timeout"
	KindPersistence       Kind = "persistence"
)

// InsufficientStockError reports the shortfall observed under the product lock.
type InsufficientStockError struct {
	ProductID int64
	Name      string
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("insufficient stock for %s (product %d): available %d, requested %d", e.Name, e.ProductID, e.Available, e.Requested)
	}
	return fmt.Sprintf("insufficient stock for product %d: available %d, requested %d", e.ProductID, e.Available, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

// PersistenceError wraps a storage-layer failure. Retryable is set for
// failures that a fresh attempt can clear, such as serialization conflicts.
type PersistenceError struct {
	Op        string
	Err       error
	Retryable bool
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() []error {
	return []error{ErrPersistence, e.Err}
}

func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func NotFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInsufficientStock):
		return KindInsufficientStock
	case errors.Is(err, ErrLockTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindLockTimeout
	default:
		return KindPersistence
	}
}

// IsRetryable reports whether the same request, sent again with the same
// idempotency key, may succeed without any change by the caller.
func IsRetryable(err error) bool {
	if KindOf(err) == KindLockTimeout {
		return true
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}
