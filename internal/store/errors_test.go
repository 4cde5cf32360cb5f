package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"empty cart", ErrEmptyCart, KindValidation},
		{"idempotency conflict", fmt.Errorf("checkout: %w", ErrIdempotencyConflict), KindValidation},
		{"not found", NotFound("product %d", 9), KindNotFound},
		{"shortfall", &InsufficientStockError{ProductID: 1, Available: 1, Requested: 2}, KindInsufficientStock},
		{"lock timeout", fmt.Errorf("%w: product:1", ErrLockTimeout), KindLockTimeout},
		{"deadline", context.DeadlineExceeded, KindLockTimeout},
		{"persistence", &PersistenceError{Op: "commit", Err: errors.New("broken pipe")}, KindPersistence},
		{"unknown", errors.New("boom"), KindPersistence},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, KindOf(tc.err))
		})
	}
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(fmt.Errorf("%w: member:1", ErrLockTimeout)))
	assert.True(t, IsRetryable(&PersistenceError{Op: "commit", Err: errors.New("serialization failure"), Retryable: true}))
	assert.False(t, IsRetryable(&PersistenceError{Op: "commit", Err: errors.New("disk full")}))
	assert.False(t, IsRetryable(ErrEmptyCart))
	assert.False(t, IsRetryable(&InsufficientStockError{ProductID: 1}))
}

func TestPersistenceErrorUnwrapsBoth(t *testing.T) {
	cause := errors.New("connection reset")
	err := error(&PersistenceError{Op: "insert sale line", Err: cause})

	assert.ErrorIs(t, err, ErrPersistence)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "insert sale line: connection reset", err.Error())
}

func TestInsufficientStockMessage(t *testing.T) {
	err := &InsufficientStockError{ProductID: 3, Name: "Notebook A5", Available: 5, Requested: 6}
	assert.Equal(t, "insufficient stock for Notebook A5 (product 3): available 5, requested 6", err.Error())
	assert.ErrorIs(t, err, ErrInsufficientStock)
}
