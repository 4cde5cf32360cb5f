package cache

import (
	"context"
	"time"

	"posledger/backend/internal/domain"
)

// ReceiptCache holds committed checkout results keyed by idempotency key so a
// retried checkout can be answered without opening a transaction. It is only
// ever a shortcut: the durable checkout record stays authoritative.
type ReceiptCache interface {
	Get(ctx context.Context, idempotencyKey string) (*domain.CheckoutResult, bool, error)
	Set(ctx context.Context, idempotencyKey string, value *domain.CheckoutResult, ttl time.Duration) error
}

type NoopReceiptCache struct{}

func (NoopReceiptCache) Get(_ context.Context, _ string) (*domain.CheckoutResult, bool, error) {
	return nil, false, nil
}

func (NoopReceiptCache) Set(_ context.Context, _ string, _ *domain.CheckoutResult, _ time.Duration) error {
	return nil
}
