// Package events publishes ledger facts after their transaction commits.
// Publishing is best effort: a failed publish never undoes a committed write.
package events

import (
	"context"
	"time"
)

const (
	TypeOrderCommitted       = "order.committed"
	TypeSaleAmended          = "sale.amended"
	TypeMemberPointsAdjusted = "member.points_adjusted"
	TypeStockRestocked       = "product.restocked"
)

type Event struct {
	Type       string    `json:"type"`
	Key        string    `json:"key"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(_ context.Context, _ Event) error {
	return nil
}
