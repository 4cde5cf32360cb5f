// Package loyalty computes and books member points. Every booking runs inside
// a ledger transaction that already holds, or takes, the member row lock.
package loyalty

import (
	"context"

	"github.com/shopspring/decimal"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
)

// Tx is the slice of store.Tx the loyalty bookings need.
type Tx interface {
	LockMember(ctx context.Context, memberID int64) (domain.Member, error)
	AddPoints(ctx context.Context, memberID int64, delta int64) error
}

// PointsFor returns one point per whole currency unit spent.
func PointsFor(total decimal.Decimal) int64 {
	if !total.IsPositive() {
		return 0
	}
	return total.Floor().IntPart()
}

// Accrue credits points earned by a checkout. The caller must already hold
// the member lock.
func Accrue(ctx context.Context, tx Tx, memberID int64, points int64) error {
	if points < 0 {
		return store.Validation("accrued points must not be negative, got %d", points)
	}
	if points == 0 {
		return nil
	}
	return tx.AddPoints(ctx, memberID, points)
}

// AdjustPoints applies a signed manual correction and returns the new balance.
func AdjustPoints(ctx context.Context, tx Tx, memberID int64, delta int64) (int64, error) {
	if delta == 0 {
		return 0, store.Validation("points adjustment must not be zero")
	}
	member, err := tx.LockMember(ctx, memberID)
	if err != nil {
		return 0, err
	}
	if member.Points+delta < 0 {
		return 0, store.Validation("member %d has %d points, cannot apply %d", memberID, member.Points, delta)
	}
	if err := tx.AddPoints(ctx, memberID, delta); err != nil {
		return 0, err
	}
	return member.Points + delta, nil
}
