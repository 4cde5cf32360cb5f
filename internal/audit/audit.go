// Package audit appends modification records for amended sales. Entries are
// written inside the amending transaction and are never updated or removed.
package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
)

type Appender interface {
	AppendModificationLog(ctx context.Context, entry domain.ModificationLog) (domain.ModificationLog, error)
}

func QuantityChangeDetails(oldQty int, newQty int) string {
	return fmt.Sprintf("quantity changed from %d to %d", oldQty, newQty)
}

// RecordQuantityChange appends the MODIFY entry for one amended sale line.
func RecordQuantityChange(ctx context.Context, tx Appender, saleID int64, operatorID string, oldQty int, newQty int, at time.Time) (domain.ModificationLog, error) {
	return Record(ctx, tx, domain.ModificationLog{
		SaleID:     saleID,
		OperatorID: operatorID,
		ActionType: domain.ActionModify,
		Details:    QuantityChangeDetails(oldQty, newQty),
		LoggedAt:   at,
	})
}

func Record(ctx context.Context, tx Appender, entry domain.ModificationLog) (domain.ModificationLog, error) {
	entry.OperatorID = strings.TrimSpace(entry.OperatorID)
	if entry.SaleID <= 0 {
		return domain.ModificationLog{}, store.Validation("modification log needs a sale")
	}
	if entry.OperatorID == "" {
		return domain.ModificationLog{}, store.Validation("modification log needs an operator")
	}
	if entry.ActionType == "" {
		entry.ActionType = domain.ActionModify
	}
	if entry.LoggedAt.IsZero() {
		entry.LoggedAt = time.Now().UTC()
	}
	return tx.AppendModificationLog(ctx, entry)
}
