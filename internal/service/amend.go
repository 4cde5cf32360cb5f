package service

import (
	"context"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"posledger/backend/internal/audit"
	"posledger/backend/internal/domain"
	"posledger/backend/internal/events"
	"posledger/backend/internal/store"
)

// AmendSale changes the quantity of a recorded sale line. Stock moves by the
// difference, the line total is recomputed from the price frozen at checkout,
// and one MODIFY entry is appended to the audit log. Accrued loyalty points are
// left as they are.
func (s *Service) AmendSale(ctx context.Context, req domain.AmendRequest) (domain.AmendResult, error) {
	req.OperatorID = cleanID(req.OperatorID)

	ctx, span := s.tracer.Start(ctx, "ledger.amend_sale", trace.WithAttributes(
		attribute.Int64("sale.id", req.SaleID),
		attribute.Int("sale.new_quantity", req.NewQuantity),
		attribute.String("sale.operator_id", req.OperatorID),
	))
	defer span.End()

	if err := requireManager(ctx); err != nil {
		failSpan(span, err)
		return domain.AmendResult{}, err
	}
	if err := validateAmend(req); err != nil {
		failSpan(span, err)
		return domain.AmendResult{}, err
	}

	var result domain.AmendResult
	var productID int64
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		line, err := tx.LockSaleLine(ctx, req.SaleID)
		if err != nil {
			return err
		}
		productID = line.ProductID
		result = domain.AmendResult{
			SaleID:      line.ID,
			OrderID:     line.OrderID,
			OldQuantity: line.Quantity,
			NewQuantity: req.NewQuantity,
			TotalPrice:  line.TotalPrice,
		}

		diff := req.NewQuantity - line.Quantity
		if diff == 0 {
			result.Unchanged = true
			return nil
		}

		product, err := tx.LockProduct(ctx, line.ProductID)
		if err != nil {
			return err
		}
		if diff > 0 {
			if product.Stock < diff {
				return &store.InsufficientStockError{
					ProductID: product.ID,
					Name:      product.Name,
					Available: product.Stock,
					Requested: diff,
				}
			}
			if err := tx.DecrementStock(ctx, product.ID, diff); err != nil {
				return err
			}
		} else if err := tx.IncrementStock(ctx, product.ID, -diff); err != nil {
			return err
		}
		result.StockAfter = product.Stock - diff

		result.TotalPrice = line.SellPriceSnapshot.Mul(decimal.NewFromInt(int64(req.NewQuantity)))
		if err := tx.UpdateSaleLineQuantity(ctx, line.ID, req.NewQuantity, result.TotalPrice); err != nil {
			return err
		}

		entry, err := audit.RecordQuantityChange(ctx, tx, line.ID, req.OperatorID, line.Quantity, req.NewQuantity, s.now().UTC())
		if err != nil {
			return err
		}
		result.LogID = entry.ID
		return nil
	})
	if err != nil {
		failSpan(span, err)
		s.logger.Info("sale amendment aborted",
			zap.Int64("sale_id", req.SaleID),
			zap.String("operator_id", req.OperatorID),
			zap.String("kind", string(store.KindOf(err))),
			zap.Bool("retryable", store.IsRetryable(err)),
			zap.Error(err),
		)
		return domain.AmendResult{}, err
	}

	if result.Unchanged {
		if product, err := s.repo.GetProduct(ctx, productID); err == nil {
			result.StockAfter = product.Stock
		}
		return result, nil
	}

	s.logger.Info("sale amended",
		zap.Int64("sale_id", result.SaleID),
		zap.String("order_id", result.OrderID),
		zap.Int("old_quantity", result.OldQuantity),
		zap.Int("new_quantity", result.NewQuantity),
		zap.String("operator_id", req.OperatorID),
	)
	s.publish(ctx, events.Event{
		Type:    events.TypeSaleAmended,
		Key:     result.OrderID,
		Payload: result,
	})
	return result, nil
}

func validateAmend(req domain.AmendRequest) error {
	if req.SaleID <= 0 {
		return store.Validation("sale id must be positive")
	}
	if req.NewQuantity < 0 {
		return store.Validation("new quantity must not be negative, got %d", req.NewQuantity)
	}
	if req.OperatorID == "" {
		return store.Validation("operator is required")
	}
	return nil
}
