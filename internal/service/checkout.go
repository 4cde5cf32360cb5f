package service

import (
	"cmp"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/events"
	"posledger/backend/internal/loyalty"
	"posledger/backend/internal/store"
	"posledger/backend/internal/xid"
)

// Checkout converts a cart into one order. Stock for every line is checked
// and decremented under row locks taken in ascending product order, sale lines
// freeze the current prices, and a member earns floor(total) points. Either all
// of it commits or none of it does.
//
// A request replayed with the same idempotency key returns the first result
// with Duplicate set and touches nothing. The same key with a different cart
// fails with store.ErrIdempotencyConflict.
func (s *Service) Checkout(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutResult, error) {
	req.ClerkID = cleanID(req.ClerkID)
	req.IdempotencyKey = cleanID(req.IdempotencyKey)

	ctx, span := s.tracer.Start(ctx, "ledger.checkout", trace.WithAttributes(
		attribute.String("checkout.idempotency_key", req.IdempotencyKey),
		attribute.String("checkout.clerk_id", req.ClerkID),
		attribute.Int("checkout.cart_lines", len(req.Lines)),
	))
	defer span.End()

	lines, err := validateCheckout(req)
	if err != nil {
		failSpan(span, err)
		return domain.CheckoutResult{}, err
	}
	fingerprint := checkoutFingerprint(req.ClerkID, req.MemberID, lines)

	if cached, ok := s.cachedReceipt(ctx, req.IdempotencyKey); ok {
		if receiptFingerprint(cached) == fingerprint {
			span.AddEvent("Replayed", trace.WithAttributes(attribute.String("source", "cache")))
			cached.Duplicate = true
			return *cached, nil
		}
	}

	var result domain.CheckoutResult
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		span.AddEvent("Begin")
		if err := tx.LockIdempotencyKey(ctx, req.IdempotencyKey); err != nil {
			return err
		}

		existing, err := tx.FindCheckout(ctx, req.IdempotencyKey)
		switch {
		case err == nil:
			if existing.Fingerprint != fingerprint {
				return store.ErrIdempotencyConflict
			}
			result = existing.Result
			result.Duplicate = true
			return nil
		case !errors.Is(err, store.ErrNotFound):
			return err
		}

		span.AddEvent("LineValidation")
		products, err := lockCartProducts(ctx, tx, lines)
		if err != nil {
			return err
		}

		saleTime := s.now().UTC()
		result = domain.CheckoutResult{
			OrderID:  xid.New("ord"),
			ClerkID:  req.ClerkID,
			MemberID: req.MemberID,
			Total:    decimal.Zero,
			Lines:    make([]domain.LineReceipt, 0, len(lines)),
			SaleTime: saleTime,
		}
		for _, line := range lines {
			product := products[line.ProductID]
			if err := tx.DecrementStock(ctx, line.ProductID, line.Quantity); err != nil {
				return err
			}

			lineTotal := product.SellPrice.Mul(decimal.NewFromInt(int64(line.Quantity)))
			sale, err := tx.InsertSaleLine(ctx, domain.SaleLine{
				OrderID:           result.OrderID,
				ProductID:         line.ProductID,
				ClerkID:           req.ClerkID,
				Quantity:          line.Quantity,
				BuyPriceSnapshot:  product.BuyPrice,
				SellPriceSnapshot: product.SellPrice,
				TotalPrice:        lineTotal,
				SaleTime:          saleTime,
				MemberID:          req.MemberID,
			})
			if err != nil {
				return err
			}

			result.Total = result.Total.Add(lineTotal)
			result.Lines = append(result.Lines, domain.LineReceipt{
				SaleID:    sale.ID,
				ProductID: line.ProductID,
				Name:      product.Name,
				Quantity:  line.Quantity,
				UnitPrice: product.SellPrice,
				LineTotal: lineTotal,
			})
		}

		if req.MemberID != nil {
			span.AddEvent("Accruing")
			if _, err := tx.LockMember(ctx, *req.MemberID); err != nil {
				return err
			}
			result.PointsAdded = loyalty.PointsFor(result.Total)
			if err := loyalty.Accrue(ctx, tx, *req.MemberID, result.PointsAdded); err != nil {
				return err
			}
		}

		span.AddEvent("Committing")
		return tx.SaveCheckout(ctx, domain.CheckoutRecord{
			IdempotencyKey: req.IdempotencyKey,
			Fingerprint:    fingerprint,
			Result:         result,
			CreatedAt:      saleTime,
		})
	})
	if err != nil {
		failSpan(span, err)
		s.logger.Info("checkout aborted",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.String("clerk_id", req.ClerkID),
			zap.String("kind", string(store.KindOf(err))),
			zap.Bool("retryable", store.IsRetryable(err)),
			zap.Error(err),
		)
		return domain.CheckoutResult{}, err
	}

	span.SetAttributes(
		attribute.String("checkout.order_id", result.OrderID),
		attribute.Bool("checkout.duplicate", result.Duplicate),
	)
	s.rememberReceipt(ctx, req.IdempotencyKey, result)

	if result.Duplicate {
		s.logger.Info("checkout replayed",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.String("order_id", result.OrderID),
		)
		return result, nil
	}

	s.logger.Info("checkout committed",
		zap.String("order_id", result.OrderID),
		zap.String("clerk_id", result.ClerkID),
		zap.String("total", result.Total.StringFixed(2)),
		zap.Int("lines", len(result.Lines)),
		zap.Int64("points_added", result.PointsAdded),
	)
	s.publish(ctx, events.Event{
		Type:       events.TypeOrderCommitted,
		Key:        result.OrderID,
		OccurredAt: result.SaleTime,
		Payload:    result,
	})
	return result, nil
}

// LookupCheckout reports the committed result stored under an idempotency key.
// A clerk only sees their own checkouts; anyone else's key reads as unknown.
func (s *Service) LookupCheckout(ctx context.Context, idempotencyKey string) (domain.CheckoutLookupResponse, error) {
	idempotencyKey = cleanID(idempotencyKey)
	if idempotencyKey == "" {
		return domain.CheckoutLookupResponse{}, store.Validation("idempotency key is required")
	}

	record, err := s.repo.FindCheckoutByKey(ctx, idempotencyKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.CheckoutLookupResponse{Found: false}, nil
		}
		return domain.CheckoutLookupResponse{}, err
	}
	if actor, ok := ActorFromContext(ctx); ok && actor.Role == domain.RoleClerk && actor.Username != record.Result.ClerkID {
		return domain.CheckoutLookupResponse{Found: false}, nil
	}
	result := record.Result
	return domain.CheckoutLookupResponse{Found: true, Checkout: &result}, nil
}

// validateCheckout rejects malformed carts before any transaction opens and
// merges repeated products, keeping first-appearance order.
func validateCheckout(req domain.CheckoutRequest) ([]domain.CartLine, error) {
	if len(req.Lines) == 0 {
		return nil, store.ErrEmptyCart
	}
	if req.ClerkID == "" {
		return nil, store.Validation("clerk is required")
	}
	if req.IdempotencyKey == "" {
		return nil, store.Validation("idempotency key is required")
	}
	if req.MemberID != nil && *req.MemberID <= 0 {
		return nil, store.Validation("member id must be positive")
	}

	merged := make([]domain.CartLine, 0, len(req.Lines))
	index := make(map[int64]int, len(req.Lines))
	for _, line := range req.Lines {
		if line.ProductID <= 0 {
			return nil, store.Validation("product id must be positive")
		}
		if line.Quantity <= 0 {
			return nil, store.Validation("quantity for product %d must be positive, got %d", line.ProductID, line.Quantity)
		}
		if i, ok := index[line.ProductID]; ok {
			merged[i].Quantity += line.Quantity
			continue
		}
		index[line.ProductID] = len(merged)
		merged = append(merged, line)
	}
	return merged, nil
}

// lockCartProducts locks every product in ascending ID order and verifies the
// locked stock covers the cart, so no decrement can fail part way through.
func lockCartProducts(ctx context.Context, tx store.Tx, lines []domain.CartLine) (map[int64]domain.Product, error) {
	ordered := slices.Clone(lines)
	slices.SortFunc(ordered, byProductID)

	products := make(map[int64]domain.Product, len(ordered))
	for _, line := range ordered {
		product, err := tx.LockProduct(ctx, line.ProductID)
		if err != nil {
			return nil, err
		}
		if product.Stock < line.Quantity {
			return nil, &store.InsufficientStockError{
				ProductID: product.ID,
				Name:      product.Name,
				Available: product.Stock,
				Requested: line.Quantity,
			}
		}
		products[line.ProductID] = product
	}
	return products, nil
}

func byProductID(a, b domain.CartLine) int {
	return cmp.Compare(a.ProductID, b.ProductID)
}

func checkoutFingerprint(clerkID string, memberID *int64, lines []domain.CartLine) string {
	ordered := slices.Clone(lines)
	slices.SortFunc(ordered, byProductID)

	var b strings.Builder
	b.WriteString(clerkID)
	b.WriteByte('|')
	if memberID != nil {
		fmt.Fprintf(&b, "%d", *memberID)
	}
	for _, line := range ordered {
		fmt.Fprintf(&b, "|%d:%d", line.ProductID, line.Quantity)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func receiptFingerprint(result *domain.CheckoutResult) string {
	lines := make([]domain.CartLine, 0, len(result.Lines))
	for _, line := range result.Lines {
		lines = append(lines, domain.CartLine{ProductID: line.ProductID, Quantity: line.Quantity})
	}
	return checkoutFingerprint(result.ClerkID, result.MemberID, lines)
}

func (s *Service) cachedReceipt(ctx context.Context, key string) (*domain.CheckoutResult, bool) {
	cached, ok, err := s.receipts.Get(ctx, key)
	if err != nil {
		s.logger.Warn("receipt cache read failed", zap.String("idempotency_key", key), zap.Error(err))
		return nil, false
	}
	if !ok || cached == nil {
		return nil, false
	}
	return cached, true
}

func (s *Service) rememberReceipt(ctx context.Context, key string, result domain.CheckoutResult) {
	result.Duplicate = false
	if err := s.receipts.Set(ctx, key, &result, s.receiptTTL); err != nil {
		s.logger.Warn("receipt cache write failed", zap.String("idempotency_key", key), zap.Error(err))
	}
}
