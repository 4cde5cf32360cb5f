package service

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/events"
	"posledger/backend/internal/store"
)

const dateLayout = "2006-01-02"

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) GetProduct(ctx context.Context, productID int64) (domain.Product, error) {
	product, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) SearchProducts(ctx context.Context, keyword string) ([]domain.Product, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return s.repo.ListProducts(ctx)
	}
	return s.repo.SearchProducts(ctx, keyword)
}

// ExpiringProducts lists products expiring on or before today plus days,
// already expired ones included.
func (s *Service) ExpiringProducts(ctx context.Context, days int) ([]domain.Product, error) {
	if days < 0 {
		return nil, store.Validation("days must not be negative, got %d", days)
	}
	today := s.now().UTC().Truncate(24 * time.Hour)
	return s.repo.ExpiringProducts(ctx, today.AddDate(0, 0, days))
}

func (s *Service) LowStockProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.LowStockProducts(ctx)
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	if err := requireManager(ctx); err != nil {
		return domain.Product{}, err
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.TrimSpace(req.Category)
	if req.Name == "" || req.Category == "" {
		return domain.Product{}, store.Validation("name and category are required")
	}
	if req.BuyPrice.IsNegative() || !req.SellPrice.IsPositive() {
		return domain.Product{}, store.Validation("buy price must not be negative and sell price must be positive")
	}
	if req.InitialStock < 0 || req.MinStockAlert < 0 {
		return domain.Product{}, store.Validation("stock figures must not be negative")
	}
	expiry, err := parseExpiry(req.ExpireDate)
	if err != nil {
		return domain.Product{}, err
	}

	created, err := s.repo.CreateProduct(ctx, domain.Product{
		Name:          req.Name,
		Category:      req.Category,
		BuyPrice:      req.BuyPrice.Round(2),
		SellPrice:     req.SellPrice.Round(2),
		Stock:         req.InitialStock,
		MinStockAlert: req.MinStockAlert,
		ExpireDate:    expiry,
	})
	if err != nil {
		return domain.Product{}, err
	}

	s.logger.Info("product created",
		zap.Int64("product_id", created.ID),
		zap.String("name", created.Name),
		zap.Int("initial_stock", created.Stock),
	)
	return *created, nil
}

// UpdateProduct edits catalog fields only. A new sell price affects future
// checkouts; recorded sale lines keep their snapshots.
func (s *Service) UpdateProduct(ctx context.Context, productID int64, req domain.ProductUpdateRequest) (domain.Product, error) {
	if err := requireManager(ctx); err != nil {
		return domain.Product{}, err
	}

	existing, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}

	updated := *existing
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Product{}, store.Validation("name must not be empty")
		}
		updated.Name = name
	}
	if req.Category != nil {
		category := strings.TrimSpace(*req.Category)
		if category == "" {
			return domain.Product{}, store.Validation("category must not be empty")
		}
		updated.Category = category
	}
	if req.BuyPrice != nil {
		if req.BuyPrice.IsNegative() {
			return domain.Product{}, store.Validation("buy price must not be negative")
		}
		updated.BuyPrice = req.BuyPrice.Round(2)
	}
	if req.SellPrice != nil {
		if !req.SellPrice.IsPositive() {
			return domain.Product{}, store.Validation("sell price must be positive")
		}
		updated.SellPrice = req.SellPrice.Round(2)
	}
	if req.MinStockAlert != nil {
		if *req.MinStockAlert < 0 {
			return domain.Product{}, store.Validation("min stock alert must not be negative")
		}
		updated.MinStockAlert = *req.MinStockAlert
	}
	if req.ExpireDate != nil {
		expiry, err := parseExpiry(*req.ExpireDate)
		if err != nil {
			return domain.Product{}, err
		}
		updated.ExpireDate = expiry
	}

	saved, err := s.repo.UpdateProductDetails(ctx, updated)
	if err != nil {
		return domain.Product{}, err
	}
	if !existing.SellPrice.Equal(saved.SellPrice) {
		s.logger.Info("product price changed",
			zap.Int64("product_id", saved.ID),
			zap.String("old_sell_price", existing.SellPrice.StringFixed(2)),
			zap.String("new_sell_price", saved.SellPrice.StringFixed(2)),
		)
	}
	return *saved, nil
}

func (s *Service) DeleteProduct(ctx context.Context, productID int64) error {
	if err := requireManager(ctx); err != nil {
		return err
	}
	if err := s.repo.DeleteProduct(ctx, productID); err != nil {
		return err
	}
	s.logger.Info("product deleted", zap.Int64("product_id", productID))
	return nil
}

// RestockProduct adds received units under the product row lock.
func (s *Service) RestockProduct(ctx context.Context, productID int64, req domain.RestockRequest) (domain.Product, error) {
	if err := requireManager(ctx); err != nil {
		return domain.Product{}, err
	}
	if req.Quantity <= 0 {
		return domain.Product{}, store.Validation("restock quantity must be positive, got %d", req.Quantity)
	}

	var product domain.Product
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		locked, err := tx.LockProduct(ctx, productID)
		if err != nil {
			return err
		}
		if err := tx.IncrementStock(ctx, productID, req.Quantity); err != nil {
			return err
		}
		product = locked
		product.Stock += req.Quantity
		return nil
	})
	if err != nil {
		return domain.Product{}, err
	}

	s.publish(ctx, events.Event{
		Type: events.TypeStockRestocked,
		Key:  productKey(productID),
		Payload: map[string]any{
			"product_id": productID,
			"quantity":   req.Quantity,
			"stock":      product.Stock,
		},
	})
	return product, nil
}

func parseExpiry(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parsed, err := time.Parse(dateLayout, raw)
	if err != nil {
		return nil, store.Validation("expire date must look like %s", dateLayout)
	}
	return &parsed, nil
}

func productKey(id int64) string {
	return "product-" + strconv.FormatInt(id, 10)
}
