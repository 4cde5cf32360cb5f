package service

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
)

// ListOrders returns committed sale lines, newest first. Clerks only see the
// lines they rang up themselves.
func (s *Service) ListOrders(ctx context.Context) ([]domain.OrderLine, error) {
	clerkID := ""
	if actor, ok := ActorFromContext(ctx); ok && actor.Role == domain.RoleClerk {
		clerkID = actor.Username
	}
	return s.repo.ListOrderLines(ctx, clerkID)
}

func (s *Service) GetSaleLine(ctx context.Context, saleID int64) (domain.SaleLine, error) {
	line, err := s.repo.GetSaleLine(ctx, saleID)
	if err != nil {
		return domain.SaleLine{}, err
	}
	return *line, nil
}

func (s *Service) SalesByProduct(ctx context.Context) ([]domain.ProductSales, error) {
	return s.repo.SalesByProduct(ctx)
}

func (s *Service) ProfitTotals(ctx context.Context) (domain.ProfitTotals, error) {
	return s.repo.ProfitTotals(ctx)
}

func (s *Service) CategoryRevenue(ctx context.Context) ([]domain.CategoryRevenue, error) {
	return s.repo.CategoryRevenue(ctx)
}

func (s *Service) TopSellingProducts(ctx context.Context, limit int) ([]domain.ProductSales, error) {
	if limit < 1 {
		limit = 5
	}
	if limit > 50 {
		limit = 50
	}
	return s.repo.TopSellingProducts(ctx, limit)
}

// HourlyRevenue returns 24 UTC hour buckets, empty hours included.
func (s *Service) HourlyRevenue(ctx context.Context) ([]domain.RevenuePoint, error) {
	byHour, err := s.repo.HourlyRevenue(ctx)
	if err != nil {
		return nil, err
	}
	points := make([]domain.RevenuePoint, 24)
	for hour := range points {
		total, ok := byHour[hour]
		if !ok {
			total = decimal.Zero
		}
		points[hour] = domain.RevenuePoint{Label: fmt.Sprintf("%02d:00", hour), Total: total}
	}
	return points, nil
}

// MinuteRevenue returns revenue per HH:MM for one UTC day. An empty day means
// today.
func (s *Service) MinuteRevenue(ctx context.Context, day string) ([]domain.RevenuePoint, error) {
	from := s.now().UTC().Truncate(24 * time.Hour)
	if day != "" {
		parsed, err := time.Parse(dateLayout, day)
		if err != nil {
			return nil, store.Validation("day must look like %s", dateLayout)
		}
		from = parsed
	}
	return s.repo.MinuteRevenue(ctx, from, from.Add(24*time.Hour))
}

func (s *Service) ListModificationLogs(ctx context.Context, limit int) ([]domain.ModificationLogView, error) {
	if limit < 1 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}
	return s.repo.ListModificationLogs(ctx, limit)
}
