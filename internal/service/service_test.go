package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/events"
	"posledger/backend/internal/store"
	"posledger/backend/internal/store/memory"
)

var testNow = time.Date(2026, time.March, 10, 9, 15, 0, 0, time.UTC)

func newTestService(t *testing.T, opts ...Option) (*Service, *memory.Store) {
	t.Helper()
	repo := memory.New()
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return New(repo, opts...), repo
}

func managerCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "manager", Role: domain.RoleManager})
}

func clerkCtx(username string) context.Context {
	return WithActor(context.Background(), domain.Actor{Username: username, Role: domain.RoleClerk})
}

func seedProduct(t *testing.T, repo store.Repository, name string, sellPrice string, stock int) domain.Product {
	t.Helper()
	p, err := repo.CreateProduct(context.Background(), domain.Product{
		Name:      name,
		Category:  "general",
		BuyPrice:  decimal.RequireFromString(sellPrice).Div(decimal.NewFromInt(2)).Round(2),
		SellPrice: decimal.RequireFromString(sellPrice),
		Stock:     stock,
	})
	require.NoError(t, err)
	return *p
}

func seedMember(t *testing.T, repo store.Repository, phone string, points int64) domain.Member {
	t.Helper()
	m, err := repo.CreateMember(context.Background(), domain.Member{Phone: phone, Name: "member " + phone, Points: points})
	require.NoError(t, err)
	return *m
}

func stockOf(t *testing.T, repo store.Repository, productID int64) int {
	t.Helper()
	p, err := repo.GetProduct(context.Background(), productID)
	require.NoError(t, err)
	return p.Stock
}

func checkoutReq(key string, memberID *int64, lines ...domain.CartLine) domain.CheckoutRequest {
	return domain.CheckoutRequest{
		ClerkID:        "clerk",
		IdempotencyKey: key,
		MemberID:       memberID,
		Lines:          lines,
	}
}

func line(productID int64, qty int) domain.CartLine {
	return domain.CartLine{ProductID: productID, Quantity: qty}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, event events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type mapReceiptCache struct {
	mu    sync.Mutex
	items map[string]domain.CheckoutResult
	hits  int
}

func newMapReceiptCache() *mapReceiptCache {
	return &mapReceiptCache{items: make(map[string]domain.CheckoutResult)}
}

func (c *mapReceiptCache) Get(_ context.Context, key string) (*domain.CheckoutResult, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	result, ok := c.items[key]
	if !ok {
		return nil, false, nil
	}
	c.hits++
	return &result, true, nil
}

func (c *mapReceiptCache) Set(_ context.Context, key string, result *domain.CheckoutResult, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = *result
	return nil
}

// countingRepo wraps a repository so tests can observe which transactional
// writes a service call issued.
type countingRepo struct {
	store.Repository
	addPoints atomic.Int32
}

func (r *countingRepo) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return r.Repository.WithinTx(ctx, func(tx store.Tx) error {
		return fn(&countingTx{Tx: tx, repo: r})
	})
}

type countingTx struct {
	store.Tx
	repo *countingRepo
}

func (t *countingTx) AddPoints(ctx context.Context, memberID int64, delta int64) error {
	t.repo.addPoints.Add(1)
	return t.Tx.AddPoints(ctx, memberID, delta)
}

func TestRequireManager(t *testing.T) {
	require.ErrorIs(t, requireManager(context.Background()), ErrForbidden)
	require.ErrorIs(t, requireManager(clerkCtx("clerk")), ErrForbidden)
	require.NoError(t, requireManager(managerCtx()))
}
