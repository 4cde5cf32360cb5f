package service

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/events"
	"posledger/backend/internal/store"
	"posledger/backend/internal/store/memory"
)

func TestCheckoutSellsEntireStock(t *testing.T) {
	svc, repo := newTestService(t)
	p := seedProduct(t, repo, "tea", "3.00", 5)

	result, err := svc.Checkout(context.Background(), checkoutReq("k-1", nil, line(p.ID, 5)))
	require.NoError(t, err)

	assert.Equal(t, 0, stockOf(t, repo, p.ID))
	require.Len(t, result.Lines, 1)
	assert.Equal(t, 5, result.Lines[0].Quantity)
	assert.True(t, decimal.RequireFromString("15.00").Equal(result.Total))
	assert.Equal(t, testNow, result.SaleTime)
	assert.False(t, result.Duplicate)

	sale, err := repo.GetSaleLine(context.Background(), result.Lines[0].SaleID)
	require.NoError(t, err)
	assert.Equal(t, result.OrderID, sale.OrderID)
	assert.True(t, p.SellPrice.Equal(sale.SellPriceSnapshot))
	assert.True(t, p.BuyPrice.Equal(sale.BuyPriceSnapshot))
}

func TestCheckoutInsufficientStockChangesNothing(t *testing.T) {
	svc, repo := newTestService(t)
	p := seedProduct(t, repo, "tea", "3.00", 5)

	_, err := svc.Checkout(context.Background(), checkoutReq("k-1", nil, line(p.ID, 6)))
	var shortfall *store.InsufficientStockError
	require.ErrorAs(t, err, &shortfall)
	assert.Equal(t, 5, shortfall.Available)
	assert.Equal(t, 6, shortfall.Requested)
	assert.Equal(t, store.KindInsufficientStock, store.KindOf(err))

	assert.Equal(t, 5, stockOf(t, repo, p.ID))
	orders, err := svc.ListOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestCheckoutIsAllOrNothingAcrossLines(t *testing.T) {
	svc, repo := newTestService(t)
	a := seedProduct(t, repo, "bread", "4.00", 10)
	b := seedProduct(t, repo, "jam", "6.00", 2)
	member := seedMember(t, repo, "100", 7)

	_, err := svc.Checkout(context.Background(), checkoutReq("k-1", &member.ID, line(a.ID, 3), line(b.ID, 3)))
	require.ErrorIs(t, err, store.ErrInsufficientStock)

	assert.Equal(t, 10, stockOf(t, repo, a.ID))
	assert.Equal(t, 2, stockOf(t, repo, b.ID))
	got, err := repo.GetMember(context.Background(), member.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.Points)

	lookup, err := svc.LookupCheckout(context.Background(), "k-1")
	require.NoError(t, err)
	assert.False(t, lookup.Found)
}

func TestCheckoutMergesRepeatedProducts(t *testing.T) {
	svc, repo := newTestService(t)
	a := seedProduct(t, repo, "bread", "4.00", 10)
	b := seedProduct(t, repo, "jam", "6.00", 10)

	result, err := svc.Checkout(context.Background(), checkoutReq("k-1", nil, line(b.ID, 1), line(a.ID, 2), line(b.ID, 3)))
	require.NoError(t, err)

	require.Len(t, result.Lines, 2)
	assert.Equal(t, b.ID, result.Lines[0].ProductID)
	assert.Equal(t, 4, result.Lines[0].Quantity)
	assert.Equal(t, a.ID, result.Lines[1].ProductID)
	assert.Equal(t, 6, stockOf(t, repo, b.ID))
	assert.Equal(t, 8, stockOf(t, repo, a.ID))
}

func TestCheckoutValidation(t *testing.T) {
	svc, repo := newTestService(t)
	p := seedProduct(t, repo, "tea", "3.00", 5)
	negative := int64(-1)

	tests := []struct {
		name string
		req  domain.CheckoutRequest
		want error
	}{
		{name: "empty cart", req: checkoutReq("k", nil), want: store.ErrEmptyCart},
		{name: "zero quantity", req: checkoutReq("k", nil, line(p.ID, 0)), want: store.ErrValidation},
		{name: "negative quantity", req: checkoutReq("k", nil, line(p.ID, -2)), want: store.ErrValidation},
		{name: "missing key", req: checkoutReq(" ", nil, line(p.ID, 1)), want: store.ErrValidation},
		{name: "bad member", req: checkoutReq("k", &negative, line(p.ID, 1)), want: store.ErrValidation},
		{name: "unknown product", req: checkoutReq("k", nil, line(999, 1)), want: store.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Checkout(context.Background(), tt.req)
			require.ErrorIs(t, err, tt.want)
		})
	}

	req := checkoutReq("k", nil, line(p.ID, 1))
	req.ClerkID = ""
	_, err := svc.Checkout(context.Background(), req)
	require.ErrorIs(t, err, store.ErrValidation)
	assert.Equal(t, 5, stockOf(t, repo, p.ID))
}

func TestCheckoutUnknownMemberRollsBackStock(t *testing.T) {
	svc, repo := newTestService(t)
	p := seedProduct(t, repo, "tea", "3.00", 5)
	missing := int64(42)

	_, err := svc.Checkout(context.Background(), checkoutReq("k-1", &missing, line(p.ID, 2)))
	require.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 5, stockOf(t, repo, p.ID))
}

func TestCheckoutAccruesFlooredPoints(t *testing.T) {
	svc, repo := newTestService(t)
	p := seedProduct(t, repo, "gift box", "19.99", 3)
	member := seedMember(t, repo, "200", 10)

	result, err := svc.Checkout(context.Background(), checkoutReq("k-1", &member.ID, line(p.ID, 1)))
	require.NoError(t, err)
	assert.Equal(t, int64(19), result.PointsAdded)

	got, err := repo.GetMember(context.Background(), member.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(29), got.Points)
}

func TestCheckoutWithoutMemberSkipsLoyalty(t *testing.T) {
	repo := &countingRepo{Repository: memory.New()}
	svc := New(repo)
	p := seedProduct(t, repo, "tea", "3.00", 5)

	result, err := svc.Checkout(context.Background(), checkoutReq("k-1", nil, line(p.ID, 2)))
	require.NoError(t, err)
	assert.Zero(t, result.PointsAdded)
	assert.Zero(t, repo.addPoints.Load())

	member := seedMember(t, repo, "300", 0)
	_, err = svc.Checkout(context.Background(), checkoutReq("k-2", &member.ID, line(p.ID, 1)))
	require.NoError(t, err)
	assert.Equal(t, int32(1), repo.addPoints.Load())
}

func TestCheckoutReplayReturnsOriginalResult(t *testing.T) {
	publisher := &recordingPublisher{}
	svc, repo := newTestService(t, WithPublisher(publisher))
	p := seedProduct(t, repo, "tea", "3.00", 10)

	first, err := svc.Checkout(context.Background(), checkoutReq("k-1", nil, line(p.ID, 4)))
	require.NoError(t, err)

	second, err := svc.Checkout(context.Background(), checkoutReq("k-1", nil, line(p.ID, 4)))
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.OrderID, second.OrderID)
	assert.True(t, first.Total.Equal(second.Total))
	assert.Equal(t, 6, stockOf(t, repo, p.ID))
	assert.Equal(t, []string{events.TypeOrderCommitted}, publisher.types())

	lookup, err := svc.LookupCheckout(context.Background(), "k-1")
	require.NoError(t, err)
	require.True(t, lookup.Found)
	assert.Equal(t, first.OrderID, lookup.Checkout.OrderID)
}

func TestLookupCheckoutIsScopedToClerk(t *testing.T) {
	svc, repo := newTestService(t)
	p := seedProduct(t, repo, "tea", "3.00", 10)

	_, err := svc.Checkout(context.Background(), checkoutReq("k-1", nil, line(p.ID, 1)))
	require.NoError(t, err)

	own, err := svc.LookupCheckout(clerkCtx("clerk"), "k-1")
	require.NoError(t, err)
	assert.True(t, own.Found)

	foreign, err := svc.LookupCheckout(clerkCtx("amy"), "k-1")
	require.NoError(t, err)
	assert.False(t, foreign.Found)
	assert.Nil(t, foreign.Checkout)

	managed, err := svc.LookupCheckout(managerCtx(), "k-1")
	require.NoError(t, err)
	assert.True(t, managed.Found)
}

func TestCheckoutReusedKeyWithDifferentCartConflicts(t *testing.T) {
	svc, repo := newTestService(t)
	p := seedProduct(t, repo, "tea", "3.00", 10)

	_, err := svc.Checkout(context.Background(), checkoutReq("k-1", nil, line(p.ID, 4)))
	require.NoError(t, err)

	_, err = svc.Checkout(context.Background(), checkoutReq("k-1", nil, line(p.ID, 5)))
	require.ErrorIs(t, err, store.ErrIdempotencyConflict)
	assert.Equal(t, 6, stockOf(t, repo, p.ID))
}

func TestCheckoutReplayServedFromReceiptCache(t *testing.T) {
	receipts := newMapReceiptCache()
	svc, repo := newTestService(t, WithReceiptCache(receipts, time.Minute))
	p := seedProduct(t, repo, "tea", "3.00", 10)

	first, err := svc.Checkout(context.Background(), checkoutReq("k-1", nil, line(p.ID, 2)))
	require.NoError(t, err)

	second, err := svc.Checkout(context.Background(), checkoutReq("k-1", nil, line(p.ID, 2)))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Equal(t, 1, receipts.hits)

	// A different cart under the cached key still reaches the ledger and fails there.
	_, err = svc.Checkout(context.Background(), checkoutReq("k-1", nil, line(p.ID, 3)))
	require.ErrorIs(t, err, store.ErrIdempotencyConflict)
	assert.Equal(t, 8, stockOf(t, repo, p.ID))
}

func TestCheckoutLockTimeoutIsRetryableAndHarmless(t *testing.T) {
	repo := memory.New(memory.WithLockTimeout(30 * time.Millisecond))
	svc := New(repo)
	p := seedProduct(t, repo, "tea", "3.00", 5)

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- repo.WithinTx(context.Background(), func(tx store.Tx) error {
			if _, err := tx.LockProduct(context.Background(), p.ID); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	_, err := svc.Checkout(context.Background(), checkoutReq("k-1", nil, line(p.ID, 1)))
	require.ErrorIs(t, err, store.ErrLockTimeout)
	assert.True(t, store.IsRetryable(err))

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 5, stockOf(t, repo, p.ID))

	retried, err := svc.Checkout(context.Background(), checkoutReq("k-1", nil, line(p.ID, 1)))
	require.NoError(t, err)
	assert.False(t, retried.Duplicate)
	assert.Equal(t, 4, stockOf(t, repo, p.ID))
}

func TestConcurrentCheckoutsNeverOversell(t *testing.T) {
	svc, repo := newTestService(t)
	p := seedProduct(t, repo, "limited", "9.00", 10)

	const buyers = 25
	var wg sync.WaitGroup
	var mu sync.Mutex
	sold, refused := 0, 0
	for i := range buyers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Checkout(context.Background(), checkoutReq(keyFor(i), nil, line(p.ID, 1)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				sold++
			case errors.Is(err, store.ErrInsufficientStock):
				refused++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, sold)
	assert.Equal(t, buyers-10, refused)
	assert.Equal(t, 0, stockOf(t, repo, p.ID))
}

func TestOppositeCartOrdersDoNotDeadlock(t *testing.T) {
	svc, repo := newTestService(t)
	a := seedProduct(t, repo, "left", "1.00", 1000)
	b := seedProduct(t, repo, "right", "1.00", 1000)

	const rounds = 40
	var wg sync.WaitGroup
	errs := make(chan error, rounds)
	for i := range rounds {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lines := []domain.CartLine{line(a.ID, 1), line(b.ID, 2)}
			if i%2 == 1 {
				lines = []domain.CartLine{line(b.ID, 2), line(a.ID, 1)}
			}
			_, err := svc.Checkout(context.Background(), checkoutReq(keyFor(i), nil, lines...))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1000-rounds, stockOf(t, repo, a.ID))
	assert.Equal(t, 1000-2*rounds, stockOf(t, repo, b.ID))
}

func TestCheckoutFingerprintIgnoresLineOrder(t *testing.T) {
	member := int64(3)
	a := checkoutFingerprint("clerk", &member, []domain.CartLine{line(1, 2), line(7, 1)})
	b := checkoutFingerprint("clerk", &member, []domain.CartLine{line(7, 1), line(1, 2)})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, checkoutFingerprint("clerk", nil, []domain.CartLine{line(1, 2), line(7, 1)}))
	assert.NotEqual(t, a, checkoutFingerprint("other", &member, []domain.CartLine{line(1, 2), line(7, 1)}))
}

func keyFor(i int) string {
	return "k-" + strconv.Itoa(i)
}
