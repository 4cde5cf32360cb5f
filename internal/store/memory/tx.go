package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
)

// tx buffers every write in working copies of the rows it locked. Nothing
// reaches the Store maps until commit.
type tx struct {
	s    *Store
	held []string
	own  map[string]bool

	products  map[int64]*domain.Product
	sales     map[int64]*domain.SaleLine
	inserted  []int64
	members   map[int64]*domain.Member
	checkouts map[string]domain.CheckoutRecord
	logs      []domain.ModificationLog
}

func newTx(s *Store) *tx {
	return &tx{
		s:         s,
		own:       make(map[string]bool),
		products:  make(map[int64]*domain.Product),
		sales:     make(map[int64]*domain.SaleLine),
		members:   make(map[int64]*domain.Member),
		checkouts: make(map[string]domain.CheckoutRecord),
	}
}

func (t *tx) lock(ctx context.Context, key string) error {
	if t.own[key] {
		return nil
	}
	if err := t.s.locks.acquire(ctx, key, t.s.lockTimeout); err != nil {
		return err
	}
	t.own[key] = true
	t.held = append(t.held, key)
	return nil
}

func (t *tx) releaseAll() {
	for i := len(t.held) - 1; i >= 0; i-- {
		t.s.locks.release(t.held[i])
	}
	t.held = nil
	t.own = map[string]bool{}
}

func (t *tx) requireLock(key string) error {
	if !t.own[key] {
		return fmt.Errorf("%w: %s", store.ErrLockNotHeld, key)
	}
	return nil
}

func (t *tx) LockIdempotencyKey(ctx context.Context, key string) error {
	if key == "" {
		return store.Validation("idempotency key is required")
	}
	return t.lock(ctx, tokenKey(key))
}

func (t *tx) FindCheckout(_ context.Context, key string) (*domain.CheckoutRecord, error) {
	if record, ok := t.checkouts[key]; ok {
		dup := cloneCheckoutRecord(record)
		return &dup, nil
	}

	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	record, ok := t.s.checkouts[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	dup := cloneCheckoutRecord(record)
	return &dup, nil
}

func (t *tx) SaveCheckout(_ context.Context, record domain.CheckoutRecord) error {
	if err := t.requireLock(tokenKey(record.IdempotencyKey)); err != nil {
		return err
	}
	if _, ok := t.checkouts[record.IdempotencyKey]; ok {
		return store.ErrConflict
	}

	t.s.mu.RLock()
	_, exists := t.s.checkouts[record.IdempotencyKey]
	t.s.mu.RUnlock()
	if exists {
		return store.ErrConflict
	}

	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	t.checkouts[record.IdempotencyKey] = cloneCheckoutRecord(record)
	return nil
}

func (t *tx) LockProduct(ctx context.Context, productID int64) (domain.Product, error) {
	if err := t.lock(ctx, productKey(productID)); err != nil {
		return domain.Product{}, err
	}
	if working, ok := t.products[productID]; ok {
		return cloneProduct(*working), nil
	}

	t.s.mu.RLock()
	committed, ok := t.s.products[productID]
	t.s.mu.RUnlock()
	if !ok {
		return domain.Product{}, store.NotFound("product %d", productID)
	}

	working := cloneProduct(committed)
	t.products[productID] = &working
	return cloneProduct(working), nil
}

func (t *tx) DecrementStock(_ context.Context, productID int64, qty int) error {
	if qty <= 0 {
		return store.Validation("decrement quantity must be positive, got %d", qty)
	}
	if err := t.requireLock(productKey(productID)); err != nil {
		return err
	}
	working, ok := t.products[productID]
	if !ok {
		return store.NotFound("product %d", productID)
	}
	if working.Stock < qty {
		return &store.InsufficientStockError{
			ProductID: productID,
			Name:      working.Name,
			Available: working.Stock,
			Requested: qty,
		}
	}
	working.Stock -= qty
	return nil
}

func (t *tx) IncrementStock(_ context.Context, productID int64, qty int) error {
	if qty <= 0 {
		return store.Validation("increment quantity must be positive, got %d", qty)
	}
	if err := t.requireLock(productKey(productID)); err != nil {
		return err
	}
	working, ok := t.products[productID]
	if !ok {
		return store.NotFound("product %d", productID)
	}
	working.Stock += qty
	return nil
}

func (t *tx) InsertSaleLine(_ context.Context, line domain.SaleLine) (domain.SaleLine, error) {
	if line.Quantity <= 0 {
		return domain.SaleLine{}, store.Validation("sale quantity must be positive, got %d", line.Quantity)
	}
	if line.OrderID == "" || line.ClerkID == "" {
		return domain.SaleLine{}, store.Validation("sale line needs an order and a clerk")
	}

	t.s.mu.Lock()
	t.s.nextSaleID++
	line.ID = t.s.nextSaleID
	t.s.mu.Unlock()

	if line.SaleTime.IsZero() {
		line.SaleTime = time.Now().UTC()
	}
	working := cloneSaleLine(line)
	t.sales[line.ID] = &working
	t.inserted = append(t.inserted, line.ID)
	// A freshly inserted row is owned by its transaction.
	t.own[saleKey(line.ID)] = true
	return cloneSaleLine(line), nil
}

func (t *tx) LockSaleLine(ctx context.Context, saleID int64) (domain.SaleLine, error) {
	if working, ok := t.sales[saleID]; ok {
		return cloneSaleLine(*working), nil
	}
	if err := t.lock(ctx, saleKey(saleID)); err != nil {
		return domain.SaleLine{}, err
	}

	t.s.mu.RLock()
	committed, ok := t.s.sales[saleID]
	t.s.mu.RUnlock()
	if !ok {
		return domain.SaleLine{}, store.NotFound("sale %d", saleID)
	}

	working := cloneSaleLine(committed)
	t.sales[saleID] = &working
	return cloneSaleLine(working), nil
}

func (t *tx) UpdateSaleLineQuantity(_ context.Context, saleID int64, qty int, total decimal.Decimal) error {
	if qty < 0 {
		return store.Validation("sale quantity must not be negative, got %d", qty)
	}
	if err := t.requireLock(saleKey(saleID)); err != nil {
		return err
	}
	working, ok := t.sales[saleID]
	if !ok {
		return store.NotFound("sale %d", saleID)
	}
	working.Quantity = qty
	working.TotalPrice = total
	return nil
}

func (t *tx) LockMember(ctx context.Context, memberID int64) (domain.Member, error) {
	if err := t.lock(ctx, memberKey(memberID)); err != nil {
		return domain.Member{}, err
	}
	if working, ok := t.members[memberID]; ok {
		return *working, nil
	}

	t.s.mu.RLock()
	committed, ok := t.s.members[memberID]
	t.s.mu.RUnlock()
	if !ok {
		return domain.Member{}, store.NotFound("member %d", memberID)
	}

	working := committed
	t.members[memberID] = &working
	return working, nil
}

func (t *tx) AddPoints(_ context.Context, memberID int64, delta int64) error {
	if err := t.requireLock(memberKey(memberID)); err != nil {
		return err
	}
	working, ok := t.members[memberID]
	if !ok {
		return store.NotFound("member %d", memberID)
	}
	if working.Points+delta < 0 {
		return store.Validation("member %d would end with negative points", memberID)
	}
	working.Points += delta
	return nil
}

func (t *tx) AppendModificationLog(_ context.Context, entry domain.ModificationLog) (domain.ModificationLog, error) {
	if entry.OperatorID == "" || entry.ActionType == "" {
		return domain.ModificationLog{}, store.Validation("modification log needs an operator and an action")
	}

	t.s.mu.Lock()
	t.s.nextLogID++
	entry.ID = t.s.nextLogID
	t.s.mu.Unlock()

	if entry.LoggedAt.IsZero() {
		entry.LoggedAt = time.Now().UTC()
	}
	t.logs = append(t.logs, entry)
	return entry, nil
}

// commit publishes the working copies. Only the columns a transaction may
// change are copied back, so concurrent catalog edits to names or prices
// survive.
func (t *tx) commit() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	for id, working := range t.products {
		committed, ok := t.s.products[id]
		if !ok {
			continue
		}
		committed.Stock = working.Stock
		t.s.products[id] = committed
	}

	isNew := make(map[int64]bool, len(t.inserted))
	for _, id := range t.inserted {
		isNew[id] = true
		t.s.sales[id] = cloneSaleLine(*t.sales[id])
	}
	for id, working := range t.sales {
		if isNew[id] {
			continue
		}
		committed, ok := t.s.sales[id]
		if !ok {
			continue
		}
		committed.Quantity = working.Quantity
		committed.TotalPrice = working.TotalPrice
		t.s.sales[id] = committed
	}

	for id, working := range t.members {
		committed, ok := t.s.members[id]
		if !ok {
			continue
		}
		committed.Points = working.Points
		t.s.members[id] = committed
	}

	t.s.modLogs = append(t.s.modLogs, t.logs...)
	for key, record := range t.checkouts {
		t.s.checkouts[key] = record
	}
}
