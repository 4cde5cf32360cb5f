package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
)

// pgTx tracks which rows it locked with FOR UPDATE so stock and points are
// only ever written under a lock this transaction holds.
type pgTx struct {
	tx    *sql.Tx
	owned map[string]bool
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (t *pgTx) requireLock(key string) error {
	if !t.owned[key] {
		return fmt.Errorf("%w: %s", store.ErrLockNotHeld, key)
	}
	return nil
}

// LockIdempotencyKey takes a transaction-scoped advisory lock so two requests
// carrying the same key serialize even before any checkout row exists.
func (t *pgTx) LockIdempotencyKey(ctx context.Context, key string) error {
	if key == "" {
		return store.Validation("idempotency key is required")
	}
	if _, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return translate("lock idempotency key", err)
	}
	t.owned["idem:"+key] = true
	return nil
}

func (t *pgTx) FindCheckout(ctx context.Context, key string) (*domain.CheckoutRecord, error) {
	return findCheckout(ctx, t.tx, key)
}

func (t *pgTx) SaveCheckout(ctx context.Context, record domain.CheckoutRecord) error {
	if err := t.requireLock("idem:" + record.IdempotencyKey); err != nil {
		return err
	}
	payload, err := json.Marshal(record.Result)
	if err != nil {
		return &store.PersistenceError{Op: "encode checkout", Err: err}
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO checkouts (idempotency_key, fingerprint, result, created_at)
		VALUES ($1,$2,$3,$4)
	`, record.IdempotencyKey, record.Fingerprint, payload, record.CreatedAt)
	if err != nil {
		return translate("save checkout", err)
	}
	return nil
}

func findCheckout(ctx context.Context, q querier, key string) (*domain.CheckoutRecord, error) {
	var record domain.CheckoutRecord
	var payload []byte
	err := q.QueryRowContext(ctx, `
		SELECT idempotency_key, fingerprint, result, created_at
		FROM checkouts
		WHERE idempotency_key = $1
	`, key).Scan(&record.IdempotencyKey, &record.Fingerprint, &payload, &record.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, translate("find checkout", err)
	}
	if err := json.Unmarshal(payload, &record.Result); err != nil {
		return nil, &store.PersistenceError{Op: "decode checkout", Err: err}
	}
	record.CreatedAt = record.CreatedAt.UTC()
	return &record, nil
}

func (t *pgTx) LockProduct(ctx context.Context, productID int64) (domain.Product, error) {
	p, err := scanProduct(t.tx.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = $1
		FOR UPDATE
	`, productID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Product{}, store.NotFound("product %d", productID)
		}
		return domain.Product{}, translate("lock product", err)
	}
	t.owned[fmt.Sprintf("product:%d", productID)] = true
	return p, nil
}

func (t *pgTx) DecrementStock(ctx context.Context, productID int64, qty int) error {
	if qty <= 0 {
		return store.Validation("decrement quantity must be positive, got %d", qty)
	}
	if err := t.requireLock(fmt.Sprintf("product:%d", productID)); err != nil {
		return err
	}

	res, err := t.tx.ExecContext(ctx, `
		UPDATE products
		SET stock = stock - $1, updated_at = now()
		WHERE id = $2 AND stock >= $1
	`, qty, productID)
	if err != nil {
		return translate("decrement stock", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return translate("decrement stock", err)
	}
	if affected == 1 {
		return nil
	}

	var name string
	var available int
	if err := t.tx.QueryRowContext(ctx, `SELECT name, stock FROM products WHERE id = $1`, productID).Scan(&name, &available); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.NotFound("product %d", productID)
		}
		return translate("decrement stock", err)
	}
	return &store.InsufficientStockError{ProductID: productID, Name: name, Available: available, Requested: qty}
}

func (t *pgTx) IncrementStock(ctx context.Context, productID int64, qty int) error {
	if qty <= 0 {
		return store.Validation("increment quantity must be positive, got %d", qty)
	}
	if err := t.requireLock(fmt.Sprintf("product:%d", productID)); err != nil {
		return err
	}

	res, err := t.tx.ExecContext(ctx, `
		UPDATE products
		SET stock = stock + $1, updated_at = now()
		WHERE id = $2
	`, qty, productID)
	if err != nil {
		return translate("increment stock", err)
	}
	if affected, err := res.RowsAffected(); err != nil {
		return translate("increment stock", err)
	} else if affected == 0 {
		return store.NotFound("product %d", productID)
	}
	return nil
}

func (t *pgTx) InsertSaleLine(ctx context.Context, line domain.SaleLine) (domain.SaleLine, error) {
	if line.Quantity <= 0 {
		return domain.SaleLine{}, store.Validation("sale quantity must be positive, got %d", line.Quantity)
	}
	if line.OrderID == "" || line.ClerkID == "" {
		return domain.SaleLine{}, store.Validation("sale line needs an order and a clerk")
	}
	if line.SaleTime.IsZero() {
		line.SaleTime = time.Now().UTC()
	}

	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO sales (order_id, product_id, clerk_id, quantity, buy_price_snapshot, sell_price_snapshot, total_price, sale_time, member_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id
	`, line.OrderID, line.ProductID, line.ClerkID, line.Quantity, line.BuyPriceSnapshot,
		line.SellPriceSnapshot, line.TotalPrice, line.SaleTime, nullInt64(line.MemberID)).Scan(&line.ID)
	if err != nil {
		return domain.SaleLine{}, translate("insert sale line", err)
	}
	t.owned[fmt.Sprintf("sale:%d", line.ID)] = true
	return line, nil
}

func (t *pgTx) LockSaleLine(ctx context.Context, saleID int64) (domain.SaleLine, error) {
	line, err := scanSaleLine(t.tx.QueryRowContext(ctx, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE id = $1
		FOR UPDATE
	`, saleID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.SaleLine{}, store.NotFound("sale %d", saleID)
		}
		return domain.SaleLine{}, translate("lock sale", err)
	}
	t.owned[fmt.Sprintf("sale:%d", saleID)] = true
	return line, nil
}

func (t *pgTx) UpdateSaleLineQuantity(ctx context.Context, saleID int64, qty int, total decimal.Decimal) error {
	if qty < 0 {
		return store.Validation("sale quantity must not be negative, got %d", qty)
	}
	if err := t.requireLock(fmt.Sprintf("sale:%d", saleID)); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, `
		UPDATE sales
		SET quantity = $2, total_price = $3
		WHERE id = $1
	`, saleID, qty, total); err != nil {
		return translate("update sale quantity", err)
	}
	return nil
}

func (t *pgTx) LockMember(ctx context.Context, memberID int64) (domain.Member, error) {
	var m domain.Member
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, phone, name, points, created_at
		FROM members
		WHERE id = $1
		FOR UPDATE
	`, memberID).Scan(&m.ID, &m.Phone, &m.Name, &m.Points, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Member{}, store.NotFound("member %d", memberID)
		}
		return domain.Member{}, translate("lock member", err)
	}
	m.CreatedAt = m.CreatedAt.UTC()
	t.owned[fmt.Sprintf("member:%d", memberID)] = true
	return m, nil
}

func (t *pgTx) AddPoints(ctx context.Context, memberID int64, delta int64) error {
	if err := t.requireLock(fmt.Sprintf("member:%d", memberID)); err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE members
		SET points = points + $2
		WHERE id = $1 AND points + $2 >= 0
	`, memberID, delta)
	if err != nil {
		return translate("add points", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return translate("add points", err)
	}
	if affected == 0 {
		return store.Validation("member %d would end with negative points", memberID)
	}
	return nil
}

func (t *pgTx) AppendModificationLog(ctx context.Context, entry domain.ModificationLog) (domain.ModificationLog, error) {
	if entry.OperatorID == "" || entry.ActionType == "" {
		return domain.ModificationLog{}, store.Validation("modification log needs an operator and an action")
	}
	if entry.LoggedAt.IsZero() {
		entry.LoggedAt = time.Now().UTC()
	}
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO modification_logs (sale_id, operator_id, action_type, details, logged_at)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id
	`, entry.SaleID, entry.OperatorID, entry.ActionType, entry.Details, entry.LoggedAt).Scan(&entry.ID)
	if err != nil {
		return domain.ModificationLog{}, translate("append modification log", err)
	}
	return entry, nil
}
