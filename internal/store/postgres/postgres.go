package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
)

type Store struct {
	db          *sql.DB
	lockTimeout time.Duration
}

func New(ctx context.Context, databaseURL string, lockTimeout time.Duration) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if lockTimeout <= 0 {
		lockTimeout = 3 * time.Second
	}
	return &Store{db: db, lockTimeout: lockTimeout}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// WithinTx runs fn at READ COMMITTED with a transaction-local lock_timeout,
// so a blocked row lock surfaces as ErrLockTimeout instead of waiting forever.
func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return translate("begin", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if _, err := sqlTx.ExecContext(ctx, `SELECT set_config('lock_timeout', $1, true)`,
		fmt.Sprintf("%dms", s.lockTimeout.Milliseconds())); err != nil {
		return translate("set lock_timeout", err)
	}

	if err := fn(&pgTx{tx: sqlTx, owned: make(map[string]bool)}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return translate("commit", err)
	}
	return nil
}

func (s *Store) FindCheckoutByKey(ctx context.Context, key string) (*domain.CheckoutRecord, error) {
	return findCheckout(ctx, s.db, key)
}

const productColumns = `id, name, category, buy_price, sell_price, stock, min_stock_alert, expire_date`

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.queryProducts(ctx, `SELECT `+productColumns+` FROM products ORDER BY id DESC`)
}

func (s *Store) GetProduct(ctx context.Context, productID int64) (*domain.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, productID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, translate("get product", err)
	}
	return &p, nil
}

func (s *Store) SearchProducts(ctx context.Context, keyword string) ([]domain.Product, error) {
	pattern := "%" + strings.TrimSpace(keyword) + "%"
	return s.queryProducts(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE name ILIKE $1 OR category ILIKE $1
		ORDER BY id DESC
	`, pattern)
}

func (s *Store) ExpiringProducts(ctx context.Context, before time.Time) ([]domain.Product, error) {
	return s.queryProducts(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE expire_date IS NOT NULL AND expire_date <= $1
		ORDER BY expire_date ASC, id ASC
	`, before.UTC())
}

func (s *Store) LowStockProducts(ctx context.Context) ([]domain.Product, error) {
	return s.queryProducts(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE stock < min_stock_alert
		ORDER BY id DESC
	`)
}

func (s *Store) queryProducts(ctx context.Context, query string, args ...any) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translate("query products", err)
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, translate("scan product", err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("query products", err)
	}
	return products, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.Name == "" || product.Category == "" || product.Stock < 0 {
		return nil, store.ErrValidation
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO products (name, category, buy_price, sell_price, stock, min_stock_alert, expire_date, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,now())
		RETURNING id
	`, product.Name, product.Category, product.BuyPrice, product.SellPrice, product.Stock,
		product.MinStockAlert, nullDate(product.ExpireDate)).Scan(&product.ID)
	if err != nil {
		return nil, translate("create product", err)
	}

	created := product
	return &created, nil
}

// UpdateProductDetails never touches stock; stock only moves under a row lock.
func (s *Store) UpdateProductDetails(ctx context.Context, product domain.Product) (*domain.Product, error) {
	updated, err := scanProduct(s.db.QueryRowContext(ctx, `
		UPDATE products
		SET name = $2, category = $3, buy_price = $4, sell_price = $5,
			min_stock_alert = $6, expire_date = $7, updated_at = now()
		WHERE id = $1
		RETURNING `+productColumns,
		product.ID, product.Name, product.Category, product.BuyPrice, product.SellPrice,
		product.MinStockAlert, nullDate(product.ExpireDate)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, translate("update product", err)
	}
	return &updated, nil
}

func (s *Store) DeleteProduct(ctx context.Context, productID int64) error {
	return s.WithinTx(ctx, func(tx store.Tx) error {
		pt := tx.(*pgTx)
		if _, err := pt.LockProduct(ctx, productID); err != nil {
			return err
		}
		var referenced bool
		if err := pt.tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM sales WHERE product_id = $1)`, productID).Scan(&referenced); err != nil {
			return translate("check product references", err)
		}
		if referenced {
			return store.Validation("product %d is referenced by recorded sales", productID)
		}
		if _, err := pt.tx.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID); err != nil {
			return translate("delete product", err)
		}
		return nil
	})
}

const saleColumns = `id, order_id, product_id, clerk_id, quantity, buy_price_snapshot, sell_price_snapshot, total_price, sale_time, member_id`

func (s *Store) GetSaleLine(ctx context.Context, saleID int64) (*domain.SaleLine, error) {
	line, err := scanSaleLine(s.db.QueryRowContext(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = $1`, saleID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, translate("get sale", err)
	}
	return &line, nil
}

func (s *Store) ListOrderLines(ctx context.Context, clerkID string) ([]domain.OrderLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.order_id, p.name, s.clerk_id, s.quantity, s.total_price, s.buy_price_snapshot, s.sale_time
		FROM sales s
		JOIN products p ON p.id = s.product_id
		WHERE $1::text = '' OR s.clerk_id = $1
		ORDER BY s.sale_time DESC, s.id DESC
	`, clerkID)
	if err != nil {
		return nil, translate("list orders", err)
	}
	defer rows.Close()

	lines := make([]domain.OrderLine, 0, 64)
	for rows.Next() {
		var line domain.OrderLine
		if err := rows.Scan(&line.SaleID, &line.OrderID, &line.ProductName, &line.ClerkID, &line.Quantity,
			&line.TotalPrice, &line.BuyPriceSnapshot, &line.SaleTime); err != nil {
			return nil, translate("scan order line", err)
		}
		line.SaleTime = line.SaleTime.UTC()
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("list orders", err)
	}
	return lines, nil
}

func (s *Store) SalesByProduct(ctx context.Context) ([]domain.ProductSales, error) {
	return s.queryProductSales(ctx, `
		SELECT p.id, p.name, SUM(s.quantity), SUM(s.total_price)
		FROM sales s
		JOIN products p ON p.id = s.product_id
		GROUP BY p.id, p.name
		ORDER BY SUM(s.total_price) DESC, p.id ASC
	`)
}

func (s *Store) TopSellingProducts(ctx context.Context, limit int) ([]domain.ProductSales, error) {
	if limit < 1 {
		limit = 5
	}
	return s.queryProductSales(ctx, `
		SELECT p.id, p.name, SUM(s.quantity), SUM(s.total_price)
		FROM sales s
		JOIN products p ON p.id = s.product_id
		GROUP BY p.id, p.name
		ORDER BY SUM(s.quantity) DESC, p.id ASC
		LIMIT $1
	`, limit)
}

func (s *Store) queryProductSales(ctx context.Context, query string, args ...any) ([]domain.ProductSales, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translate("product sales", err)
	}
	defer rows.Close()

	result := make([]domain.ProductSales, 0, 32)
	for rows.Next() {
		var ps domain.ProductSales
		if err := rows.Scan(&ps.ProductID, &ps.Name, &ps.TotalQty, &ps.TotalRevenue); err != nil {
			return nil, translate("scan product sales", err)
		}
		result = append(result, ps)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("product sales", err)
	}
	return result, nil
}

func (s *Store) ProfitTotals(ctx context.Context) (domain.ProfitTotals, error) {
	var totals domain.ProfitTotals
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(total_price), 0),
			COALESCE(SUM((sell_price_snapshot - buy_price_snapshot) * quantity), 0)
		FROM sales
	`).Scan(&totals.TotalRevenue, &totals.TotalProfit)
	if err != nil {
		return domain.ProfitTotals{}, translate("profit totals", err)
	}
	return totals, nil
}

func (s *Store) CategoryRevenue(ctx context.Context) ([]domain.CategoryRevenue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.category, SUM(s.total_price)
		FROM sales s
		JOIN products p ON p.id = s.product_id
		GROUP BY p.category
		ORDER BY p.category ASC
	`)
	if err != nil {
		return nil, translate("category revenue", err)
	}
	defer rows.Close()

	result := make([]domain.CategoryRevenue, 0, 16)
	for rows.Next() {
		var cr domain.CategoryRevenue
		if err := rows.Scan(&cr.Category, &cr.Revenue); err != nil {
			return nil, translate("scan category revenue", err)
		}
		result = append(result, cr)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("category revenue", err)
	}
	return result, nil
}

func (s *Store) HourlyRevenue(ctx context.Context) (map[int]decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT EXTRACT(HOUR FROM sale_time AT TIME ZONE 'UTC')::int, SUM(total_price)
		FROM sales
		GROUP BY 1
	`)
	if err != nil {
		return nil, translate("hourly revenue", err)
	}
	defer rows.Close()

	byHour := make(map[int]decimal.Decimal, 24)
	for rows.Next() {
		var hour int
		var total decimal.Decimal
		if err := rows.Scan(&hour, &total); err != nil {
			return nil, translate("scan hourly revenue", err)
		}
		byHour[hour] = total
	}
	if err := rows.Err(); err != nil {
		return nil, translate("hourly revenue", err)
	}
	return byHour, nil
}

func (s *Store) MinuteRevenue(ctx context.Context, from time.Time, to time.Time) ([]domain.RevenuePoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT to_char(sale_time AT TIME ZONE 'UTC', 'HH24:MI'), SUM(total_price)
		FROM sales
		WHERE sale_time >= $1 AND sale_time < $2
		GROUP BY 1
		ORDER BY 1
	`, from.UTC(), to.UTC())
	if err != nil {
		return nil, translate("minute revenue", err)
	}
	defer rows.Close()

	points := make([]domain.RevenuePoint, 0, 64)
	for rows.Next() {
		var point domain.RevenuePoint
		if err := rows.Scan(&point.Label, &point.Total); err != nil {
			return nil, translate("scan minute revenue", err)
		}
		points = append(points, point)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("minute revenue", err)
	}
	return points, nil
}

func (s *Store) ListModificationLogs(ctx context.Context, limit int) ([]domain.ModificationLogView, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.id, l.sale_id, l.operator_id, l.action_type, l.details, l.logged_at, s.order_id, p.name
		FROM modification_logs l
		JOIN sales s ON s.id = l.sale_id
		JOIN products p ON p.id = s.product_id
		ORDER BY l.logged_at DESC, l.id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, translate("list modification logs", err)
	}
	defer rows.Close()

	logs := make([]domain.ModificationLogView, 0, limit)
	for rows.Next() {
		var v domain.ModificationLogView
		if err := rows.Scan(&v.ID, &v.SaleID, &v.OperatorID, &v.ActionType, &v.Details, &v.LoggedAt, &v.OrderID, &v.ProductName); err != nil {
			return nil, translate("scan modification log", err)
		}
		v.LoggedAt = v.LoggedAt.UTC()
		logs = append(logs, v)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("list modification logs", err)
	}
	return logs, nil
}

func (s *Store) CreateMember(ctx context.Context, member domain.Member) (*domain.Member, error) {
	if member.Phone == "" {
		return nil, store.ErrValidation
	}
	if member.CreatedAt.IsZero() {
		member.CreatedAt = time.Now().UTC()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO members (phone, name, points, created_at)
		VALUES ($1,$2,$3,$4)
		RETURNING id
	`, member.Phone, member.Name, member.Points, member.CreatedAt).Scan(&member.ID)
	if err != nil {
		return nil, translate("create member", err)
	}
	return &member, nil
}

func (s *Store) GetMember(ctx context.Context, memberID int64) (*domain.Member, error) {
	return s.getMember(ctx, `WHERE id = $1`, memberID)
}

func (s *Store) GetMemberByPhone(ctx context.Context, phone string) (*domain.Member, error) {
	return s.getMember(ctx, `WHERE phone = $1`, phone)
}

func (s *Store) getMember(ctx context.Context, where string, arg any) (*domain.Member, error) {
	var m domain.Member
	err := s.db.QueryRowContext(ctx, `SELECT id, phone, name, points, created_at FROM members `+where, arg).
		Scan(&m.ID, &m.Phone, &m.Name, &m.Points, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, translate("get member", err)
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return &m, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrValidation
	}
	if user.Role == "" {
		user.Role = domain.RoleClerk
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,true,$4,now())
	`, user.Username, user.Password, user.Role, user.CreatedAt)
	if err != nil {
		return translate("create user", err)
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, translate("list users", err)
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, translate("scan user", err)
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("list users", err)
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrValidation
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return translate("update user password", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return translate("update user password", err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) SetUserActive(ctx context.Context, username string, active bool) error {
	username = strings.ToLower(strings.TrimSpace(username))
	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET active = $2, updated_at = now()
		WHERE username = $1
	`, username, active)
	if err != nil {
		return translate("set user active", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return translate("set user active", err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	var expiry sql.NullTime
	if err := row.Scan(&p.ID, &p.Name, &p.Category, &p.BuyPrice, &p.SellPrice, &p.Stock, &p.MinStockAlert, &expiry); err != nil {
		return domain.Product{}, err
	}
	if expiry.Valid {
		e := dateUTC(expiry.Time)
		p.ExpireDate = &e
	}
	return p, nil
}

func scanSaleLine(row rowScanner) (domain.SaleLine, error) {
	var line domain.SaleLine
	var memberID sql.NullInt64
	if err := row.Scan(&line.ID, &line.OrderID, &line.ProductID, &line.ClerkID, &line.Quantity,
		&line.BuyPriceSnapshot, &line.SellPriceSnapshot, &line.TotalPrice, &line.SaleTime, &memberID); err != nil {
		return domain.SaleLine{}, err
	}
	line.SaleTime = line.SaleTime.UTC()
	if memberID.Valid {
		id := memberID.Int64
		line.MemberID = &id
	}
	return line, nil
}

// translate maps driver failures onto the ledger error taxonomy. Errors that
// already carry a ledger kind pass through untouched.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{store.ErrValidation, store.ErrNotFound, store.ErrInsufficientStock, store.ErrLockTimeout, store.ErrLockNotHeld, store.ErrPersistence} {
		if errors.Is(err, known) {
			return err
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", store.ErrLockTimeout, op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03", "40P01":
			return fmt.Errorf("%w: %s: %s", store.ErrLockTimeout, op, pgErr.Message)
		case "40001":
			return &store.PersistenceError{Op: op, Err: err, Retryable: true}
		case "23505":
			return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.Detail)
		case "23514", "23503", "22003":
			return store.Validation("%s: %s", op, pgErr.Message)
		}
	}
	return &store.PersistenceError{Op: op, Err: err}
}

func dateUTC(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func nullDate(val *time.Time) any {
	if val == nil {
		return nil
	}
	return dateUTC(val.UTC())
}

func nullInt64(val *int64) any {
	if val == nil {
		return nil
	}
	return *val
}
