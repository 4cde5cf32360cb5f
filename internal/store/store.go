package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"posledger/backend/internal/domain"
)

// Tx is the transaction-scoped view of the ledger. Every lock taken through
// it is held until the enclosing WithinTx call commits or rolls back, and none
// of its writes are visible to other transactions before commit.
//
// Locks must be taken in one global order on every call path:
// idempotency key, sale line, products by ascending ID, member.
type Tx interface {
	LockIdempotencyKey(ctx context.Context, key string) error
	FindCheckout(ctx context.Context, key string) (*domain.CheckoutRecord, error)
	SaveCheckout(ctx context.Context, record domain.CheckoutRecord) error

	LockProduct(ctx context.Context, productID int64) (domain.Product, error)
	DecrementStock(ctx context.Context, productID int64, qty int) error
	IncrementStock(ctx context.Context, productID int64, qty int) error

	InsertSaleLine(ctx context.Context, line domain.SaleLine) (domain.SaleLine, error)
	LockSaleLine(ctx context.Context, saleID int64) (domain.SaleLine, error)
	UpdateSaleLineQuantity(ctx context.Context, saleID int64, qty int, total decimal.Decimal) error

	LockMember(ctx context.Context, memberID int64) (domain.Member, error)
	AddPoints(ctx context.Context, memberID int64, delta int64) error

	AppendModificationLog(ctx context.Context, entry domain.ModificationLog) (domain.ModificationLog, error)
}

type Repository interface {
	// WithinTx runs fn inside one atomic transaction. A non-nil error from fn
	// rolls back every effect; a nil error commits them together.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	FindCheckoutByKey(ctx context.Context, key string) (*domain.CheckoutRecord, error)

	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, productID int64) (*domain.Product, error)
	SearchProducts(ctx context.Context, keyword string) ([]domain.Product, error)
	ExpiringProducts(ctx context.Context, before time.Time) ([]domain.Product, error)
	LowStockProducts(ctx context.Context) ([]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProductDetails(ctx context.Context, product domain.Product) (*domain.Product, error)
	DeleteProduct(ctx context.Context, productID int64) error

	GetSaleLine(ctx context.Context, saleID int64) (*domain.SaleLine, error)
	ListOrderLines(ctx context.Context, clerkID string) ([]domain.OrderLine, error)
	SalesByProduct(ctx context.Context) ([]domain.ProductSales, error)
	ProfitTotals(ctx context.Context) (domain.ProfitTotals, error)
	CategoryRevenue(ctx context.Context) ([]domain.CategoryRevenue, error)
	TopSellingProducts(ctx context.Context, limit int) ([]domain.ProductSales, error)
	HourlyRevenue(ctx context.Context) (map[int]decimal.Decimal, error)
	MinuteRevenue(ctx context.Context, from time.Time, to time.Time) ([]domain.RevenuePoint, error)
	ListModificationLogs(ctx context.Context, limit int) ([]domain.ModificationLogView, error)

	CreateMember(ctx context.Context, member domain.Member) (*domain.Member, error)
	GetMember(ctx context.Context, memberID int64) (*domain.Member, error)
	GetMemberByPhone(ctx context.Context, phone string) (*domain.Member, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
	SetUserActive(ctx context.Context, username string, active bool) error
}
