package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID            int64           `json:"id"`
	Name          string          `json:"name"`
	Category      string          `json:"category"`
	BuyPrice      decimal.Decimal `json:"buy_price"`
	SellPrice     decimal.Decimal `json:"sell_price"`
	Stock         int             `json:"stock"`
	MinStockAlert int             `json:"min_stock_alert"`
	ExpireDate    *time.Time      `json:"expire_date,omitempty"`
}

type ProductCreateRequest struct {
	Name          string          `json:"name"`
	Category      string          `json:"category"`
	BuyPrice      decimal.Decimal `json:"buy_price"`
	SellPrice     decimal.Decimal `json:"sell_price"`
	InitialStock  int             `json:"initial_stock"`
	MinStockAlert int             `json:"min_stock_alert"`
	ExpireDate    string          `json:"expire_date,omitempty"`
}

// ProductUpdateRequest carries catalog edits. Stock is deliberately absent:
// it only moves through checkout, amendment and restock.
type ProductUpdateRequest struct {
	Name          *string          `json:"name,omitempty"`
	Category      *string          `json:"category,omitempty"`
	BuyPrice      *decimal.Decimal `json:"buy_price,omitempty"`
	SellPrice     *decimal.Decimal `json:"sell_price,omitempty"`
	MinStockAlert *int             `json:"min_stock_alert,omitempty"`
	ExpireDate    *string          `json:"expire_date,omitempty"`
}

type RestockRequest struct {
	Quantity int `json:"quantity"`
}

type CartLine struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

type CheckoutRequest struct {
	ClerkID        string     `json:"clerk_id"`
	IdempotencyKey string     `json:"idempotency_key"`
	MemberID       *int64     `json:"member_id,omitempty"`
	Lines          []CartLine `json:"lines"`
}

type LineReceipt struct {
	SaleID    int64           `json:"sale_id"`
	ProductID int64           `json:"product_id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	LineTotal decimal.Decimal `json:"line_total"`
}

type CheckoutResult struct {
	OrderID     string          `json:"order_id"`
	ClerkID     string          `json:"clerk_id"`
	MemberID    *int64          `json:"member_id,omitempty"`
	Total       decimal.Decimal `json:"total"`
	PointsAdded int64           `json:"points_added"`
	Lines       []LineReceipt   `json:"lines"`
	SaleTime    time.Time       `json:"sale_time"`
	Duplicate   bool            `json:"duplicate"`
}

// CheckoutRecord is the durable trace of a committed checkout, keyed by the
// caller's idempotency key.
type CheckoutRecord struct {
	IdempotencyKey string
	Fingerprint    string
	Result         CheckoutResult
	CreatedAt      time.Time
}

type CheckoutLookupResponse struct {
	Found    bool            `json:"found"`
	Checkout *CheckoutResult `json:"checkout,omitempty"`
}

type SaleLine struct {
	ID                int64           `json:"id"`
	OrderID           string          `json:"order_id"`
	ProductID         int64           `json:"product_id"`
	ClerkID           string          `json:"clerk_id"`
	Quantity          int             `json:"quantity"`
	BuyPriceSnapshot  decimal.Decimal `json:"buy_price_snapshot"`
	SellPriceSnapshot decimal.Decimal `json:"sell_price_snapshot"`
	TotalPrice        decimal.Decimal `json:"total_price"`
	SaleTime          time.Time       `json:"sale_time"`
	MemberID          *int64          `json:"member_id,omitempty"`
}

type AmendRequest struct {
	SaleID      int64  `json:"sale_id"`
	NewQuantity int    `json:"new_quantity"`
	OperatorID  string `json:"operator_id"`
}

type AmendResult struct {
	SaleID      int64           `json:"sale_id"`
	OrderID     string          `json:"order_id"`
	OldQuantity int             `json:"old_quantity"`
	NewQuantity int             `json:"new_quantity"`
	TotalPrice  decimal.Decimal `json:"total_price"`
	StockAfter  int             `json:"stock_after"`
	Unchanged   bool            `json:"unchanged"`
	LogID       int64           `json:"log_id,omitempty"`
}

type Member struct {
	ID        int64     `json:"id"`
	Phone     string    `json:"phone"`
	Name      string    `json:"name"`
	Points    int64     `json:"points"`
	CreatedAt time.Time `json:"created_at"`
}

type MemberRegisterRequest struct {
	Phone string `json:"phone"`
	Name  string `json:"name"`
}

type MemberPointsAdjustment struct {
	MemberID   int64  `json:"member_id"`
	Delta      int64  `json:"delta"`
	OperatorID string `json:"operator_id"`
	Reason     string `json:"reason"`
}

type ModificationLog struct {
	ID         int64     `json:"id"`
	SaleID     int64     `json:"sale_id"`
	OperatorID string    `json:"operator_id"`
	ActionType string    `json:"action_type"`
	Details    string    `json:"details"`
	LoggedAt   time.Time `json:"logged_at"`
}

// ModificationLogView is a modification log joined with the sale it touched.
type ModificationLogView struct {
	ModificationLog
	OrderID     string `json:"order_id"`
	ProductName string `json:"product_name"`
}

type OrderLine struct {
	SaleID           int64           `json:"sale_id"`
	OrderID          string          `json:"order_id"`
	ProductName      string          `json:"product_name"`
	ClerkID          string          `json:"clerk_id"`
	Quantity         int             `json:"quantity"`
	TotalPrice       decimal.Decimal `json:"total_price"`
	BuyPriceSnapshot decimal.Decimal `json:"buy_price_snapshot"`
	SaleTime         time.Time       `json:"sale_time"`
}

type ProductSales struct {
	ProductID    int64           `json:"product_id"`
	Name         string          `json:"name"`
	TotalQty     int64           `json:"total_qty"`
	TotalRevenue decimal.Decimal `json:"total_revenue"`
}

type ProfitTotals struct {
	TotalRevenue decimal.Decimal `json:"total_revenue"`
	TotalProfit  decimal.Decimal `json:"total_profit"`
}

type CategoryRevenue struct {
	Category string          `json:"category"`
	Revenue  decimal.Decimal `json:"revenue"`
}

type RevenuePoint struct {
	Label string          `json:"label"`
	Total decimal.Decimal `json:"total"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type ClerkCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type ClerkStatusRequest struct {
	Active *bool `json:"active"`
}

type ClerkUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

const (
	RoleManager = "manager"
	RoleClerk   = "clerk"
)

const ActionModify = "MODIFY"
