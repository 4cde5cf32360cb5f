package memory

import (
	"context"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
)

const defaultLockTimeout = 3 * time.Second

// Store keeps the ledger in process memory. Committed state lives in the maps
// below and is guarded by mu; row locks live in locks and are held for the
// whole life of a transaction.
type Store struct {
	mu          sync.RWMutex
	locks       *rowLocks
	lockTimeout time.Duration
	logger      *zap.Logger

	products        map[int64]domain.Product
	sales           map[int64]domain.SaleLine
	members         map[int64]domain.Member
	memberByPhone   map[string]int64
	modLogs         []domain.ModificationLog
	checkouts       map[string]domain.CheckoutRecord
	usersByUsername map[string]domain.UserAccount

	nextProductID int64
	nextSaleID    int64
	nextMemberID  int64
	nextLogID     int64
}

type Option func(*Store)

func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		locks:           newRowLocks(),
		lockTimeout:     defaultLockTimeout,
		logger:          zap.NewNop(),
		products:        make(map[int64]domain.Product),
		sales:           make(map[int64]domain.SaleLine),
		members:         make(map[int64]domain.Member),
		memberByPhone:   make(map[string]int64),
		modLogs:         make([]domain.ModificationLog, 0, 64),
		checkouts:       make(map[string]domain.CheckoutRecord),
		usersByUsername: make(map[string]domain.UserAccount),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewSeeded returns a store with a small demo catalog, two members and the
// default manager and clerk accounts.
func NewSeeded(opts ...Option) *Store {
	s := New(opts...)
	s.usersByUsername = s.seedUsers()

	expiry := func(year int, month time.Month, day int) *time.Time {
		t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
		return &t
	}
	products := []domain.Product{
		{Name: "Coca-Cola 330ml", Category: "beverage", BuyPrice: decimal.RequireFromString("2.00"), SellPrice: decimal.RequireFromString("3.50"), Stock: 100, MinStockAlert: 20, ExpireDate: expiry(2026, time.December, 31)},
		{Name: "Beef Noodle Cup", Category: "food", BuyPrice: decimal.RequireFromString("3.50"), SellPrice: decimal.RequireFromString("5.00"), Stock: 50, MinStockAlert: 10, ExpireDate: expiry(2026, time.June, 30)},
		{Name: "Notebook A5", Category: "stationery", BuyPrice: decimal.RequireFromString("5.00"), SellPrice: decimal.RequireFromString("8.00"), Stock: 5, MinStockAlert: 10},
		{Name: "Potato Chips", Category: "snack", BuyPrice: decimal.RequireFromString("4.00"), SellPrice: decimal.RequireFromString("7.00"), Stock: 80, MinStockAlert: 15, ExpireDate: expiry(2026, time.March, 15)},
		{Name: "Mineral Water 550ml", Category: "beverage", BuyPrice: decimal.RequireFromString("1.00"), SellPrice: decimal.RequireFromString("2.00"), Stock: 120, MinStockAlert: 20, ExpireDate: expiry(2027, time.January, 1)},
		{Name: "Milk Chocolate Bar", Category: "snack", BuyPrice: decimal.RequireFromString("8.00"), SellPrice: decimal.RequireFromString("12.00"), Stock: 40, MinStockAlert: 10, ExpireDate: expiry(2026, time.October, 1)},
		{Name: "HB Pencil", Category: "stationery", BuyPrice: decimal.RequireFromString("0.50"), SellPrice: decimal.RequireFromString("1.00"), Stock: 200, MinStockAlert: 50},
	}
	for _, p := range products {
		s.nextProductID++
		p.ID = s.nextProductID
		s.products[p.ID] = p
	}

	now := time.Now().UTC()
	for _, m := range []domain.Member{
		{Phone: "13800138000", Name: "Li Lei", Points: 100},
		{Phone: "13900139000", Name: "Han Meimei", Points: 250},
	} {
		s.nextMemberID++
		m.ID = s.nextMemberID
		m.CreatedAt = now
		s.members[m.ID] = m
		s.memberByPhone[m.Phone] = m.ID
	}

	return s
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_MANAGER_PASSWORD and SEED_CLERK_PASSWORD;
// unset values fall back to dev defaults with a warning.
func (s *Store) seedUsers() map[string]domain.UserAccount {
	managerPwd := envOr("SEED_MANAGER_PASSWORD", "manager123")
	clerkPwd := envOr("SEED_CLERK_PASSWORD", "clerk123")
	if os.Getenv("SEED_MANAGER_PASSWORD") == "" || os.Getenv("SEED_CLERK_PASSWORD") == "" {
		s.logger.Warn("memory store is using default dev credentials, set SEED_MANAGER_PASSWORD and SEED_CLERK_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"manager", managerPwd, domain.RoleManager},
		{"clerk", clerkPwd, domain.RoleClerk},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			s.logger.Fatal("hash seed password", zap.String("username", u.username), zap.Error(err))
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	t := newTx(s)
	defer t.releaseAll()

	if err := fn(t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.commit()
	return nil
}

func (s *Store) FindCheckoutByKey(_ context.Context, key string) (*domain.CheckoutRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.checkouts[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	dup := cloneCheckoutRecord(record)
	return &dup, nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.filterProducts(func(domain.Product) bool { return true }), nil
}

func (s *Store) GetProduct(_ context.Context, productID int64) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[productID]
	if !ok {
		return nil, store.ErrNotFound
	}
	dup := cloneProduct(p)
	return &dup, nil
}

func (s *Store) SearchProducts(_ context.Context, keyword string) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := strings.ToLower(strings.TrimSpace(keyword))
	return s.filterProducts(func(p domain.Product) bool {
		return strings.Contains(strings.ToLower(p.Name), needle) || strings.Contains(strings.ToLower(p.Category), needle)
	}), nil
}

func (s *Store) ExpiringProducts(_ context.Context, before time.Time) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := s.filterProducts(func(p domain.Product) bool {
		return p.ExpireDate != nil && !p.ExpireDate.After(before)
	})
	slices.SortStableFunc(result, func(a, b domain.Product) int {
		return a.ExpireDate.Compare(*b.ExpireDate)
	})
	return result, nil
}

func (s *Store) LowStockProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.filterProducts(func(p domain.Product) bool { return p.Stock < p.MinStockAlert }), nil
}

// filterProducts returns matches newest first. Callers hold mu.
func (s *Store) filterProducts(keep func(domain.Product) bool) []domain.Product {
	result := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if keep(p) {
			result = append(result, cloneProduct(p))
		}
	}
	slices.SortFunc(result, func(a, b domain.Product) int {
		return cmpInt64(b.ID, a.ID)
	})
	return result
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if product.Name == "" || product.Category == "" || product.Stock < 0 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextProductID++
	product.ID = s.nextProductID
	s.products[product.ID] = cloneProduct(product)
	created := cloneProduct(product)
	return &created, nil
}

func (s *Store) UpdateProductDetails(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.products[product.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	product.Stock = existing.Stock
	s.products[product.ID] = cloneProduct(product)
	updated := cloneProduct(product)
	return &updated, nil
}

func (s *Store) DeleteProduct(ctx context.Context, productID int64) error {
	key := productKey(productID)
	if err := s.locks.acquire(ctx, key, s.lockTimeout); err != nil {
		return err
	}
	defer s.locks.release(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[productID]; !ok {
		return store.ErrNotFound
	}
	for _, line := range s.sales {
		if line.ProductID == productID {
			return store.Validation("product %d is referenced by recorded sales", productID)
		}
	}
	delete(s.products, productID)
	return nil
}

func (s *Store) GetSaleLine(_ context.Context, saleID int64) (*domain.SaleLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	line, ok := s.sales[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	dup := cloneSaleLine(line)
	return &dup, nil
}

func (s *Store) ListOrderLines(_ context.Context, clerkID string) ([]domain.OrderLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.OrderLine, 0, len(s.sales))
	for _, line := range s.sales {
		if clerkID != "" && line.ClerkID != clerkID {
			continue
		}
		result = append(result, domain.OrderLine{
			SaleID:           line.ID,
			OrderID:          line.OrderID,
			ProductName:      s.products[line.ProductID].Name,
			ClerkID:          line.ClerkID,
			Quantity:         line.Quantity,
			TotalPrice:       line.TotalPrice,
			BuyPriceSnapshot: line.BuyPriceSnapshot,
			SaleTime:         line.SaleTime,
		})
	}
	slices.SortFunc(result, func(a, b domain.OrderLine) int {
		if c := b.SaleTime.Compare(a.SaleTime); c != 0 {
			return c
		}
		return cmpInt64(b.SaleID, a.SaleID)
	})
	return result, nil
}

func (s *Store) SalesByProduct(_ context.Context) ([]domain.ProductSales, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := s.aggregateSales()
	slices.SortFunc(result, func(a, b domain.ProductSales) int {
		if c := b.TotalRevenue.Cmp(a.TotalRevenue); c != 0 {
			return c
		}
		return cmpInt64(a.ProductID, b.ProductID)
	})
	return result, nil
}

func (s *Store) TopSellingProducts(_ context.Context, limit int) ([]domain.ProductSales, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := s.aggregateSales()
	slices.SortFunc(result, func(a, b domain.ProductSales) int {
		if c := cmpInt64(b.TotalQty, a.TotalQty); c != 0 {
			return c
		}
		return cmpInt64(a.ProductID, b.ProductID)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// aggregateSales groups sale lines per product. Callers hold mu.
func (s *Store) aggregateSales() []domain.ProductSales {
	byProduct := make(map[int64]*domain.ProductSales)
	for _, line := range s.sales {
		agg, ok := byProduct[line.ProductID]
		if !ok {
			agg = &domain.ProductSales{ProductID: line.ProductID, Name: s.products[line.ProductID].Name}
			byProduct[line.ProductID] = agg
		}
		agg.TotalQty += int64(line.Quantity)
		agg.TotalRevenue = agg.TotalRevenue.Add(line.TotalPrice)
	}
	result := make([]domain.ProductSales, 0, len(byProduct))
	for _, agg := range byProduct {
		result = append(result, *agg)
	}
	return result
}

func (s *Store) ProfitTotals(_ context.Context) (domain.ProfitTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var totals domain.ProfitTotals
	for _, line := range s.sales {
		qty := decimal.NewFromInt(int64(line.Quantity))
		totals.TotalRevenue = totals.TotalRevenue.Add(line.TotalPrice)
		totals.TotalProfit = totals.TotalProfit.Add(line.SellPriceSnapshot.Sub(line.BuyPriceSnapshot).Mul(qty))
	}
	return totals, nil
}

func (s *Store) CategoryRevenue(_ context.Context) ([]domain.CategoryRevenue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byCategory := make(map[string]decimal.Decimal)
	for _, line := range s.sales {
		category := s.products[line.ProductID].Category
		byCategory[category] = byCategory[category].Add(line.TotalPrice)
	}
	result := make([]domain.CategoryRevenue, 0, len(byCategory))
	for category, revenue := range byCategory {
		result = append(result, domain.CategoryRevenue{Category: category, Revenue: revenue})
	}
	slices.SortFunc(result, func(a, b domain.CategoryRevenue) int {
		return strings.Compare(a.Category, b.Category)
	})
	return result, nil
}

func (s *Store) HourlyRevenue(_ context.Context) (map[int]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byHour := make(map[int]decimal.Decimal)
	for _, line := range s.sales {
		hour := line.SaleTime.UTC().Hour()
		byHour[hour] = byHour[hour].Add(line.TotalPrice)
	}
	return byHour, nil
}

func (s *Store) MinuteRevenue(_ context.Context, from time.Time, to time.Time) ([]domain.RevenuePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byMinute := make(map[string]decimal.Decimal)
	for _, line := range s.sales {
		at := line.SaleTime.UTC()
		if at.Before(from) || !at.Before(to) {
			continue
		}
		label := at.Format("15:04")
		byMinute[label] = byMinute[label].Add(line.TotalPrice)
	}
	result := make([]domain.RevenuePoint, 0, len(byMinute))
	for label, total := range byMinute {
		result = append(result, domain.RevenuePoint{Label: label, Total: total})
	}
	slices.SortFunc(result, func(a, b domain.RevenuePoint) int {
		return strings.Compare(a.Label, b.Label)
	})
	return result, nil
}

func (s *Store) ListModificationLogs(_ context.Context, limit int) ([]domain.ModificationLogView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.ModificationLogView, 0, len(s.modLogs))
	for i := len(s.modLogs) - 1; i >= 0; i-- {
		entry := s.modLogs[i]
		line := s.sales[entry.SaleID]
		result = append(result, domain.ModificationLogView{
			ModificationLog: entry,
			OrderID:         line.OrderID,
			ProductName:     s.products[line.ProductID].Name,
		})
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *Store) CreateMember(_ context.Context, member domain.Member) (*domain.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if member.Phone == "" {
		return nil, store.ErrValidation
	}
	if _, exists := s.memberByPhone[member.Phone]; exists {
		return nil, store.ErrConflict
	}
	s.nextMemberID++
	member.ID = s.nextMemberID
	if member.CreatedAt.IsZero() {
		member.CreatedAt = time.Now().UTC()
	}
	s.members[member.ID] = member
	s.memberByPhone[member.Phone] = member.ID
	created := member
	return &created, nil
}

func (s *Store) GetMember(_ context.Context, memberID int64) (*domain.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	member, ok := s.members[memberID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &member, nil
}

func (s *Store) GetMemberByPhone(_ context.Context, phone string) (*domain.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.memberByPhone[phone]
	if !ok {
		return nil, store.ErrNotFound
	}
	member := s.members[id]
	return &member, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrValidation
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrConflict
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleClerk
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrValidation
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) SetUserActive(_ context.Context, username string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Active = active
	s.usersByUsername[username] = user
	return nil
}

func cmpInt64(a int64, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cloneProduct(src domain.Product) domain.Product {
	dup := src
	if src.ExpireDate != nil {
		expiry := src.ExpireDate.UTC()
		dup.ExpireDate = &expiry
	}
	return dup
}

func cloneSaleLine(src domain.SaleLine) domain.SaleLine {
	dup := src
	if src.MemberID != nil {
		id := *src.MemberID
		dup.MemberID = &id
	}
	return dup
}

func cloneCheckoutRecord(src domain.CheckoutRecord) domain.CheckoutRecord {
	dup := src
	lines := make([]domain.LineReceipt, len(src.Result.Lines))
	copy(lines, src.Result.Lines)
	dup.Result.Lines = lines
	if src.Result.MemberID != nil {
		id := *src.Result.MemberID
		dup.Result.MemberID = &id
	}
	return dup
}
