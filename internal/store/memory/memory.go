package memory

import (
	"context"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"retailcore/backend/internal/domain"
	"retailcore/backend/internal/store"
	"retailcore/backend/internal/xid"
)

const defaultLockTimeout = 5 * time.Second

type Store struct {
	mu              sync.RWMutex
	products        map[string]domain.Product
	inventory       map[string]domain.BranchProductInventory
	baskets         map[string]*domain.Basket
	activeCarts     map[string]string
	orders          map[string]*domain.Order
	invoiceNumbers  map[string]string
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount

	locks       *rowLocks
	lockTimeout time.Duration
}

type Option func(*Store)

// WithLockTimeout bounds how long a transaction waits for a row held by
// another transaction.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		products:        make(map[string]domain.Product),
		inventory:       make(map[string]domain.BranchProductInventory),
		baskets:         make(map[string]*domain.Basket),
		activeCarts:     make(map[string]string),
		orders:          make(map[string]*domain.Order),
		invoiceNumbers:  make(map[string]string),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: make(map[string]domain.UserAccount),
		locks:           newRowLocks(),
		lockTimeout:     defaultLockTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD;
// hardcoded dev defaults are used with a warning when unset.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"manager", adminPwd, domain.RoleManager},
		{"cashier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
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

// NewSeeded returns a store with a small catalog stocked at two branches.
func NewSeeded(opts ...Option) *Store {
	s := New(opts...)
	vat := decimal.RequireFromString("0.1500")
	products := []domain.Product{
		{ID: "prod-dates-500g", Name: "Khalas Dates 500g", Price: decimal.RequireFromString("18.50"), VATRate: vat, Active: true},
		{ID: "prod-arabic-coffee", Name: "Arabic Coffee 250g", Price: decimal.RequireFromString("32.00"), VATRate: vat, Active: true},
		{ID: "prod-laban-1l", Name: "Laban 1L", Price: decimal.RequireFromString("6.75"), VATRate: vat, Active: true},
		{ID: "prod-basmati-5kg", Name: "Basmati Rice 5kg", Price: decimal.RequireFromString("54.95"), VATRate: vat, Active: true},
		{ID: "prod-water-12", Name: "Water 12x330ml", Price: decimal.RequireFromString("11.00"), VATRate: vat, Active: true},
		{ID: "prod-saffron-1g", Name: "Saffron 1g", Price: decimal.RequireFromString("24.00"), VATRate: vat, Active: true},
	}
	now := time.Now().UTC()
	for _, p := range products {
		s.products[p.ID] = p
		for _, branch := range []string{"riyadh-01", "jeddah-01"} {
			s.inventory[stockKey(p.ID, branch)] = domain.BranchProductInventory{
				ProductID: p.ID,
				BranchID:  branch,
				Quantity:  120,
				UpdatedBy: "seed",
				UpdatedAt: now,
			}
		}
	}
	s.usersByUsername = seedUsers()
	return s
}

// PutProduct inserts or replaces a catalog entry.
func (s *Store) PutProduct(product domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[product.ID] = product
}

// SetStock overwrites the on-hand quantity of one (product, branch) row.
func (s *Store) SetStock(productID string, branchID string, qty int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inventory[stockKey(productID, branchID)] = domain.BranchProductInventory{
		ProductID: productID,
		BranchID:  branchID,
		Quantity:  qty,
		UpdatedBy: "seed",
		UpdatedAt: time.Now().UTC(),
	}
}

func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) (err error) {
	t := newTx(s)
	defer func() {
		if p := recover(); p != nil {
			t.rollback()
			panic(p)
		}
	}()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := fn(t); err != nil {
		t.rollback()
		return err
	}
	t.commit()
	return nil
}

func (s *Store) GetProduct(_ context.Context, productID string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.products[productID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &product, nil
}

func (s *Store) GetInventory(_ context.Context, productID string, branchID string) (*domain.BranchProductInventory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.inventory[stockKey(productID, branchID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &row, nil
}

func (s *Store) GetBasket(_ context.Context, basketID string) (*domain.Basket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	basket, ok := s.baskets[basketID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneBasket(basket), nil
}

func (s *Store) GetOrder(_ context.Context, orderID string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.orders[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneOrder(order), nil
}

// OrderCount reports how many orders have been committed.
func (s *Store) OrderCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.orders)
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, entityID string, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 16)
	for _, entry := range s.auditLogs {
		if entityID != "" && entry.EntityID != entityID {
			continue
		}
		result = append(result, entry)
	}
	slices.SortStableFunc(result, func(a, b domain.AuditLog) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrConflict
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleCashier
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
		return store.ErrInvalidInput
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func stockKey(productID string, branchID string) string {
	return productID + "|" + branchID
}

func cartOwnerKey(branchID string, customerID string, sessionKey string) string {
	if customerID != "" {
		return "customer|" + customerID + "|" + branchID
	}
	return "session|" + sessionKey + "|" + branchID
}

func cloneBasket(src *domain.Basket) *domain.Basket {
	if src == nil {
		return nil
	}
	dup := *src
	dup.Items = make([]domain.BasketItem, len(src.Items))
	copy(dup.Items, src.Items)
	return &dup
}

func cloneOrder(src *domain.Order) *domain.Order {
	if src == nil {
		return nil
	}
	dup := *src
	dup.Items = slices.Clone(src.Items)
	dup.Payments = slices.Clone(src.Payments)
	dup.Returns = make([]domain.Return, len(src.Returns))
	for i, ret := range src.Returns {
		ret.Items = slices.Clone(ret.Items)
		dup.Returns[i] = ret
	}
	return &dup
}
