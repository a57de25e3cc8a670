package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"retailcore/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrOverReturn        = errors.New("over return")
	ErrEmptyBasket       = errors.New("empty basket")
	ErrLockTimeout       = errors.New("lock timeout")
	ErrInvalidInput      = errors.New("invalid input")
	ErrConflict          = errors.New("conflict")
	// ErrApprovalRequired marks a transition that needs a manager's sign-off.
	ErrApprovalRequired = errors.New("manager approval required")
)

type InsufficientStockError struct {
	ProductID string
	BranchID  string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s at branch %s: requested %d, available %d",
		e.ProductID, e.BranchID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

type TransitionError struct {
	OrderID string
	From    string
	Action  string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: cannot %s order %s in status %s", e.Action, e.OrderID, e.From)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

type OverReturnError struct {
	OrderItemID string
	Requested   int
	Remaining   int
}

func (e *OverReturnError) Error() string {
	return fmt.Sprintf("over return: item %s requested %d, remaining %d", e.OrderItemID, e.Requested, e.Remaining)
}

func (e *OverReturnError) Is(target error) bool {
	return target == ErrOverReturn
}

// Repository is the persistence boundary. Every mutation of sales state goes
// through WithTx; the read methods return committed state only.
type Repository interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	GetProduct(ctx context.Context, productID string) (*domain.Product, error)
	GetInventory(ctx context.Context, productID string, branchID string) (*domain.BranchProductInventory, error)
	GetBasket(ctx context.Context, basketID string) (*domain.Basket, error)
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, entityID string, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// Tx is a unit of work. Rows read through Lock* stay exclusively held until
// the enclosing WithTx returns; nothing written through a Tx is visible to
// other callers before commit.
type Tx interface {
	// DecrementStock subtracts qty iff enough is on hand, otherwise it returns
	// an *InsufficientStockError and leaves the row untouched.
	DecrementStock(ctx context.Context, productID string, branchID string, qty int, actor string, at time.Time) (int, error)
	// IncrementStock adds qty, creating the row when it does not exist yet.
	IncrementStock(ctx context.Context, productID string, branchID string, qty int, actor string, at time.Time) (int, error)

	LockBasket(ctx context.Context, basketID string) (*domain.Basket, error)
	FindActiveCart(ctx context.Context, branchID string, customerID string, sessionKey string) (*domain.Basket, error)
	CreateBasket(ctx context.Context, basket domain.Basket) error
	SaveBasketItem(ctx context.Context, item domain.BasketItem) error
	DeleteBasketItem(ctx context.Context, basketID string, itemID string) error
	DeleteBasket(ctx context.Context, basketID string) error

	LockOrder(ctx context.Context, orderID string) (*domain.Order, error)
	InvoiceNumberExists(ctx context.Context, invoiceNumber string) (bool, error)
	CreateOrder(ctx context.Context, order domain.Order) error
	UpdateOrder(ctx context.Context, order domain.Order) error
	CreatePayment(ctx context.Context, payment domain.Payment) error
	ReturnedQuantities(ctx context.Context, orderID string) (map[string]int, error)
	CreateReturn(ctx context.Context, ret domain.Return) error
}
