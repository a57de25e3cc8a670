package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	BasketKindTempOrder = "temp_order"
	BasketKindCart      = "cart"
)

const (
	OrderStatusPendingPayment    = "PENDING_PAYMENT"
	OrderStatusPaid              = "PAID"
	OrderStatusCompleted         = "COMPLETED"
	OrderStatusCancelled         = "CANCELLED"
	OrderStatusReturned          = "RETURNED"
	OrderStatusPartiallyReturned = "PARTIALLY_RETURNED"
)

const (
	PaymentMethodCash     = "cash"
	PaymentMethodCard     = "card"
	PaymentMethodWallet   = "wallet"
	PaymentMethodTransfer = "transfer"
)

var PaymentMethods = map[string]bool{
	PaymentMethodCash:     true,
	PaymentMethodCard:     true,
	PaymentMethodWallet:   true,
	PaymentMethodTransfer: true,
}

const (
	RoleAdmin    = "admin"
	RoleManager  = "manager"
	RoleCashier  = "cashier"
	RoleCustomer = "customer"
)

// Product is the read-only catalog view the sales core consumes.
type Product struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Price   decimal.Decimal `json:"price"`
	VATRate decimal.Decimal `json:"vat_rate"`
	Active  bool            `json:"active"`
}

type BranchProductInventory struct {
	ProductID string    `json:"product_id"`
	BranchID  string    `json:"branch_id"`
	Quantity  int       `json:"quantity"`
	UpdatedBy string    `json:"updated_by"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Basket is either a cashier temp order or a customer cart.
type Basket struct {
	ID         string       `json:"id"`
	Kind       string       `json:"kind"`
	BranchID   string       `json:"branch_id"`
	CashierID  string       `json:"cashier_id,omitempty"`
	CustomerID string       `json:"customer_id,omitempty"`
	SessionKey string       `json:"session_key,omitempty"`
	Active     bool         `json:"active"`
	Items      []BasketItem `json:"items"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

type BasketItem struct {
	ID              string          `json:"id"`
	BasketID        string          `json:"basket_id"`
	ProductID       string          `json:"product_id"`
	ProductName     string          `json:"product_name"`
	Quantity        int             `json:"quantity"`
	ScannedQuantity int             `json:"scanned_quantity"`
	PriceAtScan     decimal.Decimal `json:"price_at_scan"`
	VATRateAtScan   decimal.Decimal `json:"vat_rate_at_scan"`
	CreatedAt       time.Time       `json:"created_at"`
}

func (b *Basket) FindItem(itemID string) (int, bool) {
	for i := range b.Items {
		if b.Items[i].ID == itemID {
			return i, true
		}
	}
	return -1, false
}

func (b *Basket) FindProduct(productID string) (int, bool) {
	for i := range b.Items {
		if b.Items[i].ProductID == productID {
			return i, true
		}
	}
	return -1, false
}

type BasketCreateRequest struct {
	Kind       string `json:"kind"`
	BranchID   string `json:"branch_id"`
	CashierID  string `json:"cashier_id,omitempty"`
	CustomerID string `json:"customer_id,omitempty"`
	SessionKey string `json:"session_key,omitempty"`
}

type BasketAddRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type BasketUpdateRequest struct {
	Quantity int `json:"quantity"`
}

type BasketScanRequest struct {
	Count int `json:"count"`
}

type Order struct {
	OrderID                string          `json:"order_id"`
	BranchID               string          `json:"branch_id"`
	CustomerID             string          `json:"customer_id,omitempty"`
	NonAppCustomerName     string          `json:"non_app_customer_name,omitempty"`
	NonAppCustomerPhone    string          `json:"non_app_customer_phone,omitempty"`
	CashierID              string          `json:"cashier_id,omitempty"`
	Status                 string          `json:"status"`
	PaymentMethod          string          `json:"payment_method,omitempty"`
	TotalBeforeVAT         decimal.Decimal `json:"total_before_vat"`
	TotalVAT               decimal.Decimal `json:"total_vat"`
	TotalAmount            decimal.Decimal `json:"total_amount"`
	FeeAmount              decimal.Decimal `json:"fee_amount"`
	InvoiceNumber          string          `json:"invoice_number"`
	InvoiceIssueDate       time.Time       `json:"invoice_issue_date"`
	InitialQRPayload       string          `json:"initial_qr_payload"`
	ExitQRPayload          string          `json:"exit_qr_payload,omitempty"`
	ExitQRExpiry           *time.Time      `json:"exit_qr_expiry,omitempty"`
	IsExchange             bool            `json:"is_exchange"`
	OriginalOrderForReturn string          `json:"original_order_for_return,omitempty"`
	Items                  []OrderItem     `json:"items"`
	Payments               []Payment       `json:"payments,omitempty"`
	Returns                []Return        `json:"returns,omitempty"`
	CreatedAt              time.Time       `json:"created_at"`
	PaidAt                 *time.Time      `json:"paid_at,omitempty"`
	CompletedAt            *time.Time      `json:"completed_at,omitempty"`
	CancelledAt            *time.Time      `json:"cancelled_at,omitempty"`
	UpdatedAt              time.Time       `json:"updated_at"`
}

type OrderItem struct {
	ID                   string          `json:"id"`
	OrderID              string          `json:"order_id"`
	ProductID            string          `json:"product_id"`
	ProductName          string          `json:"product_name"`
	Quantity             int             `json:"quantity"`
	PriceAtPurchase      decimal.Decimal `json:"price_at_purchase"`
	VATRate              decimal.Decimal `json:"vat_rate"`
	CommissionPercentage decimal.Decimal `json:"commission_percentage"`
	CommissionAmount     decimal.Decimal `json:"commission_amount"`
}

type Payment struct {
	ID            string          `json:"id"`
	OrderID       string          `json:"order_id"`
	Amount        decimal.Decimal `json:"amount"`
	Method        string          `json:"method"`
	TransactionID string          `json:"transaction_id,omitempty"`
	ReceivedBy    string          `json:"received_by"`
	PaymentDate   time.Time       `json:"payment_date"`
}

type Return struct {
	ID                  string          `json:"id"`
	OrderID             string          `json:"order_id"`
	ReturnID            string          `json:"return_id"`
	TotalReturnedAmount decimal.Decimal `json:"total_returned_amount"`
	Reason              string          `json:"reason"`
	RefundMethod        string          `json:"refund_method"`
	ProcessedBy         string          `json:"processed_by"`
	ReturnDate          time.Time       `json:"return_date"`
	Items               []ReturnItem    `json:"items"`
}

type ReturnItem struct {
	ID               string          `json:"id"`
	ReturnID         string          `json:"return_id"`
	OrderItemID      string          `json:"order_item_id"`
	ProductID        string          `json:"product_id"`
	QuantityReturned int             `json:"quantity_returned"`
	PriceAtReturn    decimal.Decimal `json:"price_at_return"`
}

type PaymentInput struct {
	OrderID       string          `json:"-"`
	Amount        decimal.Decimal `json:"amount"`
	Method        string          `json:"method"`
	TransactionID string          `json:"transaction_id,omitempty"`
}

type ConvertRequest struct {
	BasketID             string          `json:"-"`
	PaymentMethod        string          `json:"payment_method,omitempty"`
	FeeAmount            decimal.Decimal `json:"fee_amount"`
	CommissionPercentage decimal.Decimal `json:"commission_percentage"`
	NonAppCustomerName   string          `json:"non_app_customer_name,omitempty"`
	NonAppCustomerPhone  string          `json:"non_app_customer_phone,omitempty"`
	ExchangeForOrderID   string          `json:"exchange_for_order_id,omitempty"`
	// Payment, when set, is recorded in the same transaction as the conversion.
	Payment *PaymentInput `json:"payment,omitempty"`
}

type ReturnLine struct {
	OrderItemID string `json:"order_item_id"`
	Quantity    int    `json:"quantity"`
}

type ReturnRequest struct {
	OrderID      string       `json:"-"`
	Items        []ReturnLine `json:"items"`
	Reason       string       `json:"reason"`
	RefundMethod string       `json:"refund_method,omitempty"`
	ManagerPIN   string       `json:"manager_pin,omitempty"`
}

type CancelRequest struct {
	Reason     string `json:"reason,omitempty"`
	ManagerPIN string `json:"manager_pin,omitempty"`
}

type RestockRequest struct {
	ProductID string `json:"product_id"`
	BranchID  string `json:"branch_id"`
	Quantity  int    `json:"quantity"`
}

type QRVerifyRequest struct {
	QR string `json:"qr"`
}

type QRVerifyResponse struct {
	Valid          bool           `json:"valid"`
	Payload        map[string]any `json:"payload,omitempty"`
	AlreadyScanned bool           `json:"already_scanned,omitempty"`
	OrderStatus    string         `json:"order_status,omitempty"`
	Error          string         `json:"error,omitempty"`
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

// StaffCreateRequest registers a cashier or manager login.
type StaffCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type StaffUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	BranchID      string    `json:"branch_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

type ReturnResult struct {
	Return Return `json:"return"`
	Order  Order  `json:"order"`
}

type InventoryResponse struct {
	ProductID string `json:"product_id"`
	BranchID  string `json:"branch_id"`
	Quantity  int    `json:"quantity"`
}
