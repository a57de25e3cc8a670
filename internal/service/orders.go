package service

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"retailcore/backend/internal/domain"
	"retailcore/backend/internal/events"
	"retailcore/backend/internal/qrsign"
	"retailcore/backend/internal/store"
	"retailcore/backend/internal/totals"
	"retailcore/backend/internal/xid"
)

const invoiceAttempts = 5

var hundred = decimal.NewFromInt(100)

// OrderEngine owns the order state machine:
//
//	PENDING_PAYMENT -> PAID -> COMPLETED -> PARTIALLY_RETURNED -> RETURNED
//	PENDING_PAYMENT, PAID -> CANCELLED
//
// Totals, invoice number and items are fixed at conversion.
type OrderEngine struct {
	repo     store.Repository
	ledger   *InventoryLedger
	payments *PaymentRecorder
	signer   *qrsign.Signer
	hooks    *hooks
	now      func() time.Time

	storeCode string
	seller    string
	vatNo     string
	validity  time.Duration
}

func (e *OrderEngine) Get(ctx context.Context, orderID string) (*domain.Order, error) {
	return e.repo.GetOrder(ctx, strings.TrimSpace(orderID))
}

// Convert turns a basket into a PENDING_PAYMENT order in one transaction and
// deletes the basket. Stock was reserved while the basket was filled, so no
// inventory moves here. With req.Payment set the first payment is recorded in
// the same transaction and the order leaves as PAID.
func (e *OrderEngine) Convert(ctx context.Context, req domain.ConvertRequest) (*domain.Order, error) {
	if err := validateConvert(&req); err != nil {
		return nil, err
	}

	var order domain.Order
	err := e.repo.WithTx(ctx, func(tx store.Tx) error {
		basket, err := tx.LockBasket(ctx, req.BasketID)
		if err != nil {
			return err
		}
		if len(basket.Items) == 0 {
			return fmt.Errorf("basket %s: %w", basket.ID, store.ErrEmptyBasket)
		}
		if basket.CustomerID != "" && req.NonAppCustomerName != "" {
			return fmt.Errorf("%w: order cannot have both an app customer and a walk-in customer", store.ErrInvalidInput)
		}

		if req.ExchangeForOrderID != "" {
			original, err := tx.LockOrder(ctx, req.ExchangeForOrderID)
			if err != nil {
				return fmt.Errorf("exchange order %s: %w", req.ExchangeForOrderID, err)
			}
			if original.Status != domain.OrderStatusReturned && original.Status != domain.OrderStatusPartiallyReturned {
				return fmt.Errorf("%w: order %s has no returns to exchange against", store.ErrInvalidInput, original.OrderID)
			}
		}

		order, err = e.buildOrder(ctx, tx, basket, req)
		if err != nil {
			return err
		}
		if err := tx.CreateOrder(ctx, order); err != nil {
			return err
		}
		if err := tx.DeleteBasket(ctx, basket.ID); err != nil {
			return err
		}

		if req.Payment != nil {
			input := *req.Payment
			input.OrderID = order.OrderID
			if err := e.payments.record(ctx, tx, &order, input); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.hooks.orderChanged(ctx, &order, events.OrderCreated, "order_convert",
		fmt.Sprintf("invoice=%s,total=%s,items=%d", order.InvoiceNumber, totals.Money(order.TotalAmount), len(order.Items)))
	if order.Status == domain.OrderStatusPaid {
		e.hooks.orderChanged(ctx, &order, events.OrderPaid, "order_paid", "method="+order.PaymentMethod)
	}
	return &order, nil
}

func validateConvert(req *domain.ConvertRequest) error {
	req.BasketID = strings.TrimSpace(req.BasketID)
	req.PaymentMethod = strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	req.NonAppCustomerName = strings.TrimSpace(req.NonAppCustomerName)
	req.NonAppCustomerPhone = strings.TrimSpace(req.NonAppCustomerPhone)
	req.ExchangeForOrderID = strings.TrimSpace(req.ExchangeForOrderID)

	if req.BasketID == "" {
		return fmt.Errorf("%w: basket id is required", store.ErrInvalidInput)
	}
	if req.FeeAmount.IsNegative() {
		return fmt.Errorf("%w: fee_amount cannot be negative", store.ErrInvalidInput)
	}
	if !req.FeeAmount.Equal(req.FeeAmount.Round(totals.MoneyPlaces)) {
		return fmt.Errorf("%w: fee_amount has more than two decimals", store.ErrInvalidInput)
	}
	if req.CommissionPercentage.IsNegative() || req.CommissionPercentage.GreaterThan(hundred) {
		return fmt.Errorf("%w: commission_percentage must be between 0 and 100", store.ErrInvalidInput)
	}
	if req.PaymentMethod != "" && !domain.PaymentMethods[req.PaymentMethod] {
		return fmt.Errorf("%w: unknown payment method %q", store.ErrInvalidInput, req.PaymentMethod)
	}
	if req.NonAppCustomerPhone != "" && req.NonAppCustomerName == "" {
		return fmt.Errorf("%w: non_app_customer_phone needs a name", store.ErrInvalidInput)
	}
	if req.Payment != nil {
		if req.Payment.Method == "" {
			req.Payment.Method = req.PaymentMethod
		}
		if err := validatePayment(req.Payment); err != nil {
			return err
		}
	}
	return nil
}

func (e *OrderEngine) buildOrder(ctx context.Context, tx store.Tx, basket *domain.Basket, req domain.ConvertRequest) (domain.Order, error) {
	now := e.now()
	orderID := uuid.NewString()

	invoiceNumber, err := e.newInvoiceNumber(ctx, tx, basket.BranchID, now)
	if err != nil {
		return domain.Order{}, err
	}

	cashierID := basket.CashierID
	if cashierID == "" && basket.Kind == domain.BasketKindCart {
		if actor, ok := ActorFromContext(ctx); ok && actor.Role != domain.RoleCustomer {
			cashierID = actor.Username
		}
	}

	items := make([]domain.OrderItem, 0, len(basket.Items))
	lines := make([]totals.Line, 0, len(basket.Items))
	for _, line := range basket.Items {
		items = append(items, domain.OrderItem{
			ID:                   xid.New("oitem"),
			OrderID:              orderID,
			ProductID:            line.ProductID,
			ProductName:          line.ProductName,
			Quantity:             line.Quantity,
			PriceAtPurchase:      line.PriceAtScan,
			VATRate:              line.VATRateAtScan,
			CommissionPercentage: req.CommissionPercentage,
			CommissionAmount:     totals.Commission(line.Quantity, line.PriceAtScan, req.CommissionPercentage),
		})
		lines = append(lines, totals.Line{Quantity: line.Quantity, UnitPrice: line.PriceAtScan, VATRate: line.VATRateAtScan})
	}
	sums := totals.Calculate(lines, req.FeeAmount)

	qr, err := e.signer.Sign(qrsign.InitialPayload{
		OrderID:    orderID,
		BranchID:   basket.BranchID,
		CustomerID: basket.CustomerID,
		CashierID:  cashierID,
		Timestamp:  now,
	}.Fields())
	if err != nil {
		return domain.Order{}, fmt.Errorf("sign initial qr: %w", err)
	}

	return domain.Order{
		OrderID:                orderID,
		BranchID:               basket.BranchID,
		CustomerID:             basket.CustomerID,
		NonAppCustomerName:     req.NonAppCustomerName,
		NonAppCustomerPhone:    req.NonAppCustomerPhone,
		CashierID:              cashierID,
		Status:                 domain.OrderStatusPendingPayment,
		PaymentMethod:          req.PaymentMethod,
		TotalBeforeVAT:         sums.Subtotal,
		TotalVAT:               sums.VAT,
		TotalAmount:            sums.GrandTotal,
		FeeAmount:              req.FeeAmount,
		InvoiceNumber:          invoiceNumber,
		InvoiceIssueDate:       now,
		InitialQRPayload:       qr,
		IsExchange:             req.ExchangeForOrderID != "",
		OriginalOrderForReturn: req.ExchangeForOrderID,
		Items:                  items,
		CreatedAt:              now,
		UpdatedAt:              now,
	}, nil
}

// newInvoiceNumber builds {store}-{branch}-{yyyymmddhhmmss}-{random}.
func (e *OrderEngine) newInvoiceNumber(ctx context.Context, tx store.Tx, branchID string, at time.Time) (string, error) {
	for attempt := 0; attempt < invoiceAttempts; attempt++ {
		suffix, err := xid.Suffix(3)
		if err != nil {
			return "", fmt.Errorf("invoice suffix: %w", err)
		}
		candidate := fmt.Sprintf("%s-%s-%s-%s", e.storeCode, strings.ToUpper(branchID), at.UTC().Format("20060102150405"), suffix)
		taken, err := tx.InvoiceNumberExists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: could not allocate a unique invoice number", store.ErrConflict)
}

// markPaid is the PENDING_PAYMENT -> PAID transition. The caller holds the
// order row.
func (e *OrderEngine) markPaid(ctx context.Context, tx store.Tx, order *domain.Order, method string) error {
	if order.Status != domain.OrderStatusPendingPayment {
		return &store.TransitionError{OrderID: order.OrderID, From: order.Status, Action: "mark paid"}
	}
	now := e.now()
	order.Status = domain.OrderStatusPaid
	order.PaidAt = &now
	order.UpdatedAt = now
	if order.PaymentMethod == "" {
		order.PaymentMethod = method
	}
	return tx.UpdateOrder(ctx, *order)
}

// Complete moves a PAID order to COMPLETED and mints its exit QR.
func (e *OrderEngine) Complete(ctx context.Context, orderID string) (*domain.Order, error) {
	var order *domain.Order
	err := e.repo.WithTx(ctx, func(tx store.Tx) error {
		var err error
		order, err = tx.LockOrder(ctx, strings.TrimSpace(orderID))
		if err != nil {
			return err
		}
		if order.Status != domain.OrderStatusPaid {
			return &store.TransitionError{OrderID: order.OrderID, From: order.Status, Action: "complete"}
		}

		now := e.now()
		expiry := now.Add(e.validity)
		qr, err := e.signer.Sign(qrsign.ExitPayload{
			InitialPayload: qrsign.InitialPayload{
				OrderID:    order.OrderID,
				BranchID:   order.BranchID,
				CustomerID: order.CustomerID,
				CashierID:  order.CashierID,
				Timestamp:  now,
			},
			Status: domain.OrderStatusCompleted,
			Expiry: expiry,
			Zatca: qrsign.ZatcaData{
				SellerName:            e.seller,
				VATRegistrationNumber: e.vatNo,
				InvoiceTimestamp:      order.InvoiceIssueDate,
				InvoiceTotal:          order.TotalAmount,
				VATTotal:              order.TotalVAT,
			},
		}.Fields())
		if err != nil {
			return fmt.Errorf("sign exit qr: %w", err)
		}

		order.Status = domain.OrderStatusCompleted
		order.ExitQRPayload = qr
		order.ExitQRExpiry = &expiry
		order.CompletedAt = &now
		order.UpdatedAt = now
		return tx.UpdateOrder(ctx, *order)
	})
	if err != nil {
		return nil, err
	}

	e.hooks.orderChanged(ctx, order, events.OrderCompleted, "order_complete", "exit_qr_expiry="+order.ExitQRExpiry.Format(time.RFC3339))
	return order, nil
}

// Cancel releases every item's stock and moves the order to CANCELLED.
// Payments already taken on a PAID order are left for refund handling.
// A PAID order is only cancelled when allowPaid is set; the status is read
// from the locked row.
func (e *OrderEngine) Cancel(ctx context.Context, orderID string, reason string, allowPaid bool) (*domain.Order, error) {
	var order *domain.Order
	err := e.repo.WithTx(ctx, func(tx store.Tx) error {
		var err error
		order, err = tx.LockOrder(ctx, strings.TrimSpace(orderID))
		if err != nil {
			return err
		}
		if order.Status != domain.OrderStatusPendingPayment && order.Status != domain.OrderStatusPaid {
			return &store.TransitionError{OrderID: order.OrderID, From: order.Status, Action: "cancel"}
		}
		if order.Status == domain.OrderStatusPaid && !allowPaid {
			return fmt.Errorf("%w: order %s is already paid", store.ErrApprovalRequired, order.OrderID)
		}

		for _, item := range sortedOrderItems(order.Items) {
			if err := e.ledger.Release(ctx, tx, item.ProductID, order.BranchID, item.Quantity); err != nil {
				return fmt.Errorf("release %s: %w", item.ProductID, err)
			}
		}

		now := e.now()
		order.Status = domain.OrderStatusCancelled
		order.CancelledAt = &now
		order.UpdatedAt = now
		return tx.UpdateOrder(ctx, *order)
	})
	if err != nil {
		return nil, err
	}

	e.hooks.orderChanged(ctx, order, events.OrderCancelled, "order_cancel", "reason="+strings.TrimSpace(reason))
	return order, nil
}

func sortedOrderItems(items []domain.OrderItem) []domain.OrderItem {
	out := slices.Clone(items)
	slices.SortStableFunc(out, func(a, b domain.OrderItem) int {
		return strings.Compare(a.ProductID, b.ProductID)
	})
	return out
}
