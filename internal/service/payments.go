package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"retailcore/backend/internal/domain"
	"retailcore/backend/internal/events"
	"retailcore/backend/internal/store"
	"retailcore/backend/internal/totals"
	"retailcore/backend/internal/xid"
)

// PaymentRecorder appends payments to PENDING_PAYMENT orders. The sum of
// payments is not checked against the order total.
type PaymentRecorder struct {
	repo   store.Repository
	orders *OrderEngine
	hooks  *hooks
	now    func() time.Time
}

func validatePayment(input *domain.PaymentInput) error {
	input.Method = strings.ToLower(strings.TrimSpace(input.Method))
	input.TransactionID = strings.TrimSpace(input.TransactionID)
	if !input.Amount.IsPositive() {
		return fmt.Errorf("%w: payment amount must be positive", store.ErrInvalidInput)
	}
	if !input.Amount.Equal(input.Amount.Round(totals.MoneyPlaces)) {
		return fmt.Errorf("%w: payment amount has more than two decimals", store.ErrInvalidInput)
	}
	if !domain.PaymentMethods[input.Method] {
		return fmt.Errorf("%w: unknown payment method %q", store.ErrInvalidInput, input.Method)
	}
	return nil
}

// Record stores a payment and moves the order to PAID.
func (p *PaymentRecorder) Record(ctx context.Context, input domain.PaymentInput) (*domain.Order, error) {
	input.OrderID = strings.TrimSpace(input.OrderID)
	if input.OrderID == "" {
		return nil, fmt.Errorf("%w: order id is required", store.ErrInvalidInput)
	}
	if err := validatePayment(&input); err != nil {
		return nil, err
	}

	var order *domain.Order
	err := p.repo.WithTx(ctx, func(tx store.Tx) error {
		var err error
		order, err = tx.LockOrder(ctx, input.OrderID)
		if err != nil {
			return err
		}
		return p.record(ctx, tx, order, input)
	})
	if err != nil {
		return nil, err
	}

	p.hooks.orderChanged(ctx, order, events.OrderPaid, "order_paid",
		fmt.Sprintf("amount=%s,method=%s", totals.Money(input.Amount), input.Method))
	return order, nil
}

// record runs inside the caller's transaction with the order row held.
func (p *PaymentRecorder) record(ctx context.Context, tx store.Tx, order *domain.Order, input domain.PaymentInput) error {
	if order.Status != domain.OrderStatusPendingPayment {
		return &store.TransitionError{OrderID: order.OrderID, From: order.Status, Action: "record payment on"}
	}

	payment := domain.Payment{
		ID:            xid.New("pay"),
		OrderID:       order.OrderID,
		Amount:        input.Amount.Round(totals.MoneyPlaces),
		Method:        input.Method,
		TransactionID: input.TransactionID,
		ReceivedBy:    actorName(ctx),
		PaymentDate:   p.now(),
	}
	if err := tx.CreatePayment(ctx, payment); err != nil {
		return fmt.Errorf("create payment: %w", err)
	}
	order.Payments = append(order.Payments, payment)
	return p.orders.markPaid(ctx, tx, order, payment.Method)
}
