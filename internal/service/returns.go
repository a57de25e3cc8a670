package service

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"retailcore/backend/internal/domain"
	"retailcore/backend/internal/events"
	"retailcore/backend/internal/store"
	"retailcore/backend/internal/totals"
	"retailcore/backend/internal/xid"
)

// ReturnProcessor takes items back from completed orders. A line can never be
// returned beyond the quantity originally sold, across all returns.
type ReturnProcessor struct {
	repo   store.Repository
	ledger *InventoryLedger
	hooks  *hooks
	now    func() time.Time
}

func (r *ReturnProcessor) Process(ctx context.Context, req domain.ReturnRequest) (*domain.ReturnResult, error) {
	req.OrderID = strings.TrimSpace(req.OrderID)
	req.Reason = strings.TrimSpace(req.Reason)
	req.RefundMethod = strings.ToLower(strings.TrimSpace(req.RefundMethod))
	if req.OrderID == "" {
		return nil, fmt.Errorf("%w: order id is required", store.ErrInvalidInput)
	}
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: at least one return line is required", store.ErrInvalidInput)
	}
	if req.RefundMethod != "" && !domain.PaymentMethods[req.RefundMethod] {
		return nil, fmt.Errorf("%w: unknown refund method %q", store.ErrInvalidInput, req.RefundMethod)
	}

	requested := make(map[string]int, len(req.Items))
	for _, line := range req.Items {
		id := strings.TrimSpace(line.OrderItemID)
		if id == "" || line.Quantity < 1 {
			return nil, fmt.Errorf("%w: each return line needs order_item_id and a positive quantity", store.ErrInvalidInput)
		}
		requested[id] += line.Quantity
	}

	var (
		order *domain.Order
		ret   domain.Return
	)
	err := r.repo.WithTx(ctx, func(tx store.Tx) error {
		var err error
		order, err = tx.LockOrder(ctx, req.OrderID)
		if err != nil {
			return err
		}
		switch order.Status {
		case domain.OrderStatusCompleted, domain.OrderStatusPartiallyReturned, domain.OrderStatusReturned:
		default:
			return &store.TransitionError{OrderID: order.OrderID, From: order.Status, Action: "return items from"}
		}

		returned, err := tx.ReturnedQuantities(ctx, order.OrderID)
		if err != nil {
			return err
		}

		sold := make(map[string]domain.OrderItem, len(order.Items))
		for _, item := range order.Items {
			sold[item.ID] = item
		}

		ids := make([]string, 0, len(requested))
		for id := range requested {
			ids = append(ids, id)
		}
		slices.SortFunc(ids, func(a, b string) int {
			return strings.Compare(sold[a].ProductID+"|"+a, sold[b].ProductID+"|"+b)
		})

		suffix, err := xid.Suffix(4)
		if err != nil {
			return err
		}
		now := r.now()
		ret = domain.Return{
			ID:           xid.New("rtn"),
			OrderID:      order.OrderID,
			ReturnID:     "RET-" + now.UTC().Format("20060102150405") + "-" + suffix,
			Reason:       req.Reason,
			RefundMethod: refundMethod(req.RefundMethod, order.PaymentMethod),
			ProcessedBy:  actorName(ctx),
			ReturnDate:   now,
		}

		total := decimal.Zero
		for _, id := range ids {
			item, ok := sold[id]
			if !ok {
				return fmt.Errorf("order item %s on order %s: %w", id, order.OrderID, store.ErrNotFound)
			}
			qty := requested[id]
			if remaining := item.Quantity - returned[id]; qty > remaining {
				return &store.OverReturnError{OrderItemID: id, Requested: qty, Remaining: remaining}
			}
			if err := r.ledger.Release(ctx, tx, item.ProductID, order.BranchID, qty); err != nil {
				return fmt.Errorf("release %s: %w", item.ProductID, err)
			}
			ret.Items = append(ret.Items, domain.ReturnItem{
				ID:               xid.New("rti"),
				ReturnID:         ret.ID,
				OrderItemID:      id,
				ProductID:        item.ProductID,
				QuantityReturned: qty,
				PriceAtReturn:    item.PriceAtPurchase,
			})
			returned[id] += qty
			total = total.Add(totals.LineAmount(qty, item.PriceAtPurchase))
		}
		ret.TotalReturnedAmount = total.Round(totals.MoneyPlaces)

		if err := tx.CreateReturn(ctx, ret); err != nil {
			return fmt.Errorf("create return: %w", err)
		}
		order.Returns = append(order.Returns, ret)

		order.Status = domain.OrderStatusReturned
		for _, item := range order.Items {
			if returned[item.ID] < item.Quantity {
				order.Status = domain.OrderStatusPartiallyReturned
				break
			}
		}
		order.UpdatedAt = now
		return tx.UpdateOrder(ctx, *order)
	})
	if err != nil {
		return nil, err
	}

	r.hooks.orderChanged(ctx, order, events.OrderReturned, "order_return",
		fmt.Sprintf("return_id=%s,amount=%s", ret.ReturnID, totals.Money(ret.TotalReturnedAmount)))
	return &domain.ReturnResult{Return: ret, Order: *order}, nil
}

func refundMethod(requested string, paidWith string) string {
	switch {
	case requested != "":
		return requested
	case paidWith != "":
		return paidWith
	default:
		return domain.PaymentMethodCash
	}
}
