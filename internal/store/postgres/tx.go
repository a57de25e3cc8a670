package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"retailcore/backend/internal/domain"
	"retailcore/backend/internal/store"
)

// querier is satisfied by both *sql.DB and *sql.Tx so loaders serve the
// committed reads and the locked reads alike.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) DecrementStock(ctx context.Context, productID string, branchID string, qty int, actor string, at time.Time) (int, error) {
	if qty <= 0 {
		return 0, fmt.Errorf("%w: quantity must be positive", store.ErrInvalidInput)
	}

	var remaining int
	err := t.tx.QueryRowContext(ctx, `
		UPDATE branch_product_inventory
		SET quantity = quantity - $3, updated_by = $4, updated_at = $5
		WHERE product_id = $1 AND branch_id = $2 AND quantity >= $3
		RETURNING quantity
	`, productID, branchID, qty, actor, at).Scan(&remaining)
	if err == nil {
		return remaining, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	available := 0
	err = t.tx.QueryRowContext(ctx, `
		SELECT quantity
		FROM branch_product_inventory
		WHERE product_id = $1 AND branch_id = $2
	`, productID, branchID).Scan(&available)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	return 0, &store.InsufficientStockError{ProductID: productID, BranchID: branchID, Requested: qty, Available: available}
}

func (t *pgTx) IncrementStock(ctx context.Context, productID string, branchID string, qty int, actor string, at time.Time) (int, error) {
	if qty <= 0 {
		return 0, fmt.Errorf("%w: quantity must be positive", store.ErrInvalidInput)
	}

	var quantity int
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO branch_product_inventory (product_id, branch_id, quantity, updated_by, updated_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (product_id, branch_id)
		DO UPDATE SET quantity = branch_product_inventory.quantity + EXCLUDED.quantity,
			updated_by = EXCLUDED.updated_by, updated_at = EXCLUDED.updated_at
		RETURNING quantity
	`, productID, branchID, qty, actor, at).Scan(&quantity)
	if err != nil {
		return 0, err
	}
	return quantity, nil
}

func (t *pgTx) LockBasket(ctx context.Context, basketID string) (*domain.Basket, error) {
	return loadBasket(ctx, t.tx, basketID, true)
}

func (t *pgTx) FindActiveCart(ctx context.Context, branchID string, customerID string, sessionKey string) (*domain.Basket, error) {
	var id string
	err := t.tx.QueryRowContext(ctx, `
		SELECT id
		FROM baskets
		WHERE kind = $1 AND active AND branch_id = $2 AND customer_id = $3 AND session_key = $4
		FOR UPDATE
	`, domain.BasketKindCart, branchID, customerID, sessionKey).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return t.LockBasket(ctx, id)
}

func (t *pgTx) CreateBasket(ctx context.Context, basket domain.Basket) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO baskets (id, kind, branch_id, cashier_id, customer_id, session_key, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, basket.ID, basket.Kind, basket.BranchID, basket.CashierID, basket.CustomerID, basket.SessionKey,
		basket.Active, basket.CreatedAt, basket.UpdatedAt)
	return err
}

func (t *pgTx) SaveBasketItem(ctx context.Context, item domain.BasketItem) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO basket_items (
			id, basket_id, product_id, product_name, quantity, scanned_quantity,
			price_at_scan, vat_rate_at_scan, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id)
		DO UPDATE SET quantity = EXCLUDED.quantity, scanned_quantity = EXCLUDED.scanned_quantity
	`, item.ID, item.BasketID, item.ProductID, item.ProductName, item.Quantity, item.ScannedQuantity,
		item.PriceAtScan, item.VATRateAtScan, item.CreatedAt)
	if err != nil {
		return err
	}
	return t.touchBasket(ctx, item.BasketID)
}

func (t *pgTx) DeleteBasketItem(ctx context.Context, basketID string, itemID string) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM basket_items WHERE basket_id = $1 AND id = $2`, basketID, itemID)
	if err != nil {
		return err
	}
	if affected, err := res.RowsAffected(); err != nil {
		return err
	} else if affected == 0 {
		return store.ErrNotFound
	}
	return t.touchBasket(ctx, basketID)
}

func (t *pgTx) touchBasket(ctx context.Context, basketID string) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE baskets SET updated_at = now() WHERE id = $1`, basketID)
	return err
}

func (t *pgTx) DeleteBasket(ctx context.Context, basketID string) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM baskets WHERE id = $1`, basketID)
	if err != nil {
		return err
	}
	if affected, err := res.RowsAffected(); err != nil {
		return err
	} else if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *pgTx) LockOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return loadOrder(ctx, t.tx, orderID, true)
}

func (t *pgTx) InvoiceNumberExists(ctx context.Context, invoiceNumber string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE invoice_number = $1)`, invoiceNumber).Scan(&exists)
	return exists, err
}

func (t *pgTx) CreateOrder(ctx context.Context, order domain.Order) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO orders (
			order_id, branch_id, customer_id, non_app_customer_name, non_app_customer_phone, cashier_id,
			status, payment_method, total_before_vat, total_vat, total_amount, fee_amount,
			invoice_number, invoice_issue_date, initial_qr_payload, exit_qr_payload, exit_qr_expiry,
			is_exchange, original_order_for_return, created_at, paid_at, completed_at, cancelled_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)
	`, order.OrderID, order.BranchID, order.CustomerID, order.NonAppCustomerName, order.NonAppCustomerPhone, order.CashierID,
		order.Status, order.PaymentMethod, order.TotalBeforeVAT, order.TotalVAT, order.TotalAmount, order.FeeAmount,
		order.InvoiceNumber, order.InvoiceIssueDate, order.InitialQRPayload, order.ExitQRPayload, nullTime(order.ExitQRExpiry),
		order.IsExchange, order.OriginalOrderForReturn, order.CreatedAt, nullTime(order.PaidAt), nullTime(order.CompletedAt),
		nullTime(order.CancelledAt), order.UpdatedAt)
	if err != nil {
		return err
	}

	for _, item := range order.Items {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO order_items (
				id, order_id, product_id, product_name, quantity, price_at_purchase,
				vat_rate, commission_percentage, commission_amount
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, item.ID, order.OrderID, item.ProductID, item.ProductName, item.Quantity, item.PriceAtPurchase,
			item.VATRate, item.CommissionPercentage, item.CommissionAmount)
		if err != nil {
			return err
		}
	}
	return nil
}

// UpdateOrder writes the fields a transition may change. Totals, items and
// the invoice are immutable after conversion.
func (t *pgTx) UpdateOrder(ctx context.Context, order domain.Order) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $2, payment_method = $3, exit_qr_payload = $4, exit_qr_expiry = $5,
			paid_at = $6, completed_at = $7, cancelled_at = $8, updated_at = $9
		WHERE order_id = $1
	`, order.OrderID, order.Status, order.PaymentMethod, order.ExitQRPayload, nullTime(order.ExitQRExpiry),
		nullTime(order.PaidAt), nullTime(order.CompletedAt), nullTime(order.CancelledAt), order.UpdatedAt)
	if err != nil {
		return err
	}
	if affected, err := res.RowsAffected(); err != nil {
		return err
	} else if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *pgTx) CreatePayment(ctx context.Context, payment domain.Payment) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO payments (id, order_id, amount, method, transaction_id, received_by, payment_date)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, payment.ID, payment.OrderID, payment.Amount, payment.Method, payment.TransactionID, payment.ReceivedBy, payment.PaymentDate)
	return err
}

func (t *pgTx) ReturnedQuantities(ctx context.Context, orderID string) (map[string]int, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT ri.order_item_id, COALESCE(SUM(ri.quantity_returned), 0)
		FROM return_items ri
		JOIN returns r ON r.id = ri.return_id
		WHERE r.order_id = $1
		GROUP BY ri.order_item_id
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	returned := make(map[string]int)
	for rows.Next() {
		var itemID string
		var qty int
		if err := rows.Scan(&itemID, &qty); err != nil {
			return nil, err
		}
		returned[itemID] = qty
	}
	return returned, rows.Err()
}

func (t *pgTx) CreateReturn(ctx context.Context, ret domain.Return) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO returns (id, order_id, return_id, total_returned_amount, reason, refund_method, processed_by, return_date)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, ret.ID, ret.OrderID, ret.ReturnID, ret.TotalReturnedAmount, ret.Reason, ret.RefundMethod, ret.ProcessedBy, ret.ReturnDate)
	if err != nil {
		return err
	}
	for _, item := range ret.Items {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO return_items (id, return_id, order_item_id, product_id, quantity_returned, price_at_return)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, item.ID, ret.ID, item.OrderItemID, item.ProductID, item.QuantityReturned, item.PriceAtReturn)
		if err != nil {
			return err
		}
	}
	return nil
}

func loadBasket(ctx context.Context, q querier, basketID string, lock bool) (*domain.Basket, error) {
	query := `
		SELECT id, kind, branch_id, cashier_id, customer_id, session_key, active, created_at, updated_at
		FROM baskets
		WHERE id = $1`
	if lock {
		query += " FOR UPDATE"
	}

	var basket domain.Basket
	err := q.QueryRowContext(ctx, query, basketID).Scan(&basket.ID, &basket.Kind, &basket.BranchID, &basket.CashierID,
		&basket.CustomerID, &basket.SessionKey, &basket.Active, &basket.CreatedAt, &basket.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	basket.CreatedAt = basket.CreatedAt.UTC()
	basket.UpdatedAt = basket.UpdatedAt.UTC()

	rows, err := q.QueryContext(ctx, `
		SELECT id, basket_id, product_id, product_name, quantity, scanned_quantity, price_at_scan, vat_rate_at_scan, created_at
		FROM basket_items
		WHERE basket_id = $1
		ORDER BY created_at, id
	`, basketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	basket.Items = make([]domain.BasketItem, 0, 8)
	for rows.Next() {
		var item domain.BasketItem
		if err := rows.Scan(&item.ID, &item.BasketID, &item.ProductID, &item.ProductName, &item.Quantity,
			&item.ScannedQuantity, &item.PriceAtScan, &item.VATRateAtScan, &item.CreatedAt); err != nil {
			return nil, err
		}
		item.CreatedAt = item.CreatedAt.UTC()
		basket.Items = append(basket.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &basket, nil
}

func loadOrder(ctx context.Context, q querier, orderID string, lock bool) (*domain.Order, error) {
	query := `
		SELECT order_id, branch_id, customer_id, non_app_customer_name, non_app_customer_phone, cashier_id,
			status, payment_method, total_before_vat, total_vat, total_amount, fee_amount,
			invoice_number, invoice_issue_date, initial_qr_payload, exit_qr_payload, exit_qr_expiry,
			is_exchange, original_order_for_return, created_at, paid_at, completed_at, cancelled_at, updated_at
		FROM orders
		WHERE order_id = $1`
	if lock {
		query += " FOR UPDATE"
	}

	var order domain.Order
	var exitExpiry, paidAt, completedAt, cancelledAt sql.NullTime
	err := q.QueryRowContext(ctx, query, orderID).Scan(
		&order.OrderID, &order.BranchID, &order.CustomerID, &order.NonAppCustomerName, &order.NonAppCustomerPhone, &order.CashierID,
		&order.Status, &order.PaymentMethod, &order.TotalBeforeVAT, &order.TotalVAT, &order.TotalAmount, &order.FeeAmount,
		&order.InvoiceNumber, &order.InvoiceIssueDate, &order.InitialQRPayload, &order.ExitQRPayload, &exitExpiry,
		&order.IsExchange, &order.OriginalOrderForReturn, &order.CreatedAt, &paidAt, &completedAt, &cancelledAt, &order.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	order.InvoiceIssueDate = order.InvoiceIssueDate.UTC()
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	order.ExitQRExpiry = timePtr(exitExpiry)
	order.PaidAt = timePtr(paidAt)
	order.CompletedAt = timePtr(completedAt)
	order.CancelledAt = timePtr(cancelledAt)

	if order.Items, err = loadOrderItems(ctx, q, orderID); err != nil {
		return nil, err
	}
	if order.Payments, err = loadPayments(ctx, q, orderID); err != nil {
		return nil, err
	}
	if order.Returns, err = loadReturns(ctx, q, orderID); err != nil {
		return nil, err
	}
	return &order, nil
}

func loadOrderItems(ctx context.Context, q querier, orderID string) ([]domain.OrderItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, order_id, product_id, product_name, quantity, price_at_purchase,
			vat_rate, commission_percentage, commission_amount
		FROM order_items
		WHERE order_id = $1
		ORDER BY product_id, id
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.OrderItem, 0, 8)
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.ProductName, &item.Quantity,
			&item.PriceAtPurchase, &item.VATRate, &item.CommissionPercentage, &item.CommissionAmount); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func loadPayments(ctx context.Context, q querier, orderID string) ([]domain.Payment, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, order_id, amount, method, transaction_id, received_by, payment_date
		FROM payments
		WHERE order_id = $1
		ORDER BY payment_date, id
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []domain.Payment
	for rows.Next() {
		var p domain.Payment
		if err := rows.Scan(&p.ID, &p.OrderID, &p.Amount, &p.Method, &p.TransactionID, &p.ReceivedBy, &p.PaymentDate); err != nil {
			return nil, err
		}
		p.PaymentDate = p.PaymentDate.UTC()
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func loadReturns(ctx context.Context, q querier, orderID string) ([]domain.Return, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT r.id, r.order_id, r.return_id, r.total_returned_amount, r.reason, r.refund_method, r.processed_by, r.return_date,
			ri.id, ri.order_item_id, ri.product_id, ri.quantity_returned, ri.price_at_return
		FROM returns r
		JOIN return_items ri ON ri.return_id = r.id
		WHERE r.order_id = $1
		ORDER BY r.return_date, r.id, ri.id
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var returns []domain.Return
	for rows.Next() {
		var (
			ret  domain.Return
			item domain.ReturnItem
		)
		if err := rows.Scan(&ret.ID, &ret.OrderID, &ret.ReturnID, &ret.TotalReturnedAmount, &ret.Reason, &ret.RefundMethod,
			&ret.ProcessedBy, &ret.ReturnDate, &item.ID, &item.OrderItemID, &item.ProductID, &item.QuantityReturned,
			&item.PriceAtReturn); err != nil {
			return nil, err
		}
		item.ReturnID = ret.ID
		if n := len(returns); n > 0 && returns[n-1].ID == ret.ID {
			returns[n-1].Items = append(returns[n-1].Items, item)
			continue
		}
		ret.ReturnDate = ret.ReturnDate.UTC()
		ret.Items = []domain.ReturnItem{item}
		returns = append(returns, ret)
	}
	return returns, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time.UTC()
	return &t
}
