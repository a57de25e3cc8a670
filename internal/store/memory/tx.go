package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"retailcore/backend/internal/domain"
	"retailcore/backend/internal/store"
)

// tx stages writes on private copies of the rows it has locked and publishes
// them to the store only on commit.
type tx struct {
	s       *Store
	held    []string
	holding map[string]bool

	stock       map[string]domain.BranchProductInventory
	baskets     map[string]*domain.Basket
	activeCarts map[string]string
	orders      map[string]*domain.Order
}

func newTx(s *Store) *tx {
	return &tx{
		s:           s,
		holding:     make(map[string]bool),
		stock:       make(map[string]domain.BranchProductInventory),
		baskets:     make(map[string]*domain.Basket),
		activeCarts: make(map[string]string),
		orders:      make(map[string]*domain.Order),
	}
}

func (t *tx) lock(ctx context.Context, key string) error {
	if t.holding[key] {
		return nil
	}
	if err := t.s.locks.acquire(ctx, key, t.s.lockTimeout); err != nil {
		return err
	}
	t.holding[key] = true
	t.held = append(t.held, key)
	return nil
}

func (t *tx) releaseAll() {
	for i := len(t.held) - 1; i >= 0; i-- {
		t.s.locks.release(t.held[i])
	}
	t.held = nil
	t.holding = map[string]bool{}
}

func (t *tx) rollback() {
	t.releaseAll()
}

func (t *tx) commit() {
	t.s.mu.Lock()
	for key, row := range t.stock {
		t.s.inventory[key] = row
	}
	for id, basket := range t.baskets {
		if basket == nil {
			if existing, ok := t.s.baskets[id]; ok && existing.Kind == domain.BasketKindCart {
				owner := cartOwnerKey(existing.BranchID, existing.CustomerID, existing.SessionKey)
				if t.s.activeCarts[owner] == id {
					delete(t.s.activeCarts, owner)
				}
			}
			delete(t.s.baskets, id)
			continue
		}
		t.s.baskets[id] = basket
	}
	for owner, id := range t.activeCarts {
		if _, deleted := t.baskets[id]; deleted && t.baskets[id] == nil {
			continue
		}
		t.s.activeCarts[owner] = id
	}
	for id, order := range t.orders {
		t.s.orders[id] = order
		t.s.invoiceNumbers[order.InvoiceNumber] = id
	}
	t.s.mu.Unlock()
	t.releaseAll()
}

func (t *tx) DecrementStock(ctx context.Context, productID string, branchID string, qty int, actor string, at time.Time) (int, error) {
	if qty <= 0 {
		return 0, fmt.Errorf("%w: quantity must be positive", store.ErrInvalidInput)
	}
	key := stockKey(productID, branchID)
	if err := t.lock(ctx, "stock:"+key); err != nil {
		return 0, err
	}
	row, ok := t.stockRow(key)
	if !ok || row.Quantity < qty {
		return 0, &store.InsufficientStockError{
			ProductID: productID,
			BranchID:  branchID,
			Requested: qty,
			Available: row.Quantity,
		}
	}
	row.Quantity -= qty
	row.UpdatedBy = actor
	row.UpdatedAt = at
	t.stock[key] = row
	return row.Quantity, nil
}

func (t *tx) IncrementStock(ctx context.Context, productID string, branchID string, qty int, actor string, at time.Time) (int, error) {
	if qty <= 0 {
		return 0, fmt.Errorf("%w: quantity must be positive", store.ErrInvalidInput)
	}
	key := stockKey(productID, branchID)
	if err := t.lock(ctx, "stock:"+key); err != nil {
		return 0, err
	}
	row, ok := t.stockRow(key)
	if !ok {
		row = domain.BranchProductInventory{ProductID: productID, BranchID: branchID}
	}
	row.Quantity += qty
	row.UpdatedBy = actor
	row.UpdatedAt = at
	t.stock[key] = row
	return row.Quantity, nil
}

func (t *tx) stockRow(key string) (domain.BranchProductInventory, bool) {
	if row, ok := t.stock[key]; ok {
		return row, true
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	row, ok := t.s.inventory[key]
	return row, ok
}

func (t *tx) LockBasket(ctx context.Context, basketID string) (*domain.Basket, error) {
	if err := t.lock(ctx, "basket:"+basketID); err != nil {
		return nil, err
	}
	if staged, ok := t.baskets[basketID]; ok {
		if staged == nil {
			return nil, store.ErrNotFound
		}
		return cloneBasket(staged), nil
	}

	t.s.mu.RLock()
	committed, ok := t.s.baskets[basketID]
	t.s.mu.RUnlock()
	if !ok {
		return nil, store.ErrNotFound
	}
	t.baskets[basketID] = cloneBasket(committed)
	return cloneBasket(committed), nil
}

func (t *tx) FindActiveCart(ctx context.Context, branchID string, customerID string, sessionKey string) (*domain.Basket, error) {
	owner := cartOwnerKey(branchID, customerID, sessionKey)
	if err := t.lock(ctx, "cart-owner:"+owner); err != nil {
		return nil, err
	}
	id, ok := t.activeCarts[owner]
	if !ok {
		t.s.mu.RLock()
		id, ok = t.s.activeCarts[owner]
		t.s.mu.RUnlock()
	}
	if !ok {
		return nil, store.ErrNotFound
	}
	return t.LockBasket(ctx, id)
}

func (t *tx) CreateBasket(ctx context.Context, basket domain.Basket) error {
	if basket.Kind == domain.BasketKindCart {
		existing, err := t.FindActiveCart(ctx, basket.BranchID, basket.CustomerID, basket.SessionKey)
		if err == nil && existing.Active {
			return fmt.Errorf("%w: active cart %s already exists", store.ErrConflict, existing.ID)
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	if err := t.lock(ctx, "basket:"+basket.ID); err != nil {
		return err
	}
	t.s.mu.RLock()
	_, exists := t.s.baskets[basket.ID]
	t.s.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: basket %s already exists", store.ErrConflict, basket.ID)
	}
	t.baskets[basket.ID] = cloneBasket(&basket)
	if basket.Kind == domain.BasketKindCart && basket.Active {
		t.activeCarts[cartOwnerKey(basket.BranchID, basket.CustomerID, basket.SessionKey)] = basket.ID
	}
	return nil
}

func (t *tx) stagedBasket(basketID string) (*domain.Basket, error) {
	basket, ok := t.baskets[basketID]
	if !ok {
		return nil, fmt.Errorf("basket %s is not locked by this transaction", basketID)
	}
	if basket == nil {
		return nil, store.ErrNotFound
	}
	return basket, nil
}

func (t *tx) SaveBasketItem(_ context.Context, item domain.BasketItem) error {
	basket, err := t.stagedBasket(item.BasketID)
	if err != nil {
		return err
	}
	if idx, ok := basket.FindItem(item.ID); ok {
		basket.Items[idx] = item
	} else {
		basket.Items = append(basket.Items, item)
	}
	return nil
}

func (t *tx) DeleteBasketItem(_ context.Context, basketID string, itemID string) error {
	basket, err := t.stagedBasket(basketID)
	if err != nil {
		return err
	}
	idx, ok := basket.FindItem(itemID)
	if !ok {
		return store.ErrNotFound
	}
	basket.Items = slices.Delete(basket.Items, idx, idx+1)
	return nil
}

func (t *tx) DeleteBasket(_ context.Context, basketID string) error {
	if _, err := t.stagedBasket(basketID); err != nil {
		return err
	}
	t.baskets[basketID] = nil
	return nil
}

func (t *tx) LockOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	if err := t.lock(ctx, "order:"+orderID); err != nil {
		return nil, err
	}
	if staged, ok := t.orders[orderID]; ok {
		return cloneOrder(staged), nil
	}

	t.s.mu.RLock()
	committed, ok := t.s.orders[orderID]
	t.s.mu.RUnlock()
	if !ok {
		return nil, store.ErrNotFound
	}
	t.orders[orderID] = cloneOrder(committed)
	return cloneOrder(committed), nil
}

func (t *tx) InvoiceNumberExists(_ context.Context, invoiceNumber string) (bool, error) {
	for _, order := range t.orders {
		if order.InvoiceNumber == invoiceNumber {
			return true, nil
		}
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	_, ok := t.s.invoiceNumbers[invoiceNumber]
	return ok, nil
}

func (t *tx) CreateOrder(ctx context.Context, order domain.Order) error {
	if err := t.lock(ctx, "order:"+order.OrderID); err != nil {
		return err
	}
	if err := t.lock(ctx, "invoice:"+order.InvoiceNumber); err != nil {
		return err
	}
	if _, ok := t.orders[order.OrderID]; ok {
		return fmt.Errorf("%w: order %s already exists", store.ErrConflict, order.OrderID)
	}
	taken, _ := t.InvoiceNumberExists(ctx, order.InvoiceNumber)
	t.s.mu.RLock()
	_, exists := t.s.orders[order.OrderID]
	t.s.mu.RUnlock()
	if exists || taken {
		return fmt.Errorf("%w: order %s or invoice %s already exists", store.ErrConflict, order.OrderID, order.InvoiceNumber)
	}
	t.orders[order.OrderID] = cloneOrder(&order)
	return nil
}

func (t *tx) stagedOrder(orderID string) (*domain.Order, error) {
	order, ok := t.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s is not locked by this transaction", orderID)
	}
	return order, nil
}

func (t *tx) UpdateOrder(_ context.Context, order domain.Order) error {
	staged, err := t.stagedOrder(order.OrderID)
	if err != nil {
		return err
	}
	staged.Status = order.Status
	staged.PaymentMethod = order.PaymentMethod
	staged.ExitQRPayload = order.ExitQRPayload
	staged.ExitQRExpiry = order.ExitQRExpiry
	staged.PaidAt = order.PaidAt
	staged.CompletedAt = order.CompletedAt
	staged.CancelledAt = order.CancelledAt
	staged.UpdatedAt = order.UpdatedAt
	return nil
}

func (t *tx) CreatePayment(_ context.Context, payment domain.Payment) error {
	staged, err := t.stagedOrder(payment.OrderID)
	if err != nil {
		return err
	}
	staged.Payments = append(staged.Payments, payment)
	return nil
}

func (t *tx) ReturnedQuantities(ctx context.Context, orderID string) (map[string]int, error) {
	order, err := t.LockOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	returned := make(map[string]int)
	for _, ret := range order.Returns {
		for _, item := range ret.Items {
			returned[item.OrderItemID] += item.QuantityReturned
		}
	}
	return returned, nil
}

func (t *tx) CreateReturn(_ context.Context, ret domain.Return) error {
	staged, err := t.stagedOrder(ret.OrderID)
	if err != nil {
		return err
	}
	ret.Items = slices.Clone(ret.Items)
	staged.Returns = append(staged.Returns, ret)
	return nil
}
