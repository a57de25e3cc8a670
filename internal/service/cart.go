package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"retailcore/backend/internal/domain"
	"retailcore/backend/internal/store"
	"retailcore/backend/internal/xid"
)

// CartAccumulator maintains baskets. Stock is reserved the moment a line is
// added, and the line's price and VAT rate are frozen on that first add.
type CartAccumulator struct {
	repo    store.Repository
	ledger  *InventoryLedger
	catalog Catalog
	now     func() time.Time
}

// Create opens a temp order or customer cart. For carts it returns the
// owner's existing active cart when there is one.
func (c *CartAccumulator) Create(ctx context.Context, req domain.BasketCreateRequest) (*domain.Basket, error) {
	req.Kind = strings.TrimSpace(req.Kind)
	req.BranchID = strings.TrimSpace(req.BranchID)
	req.CashierID = strings.TrimSpace(req.CashierID)
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	req.SessionKey = strings.TrimSpace(req.SessionKey)
	if req.Kind == "" {
		req.Kind = domain.BasketKindTempOrder
	}
	if req.BranchID == "" {
		return nil, fmt.Errorf("%w: branch_id is required", store.ErrInvalidInput)
	}

	now := c.now()
	basket := domain.Basket{
		ID:        uuid.NewString(),
		Kind:      req.Kind,
		BranchID:  req.BranchID,
		Active:    true,
		Items:     []domain.BasketItem{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	switch req.Kind {
	case domain.BasketKindTempOrder:
		if req.CashierID == "" {
			req.CashierID = actorName(ctx)
		}
		basket.CashierID = req.CashierID
		basket.CustomerID = req.CustomerID
	case domain.BasketKindCart:
		if (req.CustomerID == "") == (req.SessionKey == "") {
			return nil, fmt.Errorf("%w: a cart needs exactly one of customer_id or session_key", store.ErrInvalidInput)
		}
		basket.CustomerID = req.CustomerID
		basket.SessionKey = req.SessionKey
	default:
		return nil, fmt.Errorf("%w: unknown basket kind %q", store.ErrInvalidInput, req.Kind)
	}

	var result *domain.Basket
	err := c.repo.WithTx(ctx, func(tx store.Tx) error {
		if basket.Kind == domain.BasketKindCart {
			existing, err := tx.FindActiveCart(ctx, basket.BranchID, basket.CustomerID, basket.SessionKey)
			if err == nil {
				result = existing
				return nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}
		if err := tx.CreateBasket(ctx, basket); err != nil {
			return err
		}
		result = &basket
		return nil
	})
	if errors.Is(err, store.ErrConflict) && basket.Kind == domain.BasketKindCart {
		// A concurrent request opened this owner's cart after our lookup.
		err = c.repo.WithTx(ctx, func(tx store.Tx) error {
			existing, err := tx.FindActiveCart(ctx, basket.BranchID, basket.CustomerID, basket.SessionKey)
			if err != nil {
				return err
			}
			result = existing
			return nil
		})
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *CartAccumulator) Get(ctx context.Context, basketID string) (*domain.Basket, error) {
	return c.repo.GetBasket(ctx, strings.TrimSpace(basketID))
}

// Add reserves qty units and merges them into the basket. An existing line
// for the product keeps its frozen price and VAT rate.
func (c *CartAccumulator) Add(ctx context.Context, basketID string, productID string, qty int) (*domain.BasketItem, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" || qty < 1 {
		return nil, fmt.Errorf("%w: product_id and a positive quantity are required", store.ErrInvalidInput)
	}
	product, err := c.catalog.GetProduct(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("lookup product %s: %w", productID, err)
	}
	if !product.Active {
		return nil, fmt.Errorf("product %s is not for sale: %w", productID, store.ErrNotFound)
	}

	var line domain.BasketItem
	err = c.repo.WithTx(ctx, func(tx store.Tx) error {
		basket, err := tx.LockBasket(ctx, basketID)
		if err != nil {
			return err
		}
		if err := c.ledger.Reserve(ctx, tx, productID, basket.BranchID, qty); err != nil {
			return err
		}

		if idx, ok := basket.FindProduct(productID); ok {
			line = basket.Items[idx]
			line.Quantity += qty
		} else {
			line = domain.BasketItem{
				ID:            xid.New("line"),
				BasketID:      basket.ID,
				ProductID:     product.ID,
				ProductName:   product.Name,
				Quantity:      qty,
				PriceAtScan:   product.Price,
				VATRateAtScan: product.VATRate,
				CreatedAt:     c.now(),
			}
		}
		return tx.SaveBasketItem(ctx, line)
	})
	if err != nil {
		return nil, err
	}
	return &line, nil
}

// Update sets a line's quantity, reserving or releasing the difference. A
// quantity of zero or less removes the line and returns nil.
func (c *CartAccumulator) Update(ctx context.Context, basketID string, itemID string, newQty int) (*domain.BasketItem, error) {
	if newQty <= 0 {
		return nil, c.Remove(ctx, basketID, itemID)
	}

	var line domain.BasketItem
	err := c.repo.WithTx(ctx, func(tx store.Tx) error {
		basket, err := tx.LockBasket(ctx, basketID)
		if err != nil {
			return err
		}
		idx, ok := basket.FindItem(itemID)
		if !ok {
			return fmt.Errorf("basket line %s: %w", itemID, store.ErrNotFound)
		}
		line = basket.Items[idx]

		delta := newQty - line.Quantity
		switch {
		case delta > 0:
			if err := c.ledger.Reserve(ctx, tx, line.ProductID, basket.BranchID, delta); err != nil {
				return err
			}
		case delta < 0:
			if err := c.ledger.Release(ctx, tx, line.ProductID, basket.BranchID, -delta); err != nil {
				return err
			}
		default:
			return nil
		}

		line.Quantity = newQty
		if line.ScannedQuantity > newQty {
			line.ScannedQuantity = newQty
		}
		return tx.SaveBasketItem(ctx, line)
	})
	if err != nil {
		return nil, err
	}
	return &line, nil
}

func (c *CartAccumulator) Remove(ctx context.Context, basketID string, itemID string) error {
	return c.repo.WithTx(ctx, func(tx store.Tx) error {
		basket, err := tx.LockBasket(ctx, basketID)
		if err != nil {
			return err
		}
		idx, ok := basket.FindItem(itemID)
		if !ok {
			return fmt.Errorf("basket line %s: %w", itemID, store.ErrNotFound)
		}
		line := basket.Items[idx]
		if err := c.ledger.Release(ctx, tx, line.ProductID, basket.BranchID, line.Quantity); err != nil {
			return err
		}
		return tx.DeleteBasketItem(ctx, basket.ID, line.ID)
	})
}

// Scan records count barcode scans against a line. Scanned quantity never
// exceeds the line quantity.
func (c *CartAccumulator) Scan(ctx context.Context, basketID string, itemID string, count int) (*domain.BasketItem, error) {
	if count < 1 {
		return nil, fmt.Errorf("%w: scan count must be positive", store.ErrInvalidInput)
	}
	var line domain.BasketItem
	err := c.repo.WithTx(ctx, func(tx store.Tx) error {
		basket, err := tx.LockBasket(ctx, basketID)
		if err != nil {
			return err
		}
		idx, ok := basket.FindItem(itemID)
		if !ok {
			return fmt.Errorf("basket line %s: %w", itemID, store.ErrNotFound)
		}
		line = basket.Items[idx]
		if line.ScannedQuantity+count > line.Quantity {
			return fmt.Errorf("%w: line %s has %d of %d scanned, cannot scan %d more",
				store.ErrInvalidInput, line.ID, line.ScannedQuantity, line.Quantity, count)
		}
		line.ScannedQuantity += count
		return tx.SaveBasketItem(ctx, line)
	})
	if err != nil {
		return nil, err
	}
	return &line, nil
}

// Discard abandons a basket, returning every reserved unit to stock.
func (c *CartAccumulator) Discard(ctx context.Context, basketID string) error {
	return c.repo.WithTx(ctx, func(tx store.Tx) error {
		basket, err := tx.LockBasket(ctx, basketID)
		if err != nil {
			return err
		}
		for _, line := range sortedBasketLines(basket.Items) {
			if err := c.ledger.Release(ctx, tx, line.ProductID, basket.BranchID, line.Quantity); err != nil {
				return err
			}
		}
		return tx.DeleteBasket(ctx, basket.ID)
	})
}

// sortedBasketLines orders lines by product so multi-row stock updates take
// inventory row locks in a stable order.
func sortedBasketLines(items []domain.BasketItem) []domain.BasketItem {
	out := slices.Clone(items)
	slices.SortStableFunc(out, func(a, b domain.BasketItem) int {
		return strings.Compare(a.ProductID, b.ProductID)
	})
	return out
}
