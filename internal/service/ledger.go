package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"retailcore/backend/internal/store"
)

// InventoryLedger owns the per-(product, branch) stock counters. Reserve and
// Release join the caller's transaction; the *Stock variants run their own.
type InventoryLedger struct {
	repo store.Repository
	now  func() time.Time
}

func validateStockArgs(productID string, branchID string, qty int) error {
	if strings.TrimSpace(productID) == "" || strings.TrimSpace(branchID) == "" {
		return fmt.Errorf("%w: product and branch are required", store.ErrInvalidInput)
	}
	if qty < 1 {
		return fmt.Errorf("%w: quantity must be positive, got %d", store.ErrInvalidInput, qty)
	}
	return nil
}

func (l *InventoryLedger) Reserve(ctx context.Context, tx store.Tx, productID string, branchID string, qty int) error {
	if err := validateStockArgs(productID, branchID, qty); err != nil {
		return err
	}
	_, err := tx.DecrementStock(ctx, productID, branchID, qty, actorName(ctx), l.now())
	return err
}

func (l *InventoryLedger) Release(ctx context.Context, tx store.Tx, productID string, branchID string, qty int) error {
	if err := validateStockArgs(productID, branchID, qty); err != nil {
		return err
	}
	_, err := tx.IncrementStock(ctx, productID, branchID, qty, actorName(ctx), l.now())
	return err
}

// ReserveStock takes qty units in a transaction of its own and returns what is
// left on hand.
func (l *InventoryLedger) ReserveStock(ctx context.Context, productID string, branchID string, qty int) (int, error) {
	if err := validateStockArgs(productID, branchID, qty); err != nil {
		return 0, err
	}
	remaining := 0
	err := l.repo.WithTx(ctx, func(tx store.Tx) error {
		var err error
		remaining, err = tx.DecrementStock(ctx, productID, branchID, qty, actorName(ctx), l.now())
		return err
	})
	return remaining, err
}

// ReleaseStock puts qty units back (or receives new stock) and returns the
// resulting quantity.
func (l *InventoryLedger) ReleaseStock(ctx context.Context, productID string, branchID string, qty int) (int, error) {
	if err := validateStockArgs(productID, branchID, qty); err != nil {
		return 0, err
	}
	quantity := 0
	err := l.repo.WithTx(ctx, func(tx store.Tx) error {
		var err error
		quantity, err = tx.IncrementStock(ctx, productID, branchID, qty, actorName(ctx), l.now())
		return err
	})
	return quantity, err
}

// Available reports the on-hand quantity; an unknown row counts as zero.
func (l *InventoryLedger) Available(ctx context.Context, productID string, branchID string) (int, error) {
	row, err := l.repo.GetInventory(ctx, productID, branchID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return row.Quantity, nil
}
