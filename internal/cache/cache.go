package cache

import (
	"context"
	"sync"
	"time"

	"retailcore/backend/internal/domain"
)

type ProductCache interface {
	Get(ctx context.Context, productID string) (*domain.Product, bool, error)
	Set(ctx context.Context, product *domain.Product, ttl time.Duration) error
}

type NoopProductCache struct{}

func (NoopProductCache) Get(_ context.Context, _ string) (*domain.Product, bool, error) {
	return nil, false, nil
}

func (NoopProductCache) Set(_ context.Context, _ *domain.Product, _ time.Duration) error {
	return nil
}

// ScanRegistry remembers which exit QR codes have already been presented.
type ScanRegistry interface {
	// MarkScanned records the first scan of orderID and reports whether an
	// earlier scan was already on record.
	MarkScanned(ctx context.Context, orderID string, scannedAt time.Time, ttl time.Duration) (alreadyScanned bool, err error)
}

type MemoryScanRegistry struct {
	mu      sync.Mutex
	scanned map[string]time.Time
}

func NewMemoryScanRegistry() *MemoryScanRegistry {
	return &MemoryScanRegistry{scanned: make(map[string]time.Time)}
}

func (r *MemoryScanRegistry) MarkScanned(_ context.Context, orderID string, scannedAt time.Time, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if expiresAt, ok := r.scanned[orderID]; ok && scannedAt.Before(expiresAt) {
		return true, nil
	}
	r.scanned[orderID] = scannedAt.Add(ttl)
	return false, nil
}
