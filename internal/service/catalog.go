package service

import (
	"context"
	"log"
	"time"

	"retailcore/backend/internal/cache"
	"retailcore/backend/internal/domain"
)

// CachedCatalog reads products through a cache in front of the source catalog.
type CachedCatalog struct {
	source Catalog
	cache  cache.ProductCache
	ttl    time.Duration
}

func NewCachedCatalog(source Catalog, productCache cache.ProductCache, ttl time.Duration) *CachedCatalog {
	if productCache == nil {
		productCache = cache.NoopProductCache{}
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedCatalog{source: source, cache: productCache, ttl: ttl}
}

func (c *CachedCatalog) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	if cached, ok, err := c.cache.Get(ctx, productID); err != nil {
		log.Printf("[catalog] WARN: cache read failed product=%s: %v", productID, err)
	} else if ok {
		return cached, nil
	}

	product, err := c.source.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	if err := c.cache.Set(ctx, product, c.ttl); err != nil {
		log.Printf("[catalog] WARN: cache write failed product=%s: %v", productID, err)
	}
	return product, nil
}
