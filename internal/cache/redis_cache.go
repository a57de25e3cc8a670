package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"retailcore/backend/internal/domain"
)

const (
	productKeyPrefix = "retailcore:product:"
	exitScanPrefix   = "retailcore:exit-scan:"
)

// Redis backs both the catalog cache and the exit scan registry with one client.
type Redis struct {
	client *redis.Client
}

func NewRedis(addr string, password string, db int) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &Redis{client: client}
}

func (c *Redis) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Redis) Close() error {
	return c.client.Close()
}

func (c *Redis) Get(ctx context.Context, productID string) (*domain.Product, bool, error) {
	val, err := c.client.Get(ctx, productKeyPrefix+productID).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var product domain.Product
	if err := json.Unmarshal([]byte(val), &product); err != nil {
		return nil, false, err
	}
	return &product, true, nil
}

func (c *Redis) Set(ctx context.Context, product *domain.Product, ttl time.Duration) error {
	if product == nil {
		return nil
	}
	payload, err := json.Marshal(product)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, productKeyPrefix+product.ID, payload, ttl).Err()
}

func (c *Redis) MarkScanned(ctx context.Context, orderID string, scannedAt time.Time, ttl time.Duration) (bool, error) {
	created, err := c.client.SetNX(ctx, exitScanPrefix+orderID, scannedAt.UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, err
	}
	return !created, nil
}
