package reporting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/razauh/inventory-management/internal/masterdata"
)

// ProductLoader loads product records on cache miss.
type ProductLoader interface {
	GetProduct(ctx context.Context, id int64) (masterdata.Product, error)
}

// ProductNameCache is a read-through Redis cache for static product
// reference data, owned by the reporting layer. Writes to products go
// through masterdata, which calls InvalidateProduct explicitly; there
// is no implicit module-level cache.
type ProductNameCache struct {
	rdb    *redis.Client
	loader ProductLoader
	ttl    time.Duration
}

// NewProductNameCache constructs a cache with the given TTL.
func NewProductNameCache(rdb *redis.Client, loader ProductLoader, ttl time.Duration) *ProductNameCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &ProductNameCache{rdb: rdb, loader: loader, ttl: ttl}
}

func productKey(id int64) string {
	return fmt.Sprintf("reporting:product:%d:name", id)
}

// Name returns the product name, serving from Redis when warm.
func (c *ProductNameCache) Name(ctx context.Context, productID int64) (string, error) {
	name, err := c.rdb.Get(ctx, productKey(productID)).Result()
	if err == nil {
		return name, nil
	}
	if !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("reporting: cache get: %w", err)
	}

	product, err := c.loader.GetProduct(ctx, productID)
	if err != nil {
		return "", err
	}
	if err := c.rdb.Set(ctx, productKey(productID), product.Name, c.ttl).Err(); err != nil {
		return "", fmt.Errorf("reporting: cache set: %w", err)
	}
	return product.Name, nil
}

// InvalidateProduct drops the cached entry after a product write.
func (c *ProductNameCache) InvalidateProduct(ctx context.Context, productID int64) error {
	return c.rdb.Del(ctx, productKey(productID)).Err()
}
