package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"storefront/metrics"
	"storefront/models"
)

// InitRedis 连接 Redis 并做一次 Ping
func InitRedis(addr, password string, logger *zap.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis connection established", zap.String("addr", addr))
	return rdb, nil
}

// Cache is a cache-aside reader in front of a Catalog. Cached entries are
// for browsing and cart display only; checkout goes through Authoritative.
type Cache struct {
	inner  Catalog
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewCache(inner Catalog, rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Cache {
	return &Cache{inner: inner, rdb: rdb, ttl: ttl, logger: logger}
}

func productKey(id string) string {
	return fmt.Sprintf("product:%s", id)
}

func (c *Cache) GetByID(ctx context.Context, id string) (models.Product, error) {
	if p, ok := c.lookup(ctx, id); ok {
		return p, nil
	}
	p, err := c.inner.GetByID(ctx, id)
	if err != nil {
		return models.Product{}, err
	}
	c.store(ctx, p)
	return p, nil
}

func (c *Cache) GetByIDs(ctx context.Context, ids []string) ([]models.Product, error) {
	var (
		out     []models.Product
		missing []string
	)
	for _, id := range uniqueIDs(ids) {
		if p, ok := c.lookup(ctx, id); ok {
			out = append(out, p)
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return out, nil
	}
	fetched, err := c.inner.GetByIDs(ctx, missing)
	if err != nil {
		return nil, err
	}
	for _, p := range fetched {
		c.store(ctx, p)
	}
	return append(out, fetched...), nil
}

func (c *Cache) List(ctx context.Context) ([]models.Product, error) {
	return c.inner.List(ctx)
}

// DecrementStock writes through to the backing store and evicts the touched
// products whether or not the write succeeded. Eviction outlives caller
// cancellation; a committed write must not leave stale stock behind.
func (c *Cache) DecrementStock(ctx context.Context, adjustments []models.StockAdjustment) error {
	err := c.inner.DecrementStock(ctx, adjustments)
	ids := make([]string, 0, len(adjustments))
	for _, a := range adjustments {
		ids = append(ids, a.ProductID)
	}
	c.Invalidate(context.WithoutCancel(ctx), ids...)
	return err
}

func (c *Cache) Invalidate(ctx context.Context, ids ...string) {
	if len(ids) == 0 {
		return
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = productKey(id)
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		c.logger.Warn("Failed to invalidate catalog cache", zap.Strings("product_ids", ids), zap.Error(err))
	}
}

// Authoritative returns a view that always reads the backing store while
// still evicting cache entries on stock writes.
func (c *Cache) Authoritative() Catalog {
	return authoritative{cache: c}
}

func (c *Cache) lookup(ctx context.Context, id string) (models.Product, bool) {
	data, err := c.rdb.Get(ctx, productKey(id)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Debug("Catalog cache unavailable", zap.String("product_id", id), zap.Error(err))
		}
		metrics.RecordCacheLookup(false)
		return models.Product{}, false
	}
	var p models.Product
	if err := json.Unmarshal(data, &p); err != nil {
		metrics.RecordCacheLookup(false)
		return models.Product{}, false
	}
	metrics.RecordCacheLookup(true)
	return p, true
}

func (c *Cache) store(ctx context.Context, p models.Product) {
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, productKey(p.ID), data, c.ttl).Err(); err != nil {
		c.logger.Debug("Failed to cache product", zap.String("product_id", p.ID), zap.Error(err))
	}
}

type authoritative struct {
	cache *Cache
}

func (a authoritative) GetByID(ctx context.Context, id string) (models.Product, error) {
	return a.cache.inner.GetByID(ctx, id)
}

func (a authoritative) GetByIDs(ctx context.Context, ids []string) ([]models.Product, error) {
	return a.cache.inner.GetByIDs(ctx, ids)
}

func (a authoritative) List(ctx context.Context) ([]models.Product, error) {
	return a.cache.inner.List(ctx)
}

func (a authoritative) DecrementStock(ctx context.Context, adjustments []models.StockAdjustment) error {
	return a.cache.DecrementStock(ctx, adjustments)
}
