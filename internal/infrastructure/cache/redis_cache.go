package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/cart-service/internal/domain/cart"
)

// RedisCache stores JSON cart snapshots in Redis. Guest entries expire on
// the shorter session TTL; user entries on the cart TTL.
type RedisCache struct {
	client     *redis.Client
	cartTTL    time.Duration
	sessionTTL time.Duration
}

func NewRedisCache(client *redis.Client, cartTTL, sessionTTL time.Duration) *RedisCache {
	return &RedisCache{
		client:     client,
		cartTTL:    cartTTL,
		sessionTTL: sessionTTL,
	}
}

func cacheKey(owner cart.OwnerKey) string {
	return "cart:" + owner.String()
}

func (c *RedisCache) Get(ctx context.Context, owner cart.OwnerKey) (*cart.Snapshot, error) {
	data, err := c.client.Get(ctx, cacheKey(owner)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache get %s: %w: %v", owner, cart.ErrCacheUnavailable, err)
	}

	var snap cart.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		// A corrupt entry behaves like a miss; the next write replaces it.
		return nil, ErrCacheMiss
	}
	return &snap, nil
}

func (c *RedisCache) Set(ctx context.Context, owner cart.OwnerKey, snapshot *cart.Snapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot for %s: %w", owner, err)
	}

	ttl := c.cartTTL
	if owner.IsGuest() {
		ttl = c.sessionTTL
	}

	if err := c.client.Set(ctx, cacheKey(owner), data, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w: %v", owner, cart.ErrCacheUnavailable, err)
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context, owners ...cart.OwnerKey) error {
	if len(owners) == 0 {
		return nil
	}
	keys := make([]string, len(owners))
	for i, owner := range owners {
		keys[i] = cacheKey(owner)
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache invalidate: %w: %v", cart.ErrCacheUnavailable, err)
	}
	return nil
}
