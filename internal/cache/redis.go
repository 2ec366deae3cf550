package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"candleflow/internal/domain"
)

// RedisCache is a Redis-backed QueryCache. Entries are JSON blobs with a
// server-side TTL, so eviction needs no bookkeeping on our end.
type RedisCache struct {
	client *goredis.Client
}

// NewRedisCache creates a RedisCache and verifies the connection.
func NewRedisCache(ctx context.Context, addr, password string, db int) (*RedisCache, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisCache{client: client}, nil
}

// Compile-time interface check.
var _ QueryCache = (*RedisCache)(nil)

// Get returns the cached bars for a key.
func (c *RedisCache) Get(ctx context.Context, key string) ([]*domain.Candle, bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == goredis.Nil {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get: %w", err)
	}

	var bars []*domain.Candle
	if err := json.Unmarshal(data, &bars); err != nil {
		return nil, false, fmt.Errorf("decode cached bars: %w", err)
	}
	return bars, true, nil
}

// Set stores bars under a key with the given TTL.
func (c *RedisCache) Set(ctx context.Context, key string, bars []*domain.Candle, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	data, err := json.Marshal(bars)
	if err != nil {
		return fmt.Errorf("encode bars: %w", err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
