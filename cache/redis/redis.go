// Package redis provides a Redis implementation of the tiergate.TierCache
// interface, for deployments where several gateway instances must share
// one resolution cache. Hits and misses are counted per process.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/tiergate/pkg/tiergate"
)

// Cache implements tiergate.TierCache backed by Redis.
type Cache struct {
	client redis.UniversalClient
	config Config

	hits   int64
	misses int64
}

// Config holds Redis cache configuration.
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "tiergate:res:")
	KeyPrefix string

	// OperationTimeout bounds each Redis call. The TierCache interface
	// carries no context, so the cache derives one per call
	// (default: 250ms).
	OperationTimeout time.Duration

	// Logger receives warnings for failed Redis operations. A broken
	// cache degrades to misses; it never fails the caller.
	Logger tiergate.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:        "tiergate:res:",
		OperationTimeout: 250 * time.Millisecond,
	}
}

// New creates a new Redis cache adapter.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
func New(client redis.UniversalClient, config Config) (*Cache, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "tiergate:res:"
	}
	if config.OperationTimeout <= 0 {
		config.OperationTimeout = 250 * time.Millisecond
	}
	if config.Logger == nil {
		config.Logger = &tiergate.NoopLogger{}
	}

	return &Cache{client: client, config: config}, nil
}

func (c *Cache) key(userID string) string {
	return c.config.KeyPrefix + userID
}

func (c *Cache) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.config.OperationTimeout)
}

// GetResolution implements tiergate.TierCache.
func (c *Cache) GetResolution(userID string) (*tiergate.Resolution, bool) {
	ctx, cancel := c.opContext()
	defer cancel()

	data, err := c.client.Get(ctx, c.key(userID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.config.Logger.Warn("redis cache get failed",
				tiergate.Field{Key: "error", Value: err.Error()})
		}
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}

	var res tiergate.Resolution
	if err := json.Unmarshal(data, &res); err != nil {
		c.config.Logger.Warn("redis cache entry corrupt",
			tiergate.Field{Key: "error", Value: err.Error()})
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}

	atomic.AddInt64(&c.hits, 1)
	return &res, true
}

// SetResolution implements tiergate.TierCache.
func (c *Cache) SetResolution(userID string, res *tiergate.Resolution, ttl time.Duration) {
	if res == nil || ttl <= 0 {
		return
	}

	data, err := json.Marshal(res)
	if err != nil {
		return
	}

	ctx, cancel := c.opContext()
	defer cancel()

	if err := c.client.Set(ctx, c.key(userID), data, ttl).Err(); err != nil {
		c.config.Logger.Warn("redis cache set failed",
			tiergate.Field{Key: "error", Value: err.Error()})
	}
}

// InvalidateResolution implements tiergate.TierCache.
func (c *Cache) InvalidateResolution(userID string) {
	ctx, cancel := c.opContext()
	defer cancel()

	if err := c.client.Del(ctx, c.key(userID)).Err(); err != nil {
		c.config.Logger.Warn("redis cache invalidate failed",
			tiergate.Field{Key: "error", Value: err.Error()})
	}
}

// Clear removes all cached resolutions under the configured prefix.
// Uses SCAN rather than KEYS so a shared Redis is not blocked.
func (c *Cache) Clear() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*c.config.OperationTimeout)
	defer cancel()

	iter := c.client.Scan(ctx, 0, c.config.KeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			c.config.Logger.Warn("redis cache clear failed",
				tiergate.Field{Key: "error", Value: err.Error()})
			return
		}
	}
	if err := iter.Err(); err != nil {
		c.config.Logger.Warn("redis cache scan failed",
			tiergate.Field{Key: "error", Value: err.Error()})
	}
}

// Stats implements tiergate.TierCache. Size counts keys under the
// prefix; eviction is delegated to Redis TTLs and reported as zero.
func (c *Cache) Stats() tiergate.CacheStats {
	stats := tiergate.CacheStats{
		Hits:   atomic.LoadInt64(&c.hits),
		Misses: atomic.LoadInt64(&c.misses),
	}

	ctx, cancel := c.opContext()
	defer cancel()

	iter := c.client.Scan(ctx, 0, c.config.KeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		stats.Size++
	}
	return stats
}
