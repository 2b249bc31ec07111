package redis

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/tiergate/pkg/tiergate"
)

// setupTestRedis creates a Redis client for testing.
// Requires Redis running on localhost:6379.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use DB 15 for testing
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test database: %v", err)
	}

	return client
}

func setupTestCache(t *testing.T) *Cache {
	t.Helper()

	client := setupTestRedis(t)
	t.Cleanup(func() { client.Close() })

	cache, err := New(client, DefaultConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return cache
}

func TestNew(t *testing.T) {
	if _, err := New(nil, DefaultConfig()); err == nil {
		t.Error("expected error for nil client")
	}

	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()

	cache, err := New(client, Config{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if cache.config.KeyPrefix != "tiergate:res:" {
		t.Errorf("empty prefix should use default, got %q", cache.config.KeyPrefix)
	}
	if cache.config.OperationTimeout <= 0 {
		t.Errorf("zero timeout should use default, got %v", cache.config.OperationTimeout)
	}
}

func TestSetGetInvalidate(t *testing.T) {
	cache := setupTestCache(t)

	if _, ok := cache.GetResolution("user-1"); ok {
		t.Error("expected miss on empty cache")
	}

	res := &tiergate.Resolution{Tier: "elite", Source: tiergate.ResolvedOverride}
	cache.SetResolution("user-1", res, time.Minute)

	got, ok := cache.GetResolution("user-1")
	if !ok {
		t.Fatal("expected hit after set")
	}
	if got.Tier != "elite" || got.Source != tiergate.ResolvedOverride {
		t.Errorf("round trip mismatch: %+v", got)
	}

	cache.InvalidateResolution("user-1")
	if _, ok := cache.GetResolution("user-1"); ok {
		t.Error("expected miss after invalidation")
	}
}

func TestTTLExpiry(t *testing.T) {
	cache := setupTestCache(t)

	cache.SetResolution("user-1", &tiergate.Resolution{Tier: "starter"}, 50*time.Millisecond)
	if _, ok := cache.GetResolution("user-1"); !ok {
		t.Fatal("expected hit before expiry")
	}

	time.Sleep(100 * time.Millisecond)
	if _, ok := cache.GetResolution("user-1"); ok {
		t.Error("expected miss after TTL expiry")
	}
}

func TestZeroTTLNotStored(t *testing.T) {
	cache := setupTestCache(t)

	cache.SetResolution("user-1", &tiergate.Resolution{Tier: "starter"}, 0)
	if _, ok := cache.GetResolution("user-1"); ok {
		t.Error("zero TTL entries must not be stored")
	}
}

func TestClearAndStats(t *testing.T) {
	cache := setupTestCache(t)

	cache.SetResolution("user-1", &tiergate.Resolution{Tier: "starter"}, time.Minute)
	cache.SetResolution("user-2", &tiergate.Resolution{Tier: "serious"}, time.Minute)
	cache.GetResolution("user-1")
	cache.GetResolution("missing")

	stats := cache.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("stats = %+v, want 1 hit and 1 miss", stats)
	}
	if stats.Size != 2 {
		t.Errorf("size = %d, want 2", stats.Size)
	}

	cache.Clear()
	if stats := cache.Stats(); stats.Size != 0 {
		t.Errorf("size after clear = %d, want 0", stats.Size)
	}
}

func TestCorruptEntryIsMiss(t *testing.T) {
	cache := setupTestCache(t)

	ctx := context.Background()
	if err := cache.client.Set(ctx, cache.key("user-1"), "{not json", time.Minute).Err(); err != nil {
		t.Fatal(err)
	}
	if _, ok := cache.GetResolution("user-1"); ok {
		t.Error("corrupt entry must read as a miss")
	}
}
