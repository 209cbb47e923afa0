// Package cache provides a Redis client wrapper for the Medic recovery
// engine. It caches freshly generated health reports for the read API and
// backs the fixed-window rate limiter. The engine runs fine without it:
// callers construct handlers with a nil *Cache and every operation
// degrades to a miss.
package cache

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache wraps a Redis client with Medic-specific caching operations.
type Cache struct {
	client *redis.Client
}

// New creates a Redis cache client connected to the given address.
// The redisURL should be in "host:port" format.
func New(ctx context.Context, redisURL string) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         redisURL,
		Password:     "",
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     20,
		MinIdleConns: 5,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: failed to connect to Redis at %s: %w", redisURL, err)
	}

	log.Printf("cache: connected to Redis at %s", redisURL)
	return &Cache{client: client}, nil
}

// Close gracefully shuts down the Redis client connection.
func (c *Cache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	log.Println("cache: closing Redis connection")
	return c.client.Close()
}

// Get retrieves a value from the cache by key.
// Returns an empty string and no error if the key does not exist.
func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	if c == nil {
		return "", nil
	}
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("cache: get %q: %w", key, err)
	}
	return val, nil
}

// Set stores a key-value pair in the cache with the given TTL.
// A zero TTL means the key will not expire.
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if c == nil {
		return nil
	}
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %q: %w", key, err)
	}
	return nil
}

// Delete removes one or more keys from the cache.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if c == nil {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache: delete: %w", err)
	}
	return nil
}

// healthKey constructs the Redis key for a cached health report.
func healthKey(scope string) string {
	return fmt.Sprintf("health:report:%s", scope)
}

// GetHealthReport retrieves a cached health report body for the given
// scope ("workspace" or a module id). Empty string means miss.
func (c *Cache) GetHealthReport(ctx context.Context, scope string) (string, error) {
	return c.Get(ctx, healthKey(scope))
}

// SetHealthReport caches a serialized health report. Reports go stale
// quickly while recoveries run, so the TTL stays short.
func (c *Cache) SetHealthReport(ctx context.Context, scope, body string, ttl time.Duration) error {
	return c.Set(ctx, healthKey(scope), body, ttl)
}

// InvalidateHealthReports drops every cached report. Called after any
// state mutation so readers never see pre-recovery scores.
func (c *Cache) InvalidateHealthReports(ctx context.Context, scopes ...string) error {
	if c == nil || len(scopes) == 0 {
		return nil
	}
	keys := make([]string, len(scopes))
	for i, s := range scopes {
		keys[i] = healthKey(s)
	}
	return c.Delete(ctx, keys...)
}

// rateLimitLua atomically increments the counter and sets TTL only on the
// first request in the window. This prevents the TTL from being extended
// by subsequent requests, which would cause callers to be blocked longer
// than the intended window.
var rateLimitLua = redis.NewScript(`
	local count = redis.call('INCR', KEYS[1])
	if count == 1 then
		redis.call('EXPIRE', KEYS[1], ARGV[1])
	end
	return count
`)

// RateLimitCheck performs a fixed-window rate limit check for a given key.
// It returns true if the request is allowed (under limit), false if
// rate-limited. A nil Cache always allows.
func (c *Cache) RateLimitCheck(ctx context.Context, key string, maxRequests int64, window time.Duration) (bool, error) {
	if c == nil {
		return true, nil
	}
	rateLimitKey := fmt.Sprintf("ratelimit:%s", key)
	windowSeconds := int(window / time.Second)

	result, err := rateLimitLua.Run(ctx, c.client, []string{rateLimitKey}, windowSeconds).Int64()
	if err != nil {
		return false, fmt.Errorf("cache: rate limit check: %w", err)
	}
	return result <= maxRequests, nil
}

// Client returns the underlying Redis client for advanced operations.
func (c *Cache) Client() *redis.Client {
	if c == nil {
		return nil
	}
	return c.client
}
