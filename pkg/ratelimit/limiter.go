// Package ratelimit implements Redis-backed sliding-window rate limiting
// shared across service instances, with an in-memory fallback for
// single-node deployments and tests.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Limit describes one rate limit: at most Limit requests per Window.
type Limit struct {
	Limit  int
	Window time.Duration
}

// Result reports the outcome of a rate limit check.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter checks whether a request identified by a key is within its limit.
type Limiter interface {
	Check(ctx context.Context, key string, limit Limit) (*Result, error)
	Reset(ctx context.Context, key string) error
}

// RedisLimiter implements Limiter on Redis so limits hold across instances.
// The counter for each key lives for one window; INCR and EXPIRE run in one
// pipeline.
type RedisLimiter struct {
	client *redis.Client
	prefix string
}

// NewRedisLimiter creates a Redis-backed limiter.
func NewRedisLimiter(client *redis.Client, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisLimiter{client: client, prefix: prefix}
}

// Check counts this request against the key's window. Redis errors are
// returned to the caller; policy (fail open or closed) belongs to the
// middleware.
func (rl *RedisLimiter) Check(ctx context.Context, key string, limit Limit) (*Result, error) {
	redisKey := fmt.Sprintf("%s:%s", rl.prefix, key)

	pipe := rl.client.Pipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, limit.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to check rate limit: %w", err)
	}

	count := incr.Val()

	ttl, err := rl.client.TTL(ctx, redisKey).Result()
	if err != nil || ttl < 0 {
		ttl = limit.Window
	}

	result := &Result{
		Allowed:   count <= int64(limit.Limit),
		Limit:     limit.Limit,
		Remaining: limit.Limit - int(count),
		ResetAt:   time.Now().Add(ttl),
	}
	if result.Remaining < 0 {
		result.Remaining = 0
	}
	if !result.Allowed {
		result.RetryAfter = ttl
	}
	return result, nil
}

// Reset clears the counter for a key.
func (rl *RedisLimiter) Reset(ctx context.Context, key string) error {
	if err := rl.client.Del(ctx, fmt.Sprintf("%s:%s", rl.prefix, key)).Err(); err != nil {
		return fmt.Errorf("failed to reset rate limit: %w", err)
	}
	return nil
}

// MemoryLimiter implements Limiter with in-process counters. Limits are not
// shared across instances; use the Redis limiter in production.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*memoryWindow
}

type memoryWindow struct {
	count   int
	resetAt time.Time
}

// NewMemoryLimiter creates an in-memory limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{windows: make(map[string]*memoryWindow)}
}

// Check counts this request against the key's window.
func (ml *MemoryLimiter) Check(ctx context.Context, key string, limit Limit) (*Result, error) {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	now := time.Now()
	window, ok := ml.windows[key]
	if !ok || now.After(window.resetAt) {
		window = &memoryWindow{resetAt: now.Add(limit.Window)}
		ml.windows[key] = window
	}
	window.count++

	result := &Result{
		Allowed:   window.count <= limit.Limit,
		Limit:     limit.Limit,
		Remaining: limit.Limit - window.count,
		ResetAt:   window.resetAt,
	}
	if result.Remaining < 0 {
		result.Remaining = 0
	}
	if !result.Allowed {
		result.RetryAfter = time.Until(window.resetAt)
	}
	return result, nil
}

// Reset clears the counter for a key.
func (ml *MemoryLimiter) Reset(ctx context.Context, key string) error {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	delete(ml.windows, key)
	return nil
}
