// Package entitlements resolves what a user is entitled to on a tool
// (plan, features, limits, credit balance) and caches the result in Redis
// with bounded staleness.
package entitlements

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// cacheKey builds the Redis key for a tool/user entitlement snapshot.
func cacheKey(toolID, oneSubUserID string) string {
	return fmt.Sprintf("ent:%s:%s", toolID, oneSubUserID)
}

// Cache stores entitlement snapshots in Redis.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache creates an entitlement cache with the given TTL.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

// Get returns the cached snapshot, or nil on a miss. Cache errors read as
// misses; the resolver falls through to storage.
func (c *Cache) Get(ctx context.Context, toolID, oneSubUserID string) (*Snapshot, error) {
	data, err := c.client.Get(ctx, cacheKey(toolID, oneSubUserID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read entitlement cache: %w", err)
	}

	snapshot := &Snapshot{}
	if err := json.Unmarshal(data, snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode cached snapshot: %w", err)
	}
	return snapshot, nil
}

// Set caches a snapshot for the configured TTL.
func (c *Cache) Set(ctx context.Context, snapshot *Snapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := c.client.Set(ctx, cacheKey(snapshot.ToolID, snapshot.OneSubUserID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write entitlement cache: %w", err)
	}
	return nil
}

// Invalidate drops the cached snapshot for one tool/user pair.
func (c *Cache) Invalidate(ctx context.Context, toolID, oneSubUserID string) error {
	if err := c.client.Del(ctx, cacheKey(toolID, oneSubUserID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate entitlement cache: %w", err)
	}
	return nil
}

// InvalidateAllForUser drops every cached snapshot for a user across all
// tools. Used when the user's balance or account-wide state changes.
func (c *Cache) InvalidateAllForUser(ctx context.Context, oneSubUserID string) error {
	return c.invalidatePattern(ctx, fmt.Sprintf("ent:*:%s", oneSubUserID))
}

// InvalidateAllForTool drops every cached snapshot for a tool across all
// users. Used when a tool's plans change.
func (c *Cache) InvalidateAllForTool(ctx context.Context, toolID string) error {
	return c.invalidatePattern(ctx, fmt.Sprintf("ent:%s:*", toolID))
}

func (c *Cache) invalidatePattern(ctx context.Context, pattern string) error {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("failed to scan entitlement cache: %w", err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("failed to invalidate entitlement cache: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
