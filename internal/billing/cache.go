package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const statusKeyPrefix = "billing:status:"

// RedisStatusCache caches profile subscription status with a short TTL so the
// access gate does not hit postgres on every request. The reconciler
// invalidates entries after each applied event, so the TTL only bounds
// staleness when invalidation itself fails.
type RedisStatusCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStatusCache creates a status cache. A non-positive ttl falls back
// to one minute.
func NewRedisStatusCache(client *redis.Client, ttl time.Duration) *RedisStatusCache {
	if client == nil {
		panic("billing: redis client is required")
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisStatusCache{client: client, ttl: ttl}
}

func statusKey(userID uuid.UUID) string {
	return fmt.Sprintf("%s%s", statusKeyPrefix, userID)
}

// Get returns the cached status for the user, reporting a miss without error.
func (c *RedisStatusCache) Get(ctx context.Context, userID uuid.UUID) (ProfileStatus, bool, error) {
	val, err := c.client.Get(ctx, statusKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read status cache: %w", err)
	}
	return ProfileStatus(val), true, nil
}

// Set stores the status under the cache TTL.
func (c *RedisStatusCache) Set(ctx context.Context, userID uuid.UUID, status ProfileStatus) error {
	if err := c.client.Set(ctx, statusKey(userID), string(status), c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write status cache: %w", err)
	}
	return nil
}

// Invalidate drops the cached status for the user.
func (c *RedisStatusCache) Invalidate(ctx context.Context, userID uuid.UUID) error {
	if err := c.client.Del(ctx, statusKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate status cache: %w", err)
	}
	return nil
}
