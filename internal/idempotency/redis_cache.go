package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// processingSentinel marks a key as "claimed, result not yet known" in
// Redis, distinguishing an in-flight submission from a finished one
// without a second round-trip.
const processingSentinel = "\x00processing"

// RedisCache is the distributed variant of Cache, for deployments running
// more than one orchestrator process sharing one idempotency namespace
// (spec §3 Ownership: "Idempotency Cache owns its entries with a TTL").
// Grounded on the teacher's go-redis usage in cloud/internal/queue; SET
// NX EX gives the same "claim or fail" semantics as Cache.TryAcquireLock
// atomically, which a plain GET-then-SET never would across processes.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisCache creates a RedisCache. ttl <= 0 uses DefaultTTL.
func NewRedisCache(client *redis.Client, ttl time.Duration, keyPrefix string) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if keyPrefix == "" {
		keyPrefix = "orbitmesh:idempotency:"
	}
	return &RedisCache{client: client, ttl: ttl, prefix: keyPrefix}
}

func (c *RedisCache) redisKey(key string) string { return c.prefix + key }

// TryAcquireLock claims key atomically via SET NX.
func (c *RedisCache) TryAcquireLock(ctx context.Context, key string) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.redisKey(key), processingSentinel, c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency: acquire lock: %w", err)
	}
	return ok, nil
}

// SetResult overwrites the entry with the final job id, resetting the TTL.
func (c *RedisCache) SetResult(ctx context.Context, key, jobID string) error {
	if err := c.client.Set(ctx, c.redisKey(key), jobID, c.ttl).Err(); err != nil {
		return fmt.Errorf("idempotency: set result: %w", err)
	}
	return nil
}

// GetResult returns the cached job id, or ok=false if absent or still
// processing.
func (c *RedisCache) GetResult(ctx context.Context, key string) (string, bool, error) {
	v, err := c.client.Get(ctx, c.redisKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("idempotency: get result: %w", err)
	}
	if v == processingSentinel {
		return "", false, nil
	}
	return v, true, nil
}

// ReleaseLock drops a processing entry so a later retry isn't blocked by a
// submission that failed before producing a job.
func (c *RedisCache) ReleaseLock(ctx context.Context, key string) error {
	v, err := c.client.Get(ctx, c.redisKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("idempotency: release lock: %w", err)
	}
	if v != processingSentinel {
		return nil // already resolved to a real job id; don't clobber it
	}
	if err := c.client.Del(ctx, c.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("idempotency: release lock: %w", err)
	}
	return nil
}

// Adapter satisfies Store by running RedisCache's context-taking methods
// against context.Background(), for callers (the Orchestrator) that predate
// a notion of request-scoped cancellation for this cache.
type Adapter struct {
	Redis *RedisCache
}

func (a Adapter) TryAcquireLock(key string) bool {
	ok, err := a.Redis.TryAcquireLock(context.Background(), key)
	return err == nil && ok
}

func (a Adapter) SetResult(key, jobID string) {
	_ = a.Redis.SetResult(context.Background(), key, jobID)
}

func (a Adapter) GetResult(key string) (string, bool) {
	v, ok, err := a.Redis.GetResult(context.Background(), key)
	if err != nil {
		return "", false
	}
	return v, ok
}

func (a Adapter) IsProcessing(key string) bool {
	_, ok, err := a.Redis.GetResult(context.Background(), key)
	if err != nil || ok {
		return false
	}
	v, err := a.Redis.client.Get(context.Background(), a.Redis.redisKey(key)).Result()
	return err == nil && v == processingSentinel
}

func (a Adapter) ReleaseLock(key string) {
	_ = a.Redis.ReleaseLock(context.Background(), key)
}
