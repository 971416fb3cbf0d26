package locking

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLocker holds leases in Redis via SET NX with a TTL, so they survive
// process restarts and expire if the holder crashes.
type RedisLocker struct {
	rdb *redis.Client
}

// NewRedisLocker creates a Redis-backed locker.
func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{rdb: rdb}
}

func lockKey(taskID string) string { return "task:lock:" + taskID }

// Acquire implements TaskLocker.
func (l *RedisLocker) Acquire(ctx context.Context, taskID string, ttl time.Duration) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, lockKey(taskID), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquiring task lock: %w", err)
	}
	return ok, nil
}

// Release implements TaskLocker.
func (l *RedisLocker) Release(ctx context.Context, taskID string) error {
	if err := l.rdb.Del(ctx, lockKey(taskID)).Err(); err != nil {
		return fmt.Errorf("releasing task lock: %w", err)
	}
	return nil
}
