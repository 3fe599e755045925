package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisRateLimiter implements sliding-window rate limiting over a redis
// sorted set per key. It satisfies negotiation.RateLimiter.
type RedisRateLimiter struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisRateLimiter creates a redis-backed rate limiter.
func NewRedisRateLimiter(client *redis.Client, logger *zap.Logger) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, logger: logger}
}

// Allow reports whether another event fits in the window. The sliding
// window holds one sorted-set member per admitted event, scored by its
// nanosecond timestamp.
func (r *RedisRateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	now := time.Now()
	windowStart := now.Add(-window)
	rateLimitKey := RateLimitPrefix + key

	pipe := r.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, rateLimitKey, "-inf", strconv.FormatInt(windowStart.UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, rateLimitKey)
	member := fmt.Sprintf("%d-%d", now.UnixNano(), now.Nanosecond()%1000)
	pipe.ZAdd(ctx, rateLimitKey, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: member,
	})
	pipe.Expire(ctx, rateLimitKey, window+time.Minute)

	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Error("rate limiter pipeline failed",
			zap.String("key", key),
			zap.Error(err))
		return false, fmt.Errorf("rate limiter pipeline failed: %w", err)
	}

	// countCmd saw the set before this event was added.
	allowed := countCmd.Val() < int64(limit)
	if !allowed {
		// Take the rejected event back out of the window.
		r.client.ZRem(ctx, rateLimitKey, member)
	}
	return allowed, nil
}

// Count returns how many events currently sit in the window for key.
func (r *RedisRateLimiter) Count(ctx context.Context, key string, window time.Duration) (int, error) {
	rateLimitKey := RateLimitPrefix + key
	windowStart := time.Now().Add(-window)

	count, err := r.client.ZCount(ctx, rateLimitKey,
		strconv.FormatInt(windowStart.UnixNano(), 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("rate limiter count failed: %w", err)
	}
	return int(count), nil
}

// Reset clears the window for key.
func (r *RedisRateLimiter) Reset(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, RateLimitPrefix+key).Err(); err != nil {
		return fmt.Errorf("rate limiter reset failed: %w", err)
	}
	return nil
}
