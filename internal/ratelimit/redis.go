package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisRateLimiter keeps a sliding window per key in a sorted set scored by
// request time.
type RedisRateLimiter struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisRateLimiter(client *redis.Client, prefix string) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, prefix: prefix + ":rl:", now: time.Now}
}

func (r *RedisRateLimiter) Allow(ctx context.Context, key string, limit int) (bool, int, time.Time, error) {
	k := r.prefix + key
	now := r.now()
	windowStart := now.Add(-Window)

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, k, "0", strconv.FormatInt(windowStart.UnixNano(), 10))
	pipe.ZAdd(ctx, k, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: uuid.NewString(),
	})
	countCmd := pipe.ZCard(ctx, k)
	pipe.Expire(ctx, k, Window)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, time.Time{}, err
	}

	count := int(countCmd.Val())
	remaining := max(limit-count, 0)
	return count <= limit, remaining, now.Add(Window), nil
}
