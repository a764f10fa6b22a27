package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter is a fixed-window limiter shared across instances, built on
// INCR plus a window-length expiry.
type RedisLimiter struct {
	client *redis.Client
}

func NewRedis(redisURL string) (*RedisLimiter, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("fail to parse redis url: %w", err)
	}
	return &RedisLimiter{client: redis.NewClient(opt)}, nil
}

// Allow implements Limiter.
func (rl *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (*Result, error) {
	now := time.Now()
	bucket := now.Truncate(window)
	redisKey := fmt.Sprintf("ratelimit:%s:%d", key, bucket.Unix())

	count, err := rl.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return nil, fmt.Errorf("fail to incr rate counter: %w", err)
	}
	if count == 1 {
		rl.client.Expire(ctx, redisKey, window)
	}

	resetAt := bucket.Add(window)
	if count > int64(limit) {
		rl.client.Decr(ctx, redisKey)
		return &Result{Allowed: false, Limit: limit, Remaining: 0, ResetAt: resetAt}, nil
	}
	return &Result{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - int(count),
		ResetAt:   resetAt,
	}, nil
}

func (rl *RedisLimiter) Close() error {
	return rl.client.Close()
}
