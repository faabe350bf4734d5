package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	limiter "github.com/ulule/limiter/v3"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// Limiter answers whether an event for a key is within its rate limit.
type Limiter interface {
	Allow(ctx context.Context, key string, window time.Duration, max int) (allowed bool, remaining int, reset time.Time, err error)
}

// RedisLimiter enforces rate limits through a shared Redis-backed store so
// limits hold across instances.
type RedisLimiter struct {
	Store limiter.Store
}

// NewRedisLimiter wires a limiter store on the given Redis client.
func NewRedisLimiter(rdb *redis.Client, prefix string) (*RedisLimiter, error) {
	store, err := limiterredis.NewStoreWithOptions(rdb, limiter.StoreOptions{Prefix: prefix})
	if err != nil {
		return nil, err
	}
	return &RedisLimiter{Store: store}, nil
}

// Allow registers an event for the key and reports whether it fits the
// window. A nil or unconfigured limiter always allows.
func (l *RedisLimiter) Allow(ctx context.Context, key string, window time.Duration, max int) (bool, int, time.Time, error) {
	if l == nil || l.Store == nil || max <= 0 || window <= 0 {
		return true, max, time.Now().Add(window), nil
	}
	rate := limiter.Rate{Period: window, Limit: int64(max)}
	res, err := limiter.New(l.Store, rate).Get(ctx, key)
	if err != nil {
		return false, 0, time.Now().Add(window), err
	}
	return !res.Reached, int(res.Remaining), time.Unix(res.Reset, 0), nil
}
