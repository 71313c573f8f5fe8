package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// RedisLimiter shares rate limit state across replicas using a counter
// per fixed window bucket (INCR + EXPIRE). Redis being unreachable never
// fails a request: the limiter answers permissively and counts the
// degradation so operators can alert on it.
type RedisLimiter struct {
	client   *redis.Client
	degraded prometheus.Counter
	logger   *slog.Logger
}

// NewRedisLimiter wraps a Redis client. The degraded counter may be nil.
func NewRedisLimiter(client *redis.Client, degraded prometheus.Counter, logger *slog.Logger) *RedisLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLimiter{client: client, degraded: degraded, logger: logger}
}

// Allow increments the key's bucket for the current window.
func (l *RedisLimiter) Allow(ctx context.Context, key string, capacity int) (Decision, error) {
	if capacity <= 0 {
		return Decision{Allowed: true}, nil
	}

	now := time.Now()
	windowStart := now.Truncate(Window)
	bucket := fmt.Sprintf("ratelimit:%s:%d", key, windowStart.Unix())

	var count *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		count = pipe.Incr(ctx, bucket)
		pipe.Expire(ctx, bucket, Window+time.Second)
		return nil
	})
	if err != nil {
		if l.degraded != nil {
			l.degraded.Inc()
		}
		l.logger.Warn("rate limiter degraded, allowing request", "error", err)
		return Decision{Allowed: true}, nil
	}

	n := int(count.Val())
	if n > capacity {
		return Decision{
			Remaining:  0,
			RetryAfter: windowStart.Add(Window).Sub(now),
		}, nil
	}
	return Decision{Allowed: true, Remaining: capacity - n}, nil
}
