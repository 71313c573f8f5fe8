// Package ratelimit provides request limiting for the API surface: a
// sliding-window limiter keyed by api key (in-memory or shared via
// Redis) and a token-bucket limiter keyed by client IP for routes that
// carry no api key.
package ratelimit

import (
	"context"
	"time"
)

// Window is the rate limit accounting period.
const Window = time.Minute

// Decision is the outcome of a limiter check. RetryAfter is set only
// when the request is denied.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter answers whether a request under the given key may proceed.
// Capacity is the number of requests allowed per window; a non-positive
// capacity disables limiting for the key.
type Limiter interface {
	Allow(ctx context.Context, key string, capacity int) (Decision, error)
}
