// Package ratelimit limits how often clients may start pipeline runs.
//
// MemoryLimiter keeps one token bucket per key in process memory. Keys are
// opaque to the limiter; the HTTP middleware derives them from the request.
package ratelimit

import (
	"context"
	"time"
)

// Limiter decides whether a request identified by key may proceed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow consumes one unit for key. A non-nil error means the limiter
	// itself failed, and the middleware lets the request through.
	Allow(ctx context.Context, key string) (bool, error)
	Close() error
}

// RetryAdvisor is implemented by limiters that can say how long a denied
// key should wait. The middleware turns it into a Retry-After header.
type RetryAdvisor interface {
	RetryAfter(key string) time.Duration
}

// NoopLimiter permits every request.
type NoopLimiter struct{}

func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }
func (NoopLimiter) Close() error                                  { return nil }

var (
	_ Limiter      = NoopLimiter{}
	_ Limiter      = (*MemoryLimiter)(nil)
	_ RetryAdvisor = (*MemoryLimiter)(nil)
)
