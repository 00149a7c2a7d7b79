package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// entry is the token bucket for one key and the last time it was used.
type entry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// MemoryLimiter implements Limiter with an in-memory token bucket per key.
// A background goroutine evicts keys idle for longer than staleThreshold.
type MemoryLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*entry
	now     func() time.Time

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a token bucket limiter allowing perSecond
// sustained requests per key with bursts of up to burst. Call Close to stop
// the cleanup goroutine.
func NewMemoryLimiter(perSecond float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		buckets: make(map[string]*entry),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go m.cleanup()
	return m
}

// Allow consumes one token from the bucket for key.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e, ok := m.buckets[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(m.limit, m.burst)}
		m.buckets[key] = e
	}
	e.lastAccess = now
	return e.limiter.AllowN(now, 1), nil
}

// RetryAfter estimates how long key must wait for its next token.
func (m *MemoryLimiter) RetryAfter(key string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.buckets[key]
	if !ok {
		return 0
	}
	now := m.now()
	tokens := e.limiter.TokensAt(now)
	if tokens >= 1 || m.limit <= 0 {
		return 0
	}
	return time.Duration((1 - tokens) / float64(m.limit) * float64(time.Second))
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

const staleThreshold = 10 * time.Minute

func (m *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

func (m *MemoryLimiter) evictStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-staleThreshold)
	for key, e := range m.buckets {
		if e.lastAccess.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
