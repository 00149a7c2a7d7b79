package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// RetryPolicy bounds how a write is retried on transient Postgres errors.
// Delays double from BaseDelay, are capped at MaxDelay when it is set, and
// carry up to BaseDelay of jitter.
type RetryPolicy struct {
	Retries   int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// recordPolicy is used for run history writes. They sit on the runner's
// emit path, so the total wait stays well under a second.
var recordPolicy = RetryPolicy{Retries: 3, BaseDelay: 50 * time.Millisecond, MaxDelay: 200 * time.Millisecond}

// isRetriable reports whether another attempt may succeed: serialization
// failures, deadlocks, and connection errors pgconn marks as safe because
// nothing reached the server.
func isRetriable(err error) bool {
	if pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01": // serialization_failure, deadlock_detected
		return true
	default:
		return false
	}
}

// Do runs fn until it succeeds, fails with a non-retriable error, the
// retries are used up, or ctx is done.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	var err error
	for attempt := range p.Retries + 1 {
		if err = fn(); err == nil || !isRetriable(err) || attempt == p.Retries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.delay(attempt)):
		}
	}
	return err
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay << attempt
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d + time.Duration(rand.Int64N(int64(p.BaseDelay)+1)) //nolint:gosec // jitter doesn't need crypto-strength randomness
}
