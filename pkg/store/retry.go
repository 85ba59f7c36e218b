package store

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryConfig bounds optimistic-concurrency retries.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig suits short in-process conflicts.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    500 * time.Millisecond,
	}
}

// RetryOnConflict runs fn until it succeeds, fails with a non-conflict
// error, or exhausts the attempt budget. Between attempts it sleeps an
// exponentially growing delay with full jitter, so competing writers spread
// out instead of colliding again.
func RetryOnConflict(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	var err error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := cfg.BaseDelay << (attempt - 1)
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
			jittered := time.Duration(rand.Int63n(int64(delay) + 1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(jittered):
			}
		}

		err = fn()
		if err == nil || !errors.Is(err, ErrConcurrencyConflict) {
			return err
		}
	}
	return err
}
