// Package resilience provides bounded retry loops for calls to external
// collaborators.
package resilience

import (
	"context"
	"time"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxAttempts int
	Interval    time.Duration
}

// DefaultRetryConfig matches the resolver contract: three attempts ten
// seconds apart.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		Interval:    10 * time.Second,
	}
}

// Retry executes fn up to cfg.MaxAttempts times, sleeping cfg.Interval
// between attempts. It returns nil on the first success, the last error
// otherwise, and the context error if the context is cancelled while
// waiting.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt < attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(cfg.Interval):
			}
		}
	}
	return lastErr
}
