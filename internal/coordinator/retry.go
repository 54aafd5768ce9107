package coordinator

import (
	"context"
	"errors"
	"time"
)

// Retry defaults for transient storage failures
const (
	DefaultMaxAttempts = 3
	InitialBackoffMs   = 20
	MaxBackoffMs       = 200
	BackoffMultiplier  = 2.0
)

// RetryConfig configures exponential backoff retry behavior
type RetryConfig struct {
	MaxAttempts int           // Total attempts, including the first
	BaseDelay   time.Duration // Initial delay between attempts
	MaxDelay    time.Duration // Maximum delay between attempts
	Multiplier  float64       // Exponential backoff multiplier
}

// DefaultRetryConfig returns the retry policy used for order transactions
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   time.Duration(InitialBackoffMs) * time.Millisecond,
		MaxDelay:    time.Duration(MaxBackoffMs) * time.Millisecond,
		Multiplier:  BackoffMultiplier,
	}
}

// retryWithBackoff runs fn until it succeeds, returns an error retryable
// rejects, or the attempt budget is spent. It returns the number of attempts
// made. Retry is skipped on context cancellation; the last failure is then
// returned joined with the context error.
func retryWithBackoff[T any](ctx context.Context, config RetryConfig, retryable func(error) bool, fn func(attempt int) (T, error)) (T, int, error) {
	var lastErr error
	var zero T
	backoff := config.BaseDelay
	maxAttempts := config.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := fn(attempt)
		if err == nil {
			return result, attempt, nil
		}

		lastErr = err

		if !retryable(err) {
			return zero, attempt, err
		}

		// Don't retry on context cancellation
		if ctx.Err() != nil {
			return zero, attempt, errors.Join(lastErr, ctx.Err())
		}

		// Apply exponential backoff before next attempt
		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return zero, attempt, errors.Join(lastErr, ctx.Err())
			case <-time.After(backoff):
				backoff = time.Duration(float64(backoff) * config.Multiplier)
				if backoff > config.MaxDelay {
					backoff = config.MaxDelay
				}
			}
		}
	}

	return zero, maxAttempts, lastErr
}
