package unifiedllm

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryConfig configures automatic retry of transient provider errors.
type RetryConfig struct {
	MaxRetries        int     // retry attempts beyond the initial call (0 = no retries)
	InitialDelayMs    int64   // delay before the first retry
	BackoffMultiplier float64 // applied to the delay after each attempt
	MaxDelayMs        int64   // cap on the computed delay
}

// DefaultRetryConfig returns the default retry policy: 3 retries, 1s
// initial delay, 2x backoff, 30s cap.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialDelayMs:    1000,
		BackoffMultiplier: 2.0,
		MaxDelayMs:        30_000,
	}
}

// NoRetry disables retries entirely.
func NoRetry() RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.MaxRetries = 0
	return cfg
}

// DelayForAttempt computes the backoff delay for a retry attempt
// (1-indexed): min(maxDelay, initial * multiplier^(attempt-1)) with a
// uniform +/-20% jitter.
func (c RetryConfig) DelayForAttempt(attempt int) time.Duration {
	base := float64(c.InitialDelayMs) * math.Pow(c.BackoffMultiplier, float64(attempt-1))
	capped := math.Min(base, float64(c.MaxDelayMs))
	jitter := 0.8 + rand.Float64()*0.4
	return time.Duration(capped*jitter) * time.Millisecond
}

// Retry invokes fn up to MaxRetries+1 times, sleeping between attempts.
// Only rate limit and network errors are retried; a server-supplied
// retry-after hint overrides the computed delay. Cancellation during the
// wait propagates as ctx.Err().
func Retry[T any](ctx context.Context, cfg RetryConfig, onRetry func(err error, attempt int, delay time.Duration), fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	result, err := fn(ctx)
	if err == nil {
		return result, nil
	}

	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		if !IsRetryable(err) {
			return zero, err
		}

		delay := cfg.DelayForAttempt(attempt)
		if hint, ok := RetryAfterHint(err); ok {
			delay = hint
		}

		if onRetry != nil {
			onRetry(err, attempt, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}

		result, err = fn(ctx)
		if err == nil {
			return result, nil
		}
	}

	return zero, err
}
