package unifiedllm

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDelayForAttemptBounds(t *testing.T) {
	cfg := RetryConfig{InitialDelayMs: 1000, BackoffMultiplier: 2.0, MaxDelayMs: 30_000}

	// Jitter is +/-20%, so attempt 1 lands in [800ms, 1200ms].
	for i := 0; i < 100; i++ {
		got := cfg.DelayForAttempt(1)
		if got < 800*time.Millisecond || got > 1200*time.Millisecond {
			t.Fatalf("attempt 1 delay out of jitter bounds: %v", got)
		}
	}

	// Attempt 3 base is 4s: [3.2s, 4.8s].
	for i := 0; i < 100; i++ {
		got := cfg.DelayForAttempt(3)
		if got < 3200*time.Millisecond || got > 4800*time.Millisecond {
			t.Fatalf("attempt 3 delay out of jitter bounds: %v", got)
		}
	}
}

func TestDelayForAttemptCapped(t *testing.T) {
	cfg := RetryConfig{InitialDelayMs: 1000, BackoffMultiplier: 2.0, MaxDelayMs: 5000}

	// Attempt 10 would be 512s uncapped; the cap plus jitter bounds it to 6s.
	for i := 0; i < 100; i++ {
		if got := cfg.DelayForAttempt(10); got > 6*time.Second {
			t.Fatalf("expected capped delay, got %v", got)
		}
	}
}

func TestRetrySucceedsAfterRateLimits(t *testing.T) {
	hint := 50 * time.Millisecond
	attempts := 0
	start := time.Now()

	result, err := Retry(context.Background(), DefaultRetryConfig(), nil, func(ctx context.Context) (string, error) {
		attempts++
		if attempts <= 2 {
			return "", &RateLimitError{
				ProviderError: ProviderError{Provider: "mock", Message: "slow down"},
				RetryAfter:    hint,
			}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "ok" {
		t.Errorf("expected ok, got %q", result)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
	// Two waits honoring the 50ms server hint.
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("expected at least 100ms of waits, got %v", elapsed)
	}
}

func TestRetryAttemptCountBounded(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 3, InitialDelayMs: 1, BackoffMultiplier: 1.0, MaxDelayMs: 1}
	attempts := 0
	_, err := Retry(context.Background(), cfg, nil, func(ctx context.Context) (int, error) {
		attempts++
		return 0, &NetworkError{ProviderError: ProviderError{Message: "down"}}
	})
	if err == nil {
		t.Fatal("expected final error")
	}
	if attempts != cfg.MaxRetries+1 {
		t.Errorf("expected %d attempts, got %d", cfg.MaxRetries+1, attempts)
	}
}

func TestRetryNonRetryablePropagates(t *testing.T) {
	attempts := 0
	_, err := Retry(context.Background(), DefaultRetryConfig(), nil, func(ctx context.Context) (int, error) {
		attempts++
		return 0, &AuthError{ProviderError: ProviderError{Message: "bad key"}}
	})
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
}

func TestRetryCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{MaxRetries: 3, InitialDelayMs: 10_000, BackoffMultiplier: 1.0, MaxDelayMs: 10_000}

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := Retry(ctx, cfg, nil, func(ctx context.Context) (int, error) {
		return 0, &NetworkError{ProviderError: ProviderError{Message: "down"}}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("cancellation did not interrupt the wait promptly: %v", elapsed)
	}
}

func TestRetryOnRetryCallback(t *testing.T) {
	var reported []int
	cfg := RetryConfig{MaxRetries: 2, InitialDelayMs: 1, BackoffMultiplier: 1.0, MaxDelayMs: 1}
	_, _ = Retry(context.Background(), cfg, func(err error, attempt int, delay time.Duration) {
		reported = append(reported, attempt)
	}, func(ctx context.Context) (int, error) {
		return 0, &NetworkError{ProviderError: ProviderError{Message: "down"}}
	})
	if len(reported) != 2 || reported[0] != 1 || reported[1] != 2 {
		t.Errorf("expected callbacks for attempts [1 2], got %v", reported)
	}
}
