package resilience

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// RetryConfig controls retry behavior.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts (including the first try).
	// A value of 1 means no retries. Default: 3.
	MaxAttempts int

	// Backoff returns the delay before a retry. retry is 1 for the first
	// retry. Without it retries run back to back.
	Backoff func(retry int, err error) time.Duration

	// ShouldRetry optionally overrides the default transient-error check.
	// If nil, IsTransient is used.
	ShouldRetry func(err error) bool

	// OnRetry is called before each retry sleep with the retry number and error.
	OnRetry func(retry int, err error)
}

// LinearBackoff waits step*retry, or the provider's retry-after hint when
// the error carries one.
func LinearBackoff(step time.Duration) func(int, error) time.Duration {
	return func(retry int, err error) time.Duration {
		if hint := RetryAfterOf(err); hint > 0 {
			return hint
		}
		return step * time.Duration(retry)
	}
}

// DoVal executes fn, retrying errors deemed transient (via ShouldRetry or
// the default IsTransient check). When ctx ends while a retry is still
// owed, the last error comes back wrapped as KindAborted.
func DoVal[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = IsTransient
	}

	var zero T
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		lastErr = err

		if !shouldRetry(lastErr) || attempt == cfg.MaxAttempts {
			return zero, lastErr
		}
		if ctx.Err() != nil {
			return zero, interrupted(lastErr, attempt)
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr)
		}

		var delay time.Duration
		if cfg.Backoff != nil {
			delay = cfg.Backoff(attempt, lastErr)
		}
		if err := Sleep(ctx, delay); err != nil {
			return zero, interrupted(lastErr, attempt)
		}
	}

	return zero, lastErr
}

func interrupted(err error, attempts int) *Error {
	return NewError(KindAborted, eris.Wrapf(err, "retry stopped after %d attempts", attempts))
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryLogger returns an OnRetry callback that logs each retry attempt.
func RetryLogger(service, operation string) func(int, error) {
	return func(retry int, err error) {
		zap.L().Warn("retrying operation",
			zap.String("service", service),
			zap.String("operation", operation),
			zap.Int("retry", retry),
			zap.String("kind", string(KindOf(err))),
			zap.Error(err),
		)
	}
}
