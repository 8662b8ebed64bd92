package actions

import (
	"context"
	"errors"
	"net"
	"time"
)

// RetryPolicy controls webhook redelivery.
type RetryPolicy struct {
	// MaxAttempts includes the first try. Zero means one attempt.
	MaxAttempts int `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`

	// Backoff is multiplied by the attempt number between tries.
	Backoff time.Duration `yaml:"backoff,omitempty" json:"backoff,omitempty"`
}

// retryableError marks a failure worth another attempt.
type retryableError struct{ err error }

func (e retryableError) Error() string { return e.err.Error() }
func (e retryableError) Unwrap() error { return e.err }

type attemptFunc func(ctx context.Context, attempt int) error

func doWithRetry(ctx context.Context, policy RetryPolicy, fn attemptFunc) (int, error) {
	normalized := normalizeRetryPolicy(policy)
	var lastErr error

	for attempt := 1; attempt <= normalized.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt, err
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return attempt, nil
		}
		if attempt == normalized.MaxAttempts || !isRetryableError(lastErr) {
			return attempt, lastErr
		}

		wait := retryBackoffDuration(normalized, attempt)
		if wait <= 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}
	}

	return normalized.MaxAttempts, lastErr
}

func normalizeRetryPolicy(policy RetryPolicy) RetryPolicy {
	out := policy
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 1
	}
	if out.Backoff < 0 {
		out.Backoff = 0
	}
	return out
}

func retryBackoffDuration(policy RetryPolicy, attempt int) time.Duration {
	if policy.Backoff <= 0 || attempt <= 0 {
		return 0
	}
	return policy.Backoff * time.Duration(attempt)
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var re retryableError
	if errors.As(err, &re) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
