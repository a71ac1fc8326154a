package embed

import (
	"context"
	"time"
)

// BackoffKind selects how the delay between attempts grows.
type BackoffKind string

const (
	BackoffExponential BackoffKind = "exponential"
	BackoffFixed       BackoffKind = "fixed"
)

// RetryPolicy configures retries of one batch against one client.
type RetryPolicy struct {
	MaxAttempts int           // total attempts including the first
	Backoff     BackoffKind   // exponential or fixed
	BaseDelay   time.Duration // delay after the first failure
	MaxDelay    time.Duration // cap for exponential growth
	Multiplier  float64       // exponential growth factor
}

// DefaultRetryPolicy returns sensible defaults for API retry.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     BackoffExponential,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2.0,
	}
}

// Delay returns the wait after the given failed attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.Backoff == BackoffFixed || attempt <= 1 {
		return p.BaseDelay
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= mult
		if p.MaxDelay > 0 && d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	return time.Duration(d)
}

// retryWithBackoff calls fn up to MaxAttempts times, sleeping per the policy
// between attempts. onFailure sees every failed attempt. Retrying stops early
// on context cancellation or when the error is not transient.
// Returns the number of attempts made.
func retryWithBackoff[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error), onFailure func(error)) (T, int, error) {
	var zero T
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, attempt, nil
		}
		lastErr = err
		if onFailure != nil {
			onFailure(err)
		}

		if ctx.Err() != nil {
			return zero, attempt, ctx.Err()
		}
		if !IsTransient(err) || attempt == attempts {
			return zero, attempt, lastErr
		}

		timer := time.NewTimer(policy.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, attempt, ctx.Err()
		case <-timer.C:
		}
	}
	return zero, attempts, lastErr
}
