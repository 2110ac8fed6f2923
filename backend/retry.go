package backend

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy configures retry behavior with exponential backoff.
type RetryPolicy struct {
	MaxRetries        int     // total retry attempts (not counting initial)
	BaseDelay         float64 // initial delay in seconds
	MaxDelay          float64 // maximum delay between retries
	BackoffMultiplier float64 // exponential backoff factor
	Jitter            bool    // add random jitter to prevent thundering herd
	OnRetry           func(err error, attempt int, delay time.Duration)
}

// DefaultRetryPolicy returns the default policy used by the turn executor.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        2,
		BaseDelay:         1.0,
		MaxDelay:          30.0,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// Delay calculates the delay for attempt n (0-indexed).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := math.Min(p.BaseDelay*math.Pow(p.BackoffMultiplier, float64(attempt)), p.MaxDelay)
	if p.Jitter {
		// +/- 50% jitter
		delay = delay * (0.5 + rand.Float64())
	}
	return time.Duration(delay * float64(time.Second))
}

// Wait sleeps the backoff delay for the given attempt, honoring a
// provider-supplied Retry-After when present. It returns a non-nil error if
// the Retry-After exceeds the policy maximum or the context is cancelled.
func (p RetryPolicy) Wait(ctx context.Context, cause error, attempt int) error {
	delay := p.Delay(attempt)
	if ra := RetryAfterSeconds(cause); ra != nil {
		retryDelay := time.Duration(*ra * float64(time.Second))
		if retryDelay > time.Duration(p.MaxDelay*float64(time.Second)) {
			return cause
		}
		delay = retryDelay
	}
	if p.OnRetry != nil {
		p.OnRetry(cause, attempt+1, delay)
	}
	select {
	case <-ctx.Done():
		return &AbortError{BaseError: BaseError{Message: "cancelled during retry backoff", Cause: ctx.Err()}}
	case <-time.After(delay):
		return nil
	}
}

// Retry executes fn with the configured retry policy. Only retryable errors
// are retried.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	result, err := fn(ctx)
	if err == nil {
		return result, nil
	}

	for attempt := 0; attempt < policy.MaxRetries; attempt++ {
		if !IsRetryable(err) {
			return zero, err
		}
		if waitErr := policy.Wait(ctx, err, attempt); waitErr != nil {
			return zero, waitErr
		}
		result, err = fn(ctx)
		if err == nil {
			return result, nil
		}
	}

	return zero, err
}
