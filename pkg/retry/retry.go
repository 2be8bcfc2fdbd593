// Package retry runs an operation again after transient failures with jittered backoff.
package retry

import (
	"context"
	"math/rand"
	"time"

	apperrors "signal_trader/pkg/errors"
)

// RetryPolicy defines how to retry an operation
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy is used by the order executor
var DefaultPolicy = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

// IsTransientFunc defines if an error is transient and should be retried
type IsTransientFunc func(error) bool

// Transient retries timeouts, rate limits and transport failures but never
// a venue rejection, a duplicate id or an unknown order.
func Transient(err error) bool {
	switch apperrors.KindOf(err) {
	case apperrors.KindTransient, apperrors.KindRateLimited:
		return true
	}
	return false
}

// Do executes fn with retries according to the policy
func Do(ctx context.Context, policy RetryPolicy, isTransient IsTransientFunc, fn func() error) error {
	_, err := DoValue(ctx, policy, isTransient, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoValue is Do for operations that return a value
func DoValue[T any](ctx context.Context, policy RetryPolicy, isTransient IsTransientFunc, fn func() (T, error)) (T, error) {
	if isTransient == nil {
		isTransient = Transient
	}
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := policy.InitialBackoff

	var (
		out T
		err error
	)
	for attempt := 0; attempt < attempts; attempt++ {
		out, err = fn()
		if err == nil {
			return out, nil
		}
		if !isTransient(err) || attempt == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-time.After(jitter(backoff)):
			backoff = minDuration(backoff*2, policy.MaxBackoff)
		}
	}
	return out, err
}

// jitter returns backoff plus up to half of it again
func jitter(backoff time.Duration) time.Duration {
	if backoff < 2 {
		return backoff
	}
	return backoff + time.Duration(rand.Int63n(int64(backoff/2)))
}

func minDuration(a, b time.Duration) time.Duration {
	if b > 0 && b < a {
		return b
	}
	return a
}
