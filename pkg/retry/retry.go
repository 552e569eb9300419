// Package retry provides backoff policies and the loop that applies them.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// NonRetryableError wraps errors that should not be retried
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("non-retryable: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// NonRetryable wraps an error to indicate it should not be retried
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable checks if an error is marked as non-retryable
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	return errors.As(err, &nre)
}

type options struct {
	onRetry func(attempt int, err error, delay time.Duration)
	retryIf func(err error) bool
}

// Option customizes Do.
type Option func(*options)

// OnRetry registers a hook called after each failed attempt that will be
// retried, with the delay about to be waited.
func OnRetry(fn func(attempt int, err error, delay time.Duration)) Option {
	return func(o *options) { o.onRetry = fn }
}

// RetryIf limits retries to errors for which fn returns true.
func RetryIf(fn func(err error) bool) Option {
	return func(o *options) { o.retryIf = fn }
}

// Do executes fn until it succeeds, the policy is exhausted, fn returns a
// NonRetryable error, or ctx is cancelled during a backoff wait.
func Do(ctx context.Context, policy Policy, fn func() error, opts ...Option) error {
	if policy.initialDelay <= 0 {
		return fmt.Errorf("retry: %w", invalid("zero policy"))
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if IsNonRetryable(err) {
			return err
		}
		if o.retryIf != nil && !o.retryIf(err) {
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("retry cancelled before attempt %d: %w", attempt+1, ctx.Err())
		}
		if !policy.ShouldRetry(attempt) {
			break
		}

		delay := policy.Delay(attempt)
		if o.onRetry != nil {
			o.onRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled during backoff for attempt %d: %w", attempt+1, ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("retry failed after %d attempts: %w", policy.maxAttempts, lastErr)
}

// DoWithResult executes fn with retry and returns both result and error
func DoWithResult[T any](ctx context.Context, policy Policy, fn func() (T, error), opts ...Option) (T, error) {
	var result T
	err := Do(ctx, policy, func() error {
		var innerErr error
		result, innerErr = fn()
		return innerErr
	}, opts...)
	return result, err
}
