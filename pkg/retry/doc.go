// Package retry provides immutable backoff policies and the loop that applies them.
//
// A Policy is built once from configuration and shared by every caller that
// retries the same class of work:
//
//	policy, err := retry.NewPolicy(1, 60, time.Second, 15)
//	if err != nil {
//	    return err // errors.ErrInvalidPolicy
//	}
//
// The delay before retry n starts at the initial delay, doubles, and is capped
// at the max delay. The schedule is deterministic; no jitter is applied.
//
// Bounded policies suit configuration loads:
//
//	table, err := retry.DoWithResult(ctx, policy, func() ([]station.Parameters, error) {
//	    return source.Load(ctx)
//	})
//
// Unlimited policies (maxAttempts == retry.Unlimited) never give up and only
// return when ctx is cancelled during a wait:
//
//	err := retry.Do(ctx, retry.Forever(), persist,
//	    retry.OnRetry(func(attempt int, err error, delay time.Duration) {
//	        logger.Warn("persist failed", "attempt", attempt, "error", err, "retry_in", delay)
//	    }))
//
// Errors wrapped with NonRetryable stop the loop immediately.
package retry
