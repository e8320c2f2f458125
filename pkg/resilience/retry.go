package resilience

import (
	"context"
	"time"
)

// RetryPolicy defines retry behavior for transient failures.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
	// Retryable reports whether err is worth another attempt. Nil retries
	// everything except context cancellation.
	Retryable func(error) bool
}

func NewRetryPolicy(maxRetries int, backoff time.Duration) RetryPolicy {
	if maxRetries <= 0 {
		maxRetries = 2
	}
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return RetryPolicy{MaxRetries: maxRetries, Backoff: backoff}
}

// Do runs fn until it succeeds, the error is not retryable, retries are
// exhausted or ctx ends. Backoff doubles after each attempt.
func (r RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	var err error
	backoff := r.Backoff
	for i := 0; i <= r.MaxRetries; i++ {
		if cerr := ctx.Err(); cerr != nil {
			if err != nil {
				return err
			}
			return cerr
		}
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if i == r.MaxRetries || !r.retryable(err) {
			return err
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
		backoff *= 2
	}
	return err
}

func (r RetryPolicy) retryable(err error) bool {
	if ctxErr(err) {
		return false
	}
	if r.Retryable == nil {
		return true
	}
	return r.Retryable(err)
}
