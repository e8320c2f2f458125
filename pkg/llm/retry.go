package llm

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/harunnryd/juru/pkg/resilience"
)

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
	IsRetryable func(error) bool
	// Sleep replaces the backoff wait. When nil the wait ends early if ctx
	// is done.
	Sleep func(time.Duration)
}

func Retry(ctx context.Context, cfg RetryConfig, fn func(context.Context) (Response, error)) (Response, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if cfg.IsRetryable == nil {
		cfg.IsRetryable = DefaultIsRetryable
	}
	var lastErr error
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := 0; i < cfg.MaxAttempts; i++ {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		resp, err := fn(ctx)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !cfg.IsRetryable(err) || i == cfg.MaxAttempts-1 {
			break
		}
		delay := backoffDelay(cfg.BaseDelay, cfg.MaxDelay, cfg.Jitter, i, r)
		if err := wait(ctx, cfg.Sleep, delay); err != nil {
			return Response{}, err
		}
	}
	return Response{}, fmt.Errorf("llm retry failed: %w", lastErr)
}

func wait(ctx context.Context, sleep func(time.Duration), d time.Duration) error {
	if sleep != nil {
		sleep(d)
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

// DefaultIsRetryable retries rate limits, vendor 5xx and transport errors,
// but never a cancelled or expired context.
func DefaultIsRetryable(err error) bool {
	return resilience.IsTransient(err)
}

func backoffDelay(base, max time.Duration, jitter float64, attempt int, r *rand.Rand) time.Duration {
	pow := math.Pow(2, float64(attempt))
	d := time.Duration(float64(base) * pow)
	if d > max {
		d = max
	}
	if jitter > 0 {
		j := time.Duration(float64(d) * jitter * r.Float64())
		return d + j
	}
	return d
}
