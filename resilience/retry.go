// Package resilience provides the four composable fault-handling
// primitives used around handler execution and I/O: retry with
// jittered backoff, a circuit breaker, a bulkhead, and a FIFO
// concurrency limiter. Each is usable standalone and is side-effect
// free when the wrapped operation is.
package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.catga.dev/metrics"
	"go.catga.dev/result"
)

// Operation is a unit of work guarded by a resilience primitive.
type Operation[T any] func(ctx context.Context) result.Result[T]

// RetryPolicy configures exponential backoff. Only transient failure
// kinds (Unavailable, Timeout) are retried.
type RetryPolicy struct {
	// MaxAttempts is the total attempt count including the first try
	MaxAttempts int

	// BaseDelay is the delay before the first retry
	BaseDelay time.Duration

	// MaxDelay caps the backoff growth
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns 3 attempts with 100ms base and 5s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

// Delay computes the backoff before retry number attempt (1-based),
// with jitter uniform in [0.5x, 1.5x].
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	jitter := 0.5 + rand.Float64()
	return time.Duration(float64(delay) * jitter)
}

// Retry runs op, retrying transient failures per the policy. The name
// labels the retry counter. Cancellation during a backoff wait returns
// Cancelled immediately.
func Retry[T any](ctx context.Context, name string, p RetryPolicy, op Operation[T]) result.Result[T] {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	var last result.Result[T]
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return result.FromError[T](err)
		}

		last = op(ctx)
		if last.IsSuccess() || !last.Kind().Retryable() {
			return last
		}
		if attempt == p.MaxAttempts {
			break
		}

		metrics.CountRetry(name)

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return result.FromError[T](ctx.Err())
		case <-timer.C:
		}
	}
	return last
}
