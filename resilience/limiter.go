package resilience

import (
	"context"

	"go.catga.dev/result"
)

// Limiter bounds concurrency with FIFO fairness. Waiters blocked on
// Acquire are admitted in arrival order (channel send queuing is FIFO
// in the runtime). A caller cancelled while waiting reclaims no slot.
type Limiter struct {
	slots chan struct{}
}

// NewLimiter creates a limiter with the given slot count.
func NewLimiter(maxConcurrent int) *Limiter {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Limiter{slots: make(chan struct{}, maxConcurrent)}
}

// Acquire blocks until a slot is free or ctx is cancelled. On success
// the returned release function must be called exactly once.
func (l *Limiter) Acquire(ctx context.Context) (release func(), err error) {
	if err := ctx.Err(); err != nil {
		return nil, result.WrapError(result.KindCancelled, err)
	}
	select {
	case l.slots <- struct{}{}:
		return func() { <-l.slots }, nil
	case <-ctx.Done():
		return nil, result.WrapError(result.Classify(ctx.Err()), ctx.Err())
	}
}

// TryAcquire grabs a slot without waiting.
func (l *Limiter) TryAcquire() (release func(), ok bool) {
	select {
	case l.slots <- struct{}{}:
		return func() { <-l.slots }, true
	default:
		return nil, false
	}
}

// ExecuteLimited runs op under the limiter.
func ExecuteLimited[T any](l *Limiter, ctx context.Context, op Operation[T]) result.Result[T] {
	release, err := l.Acquire(ctx)
	if err != nil {
		return result.FromError[T](err)
	}
	defer release()
	return op(ctx)
}

// InFlight returns the number of occupied slots.
func (l *Limiter) InFlight() int {
	return len(l.slots)
}
