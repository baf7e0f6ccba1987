package resilience

import (
	"context"
	"sync/atomic"

	"go.catga.dev/result"
)

// Bulkhead bounds concurrency to M slots with at most Q callers
// waiting. A caller arriving when all slots are busy and the wait
// queue is full fails fast with Unavailable.
type Bulkhead struct {
	name     string
	slots    chan struct{}
	maxWait  int32
	waiting  atomic.Int32
}

// NewBulkhead creates a bulkhead with maxConcurrent slots and a wait
// queue of maxWaiting callers.
func NewBulkhead(name string, maxConcurrent, maxWaiting int) *Bulkhead {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if maxWaiting < 0 {
		maxWaiting = 0
	}
	return &Bulkhead{
		name:    name,
		slots:   make(chan struct{}, maxConcurrent),
		maxWait: int32(maxWaiting),
	}
}

// ExecuteBulkhead runs op inside the bulkhead.
func ExecuteBulkhead[T any](b *Bulkhead, ctx context.Context, op Operation[T]) result.Result[T] {
	// Fast path: a slot is free
	select {
	case b.slots <- struct{}{}:
	default:
		// All slots busy - join the wait queue if there is room
		if b.waiting.Add(1) > b.maxWait {
			b.waiting.Add(-1)
			return result.FailWith[T](result.NewError(result.KindUnavailable, "BULKHEAD_FULL",
				"bulkhead "+b.name+" rejected the call"))
		}
		select {
		case b.slots <- struct{}{}:
			b.waiting.Add(-1)
		case <-ctx.Done():
			b.waiting.Add(-1)
			return result.FromError[T](ctx.Err())
		}
	}
	defer func() { <-b.slots }()

	return op(ctx)
}

// InFlight returns the number of occupied slots.
func (b *Bulkhead) InFlight() int {
	return len(b.slots)
}

// Waiting returns the number of queued callers.
func (b *Bulkhead) Waiting() int {
	return int(b.waiting.Load())
}
