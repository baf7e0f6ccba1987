package mediator

import (
	"context"

	"go.catga.dev/resilience"
	"go.catga.dev/result"
)

const behaviorRetry = "retry"

// RetryBehavior re-runs the downstream pipeline on retryable failures
// with jittered exponential backoff. Place it after idempotency so
// dedup is checked once per dispatch, not once per attempt.
type RetryBehavior struct {
	policy resilience.RetryPolicy
}

// NewRetryBehavior creates the retry behavior with the given policy.
func NewRetryBehavior(policy resilience.RetryPolicy) *RetryBehavior {
	return &RetryBehavior{policy: policy}
}

// Name implements Behavior.
func (b *RetryBehavior) Name() string { return behaviorRetry }

// Handle implements Behavior.
func (b *RetryBehavior) Handle(ctx context.Context, inv *Invocation, next Next) result.Result[any] {
	return resilience.Retry(ctx, inv.TypeName(), b.policy, resilience.Operation[any](next))
}
