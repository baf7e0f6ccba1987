package mediator

import (
	"context"

	"go.catga.dev/message"
	"go.catga.dev/result"
	"go.catga.dev/tracing"
)

const behaviorTracing = "tracing"

// TracingBehavior records one span per dispatch with the message
// identity and outcome.
type TracingBehavior struct{}

// NewTracingBehavior creates the tracing behavior.
func NewTracingBehavior() *TracingBehavior {
	return &TracingBehavior{}
}

// Name implements Behavior.
func (b *TracingBehavior) Name() string { return behaviorTracing }

// Handle implements Behavior.
func (b *TracingBehavior) Handle(ctx context.Context, inv *Invocation, next Next) result.Result[any] {
	op := tracing.OperationReceive
	if inv.IsEvent {
		op = tracing.OperationPublish
	}
	ctx, span := tracing.Start(ctx, "catga."+inv.TypeName(), op, "inproc", inv.TypeName())
	span.WithMessage(inv.MessageID, inv.TypeName(), message.QoSOf(inv.Request, message.AtLeastOnce), inv.CorrelationID)

	res := next(ctx)
	if res.IsSuccess() {
		span.End(nil)
	} else {
		span.End(res.Err())
	}
	return res
}
