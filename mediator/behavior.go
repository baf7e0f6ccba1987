package mediator

import (
	"context"
	"reflect"

	"go.catga.dev/result"
)

// Invocation carries one dispatch through the behavior pipeline.
type Invocation struct {
	// Request is the message being dispatched
	Request any

	// RequestType is the concrete message type
	RequestType reflect.Type

	// MessageID and CorrelationID identify the message; zero when
	// the message carries none
	MessageID     int64
	CorrelationID int64

	// IsEvent is true for event fan-out, false for request dispatch
	IsEvent bool

	// NewResponse allocates a pointer to the handler's response type,
	// letting behaviors decode a stored response without knowing it
	// statically. Nil for events.
	NewResponse func() any
}

// TypeName returns the short name of the message type.
func (inv *Invocation) TypeName() string {
	t := inv.RequestType
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil {
		return "<nil>"
	}
	return t.Name()
}

// Next advances the pipeline toward the handler.
type Next func(ctx context.Context) result.Result[any]

// Behavior wraps handler execution. Behaviors run in registration
// order: the first registered sees the invocation first and the
// handler's result last.
type Behavior interface {
	// Name identifies the behavior in logs and pipeline checks
	Name() string

	// Handle processes the invocation, calling next zero or more times
	Handle(ctx context.Context, inv *Invocation, next Next) result.Result[any]
}

// chain folds the pipeline around the terminal handler call.
func chain(behaviors []Behavior, inv *Invocation, terminal Next) Next {
	next := terminal
	for i := len(behaviors) - 1; i >= 0; i-- {
		b := behaviors[i]
		inner := next
		next = func(ctx context.Context) result.Result[any] {
			return b.Handle(ctx, inv, inner)
		}
	}
	return next
}
