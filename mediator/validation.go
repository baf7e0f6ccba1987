package mediator

import (
	"context"

	"go.catga.dev/result"
)

const behaviorValidation = "validation"

// Validatable is implemented by messages that carry their own
// validation rules.
type Validatable interface {
	Validate() error
}

// ValidationBehavior rejects invalid messages before they reach the
// handler. Messages that do not implement Validatable pass through.
type ValidationBehavior struct{}

// NewValidationBehavior creates the validation behavior.
func NewValidationBehavior() *ValidationBehavior {
	return &ValidationBehavior{}
}

// Name implements Behavior.
func (b *ValidationBehavior) Name() string { return behaviorValidation }

// Handle implements Behavior.
func (b *ValidationBehavior) Handle(ctx context.Context, inv *Invocation, next Next) result.Result[any] {
	if v, ok := inv.Request.(Validatable); ok {
		if err := v.Validate(); err != nil {
			return result.FailWith[any](result.WrapError(result.KindValidation, err))
		}
	}
	return next(ctx)
}
