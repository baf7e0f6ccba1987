package mediator

import (
	"context"
	"fmt"
	"reflect"

	"go.catga.dev/message"
	"go.catga.dev/result"
)

// RequestHandler processes one request and returns its response.
type RequestHandler[TReq message.Message, TRes any] func(ctx context.Context, req TReq) result.Result[TRes]

// EventHandler processes one event notification.
type EventHandler[TEvt message.Message] func(ctx context.Context, evt TEvt) error

// untypedHandler is the erased form stored in the registry.
type untypedHandler func(ctx context.Context, req any) result.Result[any]

type untypedEventHandler struct {
	name string
	fn   func(ctx context.Context, evt any) error
}

// Registry collects handlers and behaviors before Build freezes them
// into a Mediator. Registration is not safe for concurrent use; wire
// everything at startup.
type Registry struct {
	requests  map[reflect.Type]untypedHandler
	responses map[reflect.Type]func() any
	events    map[reflect.Type][]untypedEventHandler
	behaviors []Behavior
	built     bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		requests:  make(map[reflect.Type]untypedHandler),
		responses: make(map[reflect.Type]func() any),
		events:    make(map[reflect.Type][]untypedEventHandler),
	}
}

// RegisterRequest binds the handler for TReq. Exactly one handler per
// request type; a second registration is a wiring bug and errors.
func RegisterRequest[TReq message.Message, TRes any](r *Registry, handler RequestHandler[TReq, TRes]) error {
	if r.built {
		return fmt.Errorf("mediator: registry is frozen")
	}
	if handler == nil {
		return fmt.Errorf("mediator: nil handler")
	}
	reqType := reflect.TypeOf((*TReq)(nil)).Elem()
	if _, dup := r.requests[reqType]; dup {
		return fmt.Errorf("mediator: handler for %s already registered", reqType)
	}
	r.requests[reqType] = func(ctx context.Context, req any) result.Result[any] {
		typed, ok := req.(TReq)
		if !ok {
			return result.Failf[any](result.KindInternal,
				"request %T does not match handler for %s", req, reqType)
		}
		return result.Erase(handler(ctx, typed))
	}
	r.responses[reqType] = func() any { return new(TRes) }
	return nil
}

// RegisterEvent appends a handler for TEvt. Events allow any number
// of handlers, including zero.
func RegisterEvent[TEvt message.Message](r *Registry, name string, handler EventHandler[TEvt]) error {
	if r.built {
		return fmt.Errorf("mediator: registry is frozen")
	}
	if handler == nil {
		return fmt.Errorf("mediator: nil handler")
	}
	evtType := reflect.TypeOf((*TEvt)(nil)).Elem()
	r.events[evtType] = append(r.events[evtType], untypedEventHandler{
		name: name,
		fn: func(ctx context.Context, evt any) error {
			typed, ok := evt.(TEvt)
			if !ok {
				return fmt.Errorf("mediator: event %T does not match handler for %s", evt, evtType)
			}
			return handler(ctx, typed)
		},
	})
	return nil
}

// Use appends behaviors to the pipeline in execution order.
func (r *Registry) Use(behaviors ...Behavior) *Registry {
	r.behaviors = append(r.behaviors, behaviors...)
	return r
}

// Build freezes the registry into a Mediator. The pipeline order is
// validated: idempotency must wrap retry, otherwise each retry
// attempt would run its own dedup check against a half-recorded
// response.
func (r *Registry) Build(opts ...Option) (*Mediator, error) {
	if r.built {
		return nil, fmt.Errorf("mediator: registry already built")
	}
	if err := validatePipeline(r.behaviors); err != nil {
		return nil, err
	}
	r.built = true

	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return newMediator(r, options), nil
}

func validatePipeline(behaviors []Behavior) error {
	retryAt := -1
	for i, b := range behaviors {
		switch b.Name() {
		case behaviorRetry:
			if retryAt < 0 {
				retryAt = i
			}
		case behaviorIdempotency:
			if retryAt >= 0 && retryAt < i {
				return fmt.Errorf("mediator: %s behavior must come before %s", behaviorIdempotency, behaviorRetry)
			}
		}
	}
	return nil
}
