// Package mediator dispatches typed requests to their single handler
// and fans events out to their subscribers, running every dispatch
// through a composable behavior pipeline.
package mediator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"go.catga.dev/batch"
	"go.catga.dev/message"
	"go.catga.dev/metrics"
	"go.catga.dev/result"
)

// Options tune mediator runtime behavior.
type Options struct {
	// EventConcurrency bounds how many handlers of one event run at
	// the same time (default: 8)
	EventConcurrency int

	// Scheduler, when set, backs SendBuffered with the auto-batching
	// scheduler. Request types are registered on it at Build time.
	Scheduler *batch.Scheduler
}

func defaultOptions() Options {
	return Options{EventConcurrency: 8}
}

// Option mutates Options at Build time.
type Option func(*Options)

// WithEventConcurrency bounds concurrent event handlers per Publish.
func WithEventConcurrency(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.EventConcurrency = n
		}
	}
}

// WithScheduler backs SendBuffered with the given batch scheduler.
func WithScheduler(s *batch.Scheduler) Option {
	return func(o *Options) { o.Scheduler = s }
}

// Mediator is the frozen dispatch table built from a Registry.
// Safe for concurrent use.
type Mediator struct {
	requests  map[reflect.Type]untypedHandler
	responses map[reflect.Type]func() any
	events    map[reflect.Type][]untypedEventHandler
	behaviors []Behavior
	opts      Options
}

func newMediator(r *Registry, opts Options) *Mediator {
	m := &Mediator{
		requests:  r.requests,
		responses: r.responses,
		events:    r.events,
		behaviors: r.behaviors,
		opts:      opts,
	}
	if opts.Scheduler != nil {
		for reqType := range m.requests {
			m.registerBatchType(opts.Scheduler, reqType)
		}
	}
	return m
}

// registerBatchType binds one request type to the scheduler: a flush
// dispatches each buffered request through the normal pipeline.
func (m *Mediator) registerBatchType(s *batch.Scheduler, reqType reflect.Type) {
	name := typeName(reqType)
	_ = s.RegisterType(name, func(ctx context.Context, items []any) ([]result.Result[any], error) {
		out := make([]result.Result[any], len(items))
		for i, item := range items {
			req, ok := item.(message.Message)
			if !ok {
				out[i] = result.Failf[any](result.KindInternal, "batch item %T is not a message", item)
				continue
			}
			out[i] = m.dispatch(ctx, req)
		}
		return out, nil
	}, nil)
}

func typeName(t reflect.Type) string {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// Send dispatches one request and returns its typed response.
func Send[TRes any](ctx context.Context, m *Mediator, req message.Message) result.Result[TRes] {
	return result.Restore[TRes](m.dispatch(ctx, req))
}

// dispatch runs one request through the pipeline to its handler.
func (m *Mediator) dispatch(ctx context.Context, req message.Message) result.Result[any] {
	if err := ctx.Err(); err != nil {
		return result.FromError[any](err)
	}
	if req == nil {
		return result.FailWith[any](result.NewError(result.KindValidation, "NIL_REQUEST", "request must not be nil"))
	}

	reqType := reflect.TypeOf(req)
	handler, ok := m.requests[reqType]
	if !ok {
		return result.FailWith[any](result.NewError(result.KindNotFound, "HANDLER_NOT_FOUND",
			fmt.Sprintf("no handler registered for %s", reqType)))
	}

	inv := &Invocation{
		Request:       req,
		RequestType:   reqType,
		MessageID:     message.IDOf(req),
		CorrelationID: message.CorrelationOf(req),
		NewResponse:   m.responses[reqType],
	}

	start := time.Now()
	res := chain(m.behaviors, inv, func(ctx context.Context) result.Result[any] {
		return handler(ctx, req)
	})(ctx)
	metrics.ObserveDispatch(inv.TypeName(), start, res.IsSuccess())
	return res
}

// Publish fans an event out to every registered handler. All handlers
// run even when some fail; the returned error joins the failures.
// An event with no handlers is a no-op.
func Publish(ctx context.Context, m *Mediator, evt message.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if evt == nil {
		return result.NewError(result.KindValidation, "NIL_EVENT", "event must not be nil")
	}

	evtType := reflect.TypeOf(evt)
	handlers := m.events[evtType]
	metrics.CountEvent(typeName(evtType))
	if len(handlers) == 0 {
		return nil
	}

	inv := &Invocation{
		Request:       evt,
		RequestType:   evtType,
		MessageID:     message.IDOf(evt),
		CorrelationID: message.CorrelationOf(evt),
		IsEvent:       true,
	}

	sem := make(chan struct{}, m.opts.EventConcurrency)
	errs := make([]error, len(handlers))
	var wg sync.WaitGroup
	for i, h := range handlers {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, h untypedEventHandler) {
			defer wg.Done()
			defer func() { <-sem }()
			errs[i] = m.publishOne(ctx, inv, h)
		}(i, h)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// publishOne runs one event handler through the pipeline, isolating
// its failure from the other handlers.
func (m *Mediator) publishOne(ctx context.Context, inv *Invocation, h untypedEventHandler) error {
	res := chain(m.behaviors, inv, func(ctx context.Context) result.Result[any] {
		if err := h.fn(ctx, inv.Request); err != nil {
			return result.FromError[any](err)
		}
		return result.Ok[any](nil)
	})(ctx)

	if !res.IsSuccess() {
		slog.Error("Event handler failed",
			"event", inv.TypeName(),
			"handler", h.name,
			"error", res.Err())
		return fmt.Errorf("handler %s: %w", h.name, res.Err())
	}
	return nil
}

// SendBatch dispatches the requests in order and returns one result
// per request, index-aligned with the input. A failed item never
// stops the rest; cancellation fails the remaining items without
// dispatching them.
func SendBatch[TRes any](ctx context.Context, m *Mediator, reqs []message.Message) []result.Result[TRes] {
	out := make([]result.Result[TRes], len(reqs))
	for i, req := range reqs {
		if err := ctx.Err(); err != nil {
			cancelled := result.FromError[TRes](err)
			for j := i; j < len(reqs); j++ {
				out[j] = cancelled
			}
			return out
		}
		out[i] = result.Restore[TRes](m.dispatch(ctx, req))
	}
	return out
}

// PublishBatch publishes the events in order. Handler failures are
// collected, not short-circuited.
func PublishBatch(ctx context.Context, m *Mediator, evts []message.Message) error {
	var errs []error
	for _, evt := range evts {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := Publish(ctx, m, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SendBuffered enqueues the request on the batch scheduler and waits
// for its flush. Without a scheduler it degrades to a direct Send.
func SendBuffered[TRes any](ctx context.Context, m *Mediator, req message.Message) result.Result[TRes] {
	if m.opts.Scheduler == nil {
		return Send[TRes](ctx, m, req)
	}
	if req == nil {
		return result.FailWith[TRes](result.NewError(result.KindValidation, "NIL_REQUEST", "request must not be nil"))
	}
	ch := m.opts.Scheduler.Submit(ctx, typeName(reflect.TypeOf(req)), req)
	return result.Restore[TRes](batch.Await(ctx, ch))
}

// SendStream dispatches requests from in until it closes or ctx is
// cancelled, emitting one result per request in input order. The
// returned channel closes when the stream ends.
func SendStream[TRes any](ctx context.Context, m *Mediator, in <-chan message.Message) <-chan result.Result[TRes] {
	out := make(chan result.Result[TRes])
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case req, ok := <-in:
				if !ok {
					return
				}
				res := result.Restore[TRes](m.dispatch(ctx, req))
				select {
				case out <- res:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
