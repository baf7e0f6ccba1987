package mediator

import (
	"context"
	"log/slog"
	"reflect"

	"go.catga.dev/codec"
	"go.catga.dev/result"
	"go.catga.dev/store/idempotency"
)

const behaviorIdempotency = "idempotency"

// IdempotencyOptions tune the dedup behavior.
type IdempotencyOptions struct {
	// StoreFailures also marks non-retryable failures as processed,
	// so a duplicate replays the rejection instead of re-running the
	// handler. Retryable failures are never marked. Default: off,
	// failed dispatches may be retried by redelivery.
	StoreFailures bool
}

// IdempotencyBehavior suppresses duplicate dispatches by message id.
// The first successful dispatch stores its serialized response; a
// duplicate replays it without reaching the handler. Messages without
// an id and events pass through.
//
// Store outages fail open: a dispatch is never rejected because the
// dedup store is down.
type IdempotencyBehavior struct {
	store idempotency.Store
	codec codec.Codec
	opts  IdempotencyOptions
}

// NewIdempotencyBehavior creates the dedup behavior.
func NewIdempotencyBehavior(store idempotency.Store, c codec.Codec, opts IdempotencyOptions) *IdempotencyBehavior {
	return &IdempotencyBehavior{store: store, codec: c, opts: opts}
}

// Name implements Behavior.
func (b *IdempotencyBehavior) Name() string { return behaviorIdempotency }

// Handle implements Behavior.
func (b *IdempotencyBehavior) Handle(ctx context.Context, inv *Invocation, next Next) result.Result[any] {
	if inv.IsEvent || inv.MessageID == 0 {
		return next(ctx)
	}

	processed, err := b.store.HasBeenProcessed(ctx, inv.MessageID)
	if err != nil {
		slog.Warn("Idempotency check failed, dispatching anyway",
			"messageId", inv.MessageID, "error", err)
		return next(ctx)
	}
	if processed {
		return b.replay(ctx, inv)
	}

	res := next(ctx)
	if res.IsSuccess() {
		b.mark(ctx, inv, res.Value())
	} else if b.opts.StoreFailures && !res.Kind().Retryable() {
		b.mark(ctx, inv, nil)
	}
	return res
}

// replay returns the stored response for an already-processed id.
func (b *IdempotencyBehavior) replay(ctx context.Context, inv *Invocation) result.Result[any] {
	data, err := b.store.GetProcessedResult(ctx, inv.MessageID)
	if err != nil {
		slog.Warn("Stored response read failed",
			"messageId", inv.MessageID, "error", err)
	}
	if len(data) == 0 || inv.NewResponse == nil {
		return result.Ok[any](nil)
	}

	ptr := inv.NewResponse()
	if err := b.codec.Unmarshal(data, ptr); err != nil {
		slog.Warn("Stored response decode failed",
			"messageId", inv.MessageID, "error", err)
		return result.Ok[any](nil)
	}
	return result.Ok(reflect.ValueOf(ptr).Elem().Interface())
}

// mark records the id as processed, with the response when non-nil.
func (b *IdempotencyBehavior) mark(ctx context.Context, inv *Invocation, response any) {
	var data []byte
	if response != nil {
		var err error
		data, err = b.codec.Marshal(response)
		if err != nil {
			slog.Warn("Response serialize failed, marking without response",
				"messageId", inv.MessageID, "error", err)
			data = nil
		}
	}
	if err := b.store.MarkAsProcessed(ctx, inv.MessageID, data); err != nil {
		slog.Warn("Idempotency mark failed",
			"messageId", inv.MessageID, "error", err)
	}
}
