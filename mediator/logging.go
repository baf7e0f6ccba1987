package mediator

import (
	"context"
	"log/slog"
	"time"

	"go.catga.dev/result"
)

const behaviorLogging = "logging"

// LoggingBehavior logs every dispatch with its outcome and duration.
type LoggingBehavior struct{}

// NewLoggingBehavior creates the logging behavior.
func NewLoggingBehavior() *LoggingBehavior {
	return &LoggingBehavior{}
}

// Name implements Behavior.
func (b *LoggingBehavior) Name() string { return behaviorLogging }

// Handle implements Behavior.
func (b *LoggingBehavior) Handle(ctx context.Context, inv *Invocation, next Next) result.Result[any] {
	start := time.Now()
	res := next(ctx)
	elapsed := time.Since(start)

	if res.IsSuccess() {
		slog.Debug("Dispatch completed",
			"type", inv.TypeName(),
			"messageId", inv.MessageID,
			"duration", elapsed)
		return res
	}

	err := res.Err()
	attrs := []any{
		"type", inv.TypeName(),
		"messageId", inv.MessageID,
		"kind", err.Kind.String(),
		"error", err,
		"duration", elapsed,
	}
	if inv.CorrelationID != 0 {
		attrs = append(attrs, "correlationId", inv.CorrelationID)
	}
	// Transient failures are expected under load; keep them at warn
	if err.Kind.Retryable() {
		slog.Warn("Dispatch failed", attrs...)
	} else {
		slog.Error("Dispatch failed", attrs...)
	}
	return res
}
