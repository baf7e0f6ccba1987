// Package tracing opens the OpenTelemetry spans recorded at catga
// boundaries. When no tracer provider is installed the otel API
// returns no-op spans, so recording costs nothing in undecorated
// processes.
package tracing

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"go.catga.dev/message"
)

const instrumentation = "go.catga.dev"

// Operation names the messaging operation for a span.
type Operation string

const (
	OperationPublish Operation = "publish"
	OperationReceive Operation = "receive"
)

// Span wraps an otel span with the catga tag vocabulary.
type Span struct {
	span  trace.Span
	start time.Time
}

// Start opens a boundary span. system is the transport family
// ("inproc", "nats", "redis"), destination the subject or stream.
func Start(ctx context.Context, name string, op Operation, system, destination string) (context.Context, *Span) {
	ctx, span := otel.Tracer(instrumentation).Start(ctx, name,
		trace.WithSpanKind(spanKind(op)),
		trace.WithAttributes(
			attribute.String("messaging.system", system),
			attribute.String("messaging.destination.name", destination),
			attribute.String("messaging.operation", string(op)),
		),
	)
	return ctx, &Span{span: span, start: time.Now()}
}

func spanKind(op Operation) trace.SpanKind {
	if op == OperationReceive {
		return trace.SpanKindConsumer
	}
	return trace.SpanKindProducer
}

// WithMessage tags the span with message identity.
func (s *Span) WithMessage(id int64, msgType string, qos message.QoS, correlationID int64) *Span {
	s.span.SetAttributes(
		attribute.Int64("catga.message.id", id),
		attribute.String("catga.message.type", msgType),
		attribute.Int("catga.qos", int(qos)),
	)
	if correlationID != 0 {
		s.span.SetAttributes(attribute.Int64("catga.correlation_id", correlationID))
	}
	return s
}

// End closes the span, recording success or the failure message and
// the elapsed duration.
func (s *Span) End(err error) {
	success := err == nil
	s.span.SetAttributes(
		attribute.Bool("catga.success", success),
		attribute.Float64("catga.duration.ms", float64(time.Since(s.start).Microseconds())/1000.0),
	)
	if err != nil {
		s.span.SetAttributes(attribute.String("catga.error", err.Error()))
		s.span.SetStatus(codes.Error, err.Error())
		s.span.RecordError(err)
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.End()
}
