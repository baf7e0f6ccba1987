// Package message defines the envelope types carried through the
// mediator and the transports: requests, events, QoS and delivery
// mode selectors.
package message

import (
	"time"

	"go.catga.dev/tsid"
)

// QoS selects the delivery guarantee for a message.
type QoS int

const (
	// AtMostOnce - fire and forget, no retry, no ack
	AtMostOnce QoS = 0

	// AtLeastOnce - delivery is retried until acknowledged; duplicates possible
	AtLeastOnce QoS = 1

	// ExactlyOnce - AtLeastOnce plus deduplication by message id
	ExactlyOnce QoS = 2
)

// String returns a human-readable QoS name.
func (q QoS) String() string {
	switch q {
	case AtMostOnce:
		return "at-most-once"
	case AtLeastOnce:
		return "at-least-once"
	case ExactlyOnce:
		return "exactly-once"
	default:
		return "unknown"
	}
}

// DeliveryMode controls how AtLeastOnce retries are scheduled.
type DeliveryMode int

const (
	// WaitForResult blocks the publisher until delivery settles
	WaitForResult DeliveryMode = iota

	// AsyncRetry returns immediately; retries run in the background
	AsyncRetry
)

// Message is implemented by every envelope routed through the mediator.
type Message interface {
	// MessageID returns the unique, time-sorted message identifier
	MessageID() int64
}

// Correlated is implemented by messages linked to a causal chain.
type Correlated interface {
	CorrelationID() int64
}

// QoSCarrier is implemented by messages that select their own QoS;
// others use the configured default.
type QoSCarrier interface {
	QoS() QoS
}

// Envelope is the embeddable base for request types. Immutable once
// constructed.
type Envelope struct {
	ID     int64
	CorrID int64
	Level  QoS
	Mode   DeliveryMode
}

// NewEnvelope allocates an envelope with a fresh message id.
func NewEnvelope() Envelope {
	return Envelope{ID: tsid.NewMessageID()}
}

// NewCorrelatedEnvelope allocates an envelope linked to a causal chain.
func NewCorrelatedEnvelope(correlationID int64) Envelope {
	return Envelope{ID: tsid.NewMessageID(), CorrID: correlationID}
}

// MessageID implements Message.
func (e Envelope) MessageID() int64 { return e.ID }

// CorrelationID implements Correlated. Zero means unset.
func (e Envelope) CorrelationID() int64 { return e.CorrID }

// QoS implements QoSCarrier.
func (e Envelope) QoS() QoS { return e.Level }

// DeliveryMode returns the retry scheduling mode.
func (e Envelope) DeliveryMode() DeliveryMode { return e.Mode }

// EventEnvelope is the embeddable base for event types. It adds the
// occurrence timestamp to Envelope.
type EventEnvelope struct {
	Envelope
	OccurredAt time.Time
}

// NewEventEnvelope allocates an event envelope stamped with now.
func NewEventEnvelope() EventEnvelope {
	return EventEnvelope{Envelope: NewEnvelope(), OccurredAt: time.Now().UTC()}
}

// IDOf extracts the message id, or zero when m carries none.
func IDOf(m any) int64 {
	if msg, ok := m.(Message); ok {
		return msg.MessageID()
	}
	return 0
}

// CorrelationOf extracts the correlation id, or zero when unset.
func CorrelationOf(m any) int64 {
	if c, ok := m.(Correlated); ok {
		return c.CorrelationID()
	}
	return 0
}

// QoSOf extracts the QoS, falling back to the given default.
func QoSOf(m any, def QoS) QoS {
	if q, ok := m.(QoSCarrier); ok {
		return q.QoS()
	}
	return def
}
