// Package transport defines the message bus contract shared by the
// in-process, NATS, and Redis transports, together with the QoS
// delivery semantics layered on top of them.
package transport

import (
	"context"
	"time"

	"go.catga.dev/message"
)

// DefaultPrefix is the subject prefix when none is configured.
const DefaultPrefix = "catga"

// Subject builds the wire subject for a message type:
// "<prefix>.<TypeName>".
func Subject(prefix, msgType string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return prefix + "." + msgType
}

// MessageContext is the delivery metadata travelling with every
// payload.
type MessageContext struct {
	MessageID     int64
	MessageType   string
	CorrelationID int64
	SentAt        time.Time
	RetryCount    int
	Metadata      map[string]string
}

// Outgoing is one message handed to a transport.
type Outgoing struct {
	Context MessageContext
	Payload []byte

	// QoS selects the delivery guarantee (default AtLeastOnce)
	QoS message.QoS

	// Mode selects whether QoS1 retries run inline or in the
	// background
	Mode message.DeliveryMode
}

// Handler processes one delivered message. A non-nil error triggers
// redelivery according to the message's QoS.
type Handler func(ctx context.Context, mc MessageContext, payload []byte) error

// Subscription is an active subscription; Unsubscribe stops delivery.
type Subscription interface {
	Subject() string
	Unsubscribe() error
}

// Transport is the message bus contract. Implementations are safe for
// concurrent use.
type Transport interface {
	// Publish delivers one message to all subscribers of the subject
	// under the message's QoS
	Publish(ctx context.Context, subject string, msg Outgoing) error

	// PublishBatch delivers the messages in order; the first failed
	// message stops the batch and its error reports the position
	PublishBatch(ctx context.Context, subject string, msgs []Outgoing) error

	// Send delivers one message to a single destination (point to
	// point rather than fan-out)
	Send(ctx context.Context, destination string, msg Outgoing) error

	// Subscribe registers a handler for the subject
	Subscribe(ctx context.Context, subject string, handler Handler) (Subscription, error)

	// Close stops the transport; active subscriptions end
	Close() error
}
