// Package natsq implements the transport contract on NATS JetStream.
// QoS0 publishes over plain NATS, QoS1/QoS2 over JetStream with
// explicit acks; QoS2 additionally sets Nats-Msg-Id so the broker's
// dedup window drops duplicates server-side.
package natsq

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"go.catga.dev/message"
	"go.catga.dev/metrics"
	"go.catga.dev/transport"
	"go.catga.dev/tsid"
)

// Header names carrying the message context on the wire.
const (
	headerMsgID    = "Catga-Msg-Id"
	headerMsgType  = "Catga-Msg-Type"
	headerCorrID   = "Catga-Corr-Id"
	headerSentAt   = "Catga-Sent-At"
	headerRetry    = "Catga-Retry"
	headerMetaPref = "Catga-Meta-"
)

// Options configure the JetStream transport.
type Options struct {
	// StreamName is the JetStream stream backing QoS1/QoS2 subjects
	StreamName string

	// SubjectPrefix scopes the stream's subjects ("<prefix>.>")
	SubjectPrefix string

	// ConsumerPrefix names durable consumers ("<prefix>-<subject>")
	ConsumerPrefix string

	// MaxAge bounds message retention in the stream
	MaxAge time.Duration

	// AckWait is how long JetStream waits for an ack before
	// redelivering
	AckWait time.Duration

	// MaxDeliver caps redeliveries per message
	MaxDeliver int

	// DedupWindow is the broker-side QoS2 dedup horizon
	DedupWindow time.Duration
}

// DefaultOptions returns the stock stream configuration.
func DefaultOptions() Options {
	return Options{
		StreamName:     "CATGA",
		SubjectPrefix:  transport.DefaultPrefix,
		ConsumerPrefix: "catga",
		MaxAge:         24 * time.Hour,
		AckWait:        2 * time.Minute,
		MaxDeliver:     5,
		DedupWindow:    2 * time.Minute,
	}
}

// Transport is the JetStream-backed transport.
type Transport struct {
	conn *nats.Conn
	js   jetstream.JetStream
	opts Options
}

// New connects the transport over an existing NATS connection and
// ensures its stream.
func New(ctx context.Context, conn *nats.Conn, opts Options) (*Transport, error) {
	if opts.StreamName == "" {
		opts = DefaultOptions()
	}
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	t := &Transport{conn: conn, js: js, opts: opts}
	if err := t.ensureStream(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// ensureStream creates or updates the backing stream.
func (t *Transport) ensureStream(ctx context.Context) error {
	cfg := jetstream.StreamConfig{
		Name:       t.opts.StreamName,
		Subjects:   []string{t.opts.SubjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.InterestPolicy,
		MaxAge:     t.opts.MaxAge,
		Replicas:   1,
		Discard:    jetstream.DiscardOld,
		MaxMsgs:    -1,
		MaxBytes:   -1,
		Duplicates: t.opts.DedupWindow,
	}

	if _, err := t.js.Stream(ctx, t.opts.StreamName); err != nil {
		if _, err := t.js.CreateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", t.opts.StreamName, err)
		}
		slog.Info("Created JetStream stream", "stream", t.opts.StreamName)
		return nil
	}
	if _, err := t.js.UpdateStream(ctx, cfg); err != nil {
		return fmt.Errorf("update stream %s: %w", t.opts.StreamName, err)
	}
	return nil
}

func buildMsg(subject string, msg transport.Outgoing) *nats.Msg {
	m := &nats.Msg{Subject: subject, Data: msg.Payload, Header: make(nats.Header)}
	m.Header.Set(headerMsgID, strconv.FormatInt(msg.Context.MessageID, 10))
	m.Header.Set(headerMsgType, msg.Context.MessageType)
	if msg.Context.CorrelationID != 0 {
		m.Header.Set(headerCorrID, strconv.FormatInt(msg.Context.CorrelationID, 10))
	}
	sentAt := msg.Context.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now().UTC()
	}
	m.Header.Set(headerSentAt, sentAt.Format(time.RFC3339Nano))
	if msg.Context.RetryCount > 0 {
		m.Header.Set(headerRetry, strconv.Itoa(msg.Context.RetryCount))
	}
	for k, v := range msg.Context.Metadata {
		m.Header.Set(headerMetaPref+k, v)
	}
	if msg.QoS == message.ExactlyOnce && msg.Context.MessageID != 0 {
		// Broker-side dedup within the stream's duplicate window
		m.Header.Set("Nats-Msg-Id", tsid.ToString(msg.Context.MessageID))
	}
	return m
}

func parseContext(m jetstream.Msg) transport.MessageContext {
	h := m.Headers()
	mc := transport.MessageContext{MessageType: h.Get(headerMsgType)}
	mc.MessageID, _ = strconv.ParseInt(h.Get(headerMsgID), 10, 64)
	mc.CorrelationID, _ = strconv.ParseInt(h.Get(headerCorrID), 10, 64)
	mc.RetryCount, _ = strconv.Atoi(h.Get(headerRetry))
	if ts, err := time.Parse(time.RFC3339Nano, h.Get(headerSentAt)); err == nil {
		mc.SentAt = ts
	}
	for key, vals := range h {
		if strings.HasPrefix(key, headerMetaPref) && len(vals) > 0 {
			if mc.Metadata == nil {
				mc.Metadata = make(map[string]string)
			}
			mc.Metadata[strings.TrimPrefix(key, headerMetaPref)] = vals[0]
		}
	}
	if meta, err := m.Metadata(); err == nil && meta.NumDelivered > 1 {
		mc.RetryCount = int(meta.NumDelivered) - 1
	}
	return mc
}

// Publish implements transport.Transport.
func (t *Transport) Publish(ctx context.Context, subject string, msg transport.Outgoing) error {
	var err error
	if msg.QoS == message.AtMostOnce {
		// Core NATS: no persistence, no ack
		err = t.conn.PublishMsg(buildMsg(subject, msg))
	} else {
		_, err = t.js.PublishMsg(ctx, buildMsg(subject, msg))
	}
	if err != nil {
		metrics.TransportPublishes.WithLabelValues(subject, "error").Inc()
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	metrics.TransportPublishes.WithLabelValues(subject, "ok").Inc()
	return nil
}

// PublishBatch implements transport.Transport.
func (t *Transport) PublishBatch(ctx context.Context, subject string, msgs []transport.Outgoing) error {
	for i, msg := range msgs {
		if err := t.Publish(ctx, subject, msg); err != nil {
			return fmt.Errorf("batch message %d: %w", i, err)
		}
	}
	return nil
}

// Send implements transport.Transport. NATS subjects are already
// point-to-point under a queue-group consumer, so Send is a Publish
// to the destination subject.
func (t *Transport) Send(ctx context.Context, destination string, msg transport.Outgoing) error {
	return t.Publish(ctx, destination, msg)
}

type natsSub struct {
	subject string
	cancel  func()
	cctx    jetstream.ConsumeContext
}

func (s *natsSub) Subject() string { return s.subject }

func (s *natsSub) Unsubscribe() error {
	if s.cctx != nil {
		s.cctx.Stop()
	}
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

// Subscribe implements transport.Transport with a durable JetStream
// consumer. The handler's error Naks the message for redelivery; an
// exhausted MaxDeliver parks it per stream policy.
func (t *Transport) Subscribe(ctx context.Context, subject string, handler transport.Handler) (transport.Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("transport: nil handler")
	}

	durable := t.opts.ConsumerPrefix + "-" + sanitize(subject)
	consumerCfg := jetstream.ConsumerConfig{
		Name:          durable,
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       t.opts.AckWait,
		MaxDeliver:    t.opts.MaxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		ReplayPolicy:  jetstream.ReplayInstantPolicy,
		MaxAckPending: 1000,
	}

	stream, err := t.js.Stream(ctx, t.opts.StreamName)
	if err != nil {
		return nil, fmt.Errorf("stream %s: %w", t.opts.StreamName, err)
	}
	consumer, err := stream.CreateOrUpdateConsumer(ctx, consumerCfg)
	if err != nil {
		return nil, fmt.Errorf("consumer %s: %w", durable, err)
	}

	cctx, err := consumer.Consume(func(m jetstream.Msg) {
		mc := parseContext(m)
		if err := handler(context.Background(), mc, m.Data()); err != nil {
			slog.Warn("Handler failed, message will be redelivered",
				"subject", subject, "messageId", mc.MessageID, "error", err)
			_ = m.Nak()
			return
		}
		_ = m.Ack()
	})
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", subject, err)
	}
	return &natsSub{subject: subject, cctx: cctx}, nil
}

func sanitize(subject string) string {
	return strings.NewReplacer(".", "_", "*", "all", ">", "any").Replace(subject)
}

// Close implements transport.Transport. The NATS connection is owned
// by the caller and stays open.
func (t *Transport) Close() error {
	return nil
}
