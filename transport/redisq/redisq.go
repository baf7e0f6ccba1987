// Package redisq implements the transport contract on Redis pub/sub.
// Pub/sub has no persistence, so QoS1 is best-effort across process
// restarts; QoS2 adds a client-side SET NX dedup key per message id.
package redisq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"go.catga.dev/message"
	"go.catga.dev/metrics"
	"go.catga.dev/transport"
	"go.catga.dev/tsid"
)

// Options configure the Redis transport.
type Options struct {
	// DedupTTL is the QoS2 dedup key lifetime (default: 5m)
	DedupTTL time.Duration
}

// DefaultOptions returns the stock settings.
func DefaultOptions() Options {
	return Options{DedupTTL: 5 * time.Minute}
}

// wireMessage is the JSON frame on the channel.
type wireMessage struct {
	MessageID     int64             `json:"messageId"`
	MessageType   string            `json:"messageType"`
	CorrelationID int64             `json:"correlationId,omitempty"`
	SentAt        time.Time         `json:"sentAt"`
	RetryCount    int               `json:"retryCount,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	QoS           int               `json:"qos"`
	Payload       []byte            `json:"payload"`
}

// Transport is the Redis pub/sub transport.
type Transport struct {
	client *redis.Client
	opts   Options

	mu     sync.Mutex
	subs   []*redisSub
	closed bool
}

// New creates a Redis-backed transport.
func New(client *redis.Client, opts Options) *Transport {
	if opts.DedupTTL <= 0 {
		opts.DedupTTL = DefaultOptions().DedupTTL
	}
	return &Transport{client: client, opts: opts}
}

// Publish implements transport.Transport.
func (t *Transport) Publish(ctx context.Context, subject string, msg transport.Outgoing) error {
	frame := wireMessage{
		MessageID:     msg.Context.MessageID,
		MessageType:   msg.Context.MessageType,
		CorrelationID: msg.Context.CorrelationID,
		SentAt:        msg.Context.SentAt,
		RetryCount:    msg.Context.RetryCount,
		Metadata:      msg.Context.Metadata,
		QoS:           int(msg.QoS),
		Payload:       msg.Payload,
	}
	if frame.SentAt.IsZero() {
		frame.SentAt = time.Now().UTC()
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("redis transport marshal: %w", err)
	}

	if err := t.client.Publish(ctx, subject, data).Err(); err != nil {
		metrics.TransportPublishes.WithLabelValues(subject, "error").Inc()
		return fmt.Errorf("redis publish %s: %w", subject, err)
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

// Send implements transport.Transport. Every subscriber of a Redis
// channel receives each message, so point-to-point destinations must
// have a single consumer.
func (t *Transport) Send(ctx context.Context, destination string, msg transport.Outgoing) error {
	return t.Publish(ctx, destination, msg)
}

type redisSub struct {
	subject string
	pubsub  *redis.PubSub
	cancel  context.CancelFunc
	done    chan struct{}
}

func (s *redisSub) Subject() string { return s.subject }

func (s *redisSub) Unsubscribe() error {
	s.cancel()
	err := s.pubsub.Close()
	<-s.done
	return err
}

// Subscribe implements transport.Transport.
func (t *Transport) Subscribe(ctx context.Context, subject string, handler transport.Handler) (transport.Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("transport: nil handler")
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport: closed")
	}
	t.mu.Unlock()

	pubsub := t.client.Subscribe(ctx, subject)
	// Force the subscription onto the wire before returning
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", subject, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sub := &redisSub{subject: subject, pubsub: pubsub, cancel: cancel, done: make(chan struct{})}

	t.mu.Lock()
	t.subs = append(t.subs, sub)
	t.mu.Unlock()

	go t.consume(runCtx, sub, handler)
	return sub, nil
}

func (t *Transport) consume(ctx context.Context, sub *redisSub, handler transport.Handler) {
	defer close(sub.done)

	ch := sub.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			t.handle(ctx, sub.subject, m.Payload, handler)
		}
	}
}

func (t *Transport) handle(ctx context.Context, subject, raw string, handler transport.Handler) {
	var frame wireMessage
	if err := json.Unmarshal([]byte(raw), &frame); err != nil {
		slog.Warn("Dropping undecodable message", "subject", subject, "error", err)
		return
	}

	if message.QoS(frame.QoS) == message.ExactlyOnce && frame.MessageID != 0 {
		key := "transport:dedup:" + tsid.ToString(frame.MessageID)
		fresh, err := t.client.SetNX(ctx, key, 1, t.opts.DedupTTL).Result()
		if err != nil {
			slog.Warn("Dedup check failed, delivering anyway", "subject", subject, "error", err)
		} else if !fresh {
			metrics.TransportDeduplicated.WithLabelValues(subject).Inc()
			return
		}
	}

	mc := transport.MessageContext{
		MessageID:     frame.MessageID,
		MessageType:   frame.MessageType,
		CorrelationID: frame.CorrelationID,
		SentAt:        frame.SentAt,
		RetryCount:    frame.RetryCount,
		Metadata:      frame.Metadata,
	}
	if err := handler(ctx, mc, frame.Payload); err != nil {
		if message.QoS(frame.QoS) == message.AtMostOnce {
			slog.Debug("QoS0 handler failed", "subject", subject, "error", err)
			return
		}
		slog.Error("Handler failed; pub/sub cannot redeliver, route to DLQ upstream",
			"subject", subject, "messageId", frame.MessageID, "error", err)
	}
}

// Close implements transport.Transport.
func (t *Transport) Close() error {
	t.mu.Lock()
	subs := t.subs
	t.subs = nil
	t.closed = true
	t.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	return nil
}
