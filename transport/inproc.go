package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.catga.dev/message"
	"go.catga.dev/metrics"
	"go.catga.dev/result"
)

// InprocOptions tune the in-process bus.
type InprocOptions struct {
	// RetrySchedule is the QoS1 redelivery schedule after a failed
	// handler (default 100ms, 200ms, 400ms)
	RetrySchedule []time.Duration

	// DedupTTL and DedupSize bound the QoS2 window
	DedupTTL  time.Duration
	DedupSize int
}

// DefaultInprocOptions returns the stock QoS schedule and window.
func DefaultInprocOptions() InprocOptions {
	return InprocOptions{
		RetrySchedule: []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond},
		DedupTTL:      5 * time.Minute,
		DedupSize:     10000,
	}
}

type inprocSub struct {
	bus     *Inproc
	subject string
	id      int
	handler Handler
}

func (s *inprocSub) Subject() string { return s.subject }

func (s *inprocSub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	subs := s.bus.subs[s.subject]
	for i, sub := range subs {
		if sub.id == s.id {
			s.bus.subs[s.subject] = append(subs[:i], subs[i+1:]...)
			return nil
		}
	}
	return nil
}

// Inproc is the in-process bus: subscribers run in the publisher's
// process, QoS semantics included. Used for single-binary deployments
// and as the reference implementation of the delivery contract.
type Inproc struct {
	mu     sync.RWMutex
	subs   map[string][]*inprocSub
	nextID int
	closed bool
	opts   InprocOptions
	dedup  *DedupWindow

	// async QoS1 retries in flight
	wg sync.WaitGroup
}

// NewInproc creates an in-process transport.
func NewInproc(opts InprocOptions) *Inproc {
	if len(opts.RetrySchedule) == 0 {
		opts.RetrySchedule = DefaultInprocOptions().RetrySchedule
	}
	return &Inproc{
		subs:  make(map[string][]*inprocSub),
		opts:  opts,
		dedup: NewDedupWindow(opts.DedupTTL, opts.DedupSize),
	}
}

// Subscribe implements Transport.
func (t *Inproc) Subscribe(_ context.Context, subject string, handler Handler) (Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("transport: nil handler")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("transport: bus closed")
	}
	t.nextID++
	sub := &inprocSub{bus: t, subject: subject, id: t.nextID, handler: handler}
	t.subs[subject] = append(t.subs[subject], sub)
	return sub, nil
}

func (t *Inproc) subscribers(subject string) []*inprocSub {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*inprocSub, len(t.subs[subject]))
	copy(out, t.subs[subject])
	return out
}

// Publish implements Transport.
func (t *Inproc) Publish(ctx context.Context, subject string, msg Outgoing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return result.NewError(result.KindUnavailable, "TRANSPORT_CLOSED", "bus closed")
	}

	if msg.QoS == message.ExactlyOnce && msg.Context.MessageID != 0 {
		if !t.dedup.Observe(msg.Context.MessageID) {
			metrics.TransportDeduplicated.WithLabelValues(subject).Inc()
			return nil
		}
	}

	subs := t.subscribers(subject)
	err := t.deliver(ctx, subject, subs, msg)
	if err != nil {
		metrics.TransportPublishes.WithLabelValues(subject, "error").Inc()
		return err
	}
	metrics.TransportPublishes.WithLabelValues(subject, "ok").Inc()
	return nil
}

// deliver runs the QoS delivery policy for one message.
func (t *Inproc) deliver(ctx context.Context, subject string, subs []*inprocSub, msg Outgoing) error {
	switch msg.QoS {
	case message.AtMostOnce:
		// Fire and forget: failures and panics are logged, never
		// surfaced
		for _, sub := range subs {
			s := sub
			t.wg.Add(1)
			go func() {
				defer t.wg.Done()
				if err := t.invoke(context.WithoutCancel(ctx), s, msg); err != nil {
					slog.Debug("QoS0 delivery failed",
						"subject", subject, "messageId", msg.Context.MessageID, "error", err)
				}
			}()
		}
		return nil

	default:
		// QoS1/QoS2: every subscriber must succeed, with redelivery
		if msg.Mode == message.AsyncRetry {
			return t.deliverAsyncRetry(ctx, subject, subs, msg)
		}
		var errs []error
		for _, sub := range subs {
			if err := t.invokeWithRetries(ctx, sub, msg); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}

// deliverAsyncRetry makes one inline attempt per subscriber and moves
// failed ones to a background retry loop, reporting success to the
// caller immediately.
func (t *Inproc) deliverAsyncRetry(ctx context.Context, subject string, subs []*inprocSub, msg Outgoing) error {
	for _, sub := range subs {
		s := sub
		if err := t.invoke(ctx, s, msg); err == nil {
			continue
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			bg := context.WithoutCancel(ctx)
			for _, delay := range t.opts.RetrySchedule {
				time.Sleep(delay)
				if err := t.invoke(bg, s, msg); err == nil {
					return
				}
			}
			slog.Error("Async redelivery exhausted",
				"subject", subject, "messageId", msg.Context.MessageID)
		}()
	}
	return nil
}

// invokeWithRetries runs the handler with the QoS1 retry schedule.
func (t *Inproc) invokeWithRetries(ctx context.Context, sub *inprocSub, msg Outgoing) error {
	err := t.invoke(ctx, sub, msg)
	if err == nil {
		return nil
	}
	for _, delay := range t.opts.RetrySchedule {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		msg.Context.RetryCount++
		if err = t.invoke(ctx, sub, msg); err == nil {
			return nil
		}
	}
	return fmt.Errorf("delivery to %s exhausted retries: %w", sub.subject, err)
}

// invoke calls one handler, converting panics to errors.
func (t *Inproc) invoke(ctx context.Context, sub *inprocSub, msg Outgoing) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return sub.handler(ctx, msg.Context, msg.Payload)
}

// PublishBatch implements Transport.
func (t *Inproc) PublishBatch(ctx context.Context, subject string, msgs []Outgoing) error {
	for i, msg := range msgs {
		if err := t.Publish(ctx, subject, msg); err != nil {
			return fmt.Errorf("batch message %d: %w", i, err)
		}
	}
	return nil
}

// Send implements Transport. Point to point: the first subscriber of
// the destination receives the message.
func (t *Inproc) Send(ctx context.Context, destination string, msg Outgoing) error {
	subs := t.subscribers(destination)
	if len(subs) == 0 {
		return result.NewError(result.KindNotFound, "NO_SUBSCRIBER", "no subscriber for "+destination)
	}
	return t.deliver(ctx, destination, subs[:1], msg)
}

// Close implements Transport. Waits for in-flight async deliveries.
func (t *Inproc) Close() error {
	t.mu.Lock()
	t.closed = true
	t.subs = make(map[string][]*inprocSub)
	t.mu.Unlock()

	t.wg.Wait()
	return nil
}
