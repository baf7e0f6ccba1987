package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.catga.dev/message"
)

func fastOptions() InprocOptions {
	return InprocOptions{
		RetrySchedule: []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond},
		DedupTTL:      time.Minute,
		DedupSize:     100,
	}
}

func outgoing(id int64, qos message.QoS) Outgoing {
	return Outgoing{
		Context: MessageContext{MessageID: id, MessageType: "OrderPlaced", SentAt: time.Now()},
		Payload: []byte(`{}`),
		QoS:     qos,
	}
}

func TestSubjectNaming(t *testing.T) {
	if got := Subject("", "OrderPlaced"); got != "catga.OrderPlaced" {
		t.Errorf("Subject default = %q", got)
	}
	if got := Subject("billing", "Invoiced"); got != "billing.Invoiced" {
		t.Errorf("Subject = %q", got)
	}
}

func TestAtLeastOnceDeliversToAllSubscribers(t *testing.T) {
	bus := NewInproc(fastOptions())
	defer bus.Close()

	var a, b atomic.Int32
	bus.Subscribe(context.Background(), "catga.E", func(context.Context, MessageContext, []byte) error {
		a.Add(1)
		return nil
	})
	bus.Subscribe(context.Background(), "catga.E", func(context.Context, MessageContext, []byte) error {
		b.Add(1)
		return nil
	})

	if err := bus.Publish(context.Background(), "catga.E", outgoing(1, message.AtLeastOnce)); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	if a.Load() != 1 || b.Load() != 1 {
		t.Errorf("deliveries = (%d, %d), want (1, 1)", a.Load(), b.Load())
	}
}

func TestAtLeastOnceRetriesFailedHandler(t *testing.T) {
	bus := NewInproc(fastOptions())
	defer bus.Close()

	var attempts atomic.Int32
	bus.Subscribe(context.Background(), "catga.E", func(_ context.Context, mc MessageContext, _ []byte) error {
		if attempts.Add(1) < 3 {
			return errors.New("transient")
		}
		if mc.RetryCount != 2 {
			t.Errorf("RetryCount = %d on the third attempt", mc.RetryCount)
		}
		return nil
	})

	if err := bus.Publish(context.Background(), "catga.E", outgoing(1, message.AtLeastOnce)); err != nil {
		t.Fatalf("Publish() error after recovery: %v", err)
	}
	if attempts.Load() != 3 {
		t.Errorf("attempts = %d", attempts.Load())
	}
}

func TestAtLeastOnceExhaustsRetries(t *testing.T) {
	bus := NewInproc(fastOptions())
	defer bus.Close()

	var attempts atomic.Int32
	bus.Subscribe(context.Background(), "catga.E", func(context.Context, MessageContext, []byte) error {
		attempts.Add(1)
		return errors.New("permanent")
	})

	if err := bus.Publish(context.Background(), "catga.E", outgoing(1, message.AtLeastOnce)); err == nil {
		t.Fatal("Publish should fail when retries are exhausted")
	}
	// Initial attempt + the three scheduled retries
	if attempts.Load() != 4 {
		t.Errorf("attempts = %d, want 4", attempts.Load())
	}
}

func TestAtMostOnceSwallowsFailures(t *testing.T) {
	bus := NewInproc(fastOptions())

	delivered := make(chan struct{}, 2)
	bus.Subscribe(context.Background(), "catga.E", func(context.Context, MessageContext, []byte) error {
		delivered <- struct{}{}
		return errors.New("ignored")
	})
	bus.Subscribe(context.Background(), "catga.E", func(context.Context, MessageContext, []byte) error {
		delivered <- struct{}{}
		panic("also ignored")
	})

	if err := bus.Publish(context.Background(), "catga.E", outgoing(1, message.AtMostOnce)); err != nil {
		t.Fatalf("QoS0 Publish() = %v, want nil regardless of handlers", err)
	}
	bus.Close() // waits for async deliveries
	if len(delivered) != 2 {
		t.Errorf("deliveries = %d, want 2", len(delivered))
	}
}

func TestExactlyOnceDedup(t *testing.T) {
	bus := NewInproc(fastOptions())
	defer bus.Close()

	var calls atomic.Int32
	bus.Subscribe(context.Background(), "catga.E", func(context.Context, MessageContext, []byte) error {
		calls.Add(1)
		return nil
	})

	msg := outgoing(42, message.ExactlyOnce)
	for i := 0; i < 3; i++ {
		if err := bus.Publish(context.Background(), "catga.E", msg); err != nil {
			t.Fatalf("Publish() %d error: %v", i, err)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("handler ran %d times under QoS2, want 1", calls.Load())
	}

	// A different id is not a duplicate
	bus.Publish(context.Background(), "catga.E", outgoing(43, message.ExactlyOnce))
	if calls.Load() != 2 {
		t.Errorf("distinct id suppressed: calls = %d", calls.Load())
	}
}

func TestAsyncRetryReturnsImmediately(t *testing.T) {
	bus := NewInproc(fastOptions())

	var attempts atomic.Int32
	bus.Subscribe(context.Background(), "catga.E", func(context.Context, MessageContext, []byte) error {
		if attempts.Add(1) < 2 {
			return errors.New("transient")
		}
		return nil
	})

	msg := outgoing(1, message.AtLeastOnce)
	msg.Mode = message.AsyncRetry

	start := time.Now()
	if err := bus.Publish(context.Background(), "catga.E", msg); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Error("AsyncRetry publish should not block on retries")
	}

	bus.Close() // waits for the background retry
	if attempts.Load() != 2 {
		t.Errorf("attempts = %d, want 2", attempts.Load())
	}
}

func TestSendPointToPoint(t *testing.T) {
	bus := NewInproc(fastOptions())
	defer bus.Close()

	var a, b atomic.Int32
	bus.Subscribe(context.Background(), "worker", func(context.Context, MessageContext, []byte) error {
		a.Add(1)
		return nil
	})
	bus.Subscribe(context.Background(), "worker", func(context.Context, MessageContext, []byte) error {
		b.Add(1)
		return nil
	})

	if err := bus.Send(context.Background(), "worker", outgoing(1, message.AtLeastOnce)); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if a.Load()+b.Load() != 1 {
		t.Errorf("point-to-point delivered to %d subscribers", a.Load()+b.Load())
	}

	if err := bus.Send(context.Background(), "nobody", outgoing(2, message.AtLeastOnce)); err == nil {
		t.Error("Send to a destination without subscribers should fail")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewInproc(fastOptions())
	defer bus.Close()

	var calls atomic.Int32
	sub, _ := bus.Subscribe(context.Background(), "catga.E", func(context.Context, MessageContext, []byte) error {
		calls.Add(1)
		return nil
	})

	bus.Publish(context.Background(), "catga.E", outgoing(1, message.AtLeastOnce))
	sub.Unsubscribe()
	bus.Publish(context.Background(), "catga.E", outgoing(2, message.AtLeastOnce))

	if calls.Load() != 1 {
		t.Errorf("calls = %d after unsubscribe, want 1", calls.Load())
	}
}

func TestPublishBatchStopsAtFirstFailure(t *testing.T) {
	bus := NewInproc(fastOptions())
	defer bus.Close()

	var seen []int64
	bus.Subscribe(context.Background(), "catga.E", func(_ context.Context, mc MessageContext, _ []byte) error {
		seen = append(seen, mc.MessageID)
		if mc.MessageID == 2 {
			return errors.New("poison")
		}
		return nil
	})

	msgs := []Outgoing{outgoing(1, message.AtMostOnce), outgoing(2, message.AtLeastOnce), outgoing(3, message.AtLeastOnce)}
	// QoS0 for the first so the ordering assertion below only depends
	// on the synchronous items
	err := bus.PublishBatch(context.Background(), "catga.E", msgs[1:])
	if err == nil {
		t.Fatal("batch should fail on the poison message")
	}
	for _, id := range seen {
		if id == 3 {
			t.Error("message after the failure was still published")
		}
	}
}

func TestPublishAfterCloseFails(t *testing.T) {
	bus := NewInproc(fastOptions())
	bus.Close()

	if err := bus.Publish(context.Background(), "catga.E", outgoing(1, message.AtLeastOnce)); err == nil {
		t.Error("Publish on a closed bus should fail")
	}
	if _, err := bus.Subscribe(context.Background(), "catga.E", func(context.Context, MessageContext, []byte) error { return nil }); err == nil {
		t.Error("Subscribe on a closed bus should fail")
	}
}

func TestDedupWindowExpiry(t *testing.T) {
	w := NewDedupWindow(20*time.Millisecond, 100)

	if !w.Observe(1) {
		t.Fatal("first observation should be new")
	}
	if w.Observe(1) {
		t.Fatal("second observation should be a duplicate")
	}
	time.Sleep(30 * time.Millisecond)
	if !w.Observe(1) {
		t.Error("expired id should be new again")
	}
}

func TestDedupWindowCapacity(t *testing.T) {
	w := NewDedupWindow(time.Minute, 3)

	for id := int64(1); id <= 4; id++ {
		w.Observe(id)
	}
	// id 1 was evicted to make room for 4
	if !w.Observe(1) {
		t.Error("evicted id should be treated as new")
	}
	if w.Observe(4) {
		t.Error("recent id should still be a duplicate")
	}
}

func TestDedupWindowReobservedIDKeepsItsSlot(t *testing.T) {
	w := NewDedupWindow(20*time.Millisecond, 3)

	w.Observe(1)
	time.Sleep(30 * time.Millisecond)
	if !w.Observe(1) {
		t.Fatal("expired id should be new again")
	}
	w.Observe(2)
	w.Observe(3)

	// The queue slot left by id 1's first life must not count against
	// capacity or evict the live entry for id 1
	if w.Observe(1) {
		t.Error("live re-observed id should still be a duplicate")
	}
	if w.Observe(2) || w.Observe(3) {
		t.Error("live ids should still be duplicates")
	}
	if w.Len() != 3 {
		t.Errorf("live ids = %d, want 3", w.Len())
	}
}
