package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"go.catga.dev/lock"
	"go.catga.dev/store/dlq"
	"go.catga.dev/store/inbox"
	"go.catga.dev/store/outbox"
	"go.catga.dev/transport"
)

// stubBus is a transport that records publishes or fails them all.
type stubBus struct {
	mu        sync.Mutex
	err       error
	published []transport.Outgoing
}

func (b *stubBus) Publish(_ context.Context, _ string, msg transport.Outgoing) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.published = append(b.published, msg)
	return nil
}

func (b *stubBus) PublishBatch(ctx context.Context, subject string, msgs []transport.Outgoing) error {
	for _, msg := range msgs {
		if err := b.Publish(ctx, subject, msg); err != nil {
			return err
		}
	}
	return nil
}

func (b *stubBus) Send(ctx context.Context, destination string, msg transport.Outgoing) error {
	return b.Publish(ctx, destination, msg)
}

func (b *stubBus) Subscribe(context.Context, string, transport.Handler) (transport.Subscription, error) {
	return nil, errors.New("not supported")
}

func (b *stubBus) Close() error { return nil }

func (b *stubBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

func seedOutbox(t *testing.T, store outbox.Store, ids ...int64) {
	t.Helper()
	for _, id := range ids {
		err := store.Add(context.Background(), outbox.Message{
			ID:      id,
			Type:    "OrderPlaced",
			Payload: []byte(`{}`),
		})
		if err != nil {
			t.Fatalf("Add(%d) error: %v", id, err)
		}
	}
}

func testPublisher(store outbox.Store, deadQueue dlq.Store, bus transport.Transport, opts PublisherOptions) *OutboxPublisher {
	return NewOutboxPublisher(store, deadQueue, bus, nil, opts)
}

func TestTickPublishesPending(t *testing.T) {
	store := outbox.NewMemoryStore()
	bus := &stubBus{}
	seedOutbox(t, store, 1, 2, 3)

	p := testPublisher(store, dlq.NewMemoryStore(), bus, DefaultPublisherOptions())
	p.tick(context.Background())

	if bus.count() != 3 {
		t.Errorf("published = %d, want 3", bus.count())
	}
	pending, _ := store.CountPending(context.Background())
	if pending != 0 {
		t.Errorf("pending = %d after tick, want 0", pending)
	}
}

func TestTickDeadLettersAfterRetriesExhausted(t *testing.T) {
	store := outbox.NewMemoryStore()
	deadQueue := dlq.NewMemoryStore()
	bus := &stubBus{err: errors.New("broker down")}
	seedOutbox(t, store, 1)

	opts := DefaultPublisherOptions()
	opts.MaxRetries = 3
	p := testPublisher(store, deadQueue, bus, opts)

	// Each tick fails the publish and bumps the attempt count; the
	// third exhausts the retries
	for i := 0; i < 3; i++ {
		p.tick(context.Background())
	}

	count, _ := deadQueue.Count(context.Background())
	if count != 1 {
		t.Fatalf("dead-letter count = %d, want 1", count)
	}
	rows, _ := deadQueue.GetFailedMessages(context.Background(), 10)
	if rows[0].MessageID != 1 || rows[0].RetryCount != 3 {
		t.Errorf("dead-lettered row = %+v", rows[0])
	}

	pending, _ := store.CountPending(context.Background())
	if pending != 0 {
		t.Errorf("pending = %d after dead-lettering, want 0", pending)
	}
}

func TestDeadLetterRateGateDefers(t *testing.T) {
	store := outbox.NewMemoryStore()
	deadQueue := dlq.NewMemoryStore()
	bus := &stubBus{err: errors.New("broker down")}
	seedOutbox(t, store, 1, 2, 3)

	opts := DefaultPublisherOptions()
	opts.MaxRetries = 1
	opts.DLQRate = rate.Limit(0.001)
	opts.DLQBurst = 1
	opts.ClaimTTL = 5 * time.Millisecond
	p := testPublisher(store, deadQueue, bus, opts)

	p.tick(context.Background())

	count, _ := deadQueue.Count(context.Background())
	if count != 1 {
		t.Fatalf("dead-letter count = %d, want 1 under the rate gate", count)
	}

	// Deferred rows stay claimed until the TTL passes, then a later
	// tick reclaims them
	time.Sleep(10 * time.Millisecond)
	n, err := store.ResetStuck(context.Background())
	if err != nil {
		t.Fatalf("ResetStuck() error: %v", err)
	}
	if n != 2 {
		t.Errorf("reset claims = %d, want 2", n)
	}
}

func TestPublisherSkipsTicksWithoutLeadership(t *testing.T) {
	store := outbox.NewMemoryStore()
	bus := &stubBus{}
	seedOutbox(t, store, 1, 2)

	state := lock.NewMemoryElectionState()
	cfg := lock.DefaultElectionConfig("recovery")
	cfg.InstanceID = "standby"
	election := lock.NewMemoryElection(state, cfg)

	opts := DefaultPublisherOptions()
	opts.PollInterval = 5 * time.Millisecond
	p := NewOutboxPublisher(store, dlq.NewMemoryStore(), bus, election, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Start(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	<-done

	if bus.count() != 0 {
		t.Errorf("published = %d without leadership, want 0", bus.count())
	}
	pending, _ := store.CountPending(context.Background())
	if pending != 2 {
		t.Errorf("pending = %d, want untouched backlog of 2", pending)
	}
}

func TestCleanerPrunesProcessedAndReleasesLocks(t *testing.T) {
	store := inbox.NewMemoryStore(inbox.DefaultOptions())
	ctx := context.Background()

	// One processed row past retention, one expired lock
	if ok, _ := store.TryLockMessage(ctx, 1, time.Minute); !ok {
		t.Fatal("lock for row 1 should succeed")
	}
	if err := store.MarkAsProcessed(ctx, inbox.Message{ID: 1, Type: "OrderPlaced"}); err != nil {
		t.Fatalf("MarkAsProcessed() error: %v", err)
	}
	if ok, _ := store.TryLockMessage(ctx, 2, time.Millisecond); !ok {
		t.Fatal("lock for row 2 should succeed")
	}

	time.Sleep(10 * time.Millisecond)

	opts := CleanerOptions{CleanInterval: time.Minute, Retention: time.Millisecond}
	c := NewInboxCleaner(store, nil, opts)
	c.clean(ctx)

	if processed, _ := store.HasBeenProcessed(ctx, 1); processed {
		t.Error("processed row past retention should be pruned")
	}
	if ok, _ := store.TryLockMessage(ctx, 2, time.Minute); !ok {
		t.Error("expired lock should be claimable after cleaning")
	}
}

func TestReplayRepublishesAndDeletes(t *testing.T) {
	deadQueue := dlq.NewMemoryStore()
	bus := &stubBus{}
	ctx := context.Background()

	for _, id := range []int64{10, 20} {
		deadQueue.SendAsync(ctx, dlq.FailedMessage{
			MessageID: id, Type: "OrderPlaced", Payload: []byte(`{}`),
			Error: "broker down", FailedAt: time.Now(),
		})
	}

	r := NewDLQReplayer(deadQueue, bus, DefaultReplayerOptions())
	replayed, err := r.Replay(ctx, []int64{10})
	if err != nil {
		t.Fatalf("Replay() error: %v", err)
	}
	if replayed != 1 || bus.count() != 1 {
		t.Errorf("replayed = %d, published = %d, want 1 and 1", replayed, bus.count())
	}
	count, _ := deadQueue.Count(ctx)
	if count != 1 {
		t.Errorf("remaining rows = %d, want 1", count)
	}
}

func TestReplayLeavesRowsOnPublishFailure(t *testing.T) {
	deadQueue := dlq.NewMemoryStore()
	bus := &stubBus{err: errors.New("broker down")}
	ctx := context.Background()

	deadQueue.SendAsync(ctx, dlq.FailedMessage{
		MessageID: 10, Type: "OrderPlaced", Payload: []byte(`{}`), FailedAt: time.Now(),
	})

	r := NewDLQReplayer(deadQueue, bus, DefaultReplayerOptions())
	replayed, err := r.Replay(ctx, []int64{10})
	if err == nil {
		t.Fatal("Replay should surface the publish failure")
	}
	if replayed != 0 {
		t.Errorf("replayed = %d, want 0", replayed)
	}
	count, _ := deadQueue.Count(ctx)
	if count != 1 {
		t.Errorf("row count = %d, failed replay must leave rows intact", count)
	}
}

func TestHostComposesServices(t *testing.T) {
	state := lock.NewMemoryElectionState()
	election := lock.NewMemoryElection(state, lock.DefaultElectionConfig("recovery"))

	h := NewHost(
		outbox.NewMemoryStore(),
		inbox.NewMemoryStore(inbox.DefaultOptions()),
		dlq.NewMemoryStore(),
		&stubBus{},
		election,
		DefaultHostOptions(),
	)

	services := h.Services()
	if len(services) != 3 {
		t.Fatalf("services = %d, want election + publisher + cleaner", len(services))
	}
	if services[0].Name() != "leader-election" {
		t.Errorf("first service = %s, leadership must settle first", services[0].Name())
	}
	if h.Replayer() == nil {
		t.Error("host with a dead-letter store should expose the replayer")
	}
}
