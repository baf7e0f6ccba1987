package inbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"go.catga.dev/metrics"
)

func TestTryLockSingleWinner(t *testing.T) {
	s := NewMemoryStore(DefaultOptions())
	ctx := context.Background()

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.TryLockMessage(ctx, 101, time.Minute)
			if err != nil {
				t.Errorf("TryLockMessage() error: %v", err)
				return
			}
			if ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	if winners.Load() != 1 {
		t.Errorf("lock winners = %d, want exactly 1", winners.Load())
	}
}

func TestMarkRequiresLock(t *testing.T) {
	s := NewMemoryStore(DefaultOptions())
	ctx := context.Background()

	err := s.MarkAsProcessed(ctx, Message{ID: 55})
	if !errors.Is(err, ErrLockNotHeld) {
		t.Errorf("MarkAsProcessed without lock = %v, want ErrLockNotHeld", err)
	}
}

func TestExpiredLockCannotAdvance(t *testing.T) {
	s := NewMemoryStore(DefaultOptions())
	ctx := context.Background()

	ok, _ := s.TryLockMessage(ctx, 7, 10*time.Millisecond)
	if !ok {
		t.Fatal("initial lock failed")
	}
	time.Sleep(30 * time.Millisecond)

	err := s.MarkAsProcessed(ctx, Message{ID: 7})
	if !errors.Is(err, ErrLockNotHeld) {
		t.Errorf("MarkAsProcessed with expired lock = %v, want ErrLockNotHeld", err)
	}
}

func TestStaleHolderCannotMarkProcessed(t *testing.T) {
	state := NewMemoryState()
	a := NewMemoryStoreWithState(state, DefaultOptions())
	b := NewMemoryStoreWithState(state, DefaultOptions())
	ctx := context.Background()

	ok, _ := a.TryLockMessage(ctx, 42, 10*time.Millisecond)
	if !ok {
		t.Fatal("initial lock failed")
	}
	time.Sleep(30 * time.Millisecond)

	// The lock lapsed and another worker took the message over; the
	// original holder must not be able to finalize it anymore
	ok, _ = b.TryLockMessage(ctx, 42, time.Minute)
	if !ok {
		t.Fatal("takeover of expired lock failed")
	}
	if err := a.MarkAsProcessed(ctx, Message{ID: 42}); !errors.Is(err, ErrLockNotHeld) {
		t.Errorf("displaced holder MarkAsProcessed = %v, want ErrLockNotHeld", err)
	}
	if err := b.MarkAsProcessed(ctx, Message{ID: 42, Result: []byte("done")}); err != nil {
		t.Errorf("current holder MarkAsProcessed = %v", err)
	}

	data, _ := b.GetProcessedResult(ctx, 42)
	if string(data) != "done" {
		t.Errorf("result = %q, want the current holder's", data)
	}
}

func TestStaleHolderReleaseKeepsNewLock(t *testing.T) {
	state := NewMemoryState()
	a := NewMemoryStoreWithState(state, DefaultOptions())
	b := NewMemoryStoreWithState(state, DefaultOptions())
	ctx := context.Background()

	a.TryLockMessage(ctx, 43, 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	b.TryLockMessage(ctx, 43, time.Minute)

	// The displaced holder's release must not free the new holder's lock
	if err := a.ReleaseLock(ctx, 43); err != nil {
		t.Fatalf("ReleaseLock() error: %v", err)
	}
	ok, _ := a.TryLockMessage(ctx, 43, time.Minute)
	if ok {
		t.Error("message should still be locked by the new holder")
	}
	if err := b.MarkAsProcessed(ctx, Message{ID: 43}); err != nil {
		t.Errorf("current holder MarkAsProcessed = %v", err)
	}
}

func TestExpiredLockIsReclaimable(t *testing.T) {
	s := NewMemoryStore(DefaultOptions())
	ctx := context.Background()

	s.TryLockMessage(ctx, 8, 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	ok, _ := s.TryLockMessage(ctx, 8, time.Minute)
	if !ok {
		t.Error("expired lock should be reclaimable")
	}
}

func TestProcessedLifecycle(t *testing.T) {
	s := NewMemoryStore(DefaultOptions())
	ctx := context.Background()

	s.TryLockMessage(ctx, 9, time.Minute)
	err := s.MarkAsProcessed(ctx, Message{ID: 9, Type: "Ping", Result: []byte("pong")})
	if err != nil {
		t.Fatalf("MarkAsProcessed() error: %v", err)
	}

	processed, _ := s.HasBeenProcessed(ctx, 9)
	if !processed {
		t.Error("HasBeenProcessed should be true")
	}

	data, _ := s.GetProcessedResult(ctx, 9)
	if string(data) != "pong" {
		t.Errorf("result = %q, want pong", data)
	}

	// A processed id can never be locked again
	ok, _ := s.TryLockMessage(ctx, 9, time.Minute)
	if ok {
		t.Error("processed message should not be lockable")
	}
}

func TestReleaseLockAllowsRetry(t *testing.T) {
	s := NewMemoryStore(DefaultOptions())
	ctx := context.Background()

	s.TryLockMessage(ctx, 10, time.Minute)
	if err := s.ReleaseLock(ctx, 10); err != nil {
		t.Fatalf("ReleaseLock() error: %v", err)
	}
	ok, _ := s.TryLockMessage(ctx, 10, time.Minute)
	if !ok {
		t.Error("released message should be lockable again")
	}
}

func TestLockAndMarkRecordMetrics(t *testing.T) {
	s := NewMemoryStore(DefaultOptions())
	ctx := context.Background()

	acquired := testutil.ToFloat64(metrics.InboxLocks.WithLabelValues("acquired"))
	contended := testutil.ToFloat64(metrics.InboxLocks.WithLabelValues("contended"))
	processed := testutil.ToFloat64(metrics.InboxProcessed)

	s.TryLockMessage(ctx, 77, time.Minute)
	s.TryLockMessage(ctx, 77, time.Minute) // loses against the live lock
	s.MarkAsProcessed(ctx, Message{ID: 77})

	if got := testutil.ToFloat64(metrics.InboxLocks.WithLabelValues("acquired")) - acquired; got != 1 {
		t.Errorf("acquired counter moved by %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.InboxLocks.WithLabelValues("contended")) - contended; got != 1 {
		t.Errorf("contended counter moved by %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.InboxProcessed) - processed; got != 1 {
		t.Errorf("processed counter moved by %v, want 1", got)
	}
}

func TestDeleteProcessedMessages(t *testing.T) {
	s := NewMemoryStore(DefaultOptions())
	ctx := context.Background()

	s.TryLockMessage(ctx, 1, time.Minute)
	s.MarkAsProcessed(ctx, Message{ID: 1})
	s.TryLockMessage(ctx, 2, time.Minute)

	n, err := s.DeleteProcessedMessages(ctx, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("DeleteProcessedMessages() error: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1 (locked rows must survive)", n)
	}
}

func TestReleaseExpiredLocks(t *testing.T) {
	s := NewMemoryStore(DefaultOptions())
	ctx := context.Background()

	s.TryLockMessage(ctx, 1, 5*time.Millisecond)
	s.TryLockMessage(ctx, 2, time.Minute)
	time.Sleep(20 * time.Millisecond)

	n, err := s.ReleaseExpiredLocks(ctx)
	if err != nil {
		t.Fatalf("ReleaseExpiredLocks() error: %v", err)
	}
	if n != 1 {
		t.Errorf("released = %d, want 1", n)
	}

	ok, _ := s.TryLockMessage(ctx, 1, time.Minute)
	if !ok {
		t.Error("message 1 should be lockable after expired-lock sweep")
	}
}
