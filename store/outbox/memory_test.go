package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"go.catga.dev/metrics"
)

func TestAddRecordsMetric(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	before := testutil.ToFloat64(metrics.OutboxAdds)
	s.Add(ctx, Message{ID: 61, Type: "OrderPlaced"})
	s.Add(ctx, Message{ID: 61, Type: "OrderPlaced"}) // idempotent repeat
	if got := testutil.ToFloat64(metrics.OutboxAdds) - before; got != 1 {
		t.Errorf("outbox add counter moved by %v, want 1", got)
	}
}

func TestAddAndGetPendingOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	for i, id := range []int64{30, 10, 20} {
		err := s.Add(ctx, Message{
			ID:        id,
			Type:      "OrderPlaced",
			Payload:   []byte(`{}`),
			CreatedAt: base.Add(time.Duration(id) * time.Second),
		})
		if err != nil {
			t.Fatalf("Add(%d) error: %v", i, err)
		}
	}

	got, err := s.GetPending(ctx, 10, time.Minute)
	if err != nil {
		t.Fatalf("GetPending() error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("GetPending() returned %d, want 3", len(got))
	}
	for i, want := range []int64{10, 20, 30} {
		if got[i].ID != want {
			t.Errorf("row %d id = %d, want %d (CreatedAt order)", i, got[i].ID, want)
		}
	}
}

func TestGetPendingClaims(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.Add(ctx, Message{ID: 1, Type: "E"})
	s.Add(ctx, Message{ID: 2, Type: "E"})

	first, _ := s.GetPending(ctx, 1, time.Minute)
	if len(first) != 1 {
		t.Fatalf("first claim returned %d rows", len(first))
	}

	// The claimed row must be invisible to a second poll
	second, _ := s.GetPending(ctx, 10, time.Minute)
	if len(second) != 1 || second[0].ID == first[0].ID {
		t.Errorf("second claim saw the claimed row: %+v", second)
	}

	third, _ := s.GetPending(ctx, 10, time.Minute)
	if len(third) != 0 {
		t.Errorf("third claim returned %d rows, want 0", len(third))
	}
}

func TestAddIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.Add(ctx, Message{ID: 1, Type: "E", Payload: []byte("a")})
	s.Add(ctx, Message{ID: 1, Type: "E", Payload: []byte("b")})

	n, _ := s.CountPending(ctx)
	if n != 1 {
		t.Errorf("CountPending() = %d after duplicate Add, want 1", n)
	}
}

func TestMarkAsPublished(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.Add(ctx, Message{ID: 1, Type: "E"})
	s.GetPending(ctx, 1, time.Minute)

	if err := s.MarkAsPublished(ctx, 1); err != nil {
		t.Fatalf("MarkAsPublished() error: %v", err)
	}
	n, _ := s.CountPending(ctx)
	if n != 0 {
		t.Errorf("CountPending() = %d, want 0", n)
	}
	// Published rows never come back even after the claim would expire
	got, _ := s.GetPending(ctx, 10, time.Minute)
	if len(got) != 0 {
		t.Errorf("published row reappeared: %+v", got)
	}

	if err := s.MarkAsPublished(ctx, 99); err == nil {
		t.Error("MarkAsPublished(unknown) should fail")
	}
}

func TestMarkAsFailedAndResetFailed(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.Add(ctx, Message{ID: 1, Type: "E"})
	s.GetPending(ctx, 1, time.Minute)
	s.MarkAsFailed(ctx, 1, "broker unavailable")

	// Failed rows stay out of the pending pool until reset
	got, _ := s.GetPending(ctx, 10, time.Minute)
	if len(got) != 0 {
		t.Errorf("failed row returned by GetPending: %+v", got)
	}

	n, err := s.ResetFailed(ctx, 3)
	if err != nil || n != 1 {
		t.Fatalf("ResetFailed() = (%d, %v), want (1, nil)", n, err)
	}

	got, _ = s.GetPending(ctx, 10, time.Minute)
	if len(got) != 1 || got[0].Attempts != 1 || got[0].LastError != "broker unavailable" {
		t.Errorf("reset row = %+v", got)
	}

	// At the attempt cap the row stays failed
	s.MarkAsFailed(ctx, 1, "again")
	s.ResetFailed(ctx, 3)
	s.GetPending(ctx, 10, time.Minute)
	s.MarkAsFailed(ctx, 1, "third")
	n, _ = s.ResetFailed(ctx, 3)
	if n != 0 {
		t.Errorf("ResetFailed past cap reset %d rows, want 0", n)
	}
}

func TestResetStuck(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.Add(ctx, Message{ID: 1, Type: "E"})
	s.Add(ctx, Message{ID: 2, Type: "E"})

	// One short claim that expires, one long claim that holds
	s.GetPending(ctx, 1, -time.Second)
	s.GetPending(ctx, 1, time.Hour)

	n, err := s.ResetStuck(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ResetStuck() = (%d, %v), want (1, nil)", n, err)
	}

	got, _ := s.GetPending(ctx, 10, time.Minute)
	if len(got) != 1 || got[0].ID != 1 {
		t.Errorf("after reset GetPending = %+v, want the expired row only", got)
	}
}

func TestDeletePublishedMessages(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.Add(ctx, Message{ID: 1, Type: "E"})
	s.Add(ctx, Message{ID: 2, Type: "E"})
	s.GetPending(ctx, 10, time.Minute)
	s.MarkAsPublished(ctx, 1)

	n, err := s.DeletePublishedMessages(ctx, time.Now().Add(time.Second))
	if err != nil || n != 1 {
		t.Fatalf("DeletePublishedMessages() = (%d, %v), want (1, nil)", n, err)
	}

	// The still-claimed row survives
	if err := s.MarkAsPublished(ctx, 2); err != nil {
		t.Errorf("claimed row was deleted: %v", err)
	}
}

func TestGetPendingLimit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for id := int64(1); id <= 5; id++ {
		s.Add(ctx, Message{ID: id, Type: "E"})
	}
	got, _ := s.GetPending(ctx, 2, time.Minute)
	if len(got) != 2 {
		t.Errorf("GetPending(limit=2) returned %d", len(got))
	}
	got, _ = s.GetPending(ctx, 0, time.Minute)
	if len(got) != 0 {
		t.Errorf("GetPending(limit=0) returned %d", len(got))
	}
}
