package dlq

import (
	"context"
	"testing"
	"time"
)

func TestSendAndGetOldestFirst(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().UTC()
	for i, id := range []int64{1, 2, 3} {
		err := s.SendAsync(ctx, FailedMessage{
			MessageID:  id,
			Type:       "OrderPlaced",
			Payload:    []byte(`{}`),
			Error:      "broker unavailable",
			RetryCount: 3,
			FailedAt:   base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("SendAsync(%d) error: %v", id, err)
		}
	}

	got, err := s.GetFailedMessages(ctx, 2)
	if err != nil {
		t.Fatalf("GetFailedMessages() error: %v", err)
	}
	if len(got) != 2 || got[0].MessageID != 1 || got[1].MessageID != 2 {
		t.Errorf("GetFailedMessages(2) = %+v, want ids 1,2 oldest first", got)
	}
	if got[0].RetryCount != 3 || got[0].Error != "broker unavailable" {
		t.Errorf("failure context not preserved: %+v", got[0])
	}
}

func TestDeleteAfterReplay(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.SendAsync(ctx, FailedMessage{MessageID: 1, Type: "E"})
	s.SendAsync(ctx, FailedMessage{MessageID: 2, Type: "E"})

	if err := s.Delete(ctx, 1); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	n, _ := s.Count(ctx)
	if n != 1 {
		t.Errorf("Count() = %d after delete, want 1", n)
	}
	got, _ := s.GetFailedMessages(ctx, 10)
	if len(got) != 1 || got[0].MessageID != 2 {
		t.Errorf("remaining = %+v", got)
	}

	// Deleting an unknown id is a no-op
	if err := s.Delete(ctx, 99); err != nil {
		t.Errorf("Delete(unknown) error: %v", err)
	}
}

func TestSendRejectsZeroID(t *testing.T) {
	s := NewMemoryStore()
	if err := s.SendAsync(context.Background(), FailedMessage{Type: "E"}); err == nil {
		t.Error("SendAsync with zero id should fail")
	}
}
