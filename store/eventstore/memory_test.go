package eventstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestAppendAndReadOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	events := []Event{
		{Type: "Opened", Data: []byte(`{"balance":0}`)},
		{Type: "Deposited", Data: []byte(`{"amount":10}`)},
		{Type: "Withdrawn", Data: []byte(`{"amount":3}`)},
	}
	if err := s.Append(ctx, "acct-1", events, AnyVersion); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	got, err := s.Read(ctx, "acct-1", 0)
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Read() returned %d events, want 3", len(got))
	}
	for i, evt := range got {
		if evt.Version != int64(i) {
			t.Errorf("event %d version = %d, no gaps allowed", i, evt.Version)
		}
		if evt.Type != events[i].Type {
			t.Errorf("event %d type = %q, want %q (append order)", i, evt.Type, events[i].Type)
		}
	}
}

func TestReadFromVersion(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.Append(ctx, "s", []Event{{Type: "a"}, {Type: "b"}, {Type: "c"}}, AnyVersion)

	got, _ := s.Read(ctx, "s", 1)
	if len(got) != 2 || got[0].Type != "b" || got[0].Version != 1 {
		t.Errorf("Read(s, 1) = %+v", got)
	}

	empty, _ := s.Read(ctx, "s", 10)
	if len(empty) != 0 {
		t.Errorf("Read past end = %+v, want empty", empty)
	}
}

func TestExpectedVersionCheck(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Append(ctx, "s", []Event{{Type: "e0"}}, AnyVersion); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	// Current version is 0; a stale expected version must fail and
	// persist nothing
	err := s.Append(ctx, "s", []Event{{Type: "e1"}, {Type: "e2"}}, 5)
	if !errors.Is(err, ErrVersionConflict) {
		t.Errorf("Append stale = %v, want ErrVersionConflict", err)
	}
	got, _ := s.Read(ctx, "s", 0)
	if len(got) != 1 {
		t.Errorf("conflicted append persisted events: %d", len(got))
	}

	// The matching expected version succeeds
	if err := s.Append(ctx, "s", []Event{{Type: "e1"}}, 0); err != nil {
		t.Errorf("Append matching = %v", err)
	}
}

func TestConcurrentAppendSingleWinner(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.Append(ctx, "acct-1", []Event{{Type: "e0"}}, AnyVersion)

	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Append(ctx, "acct-1", []Event{{Type: "e1"}}, 0)
			if err == nil {
				wins.Add(1)
			} else if errors.Is(err, ErrVersionConflict) {
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("winners = %d, want exactly 1", wins.Load())
	}
	if conflicts.Load() != 9 {
		t.Errorf("conflicts = %d, want 9", conflicts.Load())
	}

	got, _ := s.Read(ctx, "acct-1", 0)
	if len(got) != 2 {
		t.Errorf("stream length = %d, want 2", len(got))
	}
}

func TestConflictLeavesCommittedEventsIntact(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Append(ctx, "acct-1", []Event{{Type: "e0"}, {Type: "e1"}}, AnyVersion); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	// A racer appending from a stale version loses without disturbing
	// the events committed at the versions it wanted
	err := s.Append(ctx, "acct-1", []Event{{Type: "x0"}, {Type: "x1"}}, 0)
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("stale Append = %v, want ErrVersionConflict", err)
	}

	got, _ := s.Read(ctx, "acct-1", 0)
	if len(got) != 2 {
		t.Fatalf("stream length = %d, want 2", len(got))
	}
	if got[0].Type != "e0" || got[1].Type != "e1" {
		t.Errorf("committed events disturbed: %+v", got)
	}
}

func TestVersionAndIsEmpty(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	empty, _ := s.IsEmpty(ctx, "none")
	if !empty {
		t.Error("unknown stream should be empty")
	}
	v, _ := s.Version(ctx, "none")
	if v != -1 {
		t.Errorf("empty version = %d, want -1 on the memory family", v)
	}

	s.Append(ctx, "none", []Event{{Type: "x"}}, AnyVersion)
	empty, _ = s.IsEmpty(ctx, "none")
	if empty {
		t.Error("stream with events should not be empty")
	}
	v, _ = s.Version(ctx, "none")
	if v != 0 {
		t.Errorf("version = %d, want 0", v)
	}
}

func TestAppendNothing(t *testing.T) {
	s := NewMemoryStore()
	if err := s.Append(context.Background(), "s", nil, AnyVersion); err != nil {
		t.Errorf("Append(nil) error: %v", err)
	}
	if err := s.Append(context.Background(), "", []Event{{Type: "x"}}, AnyVersion); err == nil {
		t.Error("Append with empty stream id should fail")
	}
}
