package idempotency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMarkAndCheck(t *testing.T) {
	s := NewMemoryStore(DefaultOptions())
	ctx := context.Background()

	processed, err := s.HasBeenProcessed(ctx, 1001)
	if err != nil {
		t.Fatalf("HasBeenProcessed() error: %v", err)
	}
	if processed {
		t.Error("fresh id should not be processed")
	}

	if err := s.MarkAsProcessed(ctx, 1001, []byte(`"Hello"`)); err != nil {
		t.Fatalf("MarkAsProcessed() error: %v", err)
	}

	processed, _ = s.HasBeenProcessed(ctx, 1001)
	if !processed {
		t.Error("marked id should be processed")
	}

	data, err := s.GetProcessedResult(ctx, 1001)
	if err != nil {
		t.Fatalf("GetProcessedResult() error: %v", err)
	}
	if string(data) != `"Hello"` {
		t.Errorf("stored result = %q", data)
	}
}

func TestMarkIsIdempotent(t *testing.T) {
	s := NewMemoryStore(DefaultOptions())
	ctx := context.Background()

	s.MarkAsProcessed(ctx, 7, []byte("first"))
	s.MarkAsProcessed(ctx, 7, []byte("second"))

	data, _ := s.GetProcessedResult(ctx, 7)
	if string(data) != "first" {
		t.Errorf("result = %q, first mark must win", data)
	}
}

func TestConcurrentMarks(t *testing.T) {
	s := NewMemoryStore(DefaultOptions())
	ctx := context.Background()

	var wg sync.WaitGroup
	var errs atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := s.MarkAsProcessed(ctx, 42, []byte{byte(n)}); err != nil {
				errs.Add(1)
			}
		}(i)
	}
	wg.Wait()
	if errs.Load() != 0 {
		t.Errorf("concurrent marks produced %d errors", errs.Load())
	}

	processed, _ := s.HasBeenProcessed(ctx, 42)
	if !processed {
		t.Error("id should be processed after concurrent marks")
	}
}

func TestExpiry(t *testing.T) {
	s := NewMemoryStore(Options{TTL: 20 * time.Millisecond})
	ctx := context.Background()

	s.MarkAsProcessed(ctx, 9, nil)
	time.Sleep(40 * time.Millisecond)

	processed, _ := s.HasBeenProcessed(ctx, 9)
	if processed {
		t.Error("expired record should not be reported processed")
	}
}

func TestNoResponseStored(t *testing.T) {
	s := NewMemoryStore(DefaultOptions())
	ctx := context.Background()

	s.MarkAsProcessed(ctx, 5, nil)
	data, err := s.GetProcessedResult(ctx, 5)
	if err != nil {
		t.Fatalf("GetProcessedResult() error: %v", err)
	}
	if data != nil {
		t.Errorf("result = %v, want nil for markers without response", data)
	}
}
