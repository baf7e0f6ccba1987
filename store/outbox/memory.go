package outbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.catga.dev/metrics"
)

type memoryRow struct {
	msg          Message
	claimedUntil time.Time
}

// MemoryStore keeps outbox rows in memory. Single-process only; useful
// for tests and for in-process transports that still want publish
// retries to survive transient transport errors.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[int64]*memoryRow
}

// NewMemoryStore creates an in-memory outbox.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[int64]*memoryRow)}
}

// Add implements Store.
func (s *MemoryStore) Add(_ context.Context, msg Message) error {
	if msg.ID == 0 {
		return fmt.Errorf("outbox: zero message id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rows[msg.ID]; exists {
		return nil // idempotent add
	}
	msg.Status = StatusPending
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.Payload = append([]byte(nil), msg.Payload...)
	s.rows[msg.ID] = &memoryRow{msg: msg}
	metrics.CountOutboxAdd()
	return nil
}

// GetPending implements Store.
func (s *MemoryStore) GetPending(_ context.Context, limit int, claimTTL time.Duration) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	candidates := make([]*memoryRow, 0, limit)
	for _, row := range s.rows {
		if row.msg.Status == StatusPending {
			candidates = append(candidates, row)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].msg.CreatedAt.Before(candidates[j].msg.CreatedAt)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]Message, 0, len(candidates))
	for _, row := range candidates {
		row.msg.Status = StatusClaimed
		row.claimedUntil = now.Add(claimTTL)
		out = append(out, row.msg)
	}
	return out, nil
}

// MarkAsPublished implements Store.
func (s *MemoryStore) MarkAsPublished(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return fmt.Errorf("outbox: message %d not found", id)
	}
	row.msg.Status = StatusPublished
	row.msg.PublishedAt = time.Now().UTC()
	row.claimedUntil = time.Time{}
	return nil
}

// MarkAsFailed implements Store.
func (s *MemoryStore) MarkAsFailed(_ context.Context, id int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return fmt.Errorf("outbox: message %d not found", id)
	}
	row.msg.Status = StatusFailed
	row.msg.Attempts++
	row.msg.LastError = reason
	row.claimedUntil = time.Time{}
	return nil
}

// ResetFailed implements Store.
func (s *MemoryStore) ResetFailed(_ context.Context, maxAttempts int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reset := 0
	for _, row := range s.rows {
		if row.msg.Status == StatusFailed && row.msg.Attempts < maxAttempts {
			row.msg.Status = StatusPending
			reset++
		}
	}
	return reset, nil
}

// ResetStuck implements Store.
func (s *MemoryStore) ResetStuck(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	reset := 0
	for _, row := range s.rows {
		if row.msg.Status == StatusClaimed && row.claimedUntil.Before(now) {
			row.msg.Status = StatusPending
			row.claimedUntil = time.Time{}
			reset++
		}
	}
	return reset, nil
}

// DeletePublishedMessages implements Store.
func (s *MemoryStore) DeletePublishedMessages(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, row := range s.rows {
		if row.msg.Status == StatusPublished && row.msg.PublishedAt.Before(olderThan) {
			delete(s.rows, id)
			deleted++
		}
	}
	return deleted, nil
}

// CountPending implements Store.
func (s *MemoryStore) CountPending(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, row := range s.rows {
		if row.msg.Status == StatusPending {
			n++
		}
	}
	return n, nil
}
