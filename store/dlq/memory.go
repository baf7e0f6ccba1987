package dlq

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps dead-lettered messages in memory, oldest first.
type MemoryStore struct {
	mu   sync.Mutex
	rows []FailedMessage
}

// NewMemoryStore creates an in-memory dead-letter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// SendAsync implements Store.
func (s *MemoryStore) SendAsync(_ context.Context, msg FailedMessage) error {
	if msg.MessageID == 0 {
		return fmt.Errorf("dlq: zero message id")
	}
	if msg.FailedAt.IsZero() {
		msg.FailedAt = time.Now().UTC()
	}
	msg.Payload = append([]byte(nil), msg.Payload...)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, msg)
	return nil
}

// GetFailedMessages implements Store.
func (s *MemoryStore) GetFailedMessages(_ context.Context, limit int) ([]FailedMessage, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.rows)
	if n > limit {
		n = limit
	}
	out := make([]FailedMessage, n)
	copy(out, s.rows[:n])
	return out, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, messageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, row := range s.rows {
		if row.MessageID == messageID {
			s.rows = append(s.rows[:i], s.rows[i+1:]...)
			return nil
		}
	}
	return nil
}

// Count implements Store.
func (s *MemoryStore) Count(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.rows)), nil
}
