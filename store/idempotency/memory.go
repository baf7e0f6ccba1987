package idempotency

import (
	"context"
	"sync"
	"time"
)

type memoryRecord struct {
	response  []byte
	expiresAt time.Time
}

// MemoryStore keeps idempotency records in memory. Intended for
// single-process deployments and tests; records are lost on restart.
type MemoryStore struct {
	opts Options
	mu   sync.RWMutex
	rows map[int64]memoryRecord
}

// NewMemoryStore creates an in-memory idempotency store.
func NewMemoryStore(opts Options) *MemoryStore {
	if opts.TTL <= 0 {
		opts.TTL = DefaultOptions().TTL
	}
	return &MemoryStore{opts: opts, rows: make(map[int64]memoryRecord)}
}

// HasBeenProcessed implements Store.
func (s *MemoryStore) HasBeenProcessed(_ context.Context, messageID int64) (bool, error) {
	s.mu.RLock()
	rec, ok := s.rows[messageID]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if time.Now().After(rec.expiresAt) {
		s.mu.Lock()
		delete(s.rows, messageID)
		s.mu.Unlock()
		return false, nil
	}
	return true, nil
}

// MarkAsProcessed implements Store. The first mark wins.
func (s *MemoryStore) MarkAsProcessed(_ context.Context, messageID int64, response []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.rows[messageID]; ok && time.Now().Before(rec.expiresAt) {
		return nil
	}
	copied := append([]byte(nil), response...)
	s.rows[messageID] = memoryRecord{response: copied, expiresAt: time.Now().Add(s.opts.TTL)}
	return nil
}

// GetProcessedResult implements Store.
func (s *MemoryStore) GetProcessedResult(_ context.Context, messageID int64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.rows[messageID]
	if !ok || time.Now().After(rec.expiresAt) || len(rec.response) == 0 {
		return nil, nil
	}
	return append([]byte(nil), rec.response...), nil
}
