package inbox

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.catga.dev/metrics"
)

// MemoryState is the shared row and lock state for in-process inboxes.
// Worker handles competing for the same messages share one state value.
type MemoryState struct {
	mu    sync.Mutex
	rows  map[int64]*Message
	locks map[int64]string // live lock tokens by message id
}

// NewMemoryState creates an empty inbox state.
func NewMemoryState() *MemoryState {
	return &MemoryState{
		rows:  make(map[int64]*Message),
		locks: make(map[int64]string),
	}
}

// MemoryStore is one worker's handle on an in-memory inbox. Locks are
// held per handle: a handle whose lock expired and was taken over by
// another handle can no longer finalize the row. Single-process only.
type MemoryStore struct {
	opts  Options
	state *MemoryState

	mu     sync.Mutex
	tokens map[int64]string // locks held by this handle
}

// NewMemoryStore creates an in-memory inbox with its own private state.
func NewMemoryStore(opts Options) *MemoryStore {
	return NewMemoryStoreWithState(NewMemoryState(), opts)
}

// NewMemoryStoreWithState creates a handle over shared inbox state, so
// several workers can compete for the same message locks.
func NewMemoryStoreWithState(state *MemoryState, opts Options) *MemoryStore {
	if opts.Retention <= 0 {
		opts.Retention = DefaultOptions().Retention
	}
	return &MemoryStore{opts: opts, state: state, tokens: make(map[int64]string)}
}

// TryLockMessage implements Store.
func (s *MemoryStore) TryLockMessage(_ context.Context, messageID int64, ttl time.Duration) (bool, error) {
	token := uuid.NewString()
	now := time.Now()

	s.state.mu.Lock()
	row, ok := s.state.rows[messageID]
	if ok {
		if row.Status == StatusProcessed {
			s.state.mu.Unlock()
			metrics.CountInboxLock(false)
			return false, nil
		}
		if s.state.locks[messageID] != "" && row.LockExpiresAt.After(now) {
			s.state.mu.Unlock()
			metrics.CountInboxLock(false)
			return false, nil
		}
		// Expired lock: take it over; the old holder's token goes stale
	} else {
		row = &Message{ID: messageID}
		s.state.rows[messageID] = row
	}
	row.Status = StatusLocked
	row.LockExpiresAt = now.Add(ttl)
	s.state.locks[messageID] = token
	s.state.mu.Unlock()

	s.mu.Lock()
	s.tokens[messageID] = token
	s.mu.Unlock()
	metrics.CountInboxLock(true)
	return true, nil
}

// ReleaseLock implements Store.
func (s *MemoryStore) ReleaseLock(_ context.Context, messageID int64) error {
	s.mu.Lock()
	token, ok := s.tokens[messageID]
	delete(s.tokens, messageID)
	s.mu.Unlock()
	if !ok {
		return nil
	}

	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	if s.state.locks[messageID] != token {
		return nil // lock expired and moved on; nothing of ours to drop
	}
	delete(s.state.locks, messageID)
	if row, ok := s.state.rows[messageID]; ok && row.Status != StatusProcessed {
		delete(s.state.rows, messageID)
	}
	return nil
}

// MarkAsProcessed implements Store.
func (s *MemoryStore) MarkAsProcessed(_ context.Context, msg Message) error {
	s.mu.Lock()
	token := s.tokens[msg.ID]
	s.mu.Unlock()

	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	row, ok := s.state.rows[msg.ID]
	if ok && row.Status == StatusProcessed {
		return nil // already processed; idempotent
	}
	if !ok || token == "" {
		return ErrLockNotHeld
	}
	// Finalizing needs a live lock that is still ours: a holder whose
	// TTL lapsed may have been displaced by another worker.
	if s.state.locks[msg.ID] != token || time.Now().After(row.LockExpiresAt) {
		return ErrLockNotHeld
	}

	row.Type = msg.Type
	row.Payload = append([]byte(nil), msg.Payload...)
	row.Result = append([]byte(nil), msg.Result...)
	row.Status = StatusProcessed
	row.ProcessedAt = time.Now()
	delete(s.state.locks, msg.ID)

	s.mu.Lock()
	delete(s.tokens, msg.ID)
	s.mu.Unlock()
	metrics.CountInboxProcessed()
	return nil
}

// HasBeenProcessed implements Store.
func (s *MemoryStore) HasBeenProcessed(_ context.Context, messageID int64) (bool, error) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	row, ok := s.state.rows[messageID]
	return ok && row.Status == StatusProcessed, nil
}

// GetProcessedResult implements Store.
func (s *MemoryStore) GetProcessedResult(_ context.Context, messageID int64) ([]byte, error) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	row, ok := s.state.rows[messageID]
	if !ok || row.Status != StatusProcessed || len(row.Result) == 0 {
		return nil, nil
	}
	return append([]byte(nil), row.Result...), nil
}

// DeleteProcessedMessages implements Store.
func (s *MemoryStore) DeleteProcessedMessages(_ context.Context, olderThan time.Time) (int, error) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	deleted := 0
	for id, row := range s.state.rows {
		if row.Status == StatusProcessed && row.ProcessedAt.Before(olderThan) {
			delete(s.state.rows, id)
			deleted++
		}
	}
	return deleted, nil
}

// ReleaseExpiredLocks implements Store.
func (s *MemoryStore) ReleaseExpiredLocks(_ context.Context) (int, error) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	now := time.Now()
	released := 0
	for id, row := range s.state.rows {
		if row.Status != StatusProcessed && row.LockExpiresAt.Before(now) {
			delete(s.state.rows, id)
			delete(s.state.locks, id)
			released++
		}
	}
	return released, nil
}
