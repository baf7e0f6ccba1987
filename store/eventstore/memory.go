package eventstore

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps streams in memory. Single-process only; the
// current version of a stream is len−1, so an empty stream is −1.
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[string][]Event
}

// NewMemoryStore creates an in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{streams: make(map[string][]Event)}
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, streamID string, events []Event, expectedVersion int64) error {
	if streamID == "" {
		return fmt.Errorf("eventstore: empty stream id")
	}
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stream := s.streams[streamID]
	current := int64(len(stream)) - 1
	if expectedVersion != AnyVersion && expectedVersion != current {
		return fmt.Errorf("append %s at %d (current %d): %w", streamID, expectedVersion, current, ErrVersionConflict)
	}

	base := int64(len(stream))
	for i, evt := range events {
		evt.Version = base + int64(i)
		if evt.OccurredAt.IsZero() {
			evt.OccurredAt = time.Now().UTC()
		}
		evt.Data = append([]byte(nil), evt.Data...)
		stream = append(stream, evt)
	}
	s.streams[streamID] = stream
	return nil
}

// Read implements Store.
func (s *MemoryStore) Read(_ context.Context, streamID string, fromVersion int64) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream := s.streams[streamID]
	if fromVersion < 0 {
		fromVersion = 0
	}
	if fromVersion >= int64(len(stream)) {
		return nil, nil
	}
	out := make([]Event, len(stream)-int(fromVersion))
	copy(out, stream[fromVersion:])
	return out, nil
}

// Version implements Store. Empty streams report −1.
func (s *MemoryStore) Version(_ context.Context, streamID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.streams[streamID])) - 1, nil
}

// IsEmpty implements Store.
func (s *MemoryStore) IsEmpty(_ context.Context, streamID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.streams[streamID]) == 0, nil
}
