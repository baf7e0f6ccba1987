package snapshot

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps snapshots in memory, latest per stream.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string]Snapshot
}

// NewMemoryStore creates an in-memory snapshot store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[string]Snapshot)}
}

// Save implements Store. A newer snapshot replaces the stored one;
// saves at an older version than the stored snapshot are ignored.
func (s *MemoryStore) Save(_ context.Context, snap Snapshot) error {
	if snap.StreamID == "" {
		return fmt.Errorf("snapshot: empty stream id")
	}
	if snap.TakenAt.IsZero() {
		snap.TakenAt = time.Now().UTC()
	}
	snap.Data = append([]byte(nil), snap.Data...)

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.snaps[snap.StreamID]; ok && prev.Version > snap.Version {
		return nil
	}
	s.snaps[snap.StreamID] = snap
	return nil
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context, streamID string) (Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[streamID]
	return snap, ok, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, streamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snaps, streamID)
	return nil
}
