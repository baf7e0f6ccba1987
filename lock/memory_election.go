package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryElectionState is the shared lock state for in-process
// elections. Electors competing for the same leadership share one
// state value.
type MemoryElectionState struct {
	mu        sync.Mutex
	owner     string
	since     time.Time
	expiresAt time.Time
}

// NewMemoryElectionState creates an empty election state.
func NewMemoryElectionState() *MemoryElectionState {
	return &MemoryElectionState{}
}

type memoryElectionBackend struct {
	state *MemoryElectionState
	cfg   *ElectionConfig
}

// NewMemoryElection creates an in-process leader election over the
// shared state. Useful for tests and single-binary deployments.
func NewMemoryElection(state *MemoryElectionState, cfg *ElectionConfig) Election {
	if cfg == nil {
		cfg = DefaultElectionConfig("default-leader")
	}
	return newElection(cfg, &memoryElectionBackend{state: state, cfg: cfg})
}

func (b *memoryElectionBackend) init(context.Context) error { return nil }

func (b *memoryElectionBackend) tryAcquire(context.Context) bool {
	b.state.mu.Lock()
	defer b.state.mu.Unlock()

	now := time.Now()
	if b.state.owner != "" && b.state.owner != b.cfg.InstanceID && b.state.expiresAt.After(now) {
		return false
	}
	if b.state.owner != b.cfg.InstanceID {
		b.state.since = now
	}
	b.state.owner = b.cfg.InstanceID
	b.state.expiresAt = now.Add(b.cfg.TTL)
	return true
}

func (b *memoryElectionBackend) refresh(context.Context) bool {
	b.state.mu.Lock()
	defer b.state.mu.Unlock()

	if b.state.owner != b.cfg.InstanceID || !b.state.expiresAt.After(time.Now()) {
		return false
	}
	b.state.expiresAt = time.Now().Add(b.cfg.TTL)
	return true
}

func (b *memoryElectionBackend) release(context.Context) {
	b.state.mu.Lock()
	defer b.state.mu.Unlock()

	if b.state.owner == b.cfg.InstanceID {
		b.state.owner = ""
		b.state.since = time.Time{}
		b.state.expiresAt = time.Time{}
	}
}

func (b *memoryElectionBackend) leader(context.Context) (LeaderInfo, error) {
	b.state.mu.Lock()
	defer b.state.mu.Unlock()

	if b.state.owner == "" || !b.state.expiresAt.After(time.Now()) {
		return LeaderInfo{}, nil
	}
	return LeaderInfo{InstanceID: b.state.owner, Since: b.state.since}, nil
}
