package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryLocker is a process-local Locker with the same token fencing
// semantics as the distributed backends.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]memoryEntry
}

// NewMemoryLocker creates an in-memory locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]memoryEntry)}
}

// TryAcquire implements Locker.
func (l *MemoryLocker) TryAcquire(_ context.Context, name string, ttl time.Duration) (Handle, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if entry, ok := l.locks[name]; ok && entry.expiresAt.After(now) {
		return nil, false, nil
	}

	token := uuid.NewString()
	l.locks[name] = memoryEntry{token: token, expiresAt: now.Add(ttl)}
	return &memoryHandle{locker: l, name: name, token: token}, true, nil
}

// Acquire implements Locker.
func (l *MemoryLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (Handle, error) {
	return acquireLoop(ctx, l, name, ttl)
}

type memoryHandle struct {
	locker *MemoryLocker
	name   string
	token  string
}

func (h *memoryHandle) Name() string { return h.name }

func (h *memoryHandle) Extend(_ context.Context, ttl time.Duration) error {
	h.locker.mu.Lock()
	defer h.locker.mu.Unlock()

	entry, ok := h.locker.locks[h.name]
	if !ok || entry.token != h.token || !entry.expiresAt.After(time.Now()) {
		return ErrNotHeld
	}
	entry.expiresAt = time.Now().Add(ttl)
	h.locker.locks[h.name] = entry
	return nil
}

func (h *memoryHandle) Release(_ context.Context) error {
	h.locker.mu.Lock()
	defer h.locker.mu.Unlock()

	entry, ok := h.locker.locks[h.name]
	if !ok || entry.token != h.token {
		return ErrNotHeld
	}
	delete(h.locker.locks, h.name)
	return nil
}
