package transport

import (
	"sync"
	"time"
)

// dedupEntry is one queue slot: the id plus the expiry it was filed
// under, so a slot left behind by an earlier life of the same id can
// be told apart from the live one.
type dedupEntry struct {
	id     int64
	expiry time.Time
}

// DedupWindow tracks recently seen message ids for exactly-once
// delivery. Ids expire after the window TTL; when the window is full
// the oldest live id is evicted, so capacity bounds memory, not
// correctness.
type DedupWindow struct {
	mu   sync.Mutex
	seen map[int64]time.Time
	fifo []dedupEntry
	ttl  time.Duration
	max  int
}

// NewDedupWindow creates a window holding up to max ids for ttl each.
func NewDedupWindow(ttl time.Duration, max int) *DedupWindow {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if max <= 0 {
		max = 10000
	}
	return &DedupWindow{
		seen: make(map[int64]time.Time),
		ttl:  ttl,
		max:  max,
	}
}

// Observe records the id and reports whether this is its first
// appearance within the window.
func (w *DedupWindow) Observe(id int64) bool {
	now := time.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	if expiry, ok := w.seen[id]; ok && expiry.After(now) {
		return false
	}
	w.evictLocked(now)
	expiry := now.Add(w.ttl)
	w.seen[id] = expiry
	w.fifo = append(w.fifo, dedupEntry{id: id, expiry: expiry})
	return true
}

// evictLocked sweeps expired ids and stale slots from the front of the
// queue, then frees the oldest live id when the window is at capacity.
// The TTL is fixed, so expiries are monotonic along the queue and the
// sweep can stop at the first live slot.
func (w *DedupWindow) evictLocked(now time.Time) {
	for len(w.fifo) > 0 {
		head := w.fifo[0]
		expiry, ok := w.seen[head.id]
		if ok && !expiry.Equal(head.expiry) {
			// Stale slot: the id expired and was re-observed, so it
			// lives further back in the queue
			w.fifo = w.fifo[1:]
			continue
		}
		if ok && expiry.After(now) {
			break
		}
		if ok {
			delete(w.seen, head.id)
		}
		w.fifo = w.fifo[1:]
	}
	for len(w.seen) >= w.max && len(w.fifo) > 0 {
		head := w.fifo[0]
		if expiry, ok := w.seen[head.id]; ok && expiry.Equal(head.expiry) {
			delete(w.seen, head.id)
		}
		w.fifo = w.fifo[1:]
	}
}

// Len returns the number of live ids in the window.
func (w *DedupWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}
