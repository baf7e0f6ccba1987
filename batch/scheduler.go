// Package batch coalesces fine-grained requests of one type into
// single handler invocations. Requests land in per-key shards; a
// shard flushes when it reaches MaxBatchSize or when its oldest item
// has waited BatchTimeout. Shards are evicted by LRU when MaxShards
// is exceeded or after ShardIdleTTL of inactivity; eviction drains
// without losing items.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.catga.dev/metrics"
	"go.catga.dev/result"
)

// Flusher processes one accumulated batch. It must return one result
// per item, in input order. A returned error fans out to every waiter.
type Flusher func(ctx context.Context, items []any) ([]result.Result[any], error)

// KeyFunc extracts the batch key from an item. Items with the same
// key share a shard and flush together; an empty key is one shard.
type KeyFunc func(item any) string

// Profile holds the batching parameters for one request type.
type Profile struct {
	// MaxBatchSize flushes the shard when the queue reaches this size
	MaxBatchSize int

	// BatchTimeout flushes the shard when the oldest item has waited this long
	BatchTimeout time.Duration

	// MaxQueueLength bounds the shard queue; overflow fails fast
	MaxQueueLength int

	// Key extracts the shard key; nil means a single shard per type
	Key KeyFunc
}

// Options configures the scheduler.
type Options struct {
	// Defaults apply to types registered without an override
	Defaults Profile

	// FlushDegree bounds concurrent flushes across all shards.
	// 0 means sequential per shard with no cross-shard limit.
	FlushDegree int

	// MaxShards bounds live shards per type; exceeding it evicts LRU
	MaxShards int

	// ShardIdleTTL evicts shards with no activity for this long
	ShardIdleTTL time.Duration

	// SweepInterval is how often idle shards are checked
	SweepInterval time.Duration
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Defaults: Profile{
			MaxBatchSize:   64,
			BatchTimeout:   10 * time.Millisecond,
			MaxQueueLength: 1024,
		},
		FlushDegree:   0,
		MaxShards:     256,
		ShardIdleTTL:  5 * time.Minute,
		SweepInterval: 30 * time.Second,
	}
}

// waiter pairs an item with the channel its caller blocks on. The
// channel is buffered so an abandoned waiter never blocks a flush.
type waiter struct {
	item any
	ch   chan result.Result[any]
}

type shard struct {
	key          string
	mu           sync.Mutex
	queue        []*waiter
	oldest       time.Time
	lastActivity time.Time
	flushing     bool
	timer        *time.Timer
	evicted      bool
}

type typeState struct {
	name    string
	profile Profile
	flusher Flusher

	mu     sync.Mutex
	shards map[string]*shard
}

// Scheduler is the auto-batching scheduler shared by the mediator.
type Scheduler struct {
	opts     Options
	flushSem chan struct{}

	mu    sync.RWMutex
	types map[string]*typeState

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	sweepWg sync.WaitGroup
}

// NewScheduler creates a scheduler and starts its idle sweeper.
func NewScheduler(opts Options) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		opts:   opts,
		types:  make(map[string]*typeState),
		ctx:    ctx,
		cancel: cancel,
	}
	if opts.FlushDegree > 0 {
		s.flushSem = make(chan struct{}, opts.FlushDegree)
	}
	if opts.SweepInterval > 0 {
		s.sweepWg.Add(1)
		go s.sweepLoop()
	}
	return s
}

// RegisterType registers a request type with its flusher. A nil
// profile uses the scheduler defaults; per-type overrides win.
func (s *Scheduler) RegisterType(name string, flusher Flusher, profile *Profile) error {
	if flusher == nil {
		return fmt.Errorf("batch: flusher for %s is nil", name)
	}
	p := s.opts.Defaults
	if profile != nil {
		if profile.MaxBatchSize > 0 {
			p.MaxBatchSize = profile.MaxBatchSize
		}
		if profile.BatchTimeout > 0 {
			p.BatchTimeout = profile.BatchTimeout
		}
		if profile.MaxQueueLength > 0 {
			p.MaxQueueLength = profile.MaxQueueLength
		}
		if profile.Key != nil {
			p.Key = profile.Key
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.types[name]; exists {
		return fmt.Errorf("batch: type %s already registered", name)
	}
	s.types[name] = &typeState{
		name:    name,
		profile: p,
		flusher: flusher,
		shards:  make(map[string]*shard),
	}
	return nil
}

// Registered reports whether a type routes through the scheduler.
func (s *Scheduler) Registered(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.types[name]
	return ok
}

// Submit enqueues one item. The returned channel receives exactly one
// result; overflow and unknown types fail immediately. Abandoning the
// channel abandons only the waiter, never the flush.
func (s *Scheduler) Submit(ctx context.Context, typeName string, item any) <-chan result.Result[any] {
	ch := make(chan result.Result[any], 1)

	s.mu.RLock()
	ts := s.types[typeName]
	s.mu.RUnlock()
	if ts == nil {
		ch <- result.Failf[any](result.KindNotFound, "batch type %s not registered", typeName)
		return ch
	}
	if err := ctx.Err(); err != nil {
		ch <- result.FromError[any](err)
		return ch
	}

	key := ""
	if ts.profile.Key != nil {
		key = ts.profile.Key(item)
	}

	// An eviction can race shard lookup; retry against a fresh shard.
	w := &waiter{item: item, ch: ch}
	for {
		sh := s.shardFor(ts, key)
		if s.enqueue(ts, sh, w) {
			return ch
		}
	}
}

// Await blocks until the submitted item settles or ctx is cancelled.
// Cancellation abandons the waiter; the in-flight flush completes and
// its result is discarded.
func Await(ctx context.Context, ch <-chan result.Result[any]) result.Result[any] {
	select {
	case r := <-ch:
		return r
	case <-ctx.Done():
		return result.FromError[any](ctx.Err())
	}
}

// shardFor returns the live shard for the key, creating and (when
// MaxShards is exceeded) LRU-evicting under the type lock.
func (s *Scheduler) shardFor(ts *typeState, key string) *shard {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if sh, ok := ts.shards[key]; ok {
		return sh
	}

	if s.opts.MaxShards > 0 && len(ts.shards) >= s.opts.MaxShards {
		s.evictLRULocked(ts)
	}

	sh := &shard{key: key, lastActivity: time.Now()}
	ts.shards[key] = sh
	metrics.BatchShards.WithLabelValues(ts.name).Set(float64(len(ts.shards)))
	return sh
}

// evictLRULocked removes the least recently active shard and drains it.
// Caller holds ts.mu.
func (s *Scheduler) evictLRULocked(ts *typeState) {
	var lru *shard
	for _, sh := range ts.shards {
		sh.mu.Lock()
		if lru == nil || sh.lastActivity.Before(lru.lastActivity) {
			lru = sh
		}
		sh.mu.Unlock()
	}
	if lru == nil {
		return
	}
	delete(ts.shards, lru.key)
	lru.mu.Lock()
	lru.evicted = true
	lru.mu.Unlock()
	metrics.BatchFlushes.WithLabelValues(ts.name, "evict").Inc()
	s.startFlush(ts, lru)
}

// enqueue adds the waiter to the shard. Returns false when the shard
// was already evicted (caller retries). Overflow delivers Unavailable
// on the waiter channel and returns true.
func (s *Scheduler) enqueue(ts *typeState, sh *shard, w *waiter) bool {
	sh.mu.Lock()

	if sh.evicted {
		sh.mu.Unlock()
		return false
	}

	if ts.profile.MaxQueueLength > 0 && len(sh.queue) >= ts.profile.MaxQueueLength {
		sh.mu.Unlock()
		metrics.CountBatchOverflow(ts.name)
		w.ch <- result.FailWith[any](result.NewError(result.KindUnavailable, "QUEUE_FULL",
			fmt.Sprintf("batch shard for %s is full", ts.name)))
		return true
	}

	if len(sh.queue) == 0 {
		sh.oldest = time.Now()
		// Arm the shard timer for the timeout trigger
		if sh.timer != nil {
			sh.timer.Stop()
		}
		sh.timer = time.AfterFunc(ts.profile.BatchTimeout, func() {
			s.flushOnTimeout(ts, sh)
		})
	}
	sh.queue = append(sh.queue, w)
	sh.lastActivity = time.Now()

	full := len(sh.queue) >= ts.profile.MaxBatchSize
	sh.mu.Unlock()

	if full {
		metrics.BatchFlushes.WithLabelValues(ts.name, "size").Inc()
		s.startFlush(ts, sh)
	}
	return true
}

func (s *Scheduler) flushOnTimeout(ts *typeState, sh *shard) {
	sh.mu.Lock()
	sh.timer = nil
	empty := len(sh.queue) == 0
	sh.mu.Unlock()
	if empty {
		return
	}
	metrics.BatchFlushes.WithLabelValues(ts.name, "timeout").Inc()
	s.startFlush(ts, sh)
}

// startFlush takes the shard's queue and runs the flusher. Flushes of
// one shard are sequential (the flushing flag); the FlushDegree
// semaphore bounds cross-shard concurrency when configured.
func (s *Scheduler) startFlush(ts *typeState, sh *shard) {
	sh.mu.Lock()
	if sh.flushing || len(sh.queue) == 0 {
		sh.mu.Unlock()
		return
	}
	sh.flushing = true
	batch := sh.queue
	sh.queue = nil
	if sh.timer != nil {
		sh.timer.Stop()
		sh.timer = nil
	}
	sh.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if s.flushSem != nil {
			s.flushSem <- struct{}{}
			defer func() { <-s.flushSem }()
		}

		s.runFlush(ts, batch)

		sh.mu.Lock()
		sh.flushing = false
		again := len(sh.queue) > 0 &&
			(len(sh.queue) >= ts.profile.MaxBatchSize || time.Since(sh.oldest) >= ts.profile.BatchTimeout || sh.evicted)
		if !again && len(sh.queue) > 0 && sh.timer == nil {
			// The shard timer may have fired while we were flushing;
			// re-arm it for the remaining wait of the oldest item.
			remaining := ts.profile.BatchTimeout - time.Since(sh.oldest)
			if remaining < time.Millisecond {
				remaining = time.Millisecond
			}
			sh.timer = time.AfterFunc(remaining, func() {
				s.flushOnTimeout(ts, sh)
			})
		}
		sh.mu.Unlock()
		if again {
			s.startFlush(ts, sh)
		}
	}()
}

// runFlush invokes the flusher and settles every waiter. The flush
// context is detached from any caller: a caller timeout cancels only
// its waiter.
func (s *Scheduler) runFlush(ts *typeState, batch []*waiter) {
	items := make([]any, len(batch))
	for i, w := range batch {
		items[i] = w.item
	}

	results, err := ts.flusher(s.ctx, items)
	if err != nil {
		failure := result.WrapError(result.Classify(err), err)
		for _, w := range batch {
			w.ch <- result.FailWith[any](failure)
		}
		return
	}
	if len(results) != len(batch) {
		slog.Error("Batch flusher returned wrong result count",
			"type", ts.name, "items", len(batch), "results", len(results))
		for _, w := range batch {
			w.ch <- result.Failf[any](result.KindInternal,
				"flusher for %s returned %d results for %d items", ts.name, len(results), len(batch))
		}
		return
	}
	for i, w := range batch {
		w.ch <- results[i]
	}
}

// sweepLoop evicts idle shards.
func (s *Scheduler) sweepLoop() {
	defer s.sweepWg.Done()
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Scheduler) sweep() {
	s.mu.RLock()
	states := make([]*typeState, 0, len(s.types))
	for _, ts := range s.types {
		states = append(states, ts)
	}
	s.mu.RUnlock()

	cutoff := time.Now().Add(-s.opts.ShardIdleTTL)
	for _, ts := range states {
		ts.mu.Lock()
		for key, sh := range ts.shards {
			sh.mu.Lock()
			idle := sh.lastActivity.Before(cutoff)
			sh.mu.Unlock()
			if idle {
				delete(ts.shards, key)
				sh.mu.Lock()
				sh.evicted = true
				hasWork := len(sh.queue) > 0
				sh.mu.Unlock()
				if hasWork {
					metrics.BatchFlushes.WithLabelValues(ts.name, "evict").Inc()
					s.startFlush(ts, sh)
				}
				slog.Debug("Evicted idle batch shard", "type", ts.name, "key", key)
			}
		}
		metrics.BatchShards.WithLabelValues(ts.name).Set(float64(len(ts.shards)))
		ts.mu.Unlock()
	}
}

// ShardCount returns the live shard count for a type.
func (s *Scheduler) ShardCount(typeName string) int {
	s.mu.RLock()
	ts := s.types[typeName]
	s.mu.RUnlock()
	if ts == nil {
		return 0
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.shards)
}

// Close drains every shard and stops the sweeper. Pending items are
// flushed, not dropped.
func (s *Scheduler) Close() {
	s.mu.RLock()
	states := make([]*typeState, 0, len(s.types))
	for _, ts := range s.types {
		states = append(states, ts)
	}
	s.mu.RUnlock()

	for _, ts := range states {
		ts.mu.Lock()
		for key, sh := range ts.shards {
			delete(ts.shards, key)
			sh.mu.Lock()
			sh.evicted = true
			hasWork := len(sh.queue) > 0
			sh.mu.Unlock()
			if hasWork {
				s.startFlush(ts, sh)
			}
		}
		ts.mu.Unlock()
	}

	// Let in-flight flushes finish before cancelling the flush context
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		slog.Warn("Batch scheduler close timed out waiting for flushes")
	}
	s.cancel()
	s.sweepWg.Wait()
}
