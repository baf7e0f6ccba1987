package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.catga.dev/lock"
	"go.catga.dev/store/inbox"
)

// CleanerOptions tune the inbox cleaner.
type CleanerOptions struct {
	// CleanInterval is how often the cleaner runs
	CleanInterval time.Duration

	// Retention is how long processed rows are kept
	Retention time.Duration
}

// DefaultCleanerOptions returns the stock cleaner settings.
func DefaultCleanerOptions() CleanerOptions {
	return CleanerOptions{
		CleanInterval: time.Minute,
		Retention:     inbox.DefaultOptions().Retention,
	}
}

// InboxCleaner prunes processed inbox rows past retention and releases
// expired processing locks so stalled messages become claimable again.
// Leader-gated like the publisher.
type InboxCleaner struct {
	store    inbox.Store
	election lock.Election
	opts     CleanerOptions

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewInboxCleaner wires a cleaner. election may be nil.
func NewInboxCleaner(store inbox.Store, election lock.Election, opts CleanerOptions) *InboxCleaner {
	if opts.CleanInterval <= 0 {
		opts.CleanInterval = DefaultCleanerOptions().CleanInterval
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultCleanerOptions().Retention
	}
	return &InboxCleaner{store: store, election: election, opts: opts}
}

// Name implements lifecycle.Service.
func (c *InboxCleaner) Name() string { return "inbox-cleaner" }

// Start implements lifecycle.Service.
func (c *InboxCleaner) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("inbox cleaner already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.running = true
	c.cancel = cancel
	c.mu.Unlock()

	slog.Info("Inbox cleaner started",
		"cleanInterval", c.opts.CleanInterval,
		"retention", c.opts.Retention)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(c.opts.CleanInterval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if c.election != nil && !c.election.IsLeader() {
					continue
				}
				c.clean(runCtx)
			}
		}
	}()

	<-runCtx.Done()
	c.wg.Wait()
	return nil
}

// Stop implements lifecycle.Service.
func (c *InboxCleaner) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel := c.cancel
	c.running = false
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Health implements lifecycle.Service.
func (c *InboxCleaner) Health() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return fmt.Errorf("inbox cleaner not running")
	}
	return nil
}

// clean runs one cleaning cycle.
func (c *InboxCleaner) clean(ctx context.Context) {
	cleanCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-c.opts.Retention)
	if n, err := c.store.DeleteProcessedMessages(cleanCtx, cutoff); err != nil {
		slog.Error("Failed to prune processed inbox rows", "error", err)
	} else if n > 0 {
		slog.Debug("Pruned processed inbox rows", "count", n)
	}

	if n, err := c.store.ReleaseExpiredLocks(cleanCtx); err != nil {
		slog.Error("Failed to release expired inbox locks", "error", err)
	} else if n > 0 {
		slog.Info("Released expired inbox locks", "count", n)
	}
}
