// Package recovery hosts the background workers that keep the durable
// stores converging: the outbox publisher, the inbox cleaner, and the
// dead-letter replayer. The publisher and cleaner are leader-gated so
// only one instance in a deployment drives each store.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"go.catga.dev/lock"
	"go.catga.dev/message"
	"go.catga.dev/metrics"
	"go.catga.dev/store/dlq"
	"go.catga.dev/store/outbox"
	"go.catga.dev/transport"
)

// PublisherOptions tune the outbox publisher.
type PublisherOptions struct {
	// PollInterval is how often the publisher polls for pending rows
	PollInterval time.Duration

	// BatchSize is the maximum rows claimed per poll
	BatchSize int

	// ClaimTTL is how long a claim survives a crash before another
	// poller may reset it
	ClaimTTL time.Duration

	// MaxRetries caps publish attempts before a row is dead-lettered
	MaxRetries int

	// SubjectPrefix scopes the published subjects
	SubjectPrefix string

	// QoS applies to every published message
	QoS message.QoS

	// DLQRate and DLQBurst bound dead-letter admissions per second.
	// When the limiter denies, the publisher stops dead-lettering
	// until the next tick so a poisoned backlog cannot flood the DLQ.
	DLQRate  rate.Limit
	DLQBurst int

	// RetentionPeriod prunes published rows older than this each tick
	// (0 disables pruning)
	RetentionPeriod time.Duration
}

// DefaultPublisherOptions returns the stock publisher settings.
func DefaultPublisherOptions() PublisherOptions {
	return PublisherOptions{
		PollInterval:    time.Second,
		BatchSize:       100,
		ClaimTTL:        5 * time.Minute,
		MaxRetries:      3,
		SubjectPrefix:   transport.DefaultPrefix,
		QoS:             message.AtLeastOnce,
		DLQRate:         rate.Limit(10),
		DLQBurst:        20,
		RetentionPeriod: 24 * time.Hour,
	}
}

// OutboxPublisher drains the outbox to the transport. A single
// claiming poller per deployment: when an Election is set, only the
// leader polls; in-flight ticks finish after leadership is lost but
// no new tick starts.
type OutboxPublisher struct {
	store     outbox.Store
	deadQueue dlq.Store
	bus       transport.Transport
	election  lock.Election
	opts      PublisherOptions
	limiter   *rate.Limiter

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewOutboxPublisher wires a publisher. election may be nil for
// single-instance deployments; the publisher then always polls.
func NewOutboxPublisher(store outbox.Store, deadQueue dlq.Store, bus transport.Transport, election lock.Election, opts PublisherOptions) *OutboxPublisher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPublisherOptions().PollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultPublisherOptions().BatchSize
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = DefaultPublisherOptions().ClaimTTL
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultPublisherOptions().MaxRetries
	}
	if opts.SubjectPrefix == "" {
		opts.SubjectPrefix = transport.DefaultPrefix
	}
	if opts.DLQRate <= 0 {
		opts.DLQRate = DefaultPublisherOptions().DLQRate
	}
	if opts.DLQBurst <= 0 {
		opts.DLQBurst = DefaultPublisherOptions().DLQBurst
	}
	return &OutboxPublisher{
		store:     store,
		deadQueue: deadQueue,
		bus:       bus,
		election:  election,
		opts:      opts,
		limiter:   rate.NewLimiter(opts.DLQRate, opts.DLQBurst),
	}
}

// Name implements lifecycle.Service.
func (p *OutboxPublisher) Name() string { return "outbox-publisher" }

// Start implements lifecycle.Service. Blocks until ctx is cancelled.
func (p *OutboxPublisher) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("outbox publisher already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.running = true
	p.cancel = cancel
	p.mu.Unlock()

	// Crash recovery: claims from a previous run whose TTL passed go
	// back to pending before the first poll
	if n, err := p.store.ResetStuck(runCtx); err != nil {
		slog.Error("Outbox crash recovery failed", "error", err)
	} else if n > 0 {
		slog.Info("Reset stuck outbox claims", "count", n)
	}

	slog.Info("Outbox publisher started",
		"pollInterval", p.opts.PollInterval,
		"batchSize", p.opts.BatchSize,
		"maxRetries", p.opts.MaxRetries,
		"leaderGated", p.election != nil)

	p.wg.Add(1)
	go p.pollLoop(runCtx)

	<-runCtx.Done()
	p.wg.Wait()
	return nil
}

// Stop implements lifecycle.Service.
func (p *OutboxPublisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel := p.cancel
	p.running = false
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
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
func (p *OutboxPublisher) Health() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return fmt.Errorf("outbox publisher not running")
	}
	return nil
}

func (p *OutboxPublisher) pollLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.election != nil && !p.election.IsLeader() {
				continue
			}
			p.tick(ctx)
		}
	}
}

// tick runs one publish cycle: housekeeping, claim, publish.
func (p *OutboxPublisher) tick(ctx context.Context) {
	tickCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Expired claims and retryable failures rejoin the pending set
	if n, err := p.store.ResetStuck(tickCtx); err != nil {
		slog.Error("Failed to reset stuck outbox claims", "error", err)
	} else if n > 0 {
		slog.Info("Reset stuck outbox claims", "count", n)
	}
	if n, err := p.store.ResetFailed(tickCtx, p.opts.MaxRetries); err != nil {
		slog.Error("Failed to reset failed outbox rows", "error", err)
	} else if n > 0 {
		slog.Debug("Requeued failed outbox rows", "count", n)
	}

	if p.opts.RetentionPeriod > 0 {
		cutoff := time.Now().Add(-p.opts.RetentionPeriod)
		if _, err := p.store.DeletePublishedMessages(tickCtx, cutoff); err != nil {
			slog.Error("Failed to prune published outbox rows", "error", err)
		}
	}

	msgs, err := p.store.GetPending(tickCtx, p.opts.BatchSize, p.opts.ClaimTTL)
	if err != nil {
		slog.Error("Failed to claim pending outbox rows", "error", err)
		return
	}
	if pending, err := p.store.CountPending(tickCtx); err == nil {
		metrics.OutboxPending.Set(float64(pending))
	}
	if len(msgs) == 0 {
		return
	}

	for _, msg := range msgs {
		if tickCtx.Err() != nil {
			// Claims left behind expire via ClaimTTL and are reset
			return
		}
		p.publishOne(tickCtx, msg)
	}
}

func (p *OutboxPublisher) publishOne(ctx context.Context, msg outbox.Message) {
	subject := transport.Subject(p.opts.SubjectPrefix, msg.Type)
	out := transport.Outgoing{
		Context: transport.MessageContext{
			MessageID:   msg.ID,
			MessageType: msg.Type,
			SentAt:      time.Now().UTC(),
			RetryCount:  msg.Attempts,
		},
		Payload: msg.Payload,
		QoS:     p.opts.QoS,
	}

	if err := p.bus.Publish(ctx, subject, out); err != nil {
		p.handlePublishFailure(ctx, msg, err)
		return
	}

	if err := p.store.MarkAsPublished(ctx, msg.ID); err != nil {
		slog.Error("Failed to mark outbox row published",
			"messageId", msg.ID, "error", err)
		return
	}
	metrics.OutboxPublishes.Inc()
}

// handlePublishFailure marks the row failed, and dead-letters it once
// retries are exhausted. The rate limiter guards against a poisoned
// backlog flooding the DLQ in a single tick.
func (p *OutboxPublisher) handlePublishFailure(ctx context.Context, msg outbox.Message, pubErr error) {
	attempts := msg.Attempts + 1
	metrics.OutboxFailures.Inc()

	if attempts < p.opts.MaxRetries {
		slog.Warn("Outbox publish failed, will retry",
			"messageId", msg.ID, "type", msg.Type,
			"attempt", attempts, "error", pubErr)
		if err := p.store.MarkAsFailed(ctx, msg.ID, pubErr.Error()); err != nil {
			slog.Error("Failed to mark outbox row failed", "messageId", msg.ID, "error", err)
		}
		return
	}

	if p.deadQueue == nil {
		slog.Error("Outbox row exhausted retries, no dead-letter store configured",
			"messageId", msg.ID, "type", msg.Type, "error", pubErr)
		_ = p.store.MarkAsFailed(ctx, msg.ID, pubErr.Error())
		return
	}

	if !p.limiter.Allow() {
		// Over the admission rate: leave the row claimed so the claim
		// TTL returns it to pending for a later tick
		slog.Warn("Dead-letter rate exceeded, deferring",
			"messageId", msg.ID, "type", msg.Type)
		return
	}

	failed := dlq.FailedMessage{
		MessageID:  msg.ID,
		Type:       msg.Type,
		Payload:    msg.Payload,
		Error:      pubErr.Error(),
		RetryCount: attempts,
		FailedAt:   time.Now().UTC(),
	}
	if err := p.deadQueue.SendAsync(ctx, failed); err != nil {
		slog.Error("Failed to dead-letter outbox row",
			"messageId", msg.ID, "error", err)
		_ = p.store.MarkAsFailed(ctx, msg.ID, pubErr.Error())
		return
	}
	metrics.CountDLQ(msg.Type)

	// The DLQ row is durable; the outbox row is done
	if err := p.store.MarkAsPublished(ctx, msg.ID); err != nil {
		slog.Error("Failed to finalize dead-lettered outbox row",
			"messageId", msg.ID, "error", err)
	}
	slog.Warn("Outbox row dead-lettered",
		"messageId", msg.ID, "type", msg.Type, "attempts", attempts)
}
