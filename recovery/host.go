package recovery

import (
	"context"
	"fmt"

	"go.catga.dev/lifecycle"
	"go.catga.dev/lock"
	"go.catga.dev/store/dlq"
	"go.catga.dev/store/inbox"
	"go.catga.dev/store/outbox"
	"go.catga.dev/transport"
)

// HostOptions bundle the worker settings.
type HostOptions struct {
	Publisher PublisherOptions
	Cleaner   CleanerOptions
	Replayer  ReplayerOptions
}

// DefaultHostOptions returns stock settings for every worker.
func DefaultHostOptions() HostOptions {
	return HostOptions{
		Publisher: DefaultPublisherOptions(),
		Cleaner:   DefaultCleanerOptions(),
		Replayer:  DefaultReplayerOptions(),
	}
}

// Host composes the recovery workers over one set of stores and a
// transport. Workers that need exclusivity share the election.
type Host struct {
	publisher *OutboxPublisher
	cleaner   *InboxCleaner
	replayer  *DLQReplayer
	election  lock.Election
}

// NewHost wires the workers. inboxStore and deadQueue may be nil when
// the deployment does not use them; election may be nil for a single
// instance.
func NewHost(outboxStore outbox.Store, inboxStore inbox.Store, deadQueue dlq.Store, bus transport.Transport, election lock.Election, opts HostOptions) *Host {
	h := &Host{election: election}
	h.publisher = NewOutboxPublisher(outboxStore, deadQueue, bus, election, opts.Publisher)
	if inboxStore != nil {
		h.cleaner = NewInboxCleaner(inboxStore, election, opts.Cleaner)
	}
	if deadQueue != nil {
		h.replayer = NewDLQReplayer(deadQueue, bus, opts.Replayer)
	}
	return h
}

// Services returns the lifecycle services to supervise, election
// first so leadership is settled before the workers' first tick.
func (h *Host) Services() []lifecycle.Service {
	var services []lifecycle.Service
	if h.election != nil {
		services = append(services, h.electionService())
	}
	services = append(services, h.publisher)
	if h.cleaner != nil {
		services = append(services, h.cleaner)
	}
	return services
}

// Publisher returns the outbox publisher.
func (h *Host) Publisher() *OutboxPublisher { return h.publisher }

// Replayer returns the dead-letter replayer, nil without a DLQ store.
func (h *Host) Replayer() *DLQReplayer { return h.replayer }

// electionService adapts the elector to the Service contract.
func (h *Host) electionService() lifecycle.Service {
	return lifecycle.NewServiceFunc("leader-election",
		func(ctx context.Context) error {
			if err := h.election.Start(ctx); err != nil {
				return fmt.Errorf("start leader election: %w", err)
			}
			<-ctx.Done()
			return nil
		},
		func(context.Context) error {
			h.election.Stop()
			return nil
		},
	)
}
