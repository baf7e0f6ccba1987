// Package outbox implements the transactional-outbox store: messages
// written alongside domain state and published later by the recovery
// host's publisher loop.
//
// The claim model is status-based: GetPending atomically claims the
// rows it returns for claimTTL, so a row is never visible to two
// concurrent publishers. Claims that outlive their TTL (a publisher
// crash) are reset to pending by ResetStuck.
package outbox

import (
	"context"
	"time"
)

// Status is the lifecycle state of an outbox row. The status advances
// monotonically Pending→Published or Pending→Failed; a Failed row may
// be re-attempted by resetting it to Pending per retry policy.
type Status int

const (
	// StatusPending - waiting to be published
	StatusPending Status = 0

	// StatusPublished - delivered to the transport
	StatusPublished Status = 1

	// StatusFailed - the last publish attempt failed
	StatusFailed Status = 2

	// StatusClaimed - held by a publisher; reset to pending when the
	// claim expires without an outcome
	StatusClaimed Status = 9
)

// String returns a human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusPublished:
		return "PUBLISHED"
	case StatusFailed:
		return "FAILED"
	case StatusClaimed:
		return "CLAIMED"
	default:
		return "UNKNOWN"
	}
}

// Message is one outbox row.
type Message struct {
	ID          int64
	Type        string
	Payload     []byte
	Status      Status
	Attempts    int
	CreatedAt   time.Time
	PublishedAt time.Time
	LastError   string
}

// Store is the outbox contract.
type Store interface {
	// Add enqueues a message as Pending. Called inside the handler's
	// transaction (or immediately before the domain commit is visible
	// on backends without multi-key transactions).
	Add(ctx context.Context, msg Message) error

	// GetPending returns up to limit pending rows in CreatedAt order,
	// claiming each for claimTTL so concurrent publishers never see
	// the same row.
	GetPending(ctx context.Context, limit int, claimTTL time.Duration) ([]Message, error)

	// MarkAsPublished finalizes a claimed row
	MarkAsPublished(ctx context.Context, id int64) error

	// MarkAsFailed records a failed attempt with its reason and
	// increments the attempt counter
	MarkAsFailed(ctx context.Context, id int64, reason string) error

	// ResetFailed returns Failed rows with fewer than maxAttempts
	// attempts to Pending so the publisher retries them
	ResetFailed(ctx context.Context, maxAttempts int) (int, error)

	// ResetStuck returns rows whose claim expired to Pending.
	// Run at publisher startup for crash recovery and periodically.
	ResetStuck(ctx context.Context) (int, error)

	// DeletePublishedMessages removes Published rows older than the cutoff
	DeletePublishedMessages(ctx context.Context, olderThan time.Time) (int, error)

	// CountPending returns the pending backlog size, for metrics
	CountPending(ctx context.Context) (int64, error)
}
