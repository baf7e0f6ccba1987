// Package inbox implements consumer-side deduplication: a durable
// set of processed message ids with short-lived processing locks, so
// concurrent consumers of the same message agree on a single winner.
package inbox

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of an inbox row.
type Status int

const (
	// StatusLocked - a consumer holds the processing lock
	StatusLocked Status = iota

	// StatusProcessing - the lock holder started handler execution
	StatusProcessing

	// StatusProcessed - handler execution completed
	StatusProcessed
)

// String returns a human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusLocked:
		return "LOCKED"
	case StatusProcessing:
		return "PROCESSING"
	case StatusProcessed:
		return "PROCESSED"
	default:
		return "UNKNOWN"
	}
}

// Message is one inbox row.
type Message struct {
	ID            int64
	Type          string
	Payload       []byte
	Status        Status
	LockExpiresAt time.Time
	ProcessedAt   time.Time
	Result        []byte
}

// ErrLockNotHeld is returned by MarkAsProcessed when the caller does
// not hold a live lock for the message. A holder whose lock expired
// must not advance to Processed.
var ErrLockNotHeld = errors.New("inbox: lock not held")

// Store is the inbox contract. TryLockMessage is a compare-and-swap:
// exactly one caller succeeds per id, others get false with no side
// effects.
type Store interface {
	// TryLockMessage acquires the processing lock for the id
	TryLockMessage(ctx context.Context, messageID int64, ttl time.Duration) (bool, error)

	// ReleaseLock drops an unprocessed lock so another consumer can retry
	ReleaseLock(ctx context.Context, messageID int64) error

	// MarkAsProcessed finalizes the row. Requires a live lock; the row
	// is retained for the configured retention TTL.
	MarkAsProcessed(ctx context.Context, msg Message) error

	// HasBeenProcessed reports whether the id reached Processed
	HasBeenProcessed(ctx context.Context, messageID int64) (bool, error)

	// GetProcessedResult returns the stored processing result, nil when absent
	GetProcessedResult(ctx context.Context, messageID int64) ([]byte, error)

	// DeleteProcessedMessages removes Processed rows older than the cutoff
	DeleteProcessedMessages(ctx context.Context, olderThan time.Time) (int, error)

	// ReleaseExpiredLocks drops locks past their expiry so stalled
	// messages become claimable again
	ReleaseExpiredLocks(ctx context.Context) (int, error)
}

// Options configures a store.
type Options struct {
	// Retention is how long Processed rows are kept (default 24h)
	Retention time.Duration
}

// DefaultOptions returns the 24-hour default retention.
func DefaultOptions() Options {
	return Options{Retention: 24 * time.Hour}
}
