// Package idempotency stores processed-message markers with an
// optional stored response, so retried requests replay their original
// result instead of re-invoking the handler.
package idempotency

import (
	"context"
	"time"
)

// Store is the idempotency contract. MarkAsProcessed is idempotent:
// repeated marks for the same id are no-ops. Records expire after the
// configured TTL; expiry is advisory and reads may observe a grace
// period.
type Store interface {
	// HasBeenProcessed reports whether the message id was marked
	HasBeenProcessed(ctx context.Context, messageID int64) (bool, error)

	// MarkAsProcessed records the id, optionally with the serialized
	// response. The first mark wins; later marks are ignored.
	MarkAsProcessed(ctx context.Context, messageID int64, response []byte) error

	// GetProcessedResult returns the stored response, nil when the id
	// is unknown or no response was stored
	GetProcessedResult(ctx context.Context, messageID int64) ([]byte, error)
}

// Options configures a store.
type Options struct {
	// TTL is how long processed markers are retained
	TTL time.Duration
}

// DefaultOptions retains markers for one hour.
func DefaultOptions() Options {
	return Options{TTL: time.Hour}
}
