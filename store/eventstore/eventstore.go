// Package eventstore provides the append-only per-stream event log
// with optimistic concurrency.
//
// Backends disagree on the raw version of an empty stream (the
// redis/memory family reports −1, the mongo family reports 0), so
// raw Version values must never be compared across backends. Use
// IsEmpty and the expected-version check in Append instead.
package eventstore

import (
	"context"
	"time"

	"go.catga.dev/result"
)

// AnyVersion disables the expected-version check on Append.
const AnyVersion int64 = -1

// ErrVersionConflict is returned when expectedVersion does not match
// the stream's current version. None of the events are persisted.
var ErrVersionConflict = result.NewError(result.KindConflict, "CONCURRENCY_CONFLICT",
	"expected version does not match current stream version")

// Event is one entry in a stream. Version is assigned by the store
// (0-based position) and ignored on append.
type Event struct {
	Type       string    `json:"type" bson:"type"`
	Data       []byte    `json:"data" bson:"data"`
	Version    int64     `json:"version" bson:"version"`
	OccurredAt time.Time `json:"occurredAt" bson:"occurredAt"`
}

// Store is the event store contract.
type Store interface {
	// Append atomically appends events to the stream. With
	// expectedVersion == AnyVersion the append is unconditional;
	// otherwise it must equal the current version or the call fails
	// with ErrVersionConflict and persists nothing.
	Append(ctx context.Context, streamID string, events []Event, expectedVersion int64) error

	// Read returns the stream's events in append order, contiguous,
	// starting at fromVersion.
	Read(ctx context.Context, streamID string, fromVersion int64) ([]Event, error)

	// Version returns the backend's raw version value. Not comparable
	// across backends; use IsEmpty for emptiness.
	Version(ctx context.Context, streamID string) (int64, error)

	// IsEmpty reports whether the stream has no events
	IsEmpty(ctx context.Context, streamID string) (bool, error)
}
