// Package snapshot stores point-in-time aggregate state so readers can
// skip replaying the full event stream.
package snapshot

import (
	"context"
	"time"
)

// Snapshot is aggregate state captured at a stream version.
type Snapshot struct {
	StreamID string
	Version  int64
	Data     []byte
	TakenAt  time.Time
}

// Store is the snapshot contract. Load returns ok=false when no
// snapshot exists; callers then replay from version 0.
type Store interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context, streamID string) (Snapshot, bool, error)
	Delete(ctx context.Context, streamID string) error
}
