// Package dlq implements the dead-letter store for messages that
// exhausted their retries. Rows are kept oldest-first so operators
// replay in original order; replay itself lives in the recovery host.
package dlq

import (
	"context"
	"time"
)

// FailedMessage is one dead-lettered message together with the
// failure that sent it here.
type FailedMessage struct {
	MessageID     int64
	Type          string
	Payload       []byte
	Error         string
	RetryCount    int
	CorrelationID int64
	FailedAt      time.Time
}

// Store is the dead-letter contract.
type Store interface {
	// SendAsync records a message that exhausted its retries. The
	// name is historical: implementations may buffer, but the row
	// must be durable before the caller marks the source row done.
	SendAsync(ctx context.Context, msg FailedMessage) error

	// GetFailedMessages returns up to limit rows, oldest first
	GetFailedMessages(ctx context.Context, limit int) ([]FailedMessage, error)

	// Delete removes a row after a successful replay
	Delete(ctx context.Context, messageID int64) error

	// Count returns the dead-letter backlog size
	Count(ctx context.Context) (int64, error)
}
