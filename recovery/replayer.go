package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.catga.dev/message"
	"go.catga.dev/store/dlq"
	"go.catga.dev/transport"
)

// ReplayerOptions tune the dead-letter replayer.
type ReplayerOptions struct {
	// SubjectPrefix scopes the replayed subjects
	SubjectPrefix string

	// FetchLimit bounds how many rows one replay scans (default 1000)
	FetchLimit int
}

// DefaultReplayerOptions returns the stock replayer settings.
func DefaultReplayerOptions() ReplayerOptions {
	return ReplayerOptions{
		SubjectPrefix: transport.DefaultPrefix,
		FetchLimit:    1000,
	}
}

// DLQReplayer re-publishes dead-lettered messages on operator demand.
// Replay is manual: nothing here runs on a timer.
type DLQReplayer struct {
	store dlq.Store
	bus   transport.Transport
	opts  ReplayerOptions
}

// NewDLQReplayer wires a replayer.
func NewDLQReplayer(store dlq.Store, bus transport.Transport, opts ReplayerOptions) *DLQReplayer {
	if opts.SubjectPrefix == "" {
		opts.SubjectPrefix = transport.DefaultPrefix
	}
	if opts.FetchLimit <= 0 {
		opts.FetchLimit = DefaultReplayerOptions().FetchLimit
	}
	return &DLQReplayer{store: store, bus: bus, opts: opts}
}

// Replay re-publishes the given message ids through the transport and
// deletes each row after its publish succeeds. Rows whose publish
// fails stay in the dead-letter store for a later attempt. Returns the
// number replayed and the joined publish errors.
func (r *DLQReplayer) Replay(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	wanted := make(map[int64]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	rows, err := r.store.GetFailedMessages(ctx, r.opts.FetchLimit)
	if err != nil {
		return 0, fmt.Errorf("fetch dead-lettered messages: %w", err)
	}

	var (
		replayed int
		errs     []error
	)
	for _, row := range rows {
		if !wanted[row.MessageID] {
			continue
		}
		if err := r.replayOne(ctx, row); err != nil {
			errs = append(errs, fmt.Errorf("replay %d: %w", row.MessageID, err))
			continue
		}
		replayed++
	}
	return replayed, errors.Join(errs...)
}

// ReplayAll re-publishes up to limit dead-lettered rows, oldest first.
func (r *DLQReplayer) ReplayAll(ctx context.Context, limit int) (int, error) {
	if limit <= 0 || limit > r.opts.FetchLimit {
		limit = r.opts.FetchLimit
	}
	rows, err := r.store.GetFailedMessages(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("fetch dead-lettered messages: %w", err)
	}

	var (
		replayed int
		errs     []error
	)
	for _, row := range rows {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := r.replayOne(ctx, row); err != nil {
			errs = append(errs, fmt.Errorf("replay %d: %w", row.MessageID, err))
			continue
		}
		replayed++
	}
	return replayed, errors.Join(errs...)
}

func (r *DLQReplayer) replayOne(ctx context.Context, row dlq.FailedMessage) error {
	subject := transport.Subject(r.opts.SubjectPrefix, row.Type)
	out := transport.Outgoing{
		Context: transport.MessageContext{
			MessageID:     row.MessageID,
			MessageType:   row.Type,
			CorrelationID: row.CorrelationID,
			SentAt:        time.Now().UTC(),
		},
		Payload: row.Payload,
		QoS:     message.AtLeastOnce,
	}

	if err := r.bus.Publish(ctx, subject, out); err != nil {
		return err
	}
	if err := r.store.Delete(ctx, row.MessageID); err != nil {
		// The message went out; a dangling row is preferable to a
		// silent loss, so surface the delete failure
		return fmt.Errorf("delete after replay: %w", err)
	}
	slog.Info("Replayed dead-lettered message",
		"messageId", row.MessageID, "type", row.Type, "subject", subject)
	return nil
}
