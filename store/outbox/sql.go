package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.catga.dev/metrics"
)

// SQLStore is the database/sql-backed outbox for PostgreSQL-compatible
// databases. Claims use plain SELECT + UPDATE with status codes, no
// row locking; safe because only the leader's publisher polls.
//
// The driver is the caller's choice: pass any *sql.DB that speaks
// PostgreSQL placeholders.
type SQLStore struct {
	db    *sql.DB
	table string
}

// NewSQLStore creates a SQL-backed outbox on the given table and
// creates the schema if it does not exist.
func NewSQLStore(ctx context.Context, db *sql.DB, table string) (*SQLStore, error) {
	if table == "" {
		table = "outbox_messages"
	}
	s := &SQLStore{db: db, table: table}
	if err := s.createSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) createSchema(ctx context.Context) error {
	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGINT PRIMARY KEY,
			type VARCHAR(255) NOT NULL,
			payload BYTEA NOT NULL,
			status SMALLINT NOT NULL DEFAULT 0,
			attempts SMALLINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			published_at TIMESTAMPTZ,
			claimed_until TIMESTAMPTZ,
			last_error TEXT
		)
	`, s.table)
	if _, err := s.db.ExecContext(ctx, createTable); err != nil {
		return fmt.Errorf("outbox create table %s: %w", s.table, err)
	}

	createPendingIndex := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS idx_%s_pending
		ON %s(status, created_at)
		WHERE status = 0
	`, s.table, s.table)
	if _, err := s.db.ExecContext(ctx, createPendingIndex); err != nil {
		return fmt.Errorf("outbox create pending index: %w", err)
	}

	createClaimedIndex := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS idx_%s_claimed
		ON %s(status, claimed_until)
		WHERE status = 9
	`, s.table, s.table)
	if _, err := s.db.ExecContext(ctx, createClaimedIndex); err != nil {
		return fmt.Errorf("outbox create claimed index: %w", err)
	}
	return nil
}

// Add implements Store.
func (s *SQLStore) Add(ctx context.Context, msg Message) error {
	if msg.ID == 0 {
		return fmt.Errorf("outbox: zero message id")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, type, payload, status, created_at)
		VALUES ($1, $2, $3, %d, $4)
		ON CONFLICT (id) DO NOTHING
	`, s.table, StatusPending)

	if _, err := s.db.ExecContext(ctx, query, msg.ID, msg.Type, msg.Payload, msg.CreatedAt); err != nil {
		return fmt.Errorf("outbox add: %w", err)
	}
	metrics.CountOutboxAdd()
	return nil
}

// AddTx writes the row within the caller's transaction so the outbox
// entry commits atomically with the domain state.
func (s *SQLStore) AddTx(ctx context.Context, tx *sql.Tx, msg Message) error {
	if msg.ID == 0 {
		return fmt.Errorf("outbox: zero message id")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, type, payload, status, created_at)
		VALUES ($1, $2, $3, %d, $4)
		ON CONFLICT (id) DO NOTHING
	`, s.table, StatusPending)

	if _, err := tx.ExecContext(ctx, query, msg.ID, msg.Type, msg.Payload, msg.CreatedAt); err != nil {
		return fmt.Errorf("outbox add: %w", err)
	}
	metrics.CountOutboxAdd()
	return nil
}

// GetPending implements Store.
func (s *SQLStore) GetPending(ctx context.Context, limit int, claimTTL time.Duration) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`
		SELECT id, type, payload, status, attempts, created_at, published_at, last_error
		FROM %s
		WHERE status = %d
		ORDER BY created_at
		LIMIT $1
	`, s.table, StatusPending)

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox fetch pending: %w", err)
	}
	defer rows.Close()

	msgs, err := s.scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(msgs))
	args := make([]interface{}, 0, len(msgs)+1)
	args = append(args, time.Now().Add(claimTTL))
	for i, msg := range msgs {
		ids = append(ids, fmt.Sprintf("$%d", i+2))
		args = append(args, msg.ID)
	}

	claim := fmt.Sprintf(`
		UPDATE %s
		SET status = %d, claimed_until = $1
		WHERE id IN (%s)
	`, s.table, StatusClaimed, strings.Join(ids, ", "))
	if _, err := s.db.ExecContext(ctx, claim, args...); err != nil {
		return nil, fmt.Errorf("outbox claim: %w", err)
	}

	for i := range msgs {
		msgs[i].Status = StatusClaimed
	}
	return msgs, nil
}

func (s *SQLStore) scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var msg Message
		var publishedAt sql.NullTime
		var lastError sql.NullString

		err := rows.Scan(
			&msg.ID,
			&msg.Type,
			&msg.Payload,
			&msg.Status,
			&msg.Attempts,
			&msg.CreatedAt,
			&publishedAt,
			&lastError,
		)
		if err != nil {
			return nil, fmt.Errorf("outbox scan: %w", err)
		}
		if publishedAt.Valid {
			msg.PublishedAt = publishedAt.Time
		}
		if lastError.Valid {
			msg.LastError = lastError.String
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox rows: %w", err)
	}
	return out, nil
}

// MarkAsPublished implements Store.
func (s *SQLStore) MarkAsPublished(ctx context.Context, id int64) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = %d, published_at = NOW(), claimed_until = NULL
		WHERE id = $1
	`, s.table, StatusPublished)

	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("outbox publish %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("outbox: message %d not found", id)
	}
	return nil
}

// MarkAsFailed implements Store.
func (s *SQLStore) MarkAsFailed(ctx context.Context, id int64, reason string) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = %d, attempts = attempts + 1, last_error = $2, claimed_until = NULL
		WHERE id = $1
	`, s.table, StatusFailed)

	res, err := s.db.ExecContext(ctx, query, id, reason)
	if err != nil {
		return fmt.Errorf("outbox fail %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("outbox: message %d not found", id)
	}
	return nil
}

// ResetFailed implements Store.
func (s *SQLStore) ResetFailed(ctx context.Context, maxAttempts int) (int, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = %d
		WHERE status = %d AND attempts < $1
	`, s.table, StatusPending, StatusFailed)

	res, err := s.db.ExecContext(ctx, query, maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("outbox reset failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ResetStuck implements Store.
func (s *SQLStore) ResetStuck(ctx context.Context) (int, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = %d, claimed_until = NULL
		WHERE status = %d AND claimed_until < NOW()
	`, s.table, StatusPending, StatusClaimed)

	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("outbox reset stuck: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeletePublishedMessages implements Store.
func (s *SQLStore) DeletePublishedMessages(ctx context.Context, olderThan time.Time) (int, error) {
	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE status = %d AND published_at < $1
	`, s.table, StatusPublished)

	res, err := s.db.ExecContext(ctx, query, olderThan)
	if err != nil {
		return 0, fmt.Errorf("outbox cleanup: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CountPending implements Store.
func (s *SQLStore) CountPending(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE status = %d`, s.table, StatusPending)

	var count int64
	if err := s.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("outbox count: %w", err)
	}
	return count, nil
}
