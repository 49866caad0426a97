package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Outbox kinds.
const (
	KindEmail = "email"
	KindEvent = "event"
)

// OutboxEntry is a side effect to perform after a terminal transition.
// MsgID is unique; enqueueing the same MsgID twice keeps the first.
type OutboxEntry struct {
	Kind      string
	Subject   string
	EventType string
	Payload   []byte
	MsgID     string
}

// OutboxMessage represents a message in the outbox
type OutboxMessage struct {
	ID        int64
	Kind      string
	Subject   string
	EventType string
	Payload   []byte
	MsgID     string
	Retries   int
}

func insertOutbox(ctx context.Context, tx *sql.Tx, now int64, e OutboxEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO outbox (ts, kind, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, now, e.Kind, e.Subject, e.EventType, e.Payload, e.MsgID, now)
	if err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}
	return nil
}

// Enqueue adds entries outside a record transition, e.g. webhook events.
func (s *Store) Enqueue(ctx context.Context, entries ...OutboxEntry) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UnixMilli()
	for _, e := range entries {
		if err := insertOutbox(ctx, tx, now, e); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// DequeueOutbox fetches due, undelivered messages of the given kinds.
func (s *Store) DequeueOutbox(ctx context.Context, limit int, kinds ...string) ([]OutboxMessage, error) {
	if len(kinds) == 0 {
		kinds = []string{KindEmail, KindEvent}
	}
	q := `
		SELECT id, kind, subject, event_type, payload, msg_id, retries
		FROM outbox
		WHERE published_at IS NULL
		  AND dead_at IS NULL
		  AND next_attempt_at <= ?
		  AND kind IN (?` + strings.Repeat(",?", len(kinds)-1) + `)
		ORDER BY id
		LIMIT ?`
	args := []any{s.now().UnixMilli()}
	for _, k := range kinds {
		args = append(args, k)
	}
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var messages []OutboxMessage
	for rows.Next() {
		var msg OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.Kind, &msg.Subject, &msg.EventType, &msg.Payload, &msg.MsgID, &msg.Retries); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// MarkPublished marks an outbox message as delivered.
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox SET published_at = ? WHERE id = ?
	`, s.now().UnixMilli(), id)

	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}

	return nil
}

// MarkOutboxRetry updates retry count and next attempt time
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration, errMsg string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    last_error = ?,
		    next_attempt_at = ?
		WHERE id = ?
	`, errMsg, s.now().Add(backoff).UnixMilli(), id)

	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}

	return nil
}

// MarkOutboxDead stops delivery attempts for a message. It stays in the
// table with its last error for operators to inspect.
func (s *Store) MarkOutboxDead(ctx context.Context, id int64, errMsg string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    last_error = ?,
		    dead_at = ?
		WHERE id = ?
	`, errMsg, s.now().UnixMilli(), id)

	if err != nil {
		return fmt.Errorf("failed to mark dead: %w", err)
	}

	return nil
}

// PendingOutbox counts messages still awaiting delivery.
func (s *Store) PendingOutbox(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox WHERE published_at IS NULL AND dead_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count outbox: %w", err)
	}
	return n, nil
}

// DeadOutbox counts messages that gave up.
func (s *Store) DeadOutbox(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox WHERE dead_at IS NOT NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count dead outbox: %w", err)
	}
	return n, nil
}
