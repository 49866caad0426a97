package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Martian-dev/postcard-relay/internal/mail"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusSkipped
}

func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusPending, StatusProcessing, StatusSucceeded, StatusFailed, StatusSkipped:
		return st, nil
	default:
		return "", fmt.Errorf("unknown status %q", s)
	}
}

// Record is the processing state of one message.
type Record struct {
	Mailbox       string    `json:"mailbox"`
	UID           string    `json:"uid"`
	MessageID     string    `json:"messageId,omitempty"`
	Sender        string    `json:"sender,omitempty"`
	Subject       string    `json:"subject,omitempty"`
	Status        Status    `json:"status"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"lastError,omitempty"`
	PostcardID    string    `json:"postcardId,omitempty"`
	LeaseOwner    string    `json:"-"`
	NextAttemptAt time.Time `json:"nextAttemptAt"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

func (r *Record) Key() mail.Key {
	return mail.Key{Mailbox: r.Mailbox, UID: r.UID}
}

// Meta is copied onto a record when it is first created.
type Meta struct {
	MessageID string
	Sender    string
	Subject   string
}

// Outcome is the terminal result written by Complete.
type Outcome struct {
	Status     Status
	PostcardID string
	Error      string
}

const recordColumns = `mailbox, uid, message_id, sender, subject, status, attempts, last_error,
	postcard_id, lease_owner, next_attempt_at, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		r                     Record
		lastErr, pid, owner   sql.NullString
		next, created, update int64
	)
	if err := row.Scan(&r.Mailbox, &r.UID, &r.MessageID, &r.Sender, &r.Subject, &r.Status, &r.Attempts,
		&lastErr, &pid, &owner, &next, &created, &update); err != nil {
		return nil, err
	}
	r.LastError = lastErr.String
	r.PostcardID = pid.String
	r.LeaseOwner = owner.String
	r.NextAttemptAt = time.UnixMilli(next)
	r.CreatedAt = time.UnixMilli(created)
	r.UpdatedAt = time.UnixMilli(update)
	return &r, nil
}

// Ensure creates a pending record on first sight and returns the current one.
func (s *Store) Ensure(ctx context.Context, key mail.Key, meta Meta) (*Record, error) {
	now := s.now().UnixMilli()
	_, err := s.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO processing_records
		(mailbox, uid, message_id, sender, subject, status, attempts, next_attempt_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'pending', 0, 0, ?, ?)
	`, key.Mailbox, key.UID, meta.MessageID, meta.Sender, meta.Subject, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure record %s: %w", key, err)
	}
	return s.Get(ctx, key)
}

func (s *Store) Get(ctx context.Context, key mail.Key) (*Record, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+recordColumns+`
		FROM processing_records WHERE mailbox = ? AND uid = ?`, key.Mailbox, key.UID)
	r, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load record %s: %w", key, err)
	}
	return r, nil
}

// Acquire leases a record for owner: pending and due, or processing with a
// lease older than staleAfter. The attempt counter is incremented.
func (s *Store) Acquire(ctx context.Context, key mail.Key, owner string, staleAfter time.Duration) (*Record, error) {
	now := s.now()
	res, err := s.DB.ExecContext(ctx, `
		UPDATE processing_records
		SET status = 'processing',
		    attempts = attempts + 1,
		    lease_owner = ?,
		    leased_at = ?,
		    updated_at = ?
		WHERE mailbox = ? AND uid = ?
		  AND ((status = 'pending' AND next_attempt_at <= ?)
		    OR (status = 'processing' AND leased_at <= ?))
	`, owner, now.UnixMilli(), now.UnixMilli(), key.Mailbox, key.UID,
		now.UnixMilli(), now.Add(-staleAfter).UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to acquire record %s: %w", key, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire record %s: %w", key, err)
	}
	rec, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if n == 1 {
		return rec, nil
	}

	switch {
	case rec.Status.Terminal():
		return rec, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, key, rec.Status)
	case rec.Status == StatusProcessing:
		return rec, fmt.Errorf("%w: %s", ErrLeaseHeld, key)
	default:
		return rec, fmt.Errorf("%w: %s until %s", ErrNotDue, key, rec.NextAttemptAt.Format(time.RFC3339))
	}
}

func (s *Store) transition(ctx context.Context, q string, key mail.Key, args ...any) error {
	args = append(args, key.Mailbox, key.UID)
	res, err := s.DB.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("failed to update record %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update record %s: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTransition, key)
	}
	return nil
}

// Retry returns a leased record to pending with the error and the time of
// the next attempt.
func (s *Store) Retry(ctx context.Context, key mail.Key, owner, errMsg string, next time.Time) error {
	return s.transition(ctx, `
		UPDATE processing_records
		SET status = 'pending', last_error = ?, next_attempt_at = ?,
		    lease_owner = NULL, leased_at = NULL, updated_at = ?
		WHERE status = 'processing' AND lease_owner = ? AND mailbox = ? AND uid = ?
	`, key, errMsg, next.UnixMilli(), s.now().UnixMilli(), owner)
}

// Abandon releases a lease without counting the attempt.
func (s *Store) Abandon(ctx context.Context, key mail.Key, owner string) error {
	return s.transition(ctx, `
		UPDATE processing_records
		SET status = 'pending', attempts = MAX(attempts - 1, 0),
		    lease_owner = NULL, leased_at = NULL, updated_at = ?
		WHERE status = 'processing' AND lease_owner = ? AND mailbox = ? AND uid = ?
	`, key, s.now().UnixMilli(), owner)
}

// Skip marks a pending record skipped without it ever being leased.
func (s *Store) Skip(ctx context.Context, key mail.Key, reason string) error {
	return s.transition(ctx, `
		UPDATE processing_records
		SET status = 'skipped', last_error = ?, updated_at = ?
		WHERE status = 'pending' AND mailbox = ? AND uid = ?
	`, key, reason, s.now().UnixMilli())
}

// Complete moves a leased record to its terminal state and enqueues the
// outbox entries in the same transaction.
func (s *Store) Complete(ctx context.Context, key mail.Key, owner string, out Outcome, entries ...OutboxEntry) error {
	if !out.Status.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, out.Status)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UnixMilli()
	res, err := tx.ExecContext(ctx, `
		UPDATE processing_records
		SET status = ?, postcard_id = NULLIF(?, ''), last_error = NULLIF(?, ''),
		    lease_owner = NULL, leased_at = NULL, updated_at = ?
		WHERE status = 'processing' AND lease_owner = ? AND mailbox = ? AND uid = ?
	`, out.Status, out.PostcardID, out.Error, now, owner, key.Mailbox, key.UID)
	if err != nil {
		return fmt.Errorf("failed to complete record %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to complete record %s: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTransition, key)
	}

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

// RecoverStale returns records whose lease is older than staleAfter to
// pending. It runs at startup, before any worker holds a lease.
func (s *Store) RecoverStale(ctx context.Context, staleAfter time.Duration) (int64, error) {
	now := s.now()
	res, err := s.DB.ExecContext(ctx, `
		UPDATE processing_records
		SET status = 'pending', lease_owner = NULL, leased_at = NULL, updated_at = ?
		WHERE status = 'processing' AND leased_at <= ?
	`, now.UnixMilli(), now.Add(-staleAfter).UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale records: %w", err)
	}
	return res.RowsAffected()
}

// ListFilter narrows List. Zero values mean no filter.
type ListFilter struct {
	Mailbox string
	Status  Status
	Limit   int
}

// List returns records, newest first.
func (s *Store) List(ctx context.Context, f ListFilter) ([]Record, error) {
	q := `SELECT ` + recordColumns + ` FROM processing_records WHERE 1 = 1`
	var args []any
	if f.Mailbox != "" {
		q += ` AND mailbox = ?`
		args = append(args, f.Mailbox)
	}
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, f.Status)
	}
	q += ` ORDER BY created_at DESC, uid DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}
