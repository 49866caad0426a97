// Package sqlite is the durable processing store: per-message records, the
// mailbox watermark and the outcome outbox.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

var (
	ErrNotFound          = errors.New("processing record not found")
	ErrLeaseHeld         = errors.New("processing record is leased by another worker")
	ErrNotDue            = errors.New("processing record is not due for another attempt")
	ErrInvalidTransition = errors.New("invalid processing record transition")
	ErrLocked            = errors.New("store is in use by another process")
)

// Drivers accepted by Open.
const (
	DriverModernc = "sqlite"
	DriverCGO     = "sqlite3"
)

// Store wraps the database and the process lock guarding it.
type Store struct {
	DB   *sql.DB
	lock *flock.Flock
	now  func() time.Time
}

type Option func(*options)

type options struct {
	driver string
	now    func() time.Time
}

// WithDriver selects the database/sql driver name.
func WithDriver(name string) Option {
	return func(o *options) {
		if name != "" {
			o.driver = name
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func dsn(driver, path string) (string, error) {
	switch driver {
	case DriverModernc:
		return path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_txlock=immediate", nil
	case DriverCGO:
		return path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_txlock=immediate", nil
	default:
		return "", fmt.Errorf("unsupported sqlite driver %q", driver)
	}
}

// Open opens or creates the store at dbPath. A lock file next to the
// database keeps a second watcher process out.
func Open(dbPath string, opts ...Option) (*Store, error) {
	o := options{driver: DriverModernc, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	lock := flock.New(dbPath + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock store: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, dbPath)
	}

	source, err := dsn(o.driver, dbPath)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	db, err := sql.Open(o.driver, source)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		_ = lock.Unlock()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		_ = lock.Unlock()
		return nil, err
	}

	return &Store{DB: db, lock: lock, now: o.now}, nil
}

// migrate adds columns introduced after a database was first created.
func migrate(db *sql.DB) error {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('outbox') WHERE name = 'dead_at'`).Scan(&n)
	if err != nil {
		return fmt.Errorf("failed to inspect outbox: %w", err)
	}
	if n == 0 {
		if _, err := db.Exec(`ALTER TABLE outbox ADD COLUMN dead_at INTEGER`); err != nil {
			return fmt.Errorf("failed to migrate outbox: %w", err)
		}
	}
	return nil
}

// OpenReadOnly opens the database without taking the process lock, for
// inspection commands that run beside a live watcher.
func OpenReadOnly(dbPath string, opts ...Option) (*Store, error) {
	o := options{driver: DriverModernc, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	source, err := dsn(o.driver, dbPath)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(o.driver, source)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &Store{DB: db, now: o.now}, nil
}

// Close closes the database connection and releases the lock.
func (s *Store) Close() error {
	err := s.DB.Close()
	if s.lock != nil {
		if uerr := s.lock.Unlock(); uerr != nil && err == nil {
			err = uerr
		}
	}
	return err
}

// Ping checks the database is usable.
func (s *Store) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

// LoadCheckpoint loads the watermark for a mailbox. An empty cursor means
// the mailbox has never been synced.
func (s *Store) LoadCheckpoint(ctx context.Context, mailbox string) (string, error) {
	var cursor sql.NullString
	err := s.DB.QueryRowContext(ctx, `
		SELECT cursor FROM provider_sync_state WHERE mailbox = ?
	`, mailbox).Scan(&cursor)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to load checkpoint: %w", err)
	}

	return cursor.String, nil
}

// SaveCheckpoint saves the watermark for a mailbox.
func (s *Store) SaveCheckpoint(ctx context.Context, mailbox, source, cursor, status string) error {
	now := s.now().UnixMilli()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO provider_sync_state (mailbox, source, cursor, last_synced_at, status, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, NULL, ?)
		ON CONFLICT(mailbox) DO UPDATE SET
			source = excluded.source,
			cursor = excluded.cursor,
			last_synced_at = excluded.last_synced_at,
			status = excluded.status,
			last_error = NULL,
			retry_count = 0,
			updated_at = excluded.updated_at
	`, mailbox, source, cursor, now, status, now)

	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	return nil
}

// UpdateSyncStatus records the sync status and, when errMsg is set, counts
// a consecutive failure. It returns the failure count.
func (s *Store) UpdateSyncStatus(ctx context.Context, mailbox, status, errMsg string) (int, error) {
	now := s.now().UnixMilli()
	var count int
	err := s.DB.QueryRowContext(ctx, `
		INSERT INTO provider_sync_state (mailbox, source, status, last_error, retry_count, updated_at)
		VALUES (?, '', ?, NULLIF(?, ''), CASE WHEN ? != '' THEN 1 ELSE 0 END, ?)
		ON CONFLICT(mailbox) DO UPDATE SET
			status = excluded.status,
			last_error = excluded.last_error,
			retry_count = CASE WHEN ? != '' THEN provider_sync_state.retry_count + 1 ELSE 0 END,
			updated_at = excluded.updated_at
		RETURNING retry_count
	`, mailbox, status, errMsg, errMsg, now, errMsg).Scan(&count)

	if err != nil {
		return 0, fmt.Errorf("failed to update sync status: %w", err)
	}
	return count, nil
}

// SyncState is the persisted view of a mailbox's sync progress.
type SyncState struct {
	Mailbox      string     `json:"mailbox"`
	Source       string     `json:"source"`
	Cursor       string     `json:"cursor"`
	Status       string     `json:"status"`
	LastError    string     `json:"lastError,omitempty"`
	RetryCount   int        `json:"retryCount"`
	LastSyncedAt *time.Time `json:"lastSyncedAt,omitempty"`
}

func (s *Store) SyncState(ctx context.Context, mailbox string) (*SyncState, error) {
	var (
		st       SyncState
		cursor   sql.NullString
		lastErr  sql.NullString
		syncedAt sql.NullInt64
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT mailbox, source, cursor, status, last_error, retry_count, last_synced_at
		FROM provider_sync_state WHERE mailbox = ?
	`, mailbox).Scan(&st.Mailbox, &st.Source, &cursor, &st.Status, &lastErr, &st.RetryCount, &syncedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load sync state: %w", err)
	}
	st.Cursor = cursor.String
	st.LastError = lastErr.String
	if syncedAt.Valid {
		t := time.UnixMilli(syncedAt.Int64)
		st.LastSyncedAt = &t
	}
	return &st, nil
}
