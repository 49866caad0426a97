package sync

import (
	"context"
	"errors"
	"time"

	"github.com/Martian-dev/postcard-relay/internal/mail"
)

// Source names.
const (
	SourceIMAP    = "imap"
	SourceGmail   = "gmail"
	SourceOutlook = "outlook"
)

var (
	// ErrAuthRejected means the mailbox refused our credentials. Polling
	// stops until an operator intervenes.
	ErrAuthRejected = errors.New("mailbox rejected credentials")

	// ErrCursorExpired means the saved checkpoint can no longer be resumed
	// (IMAP UIDVALIDITY changed, Gmail history expired).
	ErrCursorExpired = errors.New("mailbox checkpoint expired")
)

// Checkpoint represents sync state for a mailbox source
type Checkpoint struct {
	// IMAP: "<uidvalidity>:<uid>"; Gmail: history id; Outlook: receivedDateTime
	Cursor string
}

// Batch is one listing of a mailbox, oldest message first. Next covers every
// message in the batch.
type Batch struct {
	Messages []*mail.Message
	Next     Checkpoint
}

// MailSource is a provider-agnostic mailbox reader.
type MailSource interface {
	// Name is the source kind, e.g. "imap".
	Name() string

	// Mailbox identifies the watched folder; it keys records and checkpoints.
	Mailbox() string

	// Head returns a checkpoint positioned after the newest message.
	Head(ctx context.Context) (Checkpoint, error)

	// InitialBackfill lists messages received since the given time.
	InitialBackfill(ctx context.Context, since time.Time) (*Batch, error)

	// IncrementalSync lists messages newer than cp.
	IncrementalSync(ctx context.Context, cp Checkpoint) (*Batch, error)
}
