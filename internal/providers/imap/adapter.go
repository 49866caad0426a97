// Package imap reads a mailbox folder over IMAP4rev1.
//
// Each listing opens its own connection and selects the folder read-only, so
// the watcher never changes flags on the user's mail.
package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/Martian-dev/postcard-relay/internal/logger"
	"github.com/Martian-dev/postcard-relay/internal/mail"
	"github.com/Martian-dev/postcard-relay/internal/sync"
)

// DefaultBatchSize bounds how many messages one listing fetches.
const DefaultBatchSize = 50

type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	TLS      bool
	Inbox    string
	Timeout  time.Duration

	// TLSConfig overrides the default verification, mostly for tests.
	TLSConfig *tls.Config
	BatchSize int
}

// Adapter implements sync.MailSource for one IMAP folder.
type Adapter struct {
	cfg Config
	log *slog.Logger
}

func New(cfg Config, log *slog.Logger) (*Adapter, error) {
	if cfg.Host == "" || cfg.User == "" {
		return nil, fmt.Errorf("imap: host and user are required")
	}
	if cfg.Port == 0 {
		cfg.Port = 993
	}
	if cfg.Inbox == "" {
		cfg.Inbox = "INBOX"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Adapter{cfg: cfg, log: log.With(logger.Component("imap"))}, nil
}

func (a *Adapter) Name() string { return sync.SourceIMAP }

func (a *Adapter) Mailbox() string {
	return a.cfg.User + "@" + a.cfg.Host + "/" + a.cfg.Inbox
}

// Head positions the cursor after the newest UID in the folder.
func (a *Adapter) Head(ctx context.Context) (sync.Checkpoint, error) {
	var cp sync.Checkpoint
	err := a.session(ctx, func(c *client.Client, st *goimap.MailboxStatus) error {
		last, err := lastUID(c, st)
		if err != nil {
			return err
		}
		cp = sync.Checkpoint{Cursor: formatCursor(st.UidValidity, last)}
		return nil
	})
	return cp, err
}

// InitialBackfill lists messages whose internal date falls on or after since.
// IMAP SINCE has day granularity, so earlier messages from the same day are
// filtered out here.
func (a *Adapter) InitialBackfill(ctx context.Context, since time.Time) (*sync.Batch, error) {
	var batch *sync.Batch
	err := a.session(ctx, func(c *client.Client, st *goimap.MailboxStatus) error {
		criteria := goimap.NewSearchCriteria()
		criteria.Since = since
		uids, err := c.UidSearch(criteria)
		if err != nil {
			return fmt.Errorf("search since %s: %w", since.Format(time.DateOnly), err)
		}
		last, err := lastUID(c, st)
		if err != nil {
			return err
		}

		msgs, err := a.fetch(c, st.UidValidity, uids)
		if err != nil {
			return err
		}
		kept := msgs[:0]
		for _, m := range msgs {
			if !m.ReceivedAt.Before(since) {
				kept = append(kept, m)
			}
		}
		batch = &sync.Batch{Messages: kept, Next: sync.Checkpoint{Cursor: formatCursor(st.UidValidity, last)}}
		return nil
	})
	return batch, err
}

// IncrementalSync lists up to BatchSize messages with a UID above the cursor.
func (a *Adapter) IncrementalSync(ctx context.Context, cp sync.Checkpoint) (*sync.Batch, error) {
	validity, after, err := parseCursor(cp.Cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", sync.ErrCursorExpired, err)
	}

	var batch *sync.Batch
	err = a.session(ctx, func(c *client.Client, st *goimap.MailboxStatus) error {
		if st.UidValidity != validity {
			return fmt.Errorf("%w: uidvalidity changed from %d to %d", sync.ErrCursorExpired, validity, st.UidValidity)
		}

		criteria := goimap.NewSearchCriteria()
		criteria.Uid = new(goimap.SeqSet)
		criteria.Uid.AddRange(after+1, 0)
		found, err := c.UidSearch(criteria)
		if err != nil {
			return fmt.Errorf("search after uid %d: %w", after, err)
		}

		// "n:*" always matches the highest UID, even when it is below n.
		var uids []uint32
		for _, uid := range found {
			if uid > after {
				uids = append(uids, uid)
			}
		}
		sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
		if len(uids) > a.cfg.BatchSize {
			uids = uids[:a.cfg.BatchSize]
		}

		msgs, err := a.fetch(c, validity, uids)
		if err != nil {
			return err
		}
		next := after
		if len(uids) > 0 {
			next = uids[len(uids)-1]
		}
		batch = &sync.Batch{Messages: msgs, Next: sync.Checkpoint{Cursor: formatCursor(validity, next)}}
		return nil
	})
	return batch, err
}

// session connects, logs in, selects the folder read-only and runs fn.
func (a *Adapter) session(ctx context.Context, fn func(*client.Client, *goimap.MailboxStatus) error) error {
	c, err := a.dial(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if lerr := c.Logout(); lerr != nil {
			a.log.Debug("logout failed", logger.Error(lerr))
		}
	}()

	// The client is synchronous; closing the connection unblocks it.
	stop := context.AfterFunc(ctx, func() { _ = c.Terminate() })
	defer stop()

	if err := c.Login(a.cfg.User, a.cfg.Password); err != nil {
		if isNetwork(err) {
			return fmt.Errorf("login: %w", err)
		}
		return fmt.Errorf("%w: %w", sync.ErrAuthRejected, err)
	}

	st, err := c.Select(a.cfg.Inbox, true)
	if err != nil {
		return fmt.Errorf("select %s: %w", a.cfg.Inbox, err)
	}
	if err := fn(c, st); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func (a *Adapter) dial(ctx context.Context) (*client.Client, error) {
	addr := net.JoinHostPort(a.cfg.Host, strconv.Itoa(a.cfg.Port))
	d := &net.Dialer{Timeout: a.cfg.Timeout}

	var (
		conn net.Conn
		err  error
	)
	if a.cfg.TLS {
		tlsCfg := a.cfg.TLSConfig
		if tlsCfg == nil {
			tlsCfg = &tls.Config{ServerName: a.cfg.Host}
		}
		conn, err = (&tls.Dialer{NetDialer: d, Config: tlsCfg}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	c, err := client.New(conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("greeting from %s: %w", addr, err)
	}
	c.Timeout = a.cfg.Timeout
	return c, nil
}

// fetch downloads full messages without setting \Seen. The result is in
// ascending UID order.
func (a *Adapter) fetch(c *client.Client, validity uint32, uids []uint32) ([]*mail.Message, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	set := new(goimap.SeqSet)
	set.AddNum(uids...)

	section := &goimap.BodySectionName{Peek: true}
	items := []goimap.FetchItem{goimap.FetchUid, goimap.FetchInternalDate, section.FetchItem()}

	ch := make(chan *goimap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(set, items, ch)
	}()

	var out []*mail.Message
	for fetched := range ch {
		msg, err := a.message(validity, fetched, section)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Cursor < out[j].Cursor })
	return out, nil
}

// message converts one fetch response. A response without a body still
// yields a message so the UID gets a record before the cursor passes it.
func (a *Adapter) message(validity uint32, fetched *goimap.Message, section *goimap.BodySectionName) (*mail.Message, error) {
	body := fetched.GetBody(section)
	if body == nil {
		a.log.Warn("server returned no body", slog.Uint64("uid", uint64(fetched.Uid)))
		msg := &mail.Message{
			Mailbox:    a.Mailbox(),
			UID:        formatCursor(validity, fetched.Uid),
			ReceivedAt: fetched.InternalDate,
		}
		msg.Cursor = msg.UID
		return msg, nil
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read uid %d: %w", fetched.Uid, err)
	}
	return a.parse(validity, fetched.Uid, fetched.InternalDate, raw), nil
}

// parse never fails: an unreadable message still needs a record so the
// cursor can move past it. It is then skipped by classification.
func (a *Adapter) parse(validity, uid uint32, received time.Time, raw []byte) *mail.Message {
	msg, err := mail.Parse(raw, received)
	if err != nil {
		a.log.Warn("unparseable message", slog.Uint64("uid", uint64(uid)), logger.Error(err))
		msg = &mail.Message{ReceivedAt: received, RawBody: raw}
	}
	msg.Mailbox = a.Mailbox()
	// The UID alone is reused after a UIDVALIDITY change.
	msg.UID = formatCursor(validity, uid)
	msg.Cursor = msg.UID
	return msg
}

func lastUID(c *client.Client, st *goimap.MailboxStatus) (uint32, error) {
	if st.UidNext > 0 {
		return st.UidNext - 1, nil
	}
	if st.Messages == 0 {
		return 0, nil
	}
	uids, err := c.UidSearch(goimap.NewSearchCriteria())
	if err != nil {
		return 0, fmt.Errorf("search all: %w", err)
	}
	var last uint32
	for _, uid := range uids {
		last = max(last, uid)
	}
	return last, nil
}

// Cursors are "<uidvalidity>:<uid>", zero-padded so they sort as strings.
func formatCursor(validity, uid uint32) string {
	return fmt.Sprintf("%010d:%010d", validity, uid)
}

func parseCursor(cursor string) (validity, uid uint32, err error) {
	v, u, ok := strings.Cut(cursor, ":")
	if !ok {
		return 0, 0, fmt.Errorf("malformed cursor %q", cursor)
	}
	pv, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed cursor %q: %w", cursor, err)
	}
	pu, err := strconv.ParseUint(u, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed cursor %q: %w", cursor, err)
	}
	return uint32(pv), uint32(pu), nil
}

func isNetwork(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed)
}
