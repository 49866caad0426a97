package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/postcard-relay/internal/logger"
	"github.com/Martian-dev/postcard-relay/internal/mail"
	"github.com/Martian-dev/postcard-relay/internal/sync"
)

// DefaultBatchSize bounds how many messages one incremental listing returns.
const DefaultBatchSize = 100

type Config struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	User         string
	Label        string
	BatchSize    int
}

// Adapter implements sync.MailSource for one Gmail label.
type Adapter struct {
	svc *gmailapi.Service
	cfg Config
	log *slog.Logger
}

// New creates an adapter that refreshes its access token from cfg.RefreshToken.
func New(ctx context.Context, cfg Config, log *slog.Logger) (*Adapter, error) {
	conf := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gmailapi.GmailReadonlyScope},
	}
	httpClient := conf.Client(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})

	svc, err := gmailapi.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return NewWithService(svc, cfg, log), nil
}

// NewWithService wraps an existing service, e.g. one pointed at a test server.
func NewWithService(svc *gmailapi.Service, cfg Config, log *slog.Logger) *Adapter {
	if cfg.User == "" {
		cfg.User = "me"
	}
	if cfg.Label == "" {
		cfg.Label = "INBOX"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Adapter{svc: svc, cfg: cfg, log: log.With(logger.Component("gmail"))}
}

func (a *Adapter) Name() string { return sync.SourceGmail }

func (a *Adapter) Mailbox() string { return a.cfg.User + "/" + a.cfg.Label }

// Head returns the mailbox's current history id.
func (a *Adapter) Head(ctx context.Context) (sync.Checkpoint, error) {
	profile, err := a.svc.Users.GetProfile(a.cfg.User).Context(ctx).Do()
	if err != nil {
		return sync.Checkpoint{}, classify("get profile", err)
	}
	return sync.Checkpoint{Cursor: strconv.FormatUint(profile.HistoryId, 10)}, nil
}

// InitialBackfill lists messages in the label received after since. The
// history id is taken before listing so nothing arriving meanwhile is lost.
func (a *Adapter) InitialBackfill(ctx context.Context, since time.Time) (*sync.Batch, error) {
	head, err := a.Head(ctx)
	if err != nil {
		return nil, err
	}

	var ids []string
	call := a.svc.Users.Messages.List(a.cfg.User).
		LabelIds(a.cfg.Label).
		IncludeSpamTrash(false).
		Q("after:" + strconv.FormatInt(since.Unix(), 10)).
		MaxResults(100)
	err = call.Pages(ctx, func(page *gmailapi.ListMessagesResponse) error {
		for _, m := range page.Messages {
			ids = append(ids, m.Id)
		}
		return nil
	})
	if err != nil {
		return nil, classify("list messages", err)
	}

	msgs, err := a.fetchAll(ctx, ids, nil)
	if err != nil {
		return nil, err
	}
	kept := msgs[:0]
	for _, m := range msgs {
		if !m.ReceivedAt.Before(since) {
			kept = append(kept, m)
		}
	}
	return &sync.Batch{Messages: kept, Next: head}, nil
}

// IncrementalSync lists messages added to the label after the history id in
// cp. The last message of each history record carries that record's id as its
// cursor.
func (a *Adapter) IncrementalSync(ctx context.Context, cp sync.Checkpoint) (*sync.Batch, error) {
	start, err := strconv.ParseUint(cp.Cursor, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid history id %q", sync.ErrCursorExpired, cp.Cursor)
	}

	var (
		ids     []string
		cursors = make(map[string]string)
		latest  = start
		full    bool
	)
	call := a.svc.Users.History.List(a.cfg.User).
		StartHistoryId(start).
		LabelId(a.cfg.Label).
		HistoryTypes("messageAdded").
		MaxResults(100)
	err = call.Pages(ctx, func(page *gmailapi.ListHistoryResponse) error {
		for _, h := range page.History {
			// Records are never split, so a record's id covers all of it.
			if len(ids) >= a.cfg.BatchSize {
				full = true
				return errBatchFull
			}
			var last string
			for _, added := range h.MessagesAdded {
				if added.Message == nil {
					continue
				}
				if _, seen := cursors[added.Message.Id]; seen {
					continue
				}
				ids = append(ids, added.Message.Id)
				cursors[added.Message.Id] = ""
				last = added.Message.Id
			}
			if last != "" {
				cursors[last] = strconv.FormatUint(h.Id, 10)
			}
			latest = max(latest, h.Id)
		}
		latest = max(latest, page.HistoryId)
		return nil
	})
	if err != nil && !errors.Is(err, errBatchFull) {
		return nil, classify("list history", err)
	}

	msgs, err := a.fetchAll(ctx, ids, cursors)
	if err != nil {
		return nil, err
	}

	next := strconv.FormatUint(latest, 10)
	if full {
		next = lastCursor(ids, cursors, cp.Cursor)
	}
	return &sync.Batch{Messages: msgs, Next: sync.Checkpoint{Cursor: next}}, nil
}

var errBatchFull = errors.New("batch full")

func lastCursor(ids []string, cursors map[string]string, fallback string) string {
	for i := len(ids) - 1; i >= 0; i-- {
		if c := cursors[ids[i]]; c != "" {
			return c
		}
	}
	return fallback
}

// fetchAll downloads raw messages, skipping ones deleted since listing.
// Without cursors the result is ordered oldest first; otherwise listing
// order is kept so the cursors stay monotonic.
func (a *Adapter) fetchAll(ctx context.Context, ids []string, cursors map[string]string) ([]*mail.Message, error) {
	out := make([]*mail.Message, 0, len(ids))
	for _, id := range ids {
		m, err := a.svc.Users.Messages.Get(a.cfg.User, id).Format("raw").Context(ctx).Do()
		if err != nil {
			if isStatus(err, http.StatusNotFound) {
				a.log.Debug("message vanished before fetch", slog.String("id", id))
				continue
			}
			return nil, classify("get message "+id, err)
		}
		msg := a.normalize(m)
		msg.Cursor = cursors[id]
		out = append(out, msg)
	}
	if cursors == nil {
		sort.SliceStable(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	}
	return out, nil
}

// normalize converts a raw Gmail message. A message that does not parse is
// still returned so that it gets a record; classification then skips it.
func (a *Adapter) normalize(m *gmailapi.Message) *mail.Message {
	received := time.UnixMilli(m.InternalDate)
	raw, err := decodeRaw(m.Raw)
	var msg *mail.Message
	if err == nil {
		msg, err = mail.Parse(raw, received)
	}
	if err != nil {
		a.log.Warn("unparseable message", slog.String("id", m.Id), logger.Error(err))
		msg = &mail.Message{ReceivedAt: received, RawBody: raw}
	}
	msg.Mailbox = a.Mailbox()
	msg.UID = m.Id
	return msg
}

// decodeRaw accepts base64url with or without padding.
func decodeRaw(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

func isStatus(err error, code int) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == code
}

// Gmail reports quota exhaustion as 403.
func rateLimited(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return false
	}
	for _, item := range gerr.Errors {
		if strings.HasSuffix(item.Reason, "RateLimitExceeded") || item.Reason == "rateLimitExceeded" {
			return true
		}
	}
	return false
}

func classify(op string, err error) error {
	var rerr *oauth2.RetrieveError
	switch {
	case errors.As(err, &rerr) && rerr.Response != nil && rerr.Response.StatusCode < 500:
		return fmt.Errorf("%w: %s: %w", sync.ErrAuthRejected, op, err)
	case isStatus(err, http.StatusUnauthorized), isStatus(err, http.StatusForbidden) && !rateLimited(err):
		return fmt.Errorf("%w: %s: %w", sync.ErrAuthRejected, op, err)
	case isStatus(err, http.StatusNotFound) && strings.Contains(op, "history"):
		return fmt.Errorf("%w: %s: %w", sync.ErrCursorExpired, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
