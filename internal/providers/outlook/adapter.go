package outlook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/Martian-dev/postcard-relay/internal/logger"
	"github.com/Martian-dev/postcard-relay/internal/mail"
	"github.com/Martian-dev/postcard-relay/internal/sync"
)

const (
	graphScope = "https://graph.microsoft.com/.default"

	// DefaultBatchSize bounds how many messages one listing returns.
	DefaultBatchSize = 100
)

type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	User         string
	Folder       string
	BatchSize    int

	// TokenURL overrides the Microsoft identity endpoint.
	TokenURL string
}

// Adapter implements sync.MailSource for one Outlook mail folder via
// Microsoft Graph.
type Adapter struct {
	client *msgraphsdk.GraphServiceClient
	cfg    Config
	log    *slog.Logger
}

// New authenticates with the client-credentials flow.
func New(cfg Config, log *slog.Logger) (*Adapter, error) {
	if cfg.User == "" {
		return nil, errors.New("outlook: user is required")
	}
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(newCredential(cfg), []string{graphScope})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}
	if cfg.Folder == "" {
		cfg.Folder = "inbox"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Adapter{client: client, cfg: cfg, log: log.With(logger.Component("outlook"))}, nil
}

func (a *Adapter) Name() string { return sync.SourceOutlook }

func (a *Adapter) Mailbox() string { return a.cfg.User + "/" + a.cfg.Folder }

func (a *Adapter) messages() *users.ItemMailFoldersItemMessagesRequestBuilder {
	return a.client.Users().ByUserId(a.cfg.User).MailFolders().ByMailFolderId(a.cfg.Folder).Messages()
}

// Head positions the cursor at the newest message in the folder.
func (a *Adapter) Head(ctx context.Context) (sync.Checkpoint, error) {
	top := int32(1)
	res, err := a.messages().Get(ctx, &users.ItemMailFoldersItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMailFoldersItemMessagesRequestBuilderGetQueryParameters{
			Top:     &top,
			Orderby: []string{"receivedDateTime desc"},
			Select:  []string{"id", "receivedDateTime"},
		},
	})
	if err != nil {
		return sync.Checkpoint{}, classify("list newest message", err)
	}
	for _, m := range res.GetValue() {
		if at, id := received(m), value(m.GetId()); !at.IsZero() && id != "" {
			return sync.Checkpoint{Cursor: cursor{At: at, IDs: []string{id}}.String()}, nil
		}
	}
	return sync.Checkpoint{Cursor: cursor{At: time.Now().UTC()}.String()}, nil
}

// InitialBackfill lists messages received on or after since, oldest first.
func (a *Adapter) InitialBackfill(ctx context.Context, since time.Time) (*sync.Batch, error) {
	head, err := a.Head(ctx)
	if err != nil {
		return nil, err
	}
	listed, err := a.list(ctx, since, 0)
	if err != nil {
		return nil, err
	}
	msgs, err := a.fetchAll(ctx, pending(listed, cursor{At: since}))
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		m.Cursor = ""
	}
	return &sync.Batch{Messages: msgs, Next: head}, nil
}

// IncrementalSync lists messages received at or after the cursor time that
// the cursor has not already covered.
func (a *Adapter) IncrementalSync(ctx context.Context, cp sync.Checkpoint) (*sync.Batch, error) {
	cur, err := parseCursor(cp.Cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", sync.ErrCursorExpired, err)
	}
	listed, err := a.list(ctx, cur.At, a.cfg.BatchSize+len(cur.IDs))
	if err != nil {
		return nil, err
	}

	entries := pending(listed, cur)
	if len(entries) > a.cfg.BatchSize {
		entries = entries[:a.cfg.BatchSize]
	}
	msgs, err := a.fetchAll(ctx, entries)
	if err != nil {
		return nil, err
	}

	next := cp
	if len(entries) > 0 {
		next = sync.Checkpoint{Cursor: entries[len(entries)-1].cursor}
	}
	return &sync.Batch{Messages: msgs, Next: next}, nil
}

// list pages through messages received at or after since. limit 0 means all.
func (a *Adapter) list(ctx context.Context, since time.Time, limit int) ([]models.Messageable, error) {
	top := int32(min(limit, DefaultBatchSize))
	if top == 0 {
		top = DefaultBatchSize
	}
	filter := "receivedDateTime ge " + since.UTC().Format(time.RFC3339)
	res, err := a.messages().Get(ctx, &users.ItemMailFoldersItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMailFoldersItemMessagesRequestBuilderGetQueryParameters{
			Top:     &top,
			Filter:  &filter,
			Orderby: []string{"receivedDateTime asc"},
			Select:  []string{"id", "receivedDateTime"},
		},
	})
	if err != nil {
		return nil, classify("list messages", err)
	}

	out := res.GetValue()
	for next := res.GetOdataNextLink(); next != nil && (limit == 0 || len(out) < limit); next = res.GetOdataNextLink() {
		res, err = a.messages().WithUrl(*next).Get(ctx, nil)
		if err != nil {
			return nil, classify("list messages", err)
		}
		out = append(out, res.GetValue()...)
	}
	return out, nil
}

// entry is a listed message not yet covered by the cursor.
type entry struct {
	id     string
	at     time.Time
	cursor string
}

// pending drops messages the cursor already covers and assigns each of the
// rest the cursor that would cover it. Graph timestamps have second
// precision, so the cursor keeps every id seen at its timestamp.
func pending(listed []models.Messageable, cur cursor) []entry {
	seen := make(map[string]bool, len(cur.IDs))
	for _, id := range cur.IDs {
		seen[id] = true
	}

	sort.SliceStable(listed, func(i, j int) bool { return received(listed[i]).Before(received(listed[j])) })

	var (
		out   []entry
		at    = cur.At
		atIDs = append([]string(nil), cur.IDs...)
	)
	for _, m := range listed {
		id, t := value(m.GetId()), received(m)
		if id == "" || t.IsZero() || t.Before(cur.At) {
			continue
		}
		if t.Equal(cur.At) && seen[id] {
			continue
		}
		if !t.Equal(at) {
			at, atIDs = t, nil
		}
		atIDs = append(atIDs, id)
		out = append(out, entry{id: id, at: t, cursor: cursor{At: at, IDs: atIDs}.String()})
	}
	return out
}

func (a *Adapter) fetchAll(ctx context.Context, entries []entry) ([]*mail.Message, error) {
	out := make([]*mail.Message, 0, len(entries))
	for _, e := range entries {
		raw, err := a.client.Users().ByUserId(a.cfg.User).Messages().ByMessageId(e.id).Content().Get(ctx, nil)
		if err != nil {
			if statusCode(err) == http.StatusNotFound {
				a.log.Debug("message vanished before fetch", slog.String("id", e.id))
				continue
			}
			return nil, classify("get message content", err)
		}
		msg, err := mail.Parse(raw, e.at)
		if err != nil {
			a.log.Warn("unparseable message", slog.String("id", e.id), logger.Error(err))
			msg = &mail.Message{ReceivedAt: e.at, RawBody: raw}
		}
		msg.Mailbox = a.Mailbox()
		msg.UID = e.id
		msg.Cursor = e.cursor
		out = append(out, msg)
	}
	return out, nil
}

// cursor is "<RFC 3339 time>|<id>,<id>...": everything before At plus the
// listed ids received exactly at At.
type cursor struct {
	At  time.Time
	IDs []string
}

func (c cursor) String() string {
	return c.At.UTC().Format(time.RFC3339Nano) + "|" + strings.Join(c.IDs, ",")
}

func parseCursor(s string) (cursor, error) {
	ts, ids, _ := strings.Cut(s, "|")
	at, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return cursor{}, fmt.Errorf("malformed cursor %q: %w", s, err)
	}
	c := cursor{At: at}
	if ids != "" {
		c.IDs = strings.Split(ids, ",")
	}
	return c, nil
}

func received(m models.Messageable) time.Time {
	if t := m.GetReceivedDateTime(); t != nil {
		return t.UTC()
	}
	return time.Time{}
}

func value(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func statusCode(err error) int {
	var oerr *odataerrors.ODataError
	if errors.As(err, &oerr) {
		return oerr.ResponseStatusCode
	}
	return 0
}

func classify(op string, err error) error {
	var rerr *oauth2.RetrieveError
	switch code := statusCode(err); {
	case errors.Is(err, sync.ErrAuthRejected):
		return fmt.Errorf("%s: %w", op, err)
	case errors.As(err, &rerr) && rerr.Response != nil && rerr.Response.StatusCode < 500:
		return fmt.Errorf("%w: %s: %w", sync.ErrAuthRejected, op, err)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: %s: %w", sync.ErrAuthRejected, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// credential adapts an OAuth2 client-credentials token source to azcore.
type credential struct {
	ts oauth2.TokenSource
}

func newCredential(cfg Config) *credential {
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = "https://login.microsoftonline.com/" + cfg.TenantID + "/oauth2/v2.0/token"
	}
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       []string{graphScope},
	}
	return &credential{ts: oauth2.ReuseTokenSource(nil, cc.TokenSource(context.Background()))}
}

func (c *credential) GetToken(_ context.Context, _ policy.TokenRequestOptions) (azcore.AccessToken, error) {
	tok, err := c.ts.Token()
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.Response != nil && rerr.Response.StatusCode < 500 {
			return azcore.AccessToken{}, fmt.Errorf("%w: %w", sync.ErrAuthRejected, err)
		}
		return azcore.AccessToken{}, err
	}
	expires := tok.Expiry
	if expires.IsZero() {
		expires = time.Now().Add(time.Hour)
	}
	return azcore.AccessToken{Token: tok.AccessToken, ExpiresOn: expires}, nil
}
