// Package postcard submits postcard orders to a Lob-style print-and-mail API.
package postcard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Martian-dev/postcard-relay/internal/logger"
)

// Config is the static provider configuration.
type Config struct {
	BaseURL  string
	Size     string
	SenderID string
	Mode     ModeConfig
	Timeout  time.Duration
}

// Client submits postcards over HTTP.
type Client struct {
	http *http.Client
	cfg  Config
	art  *Artwork
	log  *slog.Logger
}

type Option func(*Client)

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

func NewClient(cfg Config, art *Artwork, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: base url is required", ErrInvalidConfig)
	}
	if cfg.Size != "4x6" && cfg.Size != "6x9" {
		return nil, fmt.Errorf("%w: size must be 4x6 or 6x9", ErrInvalidConfig)
	}
	if art == nil {
		return nil, fmt.Errorf("%w: artwork renderer is required", ErrInvalidConfig)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := &Client{
		http: &http.Client{Timeout: cfg.Timeout},
		cfg:  cfg,
		art:  art,
		log:  logger.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With(logger.Component("postcard"))
	return c, nil
}

// Mode resolves credentials for the next submission.
func (c *Client) Mode() Resolved {
	return ResolveMode(c.cfg.Mode)
}

// Artwork exposes the renderer so callers can preview what would be sent.
func (c *Client) Artwork() *Artwork {
	return c.art
}

type providerAddress struct {
	Name           string `json:"name"`
	AddressLine1   string `json:"address_line1"`
	AddressLine2   string `json:"address_line2,omitempty"`
	AddressCity    string `json:"address_city"`
	AddressState   string `json:"address_state"`
	AddressZip     string `json:"address_zip"`
	AddressCountry string `json:"address_country"`
}

// Payload is the JSON body sent to the provider.
type Payload struct {
	Description string            `json:"description,omitempty"`
	To          providerAddress   `json:"to"`
	From        any               `json:"from"`
	Front       string            `json:"front"`
	Back        string            `json:"back"`
	Size        string            `json:"size"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type createResponse struct {
	ID                   string `json:"id"`
	Status               string `json:"status"`
	DateCreated          string `json:"date_created"`
	ExpectedDeliveryDate string `json:"expected_delivery_date"`
	URL                  string `json:"url"`
}

type errorResponse struct {
	Error struct {
		Message    string `json:"message"`
		StatusCode int    `json:"status_code"`
		Code       string `json:"code"`
	} `json:"error"`
}

func toProvider(a Address) providerAddress {
	return providerAddress{
		Name:           a.Name(),
		AddressLine1:   a.AddressLine1,
		AddressLine2:   a.AddressLine2,
		AddressCity:    a.City,
		AddressState:   a.ProvinceOrState,
		AddressZip:     a.PostalOrZip,
		AddressCountry: a.CountryCode,
	}
}

// Build renders the provider payload without sending it. Dry runs log this.
func (c *Client) Build(req *Request, idempotencyKey string) (*Payload, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	msgHTML, err := c.art.Message(req.Message)
	if err != nil {
		return nil, err
	}

	var from any = toProvider(req.From)
	if c.cfg.SenderID != "" {
		from = c.cfg.SenderID
	}

	body := &Payload{
		Description: "Postcard to " + req.To.Name(),
		To:          toProvider(req.To),
		From:        from,
		Front:       c.art.Front(req.FrontImageURL, req.From.Name()),
		Back:        c.art.Back(msgHTML),
		Size:        c.cfg.Size,
	}
	if idempotencyKey != "" {
		body.Metadata = map[string]string{"source_key": truncate(idempotencyKey, 500)}
	}
	return body, nil
}

// Submit creates a postcard with the resolved credentials. The provider is
// not trusted to deduplicate; callers guard against resubmission.
func (c *Client) Submit(ctx context.Context, req *Request, mode Resolved, idempotencyKey string) (*Submission, error) {
	if mode.APIKey == "" {
		return nil, fmt.Errorf("%w: no API key for %s mode", ErrCredentialsRejected, mode.Mode)
	}
	body, err := c.Build(req, idempotencyKey)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal postcard request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(c.cfg.BaseURL, "/")+"/postcards", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.SetBasicAuth(mode.APIKey, "")
	httpReq.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", uuid.NewSHA1(uuid.NameSpaceURL, []byte(idempotencyKey)).String())
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, &SubmissionError{Message: "request timed out", Transient: true, Err: err}
		}
		return nil, &SubmissionError{Message: "request failed", Transient: true, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &SubmissionError{StatusCode: resp.StatusCode, Message: "read response", Transient: true, Err: err}
	}

	c.log.Debug("provider responded",
		slog.Int("status_code", resp.StatusCode),
		slog.String("mode", mode.Label),
		slog.Duration("duration", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classifyStatus(resp.StatusCode, raw)
	}

	var out createResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &SubmissionError{StatusCode: resp.StatusCode, Message: "malformed provider response", Err: err}
	}
	if out.ID == "" {
		return nil, &SubmissionError{StatusCode: resp.StatusCode, Message: "provider response has no id"}
	}
	return out.submission(), nil
}

func (r createResponse) submission() *Submission {
	s := &Submission{
		ID:          r.ID,
		Status:      r.Status,
		CreatedAt:   time.Now().UTC(),
		TrackingURL: r.URL,
	}
	if s.Status == "" {
		s.Status = "created"
	}
	if t, err := time.Parse(time.RFC3339, r.DateCreated); err == nil {
		s.CreatedAt = t
	}
	if r.ExpectedDeliveryDate != "" {
		if t, err := time.Parse("2006-01-02", r.ExpectedDeliveryDate); err == nil {
			s.ExpectedDeliveryDate = &t
		}
	}
	return s
}

func classifyStatus(status int, raw []byte) error {
	msg := http.StatusText(status)
	var er errorResponse
	if err := json.Unmarshal(raw, &er); err == nil && er.Error.Message != "" {
		msg = er.Error.Message
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %w", ErrCredentialsRejected, &SubmissionError{StatusCode: status, Message: msg})
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return &SubmissionError{StatusCode: status, Message: msg, Transient: true}
	default:
		return &SubmissionError{StatusCode: status, Message: msg}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
