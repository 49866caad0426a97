// Package extraction turns a raw email into a structured postcard request
// by asking a language model and validating its answer strictly.
package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/Martian-dev/postcard-relay/internal/logger"
	"github.com/Martian-dev/postcard-relay/internal/mail"
	"github.com/Martian-dev/postcard-relay/internal/postcard"
)

// Default endpoints per provider identifier.
var defaultEndpoints = map[string]string{
	"openrouter": "https://openrouter.ai/api/v1",
	"ollama":     "http://localhost:11434/v1",
}

// Config is the static backend configuration.
type Config struct {
	Provider  string
	APIKey    string
	Model     string
	Endpoint  string
	MaxTokens int
	Timeout   time.Duration
}

// Engine calls an OpenAI-compatible chat completion endpoint.
type Engine struct {
	client *openai.Client
	cfg    Config
	system string
	log    *slog.Logger
}

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// New builds an engine for the configured provider.
func New(cfg Config, opts ...Option) (*Engine, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoints[cfg.Provider]
	}
	if endpoint == "" {
		return nil, fmt.Errorf("%w: endpoint is required for provider %q", ErrInvalidConfig, cfg.Provider)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: model is required", ErrInvalidConfig)
	}
	if cfg.Provider == "openrouter" && cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: api key is required for openrouter", ErrInvalidConfig)
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}

	schema, err := targetSchema()
	if err != nil {
		return nil, err
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		// Local endpoints ignore the key but the client always sends one.
		apiKey = "none"
	}
	oc := openai.DefaultConfig(apiKey)
	oc.BaseURL = strings.TrimSuffix(endpoint, "/")
	oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	e := &Engine{
		client: openai.NewClientWithConfig(oc),
		cfg:    cfg,
		system: fmt.Sprintf(systemPrompt, schema),
		log:    logger.Discard(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With(logger.Component("extraction"))
	return e, nil
}

// Extract returns a validated request or an *ExtractionError.
func (e *Engine) Extract(ctx context.Context, msg *mail.Message) (*postcard.Request, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       e.cfg.Model,
		MaxTokens:   e.cfg.MaxTokens,
		Temperature: 0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: e.system},
			{Role: openai.ChatMessageRoleUser, Content: buildUserPrompt(msg)},
		},
	})
	if err != nil {
		return nil, classifyCallError(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return nil, permanent("model returned no choices", nil)
	}

	e.log.Debug("extraction response received",
		logger.Mailbox(msg.Mailbox), logger.UID(msg.UID),
		slog.Duration("duration", time.Since(start)),
		slog.Int("completion_tokens", resp.Usage.CompletionTokens))

	return decode(resp.Choices[0].Message.Content, msg)
}

// decode is the strict boundary between untrusted model output and a typed request.
func decode(content string, msg *mail.Message) (*postcard.Request, error) {
	content = stripFence(content)
	if content == "" {
		return nil, permanent("model returned an empty response", nil)
	}

	dec := json.NewDecoder(strings.NewReader(content))
	dec.DisallowUnknownFields()
	var out fields
	if err := dec.Decode(&out); err != nil {
		return nil, permanent("model output is not the expected JSON shape", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, permanent("model output has trailing data", nil)
	}

	req := &postcard.Request{
		To:      normalize(out.To),
		From:    normalize(out.From),
		Message: strings.TrimSpace(out.Message),
	}
	if err := req.Validate(); err != nil {
		return nil, permanent(strings.TrimPrefix(err.Error(), postcard.ErrInvalidRequest.Error()+": "), err)
	}
	req.FrontImage = pickImage(msg, out.FrontImageAttachment)
	return req, nil
}

// pickImage resolves the model's choice against real attachments. Unknown
// names are ignored in favour of the first image in the message.
func pickImage(msg *mail.Message, name string) *mail.Attachment {
	images := msg.Images()
	if len(images) == 0 {
		return nil
	}
	name = strings.TrimSpace(name)
	for i := range images {
		if name != "" && strings.EqualFold(images[i].Filename, name) {
			return &images[i]
		}
	}
	return &images[0]
}

func normalize(a postcard.Address) postcard.Address {
	trim := strings.TrimSpace
	return postcard.Address{
		FirstName:       trim(a.FirstName),
		LastName:        trim(a.LastName),
		AddressLine1:    trim(a.AddressLine1),
		AddressLine2:    trim(a.AddressLine2),
		City:            trim(a.City),
		ProvinceOrState: trim(a.ProvinceOrState),
		PostalOrZip:     trim(a.PostalOrZip),
		CountryCode:     strings.ToUpper(trim(a.CountryCode)),
	}
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

func classifyCallError(ctx context.Context, err error) *ExtractionError {
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return transient("model call timed out", err)
	}

	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	default:
		// Network-level failure.
		return transient("model call failed", err)
	}

	if status == http.StatusTooManyRequests || status >= 500 {
		return transient(fmt.Sprintf("model backend unavailable (HTTP %d)", status), err)
	}
	return permanent(fmt.Sprintf("model backend rejected the request (HTTP %d)", status), err)
}
