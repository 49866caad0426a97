package extraction_test

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/postcard-relay/internal/extraction"
	"github.com/Martian-dev/postcard-relay/internal/mail"
)

const validOutput = `{
  "to": {"firstName": "Grace", "lastName": "Hopper", "addressLine1": "1 Navy Way", "city": "Arlington",
         "provinceOrState": "VA", "postalOrZip": "22202", "countryCode": "us"},
  "from": {"firstName": "Ada", "lastName": "Lovelace", "addressLine1": "12 St James Sq", "city": "London",
           "provinceOrState": "London", "postalOrZip": "SW1Y 4JH", "countryCode": "GB"},
  "message": "Greetings from the **beach**!",
  "frontImageAttachment": "beach.jpg"
}`

func chatServer(t *testing.T, status int, content string, lastBody *atomic.Value) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		if lastBody != nil {
			lastBody.Store(string(body))
		}
		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"server_error"}}`))
			return
		}
		resp := map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   "test-model",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newEngine(t *testing.T, url string) *extraction.Engine {
	t.Helper()
	e, err := extraction.New(extraction.Config{
		Provider: "custom",
		Endpoint: url,
		Model:    "test-model",
		Timeout:  5 * time.Second,
	})
	require.NoError(t, err)
	return e
}

func testMessage() *mail.Message {
	return &mail.Message{
		Mailbox: "cards@example.com/INBOX",
		UID:     "7",
		Subject: "Postcard please",
		From:    "ada@example.com",
		Text:    "Please send a card to Grace Hopper, 1 Navy Way, Arlington VA 22202.",
		Attachments: []mail.Attachment{
			{Filename: "notes.txt", ContentType: "text/plain", Data: []byte("x")},
			{Filename: "sunset.png", ContentType: "image/png", Data: []byte("png")},
			{Filename: "beach.jpg", ContentType: "image/jpeg", Data: []byte("jpg")},
		},
	}
}

func TestExtract_Valid(t *testing.T) {
	var body atomic.Value
	srv := chatServer(t, http.StatusOK, validOutput, &body)
	e := newEngine(t, srv.URL)

	req, err := e.Extract(t.Context(), testMessage())
	require.NoError(t, err)

	assert.Equal(t, "Grace", req.To.FirstName)
	assert.Equal(t, "US", req.To.CountryCode)
	assert.Equal(t, "SW1Y 4JH", req.From.PostalOrZip)
	assert.Equal(t, "Greetings from the **beach**!", req.Message)
	require.NotNil(t, req.FrontImage)
	assert.Equal(t, "beach.jpg", req.FrontImage.Filename)
	assert.Empty(t, req.FrontImageURL)

	sent := body.Load().(string)
	assert.Contains(t, sent, "Postcard please")
	assert.Contains(t, sent, "beach.jpg (image/jpeg, 3 bytes)")
	assert.Contains(t, sent, "postalOrZip")
	assert.Contains(t, sent, `"test-model"`)
}

func TestExtract_FencedJSON(t *testing.T) {
	srv := chatServer(t, http.StatusOK, "```json\n"+validOutput+"\n```", nil)
	req, err := newEngine(t, srv.URL).Extract(t.Context(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, "Hopper", req.To.LastName)
}

func TestExtract_InventedAttachmentFallsBackToFirstImage(t *testing.T) {
	out := strings.Replace(validOutput, `"beach.jpg"`, `"https://evil.example/x.png"`, 1)
	srv := chatServer(t, http.StatusOK, out, nil)

	req, err := newEngine(t, srv.URL).Extract(t.Context(), testMessage())
	require.NoError(t, err)
	require.NotNil(t, req.FrontImage)
	assert.Equal(t, "sunset.png", req.FrontImage.Filename)
	assert.Empty(t, req.FrontImageURL)
}

func TestExtract_NoImages(t *testing.T) {
	srv := chatServer(t, http.StatusOK, validOutput, nil)
	msg := testMessage()
	msg.Attachments = nil

	req, err := newEngine(t, srv.URL).Extract(t.Context(), msg)
	require.NoError(t, err)
	assert.Nil(t, req.FrontImage)
}

func TestExtract_Failures(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		content   string
		transient bool
		reason    string
	}{
		{
			name:    "missing postal code",
			status:  http.StatusOK,
			content: strings.Replace(validOutput, `"postalOrZip": "22202"`, `"postalOrZip": ""`, 1),
			reason:  "missing required field to.postalOrZip",
		},
		{
			name:    "missing field entirely",
			status:  http.StatusOK,
			content: strings.Replace(validOutput, `"city": "London",`, ``, 1),
			reason:  "missing required field from.city",
		},
		{name: "not json", status: http.StatusOK, content: "Sure! Here is the address.", reason: "not the expected JSON shape"},
		{name: "unknown field", status: http.StatusOK, content: `{"to":{},"from":{},"message":"x","extra":1}`, reason: "not the expected JSON shape"},
		{name: "empty", status: http.StatusOK, content: "  ", reason: "empty response"},
		{name: "server error", status: http.StatusInternalServerError, transient: true, reason: "HTTP 500"},
		{name: "rate limited", status: http.StatusTooManyRequests, transient: true, reason: "HTTP 429"},
		{name: "bad request", status: http.StatusBadRequest, reason: "HTTP 400"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := chatServer(t, tt.status, tt.content, nil)
			_, err := newEngine(t, srv.URL).Extract(t.Context(), testMessage())
			require.Error(t, err)

			var xerr *extraction.ExtractionError
			require.True(t, errors.As(err, &xerr))
			assert.Equal(t, tt.transient, xerr.Transient)
			assert.Contains(t, xerr.Error(), tt.reason)
		})
	}
}

func TestExtract_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	e, err := extraction.New(extraction.Config{Provider: "custom", Endpoint: srv.URL, Model: "m", Timeout: 50 * time.Millisecond})
	require.NoError(t, err)

	_, err = e.Extract(t.Context(), testMessage())
	var xerr *extraction.ExtractionError
	require.True(t, errors.As(err, &xerr))
	assert.True(t, xerr.Transient)
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := extraction.New(extraction.Config{Provider: "custom", Model: "m"})
	assert.ErrorIs(t, err, extraction.ErrInvalidConfig)

	_, err = extraction.New(extraction.Config{Provider: "openrouter", Model: "m"})
	assert.ErrorIs(t, err, extraction.ErrInvalidConfig)

	_, err = extraction.New(extraction.Config{Provider: "ollama"})
	assert.ErrorIs(t, err, extraction.ErrInvalidConfig)

	e, err := extraction.New(extraction.Config{Provider: "ollama", Model: "llama3"})
	require.NoError(t, err)
	assert.NotNil(t, e)
}
