package api_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/postcard-relay/internal/api"
	"github.com/Martian-dev/postcard-relay/internal/auth"
	"github.com/Martian-dev/postcard-relay/internal/eventstore/sqlite"
	"github.com/Martian-dev/postcard-relay/internal/images"
	"github.com/Martian-dev/postcard-relay/internal/notify"
	"github.com/Martian-dev/postcard-relay/internal/postcard"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type fakeStore struct {
	mu       sync.Mutex
	pingErr  error
	state    *sqlite.SyncState
	records  []sqlite.Record
	filter   sqlite.ListFilter
	enqueued []sqlite.OutboxEntry
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) SyncState(context.Context, string) (*sqlite.SyncState, error) {
	if f.state == nil {
		return nil, sqlite.ErrNotFound
	}
	return f.state, nil
}

func (f *fakeStore) List(_ context.Context, filter sqlite.ListFilter) ([]sqlite.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter = filter
	return f.records, nil
}

func (f *fakeStore) Enqueue(_ context.Context, entries ...sqlite.OutboxEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, entries...)
	return nil
}

type fakeSubmitter struct {
	mu    sync.Mutex
	err   error
	keys  []string
	reqs  []*postcard.Request
	calls int
}

func (f *fakeSubmitter) Mode() postcard.Resolved {
	return postcard.ResolveMode(postcard.ModeConfig{Mode: postcard.ModeTest, TestKey: "test_key"})
}

func (f *fakeSubmitter) Submit(_ context.Context, req *postcard.Request, _ postcard.Resolved, key string) (*postcard.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.keys = append(f.keys, key)
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return &postcard.Submission{ID: "psc_123", Status: "processed"}, nil
}

type fakeNotifier struct {
	to   []string
	data []notify.SuccessData
}

func (f *fakeNotifier) SendSuccessEmail(_ context.Context, to string, data notify.SuccessData) error {
	f.to = append(f.to, to)
	f.data = append(f.data, data)
	return nil
}

const validBody = `{
	"to": {"firstName": "Grace", "lastName": "Hopper", "addressLine1": "1 Navy Way",
		"city": "Arlington", "provinceOrState": "VA", "postalOrZip": "22202", "countryCode": "US"},
	"from": {"firstName": "Ada", "lastName": "Lovelace", "addressLine1": "12 St James Sq",
		"city": "London", "provinceOrState": "LDN", "postalOrZip": "SW1Y 4JH", "countryCode": "GB"},
	"message": "Wish you were here",
	"notifyEmail": "ada@example.com"
}`

var secret = []byte("0123456789abcdef0123456789abcdef")

func testVerifier(t *testing.T) *auth.Verifier {
	t.Helper()
	v, err := auth.NewHMACVerifier(secret)
	require.NoError(t, err)
	return v
}

func bearer(t *testing.T) map[string]string {
	t.Helper()
	token, err := auth.SignHMAC(secret, "ops", time.Minute)
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + token}
}

func do(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	t.Parallel()

	store := &fakeStore{state: &sqlite.SyncState{Mailbox: "cards", Status: "HOOKED"}}
	srv := api.New(api.Config{Store: store, Submitter: &fakeSubmitter{}, Mailbox: "cards"})

	w := do(t, srv.Handler(), http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"HOOKED"`)

	down := api.New(api.Config{Store: &fakeStore{pingErr: errors.New("disk")}, Submitter: &fakeSubmitter{}})
	w = do(t, down.Handler(), http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRecords(t *testing.T) {
	t.Parallel()

	store := &fakeStore{records: []sqlite.Record{{Mailbox: "cards", UID: "1", Status: sqlite.StatusSucceeded}}}
	srv := api.New(api.Config{Store: store, Submitter: &fakeSubmitter{}, Verifier: testVerifier(t)})

	w := do(t, srv.Handler(), http.MethodGet, "/records", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, srv.Handler(), http.MethodGet, "/records?status=succeeded&limit=5", "", bearer(t))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"succeeded"`)
	assert.Equal(t, sqlite.StatusSucceeded, store.filter.Status)
	assert.Equal(t, 5, store.filter.Limit)

	w = do(t, srv.Handler(), http.MethodGet, "/records?status=exploded", "", bearer(t))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreatePostcard(t *testing.T) {
	t.Parallel()

	t.Run("submitted and confirmed", func(t *testing.T) {
		t.Parallel()
		sub, note := &fakeSubmitter{}, &fakeNotifier{}
		srv := api.New(api.Config{Store: &fakeStore{}, Submitter: sub, Notifier: note, Verifier: testVerifier(t)})

		headers := bearer(t)
		headers["Idempotency-Key"] = "abc"
		w := do(t, srv.Handler(), http.MethodPost, "/postcards", validBody, headers)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		assert.Contains(t, w.Body.String(), `"psc_123"`)
		assert.Contains(t, w.Body.String(), `"mode":"test"`)

		require.Equal(t, 1, sub.calls)
		assert.Equal(t, "api#abc", sub.keys[0])
		assert.Equal(t, "Grace Hopper", sub.reqs[0].To.Name())
		assert.Equal(t, []string{"ada@example.com"}, note.to)
		assert.Equal(t, "psc_123", note.data[0].PostcardID)
	})

	t.Run("invalid request never reaches the provider", func(t *testing.T) {
		t.Parallel()
		sub := &fakeSubmitter{}
		srv := api.New(api.Config{Store: &fakeStore{}, Submitter: sub, Verifier: testVerifier(t)})

		body := strings.Replace(validBody, `"postalOrZip": "22202", `, "", 1)
		w := do(t, srv.Handler(), http.MethodPost, "/postcards", body, bearer(t))
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Contains(t, w.Body.String(), "to.postalOrZip")
		assert.Zero(t, sub.calls)
	})

	tests := []struct {
		name string
		err  error
		code int
	}{
		{"transient", &postcard.SubmissionError{StatusCode: 503, Transient: true}, http.StatusServiceUnavailable},
		{"permanent", &postcard.SubmissionError{StatusCode: 422, Message: "bad zip"}, http.StatusUnprocessableEntity},
		{"credentials", postcard.ErrCredentialsRejected, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := api.New(api.Config{Store: &fakeStore{}, Submitter: &fakeSubmitter{err: tt.err}, Verifier: testVerifier(t)})
			w := do(t, srv.Handler(), http.MethodPost, "/postcards", validBody, bearer(t))
			assert.Equal(t, tt.code, w.Code)
		})
	}
}

func TestProtectedRoutesClosedWithoutVerifier(t *testing.T) {
	t.Parallel()

	sub := &fakeSubmitter{}
	store := &fakeStore{records: []sqlite.Record{{Mailbox: "cards", UID: "1"}}}
	srv := api.New(api.Config{Store: store, Submitter: sub})

	w := do(t, srv.Handler(), http.MethodPost, "/postcards", validBody, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	w = do(t, srv.Handler(), http.MethodPost, "/postcards", validBody, bearer(t))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	w = do(t, srv.Handler(), http.MethodGet, "/records", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.NotContains(t, w.Body.String(), "cards")
	assert.Zero(t, sub.calls)

	w = do(t, srv.Handler(), http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWebhook(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	body := `{"id":"evt_1","event_type":{"id":"postcard.delivered"},"body":{"id":"psc_123"}}`
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := postcard.SignWebhook("whsec", ts, []byte(body))

	store := &fakeStore{}
	srv := api.New(api.Config{
		Store:         store,
		Submitter:     &fakeSubmitter{},
		WebhookSecret: "whsec",
		Events:        true,
		Now:           func() time.Time { return now },
	})

	w := do(t, srv.Handler(), http.MethodPost, "/webhooks/postcards", body, map[string]string{
		postcard.SignatureHeader:          sig,
		postcard.SignatureTimestampHeader: ts,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Len(t, store.enqueued, 1)
	assert.Equal(t, sqlite.KindEvent, store.enqueued[0].Kind)
	assert.Equal(t, "postcards.webhook", store.enqueued[0].Subject)
	assert.Equal(t, "postcard.webhook|evt_1", store.enqueued[0].MsgID)

	w = do(t, srv.Handler(), http.MethodPost, "/webhooks/postcards", body, map[string]string{
		postcard.SignatureHeader:          "00" + sig[2:],
		postcard.SignatureTimestampHeader: ts,
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Len(t, store.enqueued, 1)

	off := api.New(api.Config{Store: &fakeStore{}, Submitter: &fakeSubmitter{}})
	w = do(t, off.Handler(), http.MethodPost, "/webhooks/postcards", body, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestImages(t *testing.T) {
	t.Parallel()

	local, err := images.NewLocal(t.TempDir(), "http://localhost:8080")
	require.NoError(t, err)
	url, err := local.Put(context.Background(), "fronts/abc.jpg", "image/jpeg", []byte("jpeg-bytes"))
	require.NoError(t, err)
	path := strings.TrimPrefix(url, "http://localhost:8080")

	srv := api.New(api.Config{Store: &fakeStore{}, Submitter: &fakeSubmitter{}, Images: local})
	w := do(t, srv.Handler(), http.MethodGet, path, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "jpeg-bytes", w.Body.String())

	w = do(t, srv.Handler(), http.MethodGet, "/images/../../etc/passwd", "", nil)
	assert.NotEqual(t, http.StatusOK, w.Code)
}
