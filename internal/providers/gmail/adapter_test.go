package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/Martian-dev/postcard-relay/internal/sync"
)

func rawMessage(subject string) string {
	raw := "From: Ada <ada@example.com>\r\n" +
		"Subject: " + subject + "\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"Send to Grace.\r\n"
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

type fakeGmail struct {
	historyID   uint64
	history     []map[string]any
	messages    map[string]time.Time
	expired     bool
	profileCode int
	gets        atomic.Int32
}

func (f *fakeGmail) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	write := func(w http.ResponseWriter, code int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		require.NoError(t, json.NewEncoder(w).Encode(v))
	}
	apiErr := func(w http.ResponseWriter, code int, reason string) {
		write(w, code, map[string]any{"error": map[string]any{
			"code": code, "message": reason, "errors": []map[string]any{{"reason": reason}},
		}})
	}

	mux.HandleFunc("GET /gmail/v1/users/me/profile", func(w http.ResponseWriter, _ *http.Request) {
		if f.profileCode != 0 {
			apiErr(w, f.profileCode, "authError")
			return
		}
		write(w, http.StatusOK, map[string]any{"emailAddress": "cards@example.com", "historyId": strconv.FormatUint(f.historyID, 10)})
	})
	mux.HandleFunc("GET /gmail/v1/users/me/history", func(w http.ResponseWriter, r *http.Request) {
		if f.expired {
			apiErr(w, http.StatusNotFound, "notFound")
			return
		}
		assert.Equal(t, "INBOX", r.URL.Query().Get("labelId"))
		write(w, http.StatusOK, map[string]any{"history": f.history, "historyId": strconv.FormatUint(f.historyID, 10)})
	})
	mux.HandleFunc("GET /gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Query().Get("q"), "after:")
		var list []map[string]string
		for id := range f.messages {
			list = append(list, map[string]string{"id": id})
		}
		write(w, http.StatusOK, map[string]any{"messages": list})
	})
	mux.HandleFunc("GET /gmail/v1/users/me/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.gets.Add(1)
		id := r.PathValue("id")
		assert.Equal(t, "raw", r.URL.Query().Get("format"))
		at, ok := f.messages[id]
		if !ok {
			apiErr(w, http.StatusNotFound, "notFound")
			return
		}
		write(w, http.StatusOK, map[string]any{
			"id":           id,
			"raw":          rawMessage("postcard " + id),
			"internalDate": strconv.FormatInt(at.UnixMilli(), 10),
		})
	})
	return mux
}

func added(historyID uint64, ids ...string) map[string]any {
	var msgs []map[string]any
	for _, id := range ids {
		msgs = append(msgs, map[string]any{"message": map[string]string{"id": id}})
	}
	return map[string]any{"id": strconv.FormatUint(historyID, 10), "messagesAdded": msgs}
}

func newTestAdapter(t *testing.T, f *fakeGmail, batch int) *Adapter {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)

	svc, err := gmailapi.NewService(context.Background(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)
	return NewWithService(svc, Config{BatchSize: batch}, nil)
}

func TestAdapter_Head(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(t, &fakeGmail{historyID: 500}, 0)
	cp, err := a.Head(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "500", cp.Cursor)
	assert.Equal(t, sync.SourceGmail, a.Name())
	assert.Equal(t, "me/INBOX", a.Mailbox())
}

func TestAdapter_IncrementalSync(t *testing.T) {
	t.Parallel()

	now := time.Now().Truncate(time.Millisecond)
	f := &fakeGmail{
		historyID: 130,
		history:   []map[string]any{added(110, "m1", "m2"), added(120, "gone"), added(125, "m3")},
		messages:  map[string]time.Time{"m1": now, "m2": now.Add(time.Second), "m3": now.Add(2 * time.Second)},
	}
	a := newTestAdapter(t, f, 0)

	batch, err := a.IncrementalSync(context.Background(), sync.Checkpoint{Cursor: "100"})
	require.NoError(t, err)
	require.Len(t, batch.Messages, 3)

	first := batch.Messages[0]
	assert.Equal(t, "m1", first.UID)
	assert.Equal(t, "me/INBOX", first.Mailbox)
	assert.Equal(t, "postcard m1", first.Subject)
	assert.Equal(t, "ada@example.com", first.From)
	assert.True(t, now.Equal(first.ReceivedAt))

	assert.Empty(t, first.Cursor, "only the last message of a record is a safe resume point")
	assert.Equal(t, "110", batch.Messages[1].Cursor)
	assert.Equal(t, "125", batch.Messages[2].Cursor)
	assert.Equal(t, "130", batch.Next.Cursor)
}

func TestAdapter_IncrementalSyncBatchLimit(t *testing.T) {
	t.Parallel()

	now := time.Now()
	f := &fakeGmail{
		historyID: 130,
		history:   []map[string]any{added(110, "m1"), added(120, "m2"), added(125, "m3")},
		messages:  map[string]time.Time{"m1": now, "m2": now, "m3": now},
	}
	a := newTestAdapter(t, f, 2)

	batch, err := a.IncrementalSync(context.Background(), sync.Checkpoint{Cursor: "100"})
	require.NoError(t, err)
	require.Len(t, batch.Messages, 2)
	assert.Equal(t, "120", batch.Next.Cursor)
}

func TestAdapter_InitialBackfill(t *testing.T) {
	t.Parallel()

	now := time.Now().Truncate(time.Millisecond)
	f := &fakeGmail{
		historyID: 42,
		messages: map[string]time.Time{
			"new": now,
			"mid": now.Add(-time.Hour),
			"old": now.Add(-48 * time.Hour),
		},
	}
	a := newTestAdapter(t, f, 0)

	batch, err := a.InitialBackfill(context.Background(), now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, batch.Messages, 2)
	assert.Equal(t, "mid", batch.Messages[0].UID)
	assert.Equal(t, "new", batch.Messages[1].UID)
	assert.Equal(t, "42", batch.Next.Cursor)
}

func TestAdapter_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		f    *fakeGmail
		call func(*Adapter) error
		want error
	}{
		{
			name: "expired history",
			f:    &fakeGmail{expired: true},
			call: func(a *Adapter) error {
				_, err := a.IncrementalSync(context.Background(), sync.Checkpoint{Cursor: "1"})
				return err
			},
			want: sync.ErrCursorExpired,
		},
		{
			name: "malformed cursor",
			f:    &fakeGmail{},
			call: func(a *Adapter) error {
				_, err := a.IncrementalSync(context.Background(), sync.Checkpoint{Cursor: "abc"})
				return err
			},
			want: sync.ErrCursorExpired,
		},
		{
			name: "unauthorized",
			f:    &fakeGmail{profileCode: http.StatusUnauthorized},
			call: func(a *Adapter) error {
				_, err := a.Head(context.Background())
				return err
			},
			want: sync.ErrAuthRejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.call(newTestAdapter(t, tt.f, 0))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestAdapter_ServerErrorIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"code":503,"message":"backend"}}`, http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	svc, err := gmailapi.NewService(context.Background(), option.WithEndpoint(srv.URL+"/"), option.WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	_, err = NewWithService(svc, Config{}, nil).Head(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, sync.ErrAuthRejected)
	assert.NotErrorIs(t, err, sync.ErrCursorExpired)
}
