package outlook

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/postcard-relay/internal/sync"
)

func msg(id string, at time.Time) models.Messageable {
	m := models.NewMessage()
	m.SetId(&id)
	m.SetReceivedDateTime(&at)
	return m
}

func ids(entries []entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.id)
	}
	return out
}

func TestPending(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Second)

	listed := []models.Messageable{
		msg("c", t1),
		msg("a", t0),
		msg("b", t0),
		msg("old", t0.Add(-time.Hour)),
	}

	t.Run("fresh cursor", func(t *testing.T) {
		t.Parallel()
		got := pending(append([]models.Messageable(nil), listed...), cursor{At: t0})
		assert.Equal(t, []string{"a", "b", "c"}, ids(got))
		assert.Equal(t, cursor{At: t0, IDs: []string{"a"}}.String(), got[0].cursor)
		assert.Equal(t, cursor{At: t0, IDs: []string{"a", "b"}}.String(), got[1].cursor)
		assert.Equal(t, cursor{At: t1, IDs: []string{"c"}}.String(), got[2].cursor)
	})

	t.Run("same second already covered", func(t *testing.T) {
		t.Parallel()
		got := pending(append([]models.Messageable(nil), listed...), cursor{At: t0, IDs: []string{"a"}})
		assert.Equal(t, []string{"b", "c"}, ids(got))
		assert.Equal(t, cursor{At: t0, IDs: []string{"a", "b"}}.String(), got[0].cursor)
	})

	t.Run("everything covered", func(t *testing.T) {
		t.Parallel()
		got := pending(append([]models.Messageable(nil), listed...), cursor{At: t1, IDs: []string{"c"}})
		assert.Empty(t, got)
	})
}

func TestCursor(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC)
	c, err := parseCursor(cursor{At: at, IDs: []string{"x", "y"}}.String())
	require.NoError(t, err)
	assert.True(t, at.Equal(c.At))
	assert.Equal(t, []string{"x", "y"}, c.IDs)

	c, err = parseCursor(cursor{At: at}.String())
	require.NoError(t, err)
	assert.Empty(t, c.IDs)

	_, err = parseCursor("yesterday")
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	odata := func(code int) error {
		e := odataerrors.NewODataError()
		e.ResponseStatusCode = code
		return e
	}

	assert.ErrorIs(t, classify("op", odata(http.StatusUnauthorized)), sync.ErrAuthRejected)
	assert.ErrorIs(t, classify("op", odata(http.StatusForbidden)), sync.ErrAuthRejected)
	assert.NotErrorIs(t, classify("op", odata(http.StatusServiceUnavailable)), sync.ErrAuthRejected)
	assert.NotErrorIs(t, classify("op", errors.New("connection reset")), sync.ErrAuthRejected)
	assert.Equal(t, http.StatusNotFound, statusCode(odata(http.StatusNotFound)))
}

func TestCredential(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.PostForm.Get("client_secret") != "s3cret" && r.Form.Get("client_secret") != "s3cret" {
			user, pass, ok := r.BasicAuth()
			if !ok || user != "client" || pass != "s3cret" {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"graph-token","token_type":"Bearer","expires_in":3600}`))
	}))
	t.Cleanup(srv.Close)

	good := newCredential(Config{ClientID: "client", ClientSecret: "s3cret", TokenURL: srv.URL})
	tok, err := good.GetToken(context.Background(), policy.TokenRequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, "graph-token", tok.Token)
	assert.True(t, tok.ExpiresOn.After(time.Now()))

	bad := newCredential(Config{ClientID: "client", ClientSecret: "wrong", TokenURL: srv.URL})
	_, err = bad.GetToken(context.Background(), policy.TokenRequestOptions{})
	assert.ErrorIs(t, err, sync.ErrAuthRejected)
}

func TestNew(t *testing.T) {
	t.Parallel()

	a, err := New(Config{TenantID: "t", ClientID: "c", ClientSecret: "s", User: "cards@example.com"}, nil)
	require.NoError(t, err)
	assert.Equal(t, sync.SourceOutlook, a.Name())
	assert.Equal(t, "cards@example.com/inbox", a.Mailbox())

	_, err = New(Config{}, nil)
	assert.Error(t, err)
}
