// Package auth verifies bearer tokens presented to the HTTP API.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// ErrUnauthorized is returned for a missing, malformed or expired token.
var ErrUnauthorized = errors.New("unauthorized")

// Principal is the caller named by a verified token.
type Principal struct {
	Subject string `json:"sub"`
	Email   string `json:"email,omitempty"`
}

// Verifier checks bearer tokens against either a shared HS256 secret or a
// remote JWKS.
type Verifier struct {
	keys jwt.ParseOption
	skew time.Duration
}

// NewHMACVerifier accepts tokens signed with HS256 and secret.
func NewHMACVerifier(secret []byte) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: empty secret")
	}
	return &Verifier{keys: jwt.WithKey(jwa.HS256, secret), skew: 30 * time.Second}, nil
}

// NewJWKSVerifier accepts tokens signed by any key in the set at jwksURL.
// Keys are cached and refreshed in the background for the life of ctx; a
// token naming an unknown kid triggers no network I/O on the request path.
func NewJWKSVerifier(ctx context.Context, jwksURL string) (*Verifier, error) {
	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(5*time.Minute)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	// Warm the cache so a bad URL fails at startup.
	fctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cache.Refresh(fctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}

	return &Verifier{keys: jwt.WithKeySet(jwk.NewCachedSet(cache, jwksURL)), skew: 30 * time.Second}, nil
}

// VerifyRequest validates the Authorization: Bearer token on r.
func (v *Verifier) VerifyRequest(r *http.Request) (*Principal, error) {
	token, err := jwt.ParseRequest(r,
		v.keys,
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(v.skew),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}

	p := &Principal{Subject: token.Subject()}
	if p.Subject == "" {
		return nil, fmt.Errorf("%w: token missing subject", ErrUnauthorized)
	}
	if email, ok := token.Get("email"); ok {
		p.Email, _ = email.(string)
	}
	return p, nil
}

// SignHMAC issues an HS256 token for subject, valid for ttl. It is used by
// operators to mint API tokens and by tests.
func SignHMAC(secret []byte, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	tok, err := jwt.NewBuilder().
		Subject(subject).
		IssuedAt(now).
		Expiration(now.Add(ttl)).
		Build()
	if err != nil {
		return "", err
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, secret))
	if err != nil {
		return "", err
	}
	return string(signed), nil
}
