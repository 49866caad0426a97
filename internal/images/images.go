// Package images stores front-side artwork so the print provider can fetch
// it by URL.
package images

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"mime"
	"path"
	"strings"
)

var (
	ErrInvalidConfig = errors.New("invalid image store configuration")
	ErrInvalidKey    = errors.New("invalid image key")
	ErrNotFound      = errors.New("image not found")
	ErrUnavailable   = errors.New("image store unavailable")
)

// Store persists an image and returns a URL the provider can fetch.
type Store interface {
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
}

// KeyFor derives a stable object key from a message identity, so retries of
// the same message overwrite the same object.
func KeyFor(identity, filename, contentType string) string {
	sum := sha256.Sum256([]byte(identity))
	ext := strings.ToLower(path.Ext(filename))
	if ext == "" {
		if exts, _ := mime.ExtensionsByType(contentType); len(exts) > 0 {
			ext = exts[0]
		}
	}
	return "fronts/" + hex.EncodeToString(sum[:16]) + ext
}

func cleanKey(key string) (string, error) {
	key = strings.TrimPrefix(key, "/")
	if key == "" || strings.Contains(key, "..") || strings.ContainsRune(key, '\\') {
		return "", ErrInvalidKey
	}
	return key, nil
}
