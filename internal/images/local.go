package images

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Local keeps images on disk. The HTTP API serves them under /images/.
type Local struct {
	dir     string
	baseURL string
}

func NewLocal(dir, publicBaseURL string) (*Local, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: directory is required", ErrInvalidConfig)
	}
	if publicBaseURL == "" {
		return nil, fmt.Errorf("%w: public base url is required for local images", ErrInvalidConfig)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create directory: %v", ErrUnavailable, err)
	}
	return &Local{dir: abs, baseURL: strings.TrimSuffix(publicBaseURL, "/")}, nil
}

func (l *Local) Put(ctx context.Context, key, _ string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p, err := l.Path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("%w: write: %v", ErrUnavailable, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("%w: rename: %v", ErrUnavailable, err)
	}

	key, _ = cleanKey(key)
	return l.baseURL + "/images/" + key, nil
}

// Path resolves key inside the store directory.
func (l *Local) Path(key string) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	p := filepath.Join(l.dir, filepath.FromSlash(key))
	if !strings.HasPrefix(p, l.dir+string(filepath.Separator)) {
		return "", ErrInvalidKey
	}
	return p, nil
}
