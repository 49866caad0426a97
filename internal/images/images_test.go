package images_test

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/postcard-relay/internal/images"
)

func TestKeyFor(t *testing.T) {
	t.Parallel()

	a := images.KeyFor("inbox#1", "beach.JPG", "image/jpeg")
	b := images.KeyFor("inbox#1", "beach.JPG", "image/jpeg")
	c := images.KeyFor("inbox#2", "beach.JPG", "image/jpeg")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.True(t, strings.HasPrefix(a, "fronts/"))
	assert.True(t, strings.HasSuffix(a, ".jpg"))

	assert.True(t, strings.HasSuffix(images.KeyFor("x", "noext", "image/png"), ".png"))
}

func TestLocalPut(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := images.NewLocal(dir, "https://relay.example.com/")
	require.NoError(t, err)

	url, err := store.Put(t.Context(), "fronts/abc.png", "image/png", []byte("png-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "https://relay.example.com/images/fronts/abc.png", url)

	p, err := store.Path("fronts/abc.png")
	require.NoError(t, err)
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))

	_, err = store.Put(t.Context(), "../escape.png", "image/png", []byte("x"))
	require.ErrorIs(t, err, images.ErrInvalidKey)
	_, err = store.Path("")
	require.ErrorIs(t, err, images.ErrInvalidKey)
}

func TestNewLocalInvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := images.NewLocal("", "https://x")
	require.ErrorIs(t, err, images.ErrInvalidConfig)
	_, err = images.NewLocal(t.TempDir(), "")
	require.ErrorIs(t, err, images.ErrInvalidConfig)
}

type fakeS3 struct {
	key         string
	contentType string
	body        []byte
	err         error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.key = *in.Key
	f.contentType = *in.ContentType
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Put(t *testing.T) {
	t.Parallel()

	t.Run("public base url", func(t *testing.T) {
		t.Parallel()
		fake := &fakeS3{}
		store := images.NewS3WithClient(fake, nil, images.S3Config{Bucket: "cards", PublicBaseURL: "https://cdn.example.com/"})
		url, err := store.Put(t.Context(), "fronts/a.jpg", "image/jpeg", []byte("jpg"))
		require.NoError(t, err)
		assert.Equal(t, "https://cdn.example.com/fronts/a.jpg", url)
		assert.Equal(t, "fronts/a.jpg", fake.key)
		assert.Equal(t, "image/jpeg", fake.contentType)
		assert.Equal(t, "jpg", string(fake.body))
	})

	t.Run("presigned", func(t *testing.T) {
		t.Parallel()
		presign := func(_ context.Context, bucket, key string, ttl time.Duration) (string, error) {
			return "https://s3/" + bucket + "/" + key + "?ttl=" + ttl.String(), nil
		}
		store := images.NewS3WithClient(&fakeS3{}, presign, images.S3Config{Bucket: "cards", URLTTL: time.Hour})
		url, err := store.Put(t.Context(), "fronts/a.jpg", "", []byte("jpg"))
		require.NoError(t, err)
		assert.Equal(t, "https://s3/cards/fronts/a.jpg?ttl=1h0m0s", url)
	})

	t.Run("access denied is configuration", func(t *testing.T) {
		t.Parallel()
		fake := &fakeS3{err: &smithy.GenericAPIError{Code: "AccessDenied", Message: "denied"}}
		store := images.NewS3WithClient(fake, nil, images.S3Config{Bucket: "cards", PublicBaseURL: "https://cdn"})
		_, err := store.Put(t.Context(), "k.jpg", "image/jpeg", nil)
		require.ErrorIs(t, err, images.ErrInvalidConfig)
	})

	t.Run("network failure is unavailable", func(t *testing.T) {
		t.Parallel()
		fake := &fakeS3{err: errors.New("connection reset")}
		store := images.NewS3WithClient(fake, nil, images.S3Config{Bucket: "cards", PublicBaseURL: "https://cdn"})
		_, err := store.Put(t.Context(), "k.jpg", "image/jpeg", nil)
		require.ErrorIs(t, err, images.ErrUnavailable)
	})
}
