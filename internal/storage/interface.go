package storage

import (
	"context"
	"errors"
	"io"
)

// ErrObjectNotFound is returned by Download when the key does not exist.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStorage is the durable store generated artifacts are relocated into.
type ObjectStorage interface {
	// Upload writes an object. Uploading an existing key overwrites it.
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// GetURL returns the public URL for key. It does not check existence.
	GetURL(key string) string

	Delete(ctx context.Context, key string) error

	Exists(ctx context.Context, key string) (bool, error)

	// Backend names the implementation, e.g. "s3" or "supabase".
	Backend() string
}
