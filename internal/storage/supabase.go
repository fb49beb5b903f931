package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	storage_go "github.com/supabase-community/storage-go"
	"github.com/supabase-community/supabase-go"
)

// SupabaseConfig holds the project URL, service key and target bucket.
type SupabaseConfig struct {
	URL       string
	Key       string
	Bucket    string
	KeyPrefix string
}

// SupabaseStorage stores artifacts in a public Supabase Storage bucket.
// The storage-go client is not context aware, so ctx is only checked before each call.
type SupabaseStorage struct {
	client    *storage_go.Client
	bucket    string
	keyPrefix string
}

// NewSupabaseStorage creates a storage backend from a Supabase project.
func NewSupabaseStorage(cfg *SupabaseConfig) (*SupabaseStorage, error) {
	if cfg.URL == "" || cfg.Key == "" {
		return nil, fmt.Errorf("supabase storage requires url and key")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("supabase storage requires a bucket")
	}

	client, err := supabase.NewClient(cfg.URL, cfg.Key, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create supabase client: %w", err)
	}

	return &SupabaseStorage{
		client:    client.Storage,
		bucket:    cfg.Bucket,
		keyPrefix: strings.Trim(cfg.KeyPrefix, "/"),
	}, nil
}

func (s *SupabaseStorage) fullKey(key string) string {
	if s.keyPrefix == "" {
		return key
	}
	return s.keyPrefix + "/" + strings.TrimPrefix(key, "/")
}

// Backend returns "supabase".
func (s *SupabaseStorage) Backend() string { return "supabase" }

// Upload writes an object, overwriting any previous upload of the same key.
func (s *SupabaseStorage) Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	upsert := true
	_, err := s.client.UploadFile(s.bucket, s.fullKey(key), reader, storage_go.FileOptions{
		ContentType: &contentType,
		Upsert:      &upsert,
	})
	if err != nil {
		return fmt.Errorf("failed to upload object %s: %w", key, err)
	}
	return nil
}

// Download fetches the whole object into memory.
func (s *SupabaseStorage) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := s.client.DownloadFile(s.bucket, s.fullKey(key))
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "not found") {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, fmt.Errorf("failed to download object %s: %w", key, err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// GetURL returns the public object URL.
func (s *SupabaseStorage) GetURL(key string) string {
	return s.client.GetPublicUrl(s.bucket, s.fullKey(key)).SignedURL
}

// Delete removes an object.
func (s *SupabaseStorage) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.client.RemoveFile(s.bucket, []string{s.fullKey(key)}); err != nil {
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}
	return nil
}

// Exists lists the parent folder and looks for the object name.
func (s *SupabaseStorage) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	full := s.fullKey(key)
	dir, name := path.Split(full)
	files, err := s.client.ListFiles(s.bucket, strings.TrimSuffix(dir, "/"), storage_go.FileSearchOptions{
		Limit: 1000,
	})
	if err != nil {
		return false, fmt.Errorf("failed to check object existence: %w", err)
	}
	for _, f := range files {
		if f.Name == name {
			return true, nil
		}
	}
	return false, nil
}
