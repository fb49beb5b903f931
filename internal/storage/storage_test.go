package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/timmy/genflow/internal/config"
)

func TestLocalStorageRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStorage(t.TempDir(), "http://cdn.test/")
	if err != nil {
		t.Fatalf("NewLocalStorage: %v", err)
	}

	key := "generations/u1/j1/st1.png"
	if ok, _ := s.Exists(ctx, key); ok {
		t.Fatal("object should not exist yet")
	}
	if err := s.Upload(ctx, key, strings.NewReader("pixels"), 6, "image/png"); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if ok, err := s.Exists(ctx, key); err != nil || !ok {
		t.Fatalf("Exists = %v, %v", ok, err)
	}

	rc, err := s.Download(ctx, key)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "pixels" {
		t.Errorf("content = %q", data)
	}

	if got := s.GetURL(key); got != "http://cdn.test/generations/u1/j1/st1.png" {
		t.Errorf("GetURL = %q", got)
	}

	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Download(ctx, key); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("Download after delete = %v, want ErrObjectNotFound", err)
	}
	if err := s.Delete(ctx, key); err != nil {
		t.Errorf("deleting a missing object should succeed: %v", err)
	}
}

func TestLocalStorageRejectsEscapes(t *testing.T) {
	root := t.TempDir()
	s, _ := NewLocalStorage(root, "")
	p, err := s.path("../../etc/passwd")
	if err != nil {
		t.Fatalf("path: %v", err)
	}
	if !strings.HasPrefix(p, root) {
		t.Errorf("path %q escapes root %q", p, root)
	}
	if _, err := s.path("/"); err == nil {
		t.Error("empty key should be rejected")
	}
}

func TestDetectStorageType(t *testing.T) {
	testCases := []struct {
		endpoint string
		want     StorageType
	}{
		{"https://abc.r2.cloudflarestorage.com", StorageTypeR2},
		{"s3.us-east-1.amazonaws.com", StorageTypeS3},
		{"", StorageTypeS3},
		{"localhost:9000", StorageTypeS3Compatible},
	}
	for _, tc := range testCases {
		t.Run(tc.endpoint, func(t *testing.T) {
			if got := detectStorageType(tc.endpoint); got != tc.want {
				t.Errorf("detectStorageType(%q) = %s, want %s", tc.endpoint, got, tc.want)
			}
		})
	}
}

func TestNewStorageFactory(t *testing.T) {
	s, err := NewStorage(&config.StorageConfig{Type: "local", LocalDir: t.TempDir()})
	if err != nil || s.Backend() != "local" {
		t.Fatalf("local factory = %v, %v", s, err)
	}
	if _, err := NewStorage(&config.StorageConfig{Type: "ftp"}); err == nil {
		t.Error("unknown type should fail")
	}
	if _, err := NewStorage(&config.StorageConfig{Type: "supabase", Bucket: "b"}); err == nil {
		t.Error("supabase without credentials should fail")
	}
}

func TestS3StorageURLs(t *testing.T) {
	s, err := NewS3Storage(&S3Config{
		Type:      StorageTypeS3Compatible,
		Endpoint:  "http://localhost:9000/ignored",
		Bucket:    "media",
		KeyPrefix: "/prod/",
	})
	if err != nil {
		t.Fatalf("NewS3Storage: %v", err)
	}
	if got := s.GetURL("a/b.png"); got != "http://localhost:9000/media/prod/a/b.png" {
		t.Errorf("GetURL = %q", got)
	}

	s.publicURL = "https://cdn.example.com"
	if got := s.GetURL("a/b.png"); got != "https://cdn.example.com/prod/a/b.png" {
		t.Errorf("GetURL with public url = %q", got)
	}
}
