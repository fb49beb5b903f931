package service

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	_ "golang.org/x/image/webp"

	"github.com/timmy/genflow/internal/domain"
	"github.com/timmy/genflow/internal/logger"
	"github.com/timmy/genflow/internal/storage"
)

// Relocator copies provider-hosted artifacts into owned storage.
type Relocator interface {
	Relocate(ctx context.Context, req RelocateRequest) (*Relocated, error)
}

// RelocateRequest names the artifact and the subtask it belongs to.
type RelocateRequest struct {
	UserID    string
	JobID     string
	SubTaskID string
	SourceURL string
}

// Relocated describes the durable copy.
type Relocated struct {
	URL         string
	Key         string
	ContentType string
	Size        int64
	Width       int
	Height      int
}

// RelocatorConfig holds download limits
type RelocatorConfig struct {
	Timeout  time.Duration
	MaxBytes int64
}

// RelocatorService downloads an artifact and uploads it under
// generations/<user>/<job>/<subtask>.<ext>.
type RelocatorService struct {
	client   *resty.Client
	storage  storage.ObjectStorage
	maxBytes int64
	logger   *logger.Logger
}

// NewRelocatorService creates a new relocator
func NewRelocatorService(objectStorage storage.ObjectStorage, cfg *RelocatorConfig, log *logger.Logger) *RelocatorService {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 200 << 20
	}
	return &RelocatorService{
		client:   resty.New().SetTimeout(timeout).SetDoNotParseResponse(true),
		storage:  objectStorage,
		maxBytes: maxBytes,
		logger:   log,
	}
}

func (s *RelocatorService) log(ctx context.Context) *logger.Logger {
	if l := logger.FromContext(ctx); l != nil {
		return l
	}
	return s.logger
}

// Relocate copies req.SourceURL into storage. An object already stored under
// the same key is reused. All failures wrap domain.ErrRelocation.
func (s *RelocatorService) Relocate(ctx context.Context, req RelocateRequest) (*Relocated, error) {
	start := time.Now()

	data, headerType, err := s.download(ctx, req.SourceURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrRelocation, err)
	}

	contentType := detectContentType(data, headerType)
	key := fmt.Sprintf("generations/%s/%s/%s.%s", req.UserID, req.JobID, req.SubTaskID, extensionFor(contentType, req.SourceURL))

	out := &Relocated{Key: key, ContentType: contentType, Size: int64(len(data))}
	if strings.HasPrefix(contentType, "image/") {
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
			out.Width, out.Height = cfg.Width, cfg.Height
		}
	}

	exists, err := s.storage.Exists(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: check existing object: %w", domain.ErrRelocation, err)
	}
	if !exists {
		if err := s.storage.Upload(ctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrRelocation, err)
		}
	}
	out.URL = s.storage.GetURL(key)

	s.log(ctx).WithFields(logger.Fields{
		"storage_key":          key,
		"content_type":         contentType,
		logger.FieldSize:       out.Size,
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
		"reused":               exists,
	}).Debug("Artifact relocated")
	return out, nil
}

func (s *RelocatorService) download(ctx context.Context, sourceURL string) ([]byte, string, error) {
	u, err := url.Parse(sourceURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, "", fmt.Errorf("invalid artifact url %q", sourceURL)
	}

	resp, err := s.client.R().SetContext(ctx).Get(sourceURL)
	if err != nil {
		return nil, "", fmt.Errorf("download artifact: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return nil, "", fmt.Errorf("download artifact: status %d", resp.StatusCode())
	}
	if resp.RawResponse.ContentLength > s.maxBytes {
		return nil, "", fmt.Errorf("artifact too large: %d bytes", resp.RawResponse.ContentLength)
	}

	data, err := io.ReadAll(io.LimitReader(body, s.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read artifact: %w", err)
	}
	if int64(len(data)) > s.maxBytes {
		return nil, "", fmt.Errorf("artifact exceeds %d bytes", s.maxBytes)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("artifact is empty")
	}
	return data, resp.Header().Get("Content-Type"), nil
}

// detectContentType trusts the bytes first and falls back to the response header.
func detectContentType(data []byte, header string) string {
	sniffed := http.DetectContentType(data)
	if sniffed != "application/octet-stream" && !strings.HasPrefix(sniffed, "text/plain") {
		return strings.TrimSpace(strings.Split(sniffed, ";")[0])
	}
	if header != "" {
		if mt, _, err := mime.ParseMediaType(header); err == nil {
			return mt
		}
	}
	return "application/octet-stream"
}

func extensionFor(contentType, sourceURL string) string {
	switch contentType {
	case "image/jpeg":
		return "jpg"
	case "image/png":
		return "png"
	case "image/gif":
		return "gif"
	case "image/webp":
		return "webp"
	case "video/mp4":
		return "mp4"
	case "video/webm":
		return "webm"
	case "video/quicktime":
		return "mov"
	}
	if u, err := url.Parse(sourceURL); err == nil {
		if ext := strings.TrimPrefix(path.Ext(u.Path), "."); ext != "" && len(ext) <= 5 {
			return strings.ToLower(ext)
		}
	}
	return "bin"
}
