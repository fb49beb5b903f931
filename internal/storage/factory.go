package storage

import (
	"fmt"
	"strings"

	"github.com/timmy/genflow/internal/config"
)

// NewStorage creates an ObjectStorage from the storage section of the config.
// An empty type is detected from the endpoint.
func NewStorage(cfg *config.StorageConfig) (ObjectStorage, error) {
	storeType := strings.ToLower(cfg.Type)
	if storeType == "" {
		storeType = string(detectStorageType(cfg.Endpoint))
	}

	switch storeType {
	case "supabase":
		return NewSupabaseStorage(&SupabaseConfig{
			URL:       cfg.SupabaseURL,
			Key:       cfg.SupabaseKey,
			Bucket:    cfg.Bucket,
			KeyPrefix: cfg.KeyPrefix,
		})
	case "local":
		return NewLocalStorage(cfg.LocalDir, cfg.PublicURL)
	case string(StorageTypeS3), string(StorageTypeR2), string(StorageTypeS3Compatible):
		return NewS3Storage(&S3Config{
			Type:      StorageType(storeType),
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			UseSSL:    cfg.UseSSL,
			Bucket:    cfg.Bucket,
			Region:    cfg.Region,
			PublicURL: cfg.PublicURL,
			KeyPrefix: cfg.KeyPrefix,
		})
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

// detectStorageType guesses the storage type from the endpoint
func detectStorageType(endpoint string) StorageType {
	endpoint = strings.ToLower(endpoint)

	switch {
	case strings.Contains(endpoint, "r2.cloudflarestorage.com"):
		return StorageTypeR2
	case endpoint == "" || strings.Contains(endpoint, "amazonaws.com"):
		return StorageTypeS3
	default:
		return StorageTypeS3Compatible
	}
}
