// Package storage stores message attachments on S3-compatible object
// storage or the local disk.
package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"lectern/internal/config"
)

// Storage is the put/url/delete capability used for attachments.
type Storage interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error)
	URL(key string) string
	Delete(ctx context.Context, key string) error
	Health(ctx context.Context) error
}

// New builds the driver selected by STORAGE_DRIVER.
func New(ctx context.Context, cfg *config.Config) (Storage, error) {
	switch cfg.StorageDriver {
	case "s3":
		return NewS3Storage(ctx, cfg)
	case "local", "":
		return NewLocalStorage(cfg.StorageLocalPath, cfg.StoragePublicBaseURL)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}

func joinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(key, "/")
}
