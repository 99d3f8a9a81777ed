package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/basekick-labs/schemaless/internal/config"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned by Read for a missing segment
var ErrNotFound = errors.New("segment not found")

// Backend stores encoded segments under slash-separated relative paths
type Backend interface {
	// Write stores data at path, replacing any previous segment
	Write(ctx context.Context, path string, data []byte) error

	// Read returns the segment at path, or ErrNotFound
	Read(ctx context.Context, path string) ([]byte, error)

	// List returns the paths of all segments under prefix
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes the segment at path; a missing segment is not an error
	Delete(ctx context.Context, path string) error

	// Exists reports whether a segment is stored at path
	Exists(ctx context.Context, path string) (bool, error)

	Close() error

	// Type returns the backend name used in logs ("local", "s3", "azure")
	Type() string
}

// New opens the configured backend and wraps it with retries and a circuit
// breaker.
func New(ctx context.Context, cfg *config.StorageConfig, logger zerolog.Logger) (Backend, error) {
	var (
		backend Backend
		err     error
	)

	switch cfg.Backend {
	case "", "local":
		backend, err = NewLocalBackend(cfg.LocalPath, logger)
	case "s3":
		backend, err = NewS3Backend(ctx, &cfg.S3, logger)
	case "azure":
		backend, err = NewAzureBlobBackend(ctx, &cfg.Azure, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	return NewResilientBackend(backend, &ResilientConfig{
		MaxRetries:     cfg.MaxRetries,
		RetryDelay:     cfg.RetryDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
		MaxFailures:    cfg.MaxFailures,
		BreakerTimeout: cfg.BreakerTimeout,
	}, logger), nil
}

// objectKey joins an object store prefix and a segment path
func objectKey(prefix, p string) string {
	p = strings.TrimPrefix(p, "/")
	if prefix == "" {
		return p
	}
	return path.Join(strings.Trim(prefix, "/"), p)
}

// trimKey strips the object store prefix from a listed key
func trimKey(prefix, key string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return key
	}
	return strings.TrimPrefix(strings.TrimPrefix(key, prefix), "/")
}

// contentType returns the MIME type recorded for a segment
func contentType(p string) string {
	if strings.HasSuffix(p, ".parquet") {
		return "application/vnd.apache.parquet"
	}
	return "application/octet-stream"
}
