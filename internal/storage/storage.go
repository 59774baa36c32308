// Package storage holds uploaded files and extracted source text
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/developer-mesh/docmesh/internal/config"
	"github.com/developer-mesh/docmesh/pkg/observability"
)

// ErrNotFound is returned when a key does not exist
var ErrNotFound = errors.New("storage: key not found")

// BlobStore stores opaque bytes by key
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// New builds the store named in configuration
func New(ctx context.Context, cfg config.StorageConfig, awsCfg config.AWSConfig, logger observability.Logger) (BlobStore, error) {
	switch cfg.Backend {
	case "local":
		l, err := NewLocalStore(cfg.LocalDir, logger)
		if err != nil {
			return nil, err
		}
		return l, nil
	case "s3":
		s, err := NewS3Store(ctx, cfg, awsCfg, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}
