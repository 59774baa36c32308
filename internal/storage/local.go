package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/developer-mesh/docmesh/pkg/observability"
)

// LocalStore keeps blobs as files under a base directory
type LocalStore struct {
	basePath string
	logger   observability.Logger
}

// NewLocalStore creates the base directory if needed
func NewLocalStore(basePath string, logger observability.Logger) (*LocalStore, error) {
	if basePath == "" {
		return nil, errors.New("local storage directory is required")
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &LocalStore{
		basePath: abs,
		logger:   observability.OrNoop(logger).WithPrefix("storage.local"),
	}, nil
}

// path maps key to a file under basePath and rejects keys that escape it
func (l *LocalStore) path(key string) (string, error) {
	if key == "" {
		return "", errors.New("storage key is required")
	}
	p := filepath.Join(l.basePath, filepath.FromSlash(key))
	rel, err := filepath.Rel(l.basePath, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid storage key %q", key)
	}
	return p, nil
}

// Put writes data, creating parent directories
func (l *LocalStore) Put(ctx context.Context, key string, data []byte) error {
	p, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(p, data, 0o600); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	l.logger.Debug("Stored blob", map[string]interface{}{
		"key":  key,
		"size": len(data),
	})
	return nil
}

// Get reads a blob
func (l *LocalStore) Get(ctx context.Context, key string) ([]byte, error) {
	p, err := l.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p) // #nosec G304 - path is confined to basePath
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}

// Delete removes a blob. Missing keys are not an error.
func (l *LocalStore) Delete(ctx context.Context, key string) error {
	p, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}
