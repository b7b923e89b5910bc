// Package content stores attachment blobs and hands back a stable URL for
// the metadata row.
package content

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Store writes one blob under a key and returns the URL it is reachable at.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// Local stores blobs as files under a root directory.
type Local struct {
	root string
}

func NewLocal(root string) (*Local, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create content root: %w", err)
	}
	return &Local{root: root}, nil
}

func (l *Local) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	path := filepath.Join(l.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create blob directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return "file://" + filepath.ToSlash(abs), nil
}
