// Package blob stores screenshot bytes under stable keys and hands back
// public URLs for PR comments.
package blob

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Store uploads a blob and returns its public URL
type Store interface {
	Upload(ctx context.Context, key string, r io.Reader) (string, error)
}

// FSStore writes blobs to a local content root served at a public base URL
type FSStore struct {
	root    string
	baseURL string
}

// NewFSStore creates a filesystem-backed store
func NewFSStore(root, baseURL string) *FSStore {
	return &FSStore{root: root, baseURL: strings.TrimRight(baseURL, "/")}
}

// Upload writes the blob under key and returns its public URL
func (s *FSStore) Upload(ctx context.Context, key string, r io.Reader) (string, error) {
	clean := filepath.Clean(key)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid blob key %q", key)
	}

	path := filepath.Join(s.root, clean)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("create blob dir: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create blob %s: %w", key, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("write blob %s: %w", key, err)
	}

	return s.baseURL + "/" + filepath.ToSlash(clean), nil
}
