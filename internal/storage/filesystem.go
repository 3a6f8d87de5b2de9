package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrInvalidKey is returned for keys that would escape the store directory.
var ErrInvalidKey = errors.New("invalid blob key")

const blobExt = ".json"

// FileStore is a blob store keeping one file per key under a directory.
// Writes replace the whole file atomically.
type FileStore struct {
	basePath string
}

// NewFileStore creates a blob store rooted at basePath.
func NewFileStore(basePath string) *FileStore {
	return &FileStore{basePath: basePath}
}

func (fs *FileStore) pathFor(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || strings.Contains(key, "..") {
		return "", fmt.Errorf("%q: %w", key, ErrInvalidKey)
	}
	return filepath.Join(fs.basePath, key+blobExt), nil
}

// Get returns the blob stored under key.
func (fs *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	path, err := fs.pathFor(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("blob %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return data, nil
}

// Set replaces the blob stored under key.
func (fs *FileStore) Set(_ context.Context, key string, data []byte) error {
	path, err := fs.pathFor(key)
	if err != nil {
		return err
	}
	return AtomicWriteFile(path, data, 0644)
}

// Delete removes a blob. Deleting a missing key is not an error.
func (fs *FileStore) Delete(_ context.Context, key string) error {
	path, err := fs.pathFor(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

// Keys lists stored keys in sorted order.
func (fs *FileStore) Keys(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(fs.basePath)
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list blobs: %w", err)
	}

	keys := []string{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, blobExt) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, blobExt))
	}
	sort.Strings(keys)
	return keys, nil
}

// BasePath returns the store directory.
func (fs *FileStore) BasePath() string {
	return fs.basePath
}
