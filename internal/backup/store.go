package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Store keeps the latest encoded snapshot.
type Store interface {
	Save(ctx context.Context, data []byte) error
	// Load returns the latest snapshot, or ErrNoSnapshot.
	Load(ctx context.Context) ([]byte, error)
	Type() string
	Close() error
}

// FileStore keeps the snapshot in a single file, replaced atomically.
type FileStore struct {
	path string
}

// NewFileStore creates a file store writing to path.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("backup path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	return &FileStore{path: path}, nil
}

// Save writes to a temp file then renames it over the snapshot.
func (s *FileStore) Save(_ context.Context, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot file.
func (s *FileStore) Load(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return data, nil
}

// Type returns "file".
func (s *FileStore) Type() string { return "file" }

// Close is a no-op.
func (s *FileStore) Close() error { return nil }
