// Package local provides a local filesystem storage backend.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/kevinMEH/web-vault/internal/storage"
)

// Config holds local filesystem backend settings.
type Config struct {
	RootPath   string `json:"root_path"`
	CreateDirs bool   `json:"create_dirs"`
}

// LocalBackend implements storage.Backend using the local filesystem.
// Each area is a directory under the root; objects are plain files.
type LocalBackend struct {
	rootPath string
}

// New creates a new local filesystem backend.
func New(cfg Config) (*LocalBackend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}

	// Ensure root exists
	info, err := os.Stat(cfg.RootPath)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := os.MkdirAll(cfg.RootPath, 0o755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}

	return &LocalBackend{rootPath: cfg.RootPath}, nil
}

// NewFromJSON creates a LocalBackend from raw JSON config.
func NewFromJSON(raw json.RawMessage) (*LocalBackend, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse local config: %w", err)
	}
	return New(cfg)
}

const tempPrefix = ".webvault-"

func (b *LocalBackend) areaPath(area string) string {
	return filepath.Join(b.rootPath, filepath.FromSlash(area))
}

func (b *LocalBackend) fullPath(area, name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid object name %q", name)
	}
	return filepath.Join(b.areaPath(area), name), nil
}

// Reserve creates an empty file with O_EXCL.
func (b *LocalBackend) Reserve(_ context.Context, area, name string) error {
	path, err := b.fullPath(area, name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create area %s: %w", area, err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("reserve %s/%s: %w", area, name, err)
	}
	return f.Close()
}

// Put writes content to the local filesystem atomically.
func (b *LocalBackend) Put(_ context.Context, area, name string, body io.Reader) (int64, error) {
	path, err := b.fullPath(area, name)
	if err != nil {
		return 0, err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create area %s: %w", area, err)
	}

	// Write to temp file then rename for atomicity
	tmp, err := os.CreateTemp(dir, tempPrefix+"*.tmp")
	if err != nil {
		return 0, fmt.Errorf("create temp for %s: %w", name, err)
	}
	tmpName := tmp.Name()

	n, err := io.Copy(tmp, body)
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return n, fmt.Errorf("write %s/%s: %w", area, name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return n, fmt.Errorf("close temp for %s: %w", name, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return n, fmt.Errorf("rename temp to %s: %w", name, err)
	}

	return n, nil
}

// Get opens a file for reading.
func (b *LocalBackend) Get(_ context.Context, area, name string) (io.ReadCloser, int64, error) {
	path, err := b.fullPath(area, name)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open %s/%s: %w", area, name, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat %s/%s: %w", area, name, err)
	}
	return f, info.Size(), nil
}

// Stat returns file size and modification time.
func (b *LocalBackend) Stat(_ context.Context, area, name string) (storage.ObjectInfo, error) {
	path, err := b.fullPath(area, name)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("stat %s/%s: %w", area, name, err)
	}
	return storage.ObjectInfo{Size: info.Size(), ModTime: info.ModTime()}, nil
}

// Move renames a file, possibly across areas.
func (b *LocalBackend) Move(_ context.Context, srcArea, srcName, dstArea, dstName string) error {
	srcPath, err := b.fullPath(srcArea, srcName)
	if err != nil {
		return err
	}
	dstPath, err := b.fullPath(dstArea, dstName)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return fmt.Errorf("create area %s: %w", dstArea, err)
	}
	if err := os.Rename(srcPath, dstPath); err != nil {
		return fmt.Errorf("move %s/%s -> %s/%s: %w", srcArea, srcName, dstArea, dstName, err)
	}
	return nil
}

// Copy copies a file on the local filesystem.
func (b *LocalBackend) Copy(_ context.Context, srcArea, srcName, dstArea, dstName string) error {
	srcPath, err := b.fullPath(srcArea, srcName)
	if err != nil {
		return err
	}
	dstPath, err := b.fullPath(dstArea, dstName)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return fmt.Errorf("create area %s: %w", dstArea, err)
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open src %s/%s: %w", srcArea, srcName, err)
	}
	defer src.Close()

	// Atomic write via temp + rename
	tmp, err := os.CreateTemp(filepath.Dir(dstPath), tempPrefix+"*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", dstName, err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("copy %s -> %s: %w", srcName, dstName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", dstName, err)
	}

	if err := os.Rename(tmpName, dstPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp to %s: %w", dstName, err)
	}
	return nil
}

// Delete removes a file from the local filesystem.
func (b *LocalBackend) Delete(_ context.Context, area, name string) error {
	path, err := b.fullPath(area, name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s/%s: %w", area, name, err)
	}
	return nil
}

// List returns the objects in an area, skipping in-progress temp files.
// A missing area is empty.
func (b *LocalBackend) List(_ context.Context, area string) ([]string, error) {
	entries, err := os.ReadDir(b.areaPath(area))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", area, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && !strings.HasPrefix(e.Name(), tempPrefix) {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Type returns "local".
func (b *LocalBackend) Type() string { return "local" }

// Close is a no-op for local backends.
func (b *LocalBackend) Close() error { return nil }
