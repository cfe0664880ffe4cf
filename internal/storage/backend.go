// Package storage defines the Backend interface for physical object
// storage. Objects live flat inside areas: one staging area for content in
// transit and one area per vault.
package storage

import (
	"context"
	"io"
	"io/fs"
	"time"
)

// Backends wrap these so callers can test with errors.Is regardless of
// the backend type.
var (
	// ErrExist is returned by Reserve when the name is already taken.
	ErrExist = fs.ErrExist
	// ErrNotExist is returned when an object is missing.
	ErrNotExist = fs.ErrNotExist
)

// StagingArea holds objects mid-transfer before they are attached to a vault.
const StagingArea = "staging"

// VaultArea returns the area holding a vault's physical objects.
func VaultArea(vault string) string {
	return "vaults/" + vault
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Size    int64
	ModTime time.Time
}

// Backend is the interface for physical storage backends.
// Implementations handle raw object I/O; the logical tree lives in vfs.
type Backend interface {
	// Reserve creates an empty object, failing with ErrExist if the name is
	// already taken in the area.
	Reserve(ctx context.Context, area, name string) error

	// Put writes body to the object, replacing existing content.
	Put(ctx context.Context, area, name string, body io.Reader) (int64, error)

	// Get opens an object for reading and returns its size.
	Get(ctx context.Context, area, name string) (io.ReadCloser, int64, error)

	// Stat returns object metadata.
	Stat(ctx context.Context, area, name string) (ObjectInfo, error)

	// Move relocates an object, replacing any object at the destination.
	Move(ctx context.Context, srcArea, srcName, dstArea, dstName string) error

	// Copy duplicates an object byte for byte, replacing any object at the
	// destination.
	Copy(ctx context.Context, srcArea, srcName, dstArea, dstName string) error

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, area, name string) error

	// List returns the object names in an area.
	List(ctx context.Context, area string) ([]string, error)

	// Type returns the backend type identifier ("local", "s3").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}
