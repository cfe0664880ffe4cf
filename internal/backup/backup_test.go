package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kevinMEH/web-vault/internal/logging"
	"github.com/kevinMEH/web-vault/internal/vfs"
)

func sampleRegistry(t *testing.T) *vfs.Registry {
	t.Helper()
	reg := vfs.NewRegistry()
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	v, err := reg.Provision("v")
	require.NoError(t, err)
	docs := vfs.NewDirectory("docs", t0)
	docs.AddEntry(vfs.NewFile("readme.txt", 5, t0, "aaaaaaaaaaaa"), time.Time{})
	docs.AddEntry(vfs.NewDirectory("empty", t0), time.Time{})
	v.AddEntry(docs, time.Time{})

	w, err := reg.Provision("w")
	require.NoError(t, err)
	w.AddEntry(vfs.NewFile("x.bin", 7, t0, "bbbbbbbbbbbb"), time.Time{})
	return reg
}

func TestTakeAndRestore(t *testing.T) {
	reg := sampleRegistry(t)
	snap := Take(reg)
	require.Len(t, snap.Vaults, 2)

	data, err := Encode(snap)
	require.NoError(t, err)
	decoded, err := Decode(data)
	require.NoError(t, err)

	restored := vfs.NewRegistry()
	n, err := Restore(restored, decoded)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	f := restored.GetFileAt("v/docs/readme.txt")
	require.NotNil(t, f)
	assert.Equal(t, "aaaaaaaaaaaa", f.StorageHandle())
	assert.Equal(t, int64(5), f.ByteSize())
	assert.NotNil(t, restored.GetDirectoryAt("v/docs/empty"))
	assert.Equal(t, "bbbbbbbbbbbb", restored.GetFileAt("w/x.bin").StorageHandle())
	assert.Equal(t, reg.NodeCount(), restored.NodeCount())

	assert.Equal(t, Stats{Vaults: 2, Directories: 2, Files: 2, Bytes: 12}, Summarize(decoded))
}

func TestRestoreRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		snap *Snapshot
	}{
		{"version", &Snapshot{Version: 99}},
		{"file vault", &Snapshot{Version: FormatVersion, Vaults: []*vfs.FlatNode{
			{Name: "v", StorageHandle: "h"},
		}}},
		{"duplicate", &Snapshot{Version: FormatVersion, Vaults: []*vfs.FlatNode{
			{Name: "v", IsDirectory: true}, {Name: "v", IsDirectory: true},
		}}},
		{"bad name", &Snapshot{Version: FormatVersion, Vaults: []*vfs.FlatNode{
			{Name: "v", IsDirectory: true, Contents: []*vfs.FlatNode{{Name: "../x", StorageHandle: "h"}}},
		}}},
		{"no handle", &Snapshot{Version: FormatVersion, Vaults: []*vfs.FlatNode{
			{Name: "v", IsDirectory: true, Contents: []*vfs.FlatNode{{Name: "x"}}},
		}}},
		{"null entry", &Snapshot{Version: FormatVersion, Vaults: []*vfs.FlatNode{
			{Name: "v", IsDirectory: true, Contents: []*vfs.FlatNode{nil}},
		}}},
		{"null vault", &Snapshot{Version: FormatVersion, Vaults: []*vfs.FlatNode{nil}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := vfs.NewRegistry()
			_, err := Restore(reg, tt.snap)
			assert.Error(t, err)
			assert.Empty(t, reg.Names())
		})
	}
}

func TestRestoreDecodedNullEntry(t *testing.T) {
	snap, err := Decode([]byte(`{"version":1,"vaults":[{"name":"v","isDirectory":true,"contents":[null]}]}`))
	require.NoError(t, err)
	assert.Equal(t, Stats{Vaults: 1}, Summarize(snap))

	reg := vfs.NewRegistry()
	_, err = Restore(reg, snap)
	assert.ErrorContains(t, err, "null entry")
	assert.Empty(t, reg.Names())
}

func TestRestoreReconcilesLoadedVault(t *testing.T) {
	reg := sampleRegistry(t)
	docs := reg.GetDirectoryAt("v/docs")
	readme := reg.GetFileAt("v/docs/readme.txt")
	snap := Take(reg)

	// Changes made after the snapshot are rolled back in place.
	docs.AddEntry(vfs.NewFile("later.txt", 1, time.Now(), "cccccccccccc"), time.Time{})
	readme.SetStorageHandle("dddddddddddd")

	n, err := Restore(reg, snap)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Same(t, docs, reg.GetDirectoryAt("v/docs"))
	assert.Same(t, readme, reg.GetFileAt("v/docs/readme.txt"))
	assert.Equal(t, "aaaaaaaaaaaa", readme.StorageHandle())
	assert.Nil(t, reg.GetAt("v/docs/later.txt"))
	assert.NotNil(t, reg.GetDirectoryAt("v/docs/empty"))
}

func TestFileStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(filepath.Join(t.TempDir(), "backups", "snapshot.json"))
	require.NoError(t, err)

	_, err = s.Load(ctx)
	assert.ErrorIs(t, err, ErrNoSnapshot)

	require.NoError(t, s.Save(ctx, []byte("one")))
	require.NoError(t, s.Save(ctx, []byte("two")))
	data, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	entries, err := os.ReadDir(filepath.Dir(s.path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestBadgerStore(t *testing.T) {
	logging.InitNop()
	ctx := context.Background()
	s, err := NewBadgerStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Load(ctx)
	assert.ErrorIs(t, err, ErrNoSnapshot)

	require.NoError(t, s.Save(ctx, []byte("one")))
	require.NoError(t, s.Save(ctx, []byte("two")))
	data, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	history, err := s.History()
	require.NoError(t, err)
	assert.Equal(t, 2, history)
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("WEBVAULT_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("WEBVAULT_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := NewPostgresStore(ctx, url)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Save(ctx, []byte(`{"version":1}`)))
	data, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"version":1}`, string(data))
}

func TestRunnerBackupRestore(t *testing.T) {
	logging.InitNop()
	ctx := context.Background()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "snapshot.json"))
	require.NoError(t, err)

	empty := NewRunner(vfs.NewRegistry(), store)
	n, err := empty.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, NewRunner(sampleRegistry(t), store).Backup(ctx))

	reg := vfs.NewRegistry()
	n, err = NewRunner(reg, store).Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NotNil(t, reg.GetFileAt("v/docs/readme.txt"))
}
