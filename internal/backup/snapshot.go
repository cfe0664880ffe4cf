// Package backup persists full-fidelity snapshots of the vault registry
// and restores them on startup.
package backup

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kevinMEH/web-vault/internal/vfs"
)

// FormatVersion is written into every snapshot.
const FormatVersion = 1

// ErrNoSnapshot is returned by stores that hold no snapshot yet.
var ErrNoSnapshot = errors.New("no snapshot")

// Snapshot is every vault tree, storage handles included, at unbounded
// depth.
type Snapshot struct {
	Version   int             `json:"version"`
	CreatedAt time.Time       `json:"createdAt"`
	Vaults    []*vfs.FlatNode `json:"vaults"`
}

// Take snapshots the registry.
func Take(reg *vfs.Registry) *Snapshot {
	snap := &Snapshot{Version: FormatVersion, CreatedAt: time.Now().UTC()}
	reg.View(func(t *vfs.Tree) {
		for _, name := range t.Names() {
			snap.Vaults = append(snap.Vaults, vfs.Flatten(t.Vault(name), true, vfs.Unbounded))
		}
	})
	return snap
}

// Restore installs every vault of snap into reg. A vault reg already
// holds is reconciled in place, so nodes that survive the restore keep
// their identity. Nothing is installed if the snapshot is malformed.
func Restore(reg *vfs.Registry, snap *Snapshot) (int, error) {
	if snap.Version != FormatVersion {
		return 0, fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}
	vaults := make([]*vfs.FlatNode, 0, len(snap.Vaults))
	seen := make(map[string]bool)
	for _, flat := range snap.Vaults {
		if flat == nil || !flat.IsDirectory {
			return 0, errors.New("vault entry is not a directory")
		}
		if seen[flat.Name] {
			return 0, fmt.Errorf("duplicate vault %q", flat.Name)
		}
		seen[flat.Name] = true
		if err := check(flat); err != nil {
			return 0, fmt.Errorf("vault %q: %w", flat.Name, err)
		}
		vaults = append(vaults, flat)
	}

	reg.Update(func(t *vfs.Tree) error {
		for _, flat := range vaults {
			if root := t.Vault(flat.Name); root != nil {
				vfs.Reconcile(root, flat)
				continue
			}
			t.PutVault(vfs.Materialize(flat).(*vfs.Directory))
		}
		return nil
	})
	return len(vaults), nil
}

// check rejects names the validator would never produce and files that
// have lost their storage handle.
func check(flat *vfs.FlatNode) error {
	if !vfs.ValidSegment(flat.Name) {
		return fmt.Errorf("invalid name %q", flat.Name)
	}
	if !flat.IsDirectory {
		if flat.StorageHandle == "" {
			return fmt.Errorf("file %q has no storage handle", flat.Name)
		}
		return nil
	}
	for _, child := range flat.Contents {
		if child == nil {
			return fmt.Errorf("directory %q has a null entry", flat.Name)
		}
		if err := check(child); err != nil {
			return err
		}
	}
	return nil
}

// Encode serializes a snapshot.
func Encode(snap *Snapshot) ([]byte, error) {
	return json.Marshal(snap)
}

// Decode parses a snapshot.
func Decode(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// Stats summarizes a snapshot for operators.
type Stats struct {
	Vaults      int
	Directories int
	Files       int
	Bytes       int64
}

// Summarize counts the nodes in a snapshot.
func Summarize(snap *Snapshot) Stats {
	var s Stats
	var walk func(*vfs.FlatNode)
	walk = func(n *vfs.FlatNode) {
		if n == nil {
			return
		}
		if !n.IsDirectory {
			s.Files++
			s.Bytes += n.ByteSize
			return
		}
		s.Directories++
		for _, c := range n.Contents {
			walk(c)
		}
	}
	for _, v := range snap.Vaults {
		if v == nil {
			continue
		}
		s.Vaults++
		walk(v)
	}
	// Vault roots are not counted as directories.
	s.Directories -= s.Vaults
	return s
}
