package vfs

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// ErrVaultExists is returned when provisioning a vault name already in use.
	ErrVaultExists = errors.New("vault already exists")
	// ErrInvalidVaultName is returned for names that fail segment validation.
	ErrInvalidVaultName = errors.New("invalid vault name")
)

// Registry maps vault names to their root directories. It is the only
// source of truth for whether a vault exists from the tree's point of view.
//
// All tree reads and mutations go through View or Update, which serialize
// writers against readers. Callbacks must not perform blocking I/O.
type Registry struct {
	mu   sync.RWMutex
	tree Tree
}

// Tree is the registry contents as seen inside a View or Update callback.
// Its methods do no locking.
type Tree struct {
	vaults map[string]*Directory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tree: Tree{vaults: make(map[string]*Directory)}}
}

// View runs fn with the read lock held.
func (r *Registry) View(fn func(t *Tree)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn(&r.tree)
}

// Update runs fn with the write lock held.
func (r *Registry) Update(fn func(t *Tree) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(&r.tree)
}

// VaultExists reports whether a vault is registered.
func (r *Registry) VaultExists(name string) bool {
	var ok bool
	r.View(func(t *Tree) { ok = t.Vault(name) != nil })
	return ok
}

// Provision registers a new empty vault.
func (r *Registry) Provision(name string) (*Directory, error) {
	var root *Directory
	err := r.Update(func(t *Tree) error {
		var err error
		root, err = t.AddVault(name)
		return err
	})
	return root, err
}

// Remove unregisters a vault and returns its detached root.
func (r *Registry) Remove(name string) (*Directory, bool) {
	var root *Directory
	r.Update(func(t *Tree) error {
		root = t.RemoveVault(name)
		return nil
	})
	return root, root != nil
}

// Names returns the registered vault names in sorted order.
func (r *Registry) Names() []string {
	var names []string
	r.View(func(t *Tree) { names = t.Names() })
	return names
}

// NodeCount counts every node in every vault, roots included.
func (r *Registry) NodeCount() int {
	count := 0
	r.View(func(t *Tree) {
		for _, root := range t.vaults {
			count += CountNodes(root)
		}
	})
	return count
}

// Validate is Tree.Validate under the read lock.
func (r *Registry) Validate(raw string) (Path, bool) {
	var (
		p  Path
		ok bool
	)
	r.View(func(t *Tree) { p, ok = t.Validate(raw) })
	return p, ok
}

// GetAt is Tree.GetAt under the read lock. The returned node must only be
// inspected inside View or Update when other goroutines may mutate the tree.
func (r *Registry) GetAt(p Path) Node {
	var n Node
	r.View(func(t *Tree) { n = t.GetAt(p) })
	return n
}

// GetDirectoryAt is Tree.GetDirectoryAt under the read lock.
func (r *Registry) GetDirectoryAt(p Path) *Directory {
	var d *Directory
	r.View(func(t *Tree) { d = t.GetDirectoryAt(p) })
	return d
}

// GetFileAt is Tree.GetFileAt under the read lock.
func (r *Registry) GetFileAt(p Path) *File {
	var f *File
	r.View(func(t *Tree) { f = t.GetFileAt(p) })
	return f
}

// Vault returns the root directory of a vault, or nil.
func (t *Tree) Vault(name string) *Directory {
	return t.vaults[name]
}

// AddVault registers an empty vault root.
func (t *Tree) AddVault(name string) (*Directory, error) {
	if !ValidSegment(name) {
		return nil, ErrInvalidVaultName
	}
	if _, exists := t.vaults[name]; exists {
		return nil, ErrVaultExists
	}
	root := NewDirectory(name, time.Now())
	t.vaults[name] = root
	return root, nil
}

// PutVault installs root as the vault of the same name, replacing any
// existing one. Used by restore.
func (t *Tree) PutVault(root *Directory) {
	t.vaults[root.Name()] = root
}

// RemoveVault unregisters a vault and returns its root, or nil.
func (t *Tree) RemoveVault(name string) *Directory {
	root := t.vaults[name]
	delete(t.vaults, name)
	return root
}

// Names returns the vault names in sorted order.
func (t *Tree) Names() []string {
	names := make([]string, 0, len(t.vaults))
	for name := range t.vaults {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate turns an untrusted path string into a Path. The first segment
// must name a registered vault.
func (t *Tree) Validate(raw string) (Path, bool) {
	segments, ok := parseSegments(raw)
	if !ok {
		return "", false
	}
	if t.vaults[segments[0]] == nil {
		return "", false
	}
	return Path(strings.Join(segments, "/")), true
}

// GetAt walks p from its vault root. It returns nil when any segment is
// missing or when an intermediate segment is a file.
func (t *Tree) GetAt(p Path) Node {
	segments := p.Segments()
	if len(segments) == 0 {
		return nil
	}
	root := t.vaults[segments[0]]
	if root == nil {
		return nil
	}
	var current Node = root
	for _, seg := range segments[1:] {
		dir, ok := current.(*Directory)
		if !ok {
			return nil
		}
		current = dir.GetAny(seg)
		if current == nil {
			return nil
		}
	}
	return current
}

// GetDirectoryAt resolves p and returns it only if it is a directory.
func (t *Tree) GetDirectoryAt(p Path) *Directory {
	d, _ := t.GetAt(p).(*Directory)
	return d
}

// GetFileAt resolves p and returns it only if it is a file.
func (t *Tree) GetFileAt(p Path) *File {
	f, _ := t.GetAt(p).(*File)
	return f
}
