package vfs

import (
	"encoding/json"
	"time"
)

// Unbounded flattens the whole subtree. It is the depth used for backups.
const Unbounded = -1

// FlatNode is the transport form of a node.
//
// For directories, a nil Contents means the payload did not describe the
// children (the depth limit was reached); an empty non-nil slice means the
// directory is empty.
type FlatNode struct {
	Name          string
	IsDirectory   bool
	LastModified  time.Time
	ByteSize      int64
	StorageHandle string
	Contents      []*FlatNode
}

// Flatten produces the wire form of node down to depth levels of children.
// Storage handles are blanked unless includeStorageHandle is set, which is
// reserved for server-internal persistence.
func Flatten(node Node, includeStorageHandle bool, depth int) *FlatNode {
	switch n := node.(type) {
	case *File:
		flat := &FlatNode{
			Name:         n.name,
			LastModified: n.lastModified,
			ByteSize:     n.byteSize,
		}
		if includeStorageHandle {
			flat.StorageHandle = n.storageHandle
		}
		return flat
	case *Directory:
		flat := &FlatNode{
			Name:         n.name,
			IsDirectory:  true,
			LastModified: n.lastModified,
		}
		if depth == 0 {
			return flat
		}
		next := depth - 1
		if depth < 0 {
			next = Unbounded
		}
		flat.Contents = make([]*FlatNode, 0, len(n.contents))
		for _, child := range n.contents {
			flat.Contents = append(flat.Contents, Flatten(child, includeStorageHandle, next))
		}
		return flat
	default:
		return nil
	}
}

// Materialize builds a fresh node tree from a flat payload. Null entries
// in a directory's contents are skipped.
func Materialize(flat *FlatNode) Node {
	if !flat.IsDirectory {
		return NewFile(flat.Name, flat.ByteSize, flat.LastModified, flat.StorageHandle)
	}
	dir := NewDirectory(flat.Name, flat.LastModified)
	seen := make(map[string]struct{}, len(flat.Contents))
	for _, entry := range flat.Contents {
		if entry == nil {
			continue
		}
		if _, dup := seen[entry.Name]; dup {
			continue
		}
		seen[entry.Name] = struct{}{}
		dir.contents = append(dir.contents, Materialize(entry))
	}
	return dir
}

// Reconcile merges a freshly received payload into target. Children whose
// name and type both match are updated in place so holders of references
// keep valid nodes; other entries are materialized anew and children the
// payload no longer lists are dropped. A payload that does not describe
// its contents leaves the existing children alone.
func Reconcile(target *Directory, flat *FlatNode) {
	target.lastModified = flat.LastModified
	if flat.Contents == nil {
		return
	}

	next := make([]Node, 0, len(flat.Contents))
	seen := make(map[string]struct{}, len(flat.Contents))
	for _, entry := range flat.Contents {
		if entry == nil {
			continue
		}
		if _, dup := seen[entry.Name]; dup {
			continue
		}
		seen[entry.Name] = struct{}{}

		switch existing := target.GetAny(entry.Name).(type) {
		case *Directory:
			if entry.IsDirectory {
				Reconcile(existing, entry)
				next = append(next, existing)
				continue
			}
		case *File:
			if !entry.IsDirectory {
				existing.byteSize = entry.ByteSize
				existing.lastModified = entry.LastModified
				existing.storageHandle = entry.StorageHandle
				next = append(next, existing)
				continue
			}
		}
		next = append(next, Materialize(entry))
	}
	target.contents = next
}

type flatFileJSON struct {
	Name          string    `json:"name"`
	ByteSize      int64     `json:"byteSize"`
	LastModified  time.Time `json:"lastModified"`
	IsDirectory   bool      `json:"isDirectory"`
	StorageHandle string    `json:"storageHandle,omitempty"`
}

type flatDirectoryJSON struct {
	Name         string       `json:"name"`
	LastModified time.Time    `json:"lastModified"`
	IsDirectory  bool         `json:"isDirectory"`
	Contents     *[]*FlatNode `json:"contents,omitempty"`
}

// flatNodeJSON accepts both shapes on decode.
type flatNodeJSON struct {
	Name          string       `json:"name"`
	ByteSize      int64        `json:"byteSize"`
	LastModified  time.Time    `json:"lastModified"`
	IsDirectory   bool         `json:"isDirectory"`
	StorageHandle string       `json:"storageHandle"`
	Contents      *[]*FlatNode `json:"contents"`
}

// MarshalJSON emits the file or directory shape. Directory contents are
// omitted when undescribed and written as [] when empty.
func (n *FlatNode) MarshalJSON() ([]byte, error) {
	if !n.IsDirectory {
		return json.Marshal(flatFileJSON{
			Name:          n.Name,
			ByteSize:      n.ByteSize,
			LastModified:  n.LastModified,
			StorageHandle: n.StorageHandle,
		})
	}
	out := flatDirectoryJSON{
		Name:         n.Name,
		LastModified: n.LastModified,
		IsDirectory:  true,
	}
	if n.Contents != nil {
		contents := n.Contents
		out.Contents = &contents
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes either shape.
func (n *FlatNode) UnmarshalJSON(data []byte) error {
	var in flatNodeJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*n = FlatNode{
		Name:          in.Name,
		IsDirectory:   in.IsDirectory,
		LastModified:  in.LastModified,
		ByteSize:      in.ByteSize,
		StorageHandle: in.StorageHandle,
	}
	if in.IsDirectory && in.Contents != nil {
		n.Contents = *in.Contents
		if n.Contents == nil {
			n.Contents = []*FlatNode{}
		}
	}
	return nil
}
