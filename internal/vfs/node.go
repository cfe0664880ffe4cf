// Package vfs contains the in-memory tree model of vault contents, the
// path validator/resolver and the flatten/reconcile codec.
package vfs

import "time"

// Node is a File or a Directory. The set of implementations is closed;
// code that needs the variant should type-switch on *File and *Directory.
type Node interface {
	Name() string
	IsDirectory() bool
	ByteSize() int64
	LastModified() time.Time
	Clone() Node

	setName(name string)
	node()
}

// File is a logical file. Its storage handle names the physical object
// backing it and is never shown to clients.
type File struct {
	name          string
	byteSize      int64
	lastModified  time.Time
	storageHandle string
}

// NewFile creates a detached file node.
func NewFile(name string, byteSize int64, lastModified time.Time, storageHandle string) *File {
	return &File{
		name:          name,
		byteSize:      byteSize,
		lastModified:  lastModified,
		storageHandle: storageHandle,
	}
}

func (f *File) Name() string { return f.name }
func (f *File) IsDirectory() bool { return false }
func (f *File) ByteSize() int64 { return f.byteSize }
func (f *File) LastModified() time.Time { return f.lastModified }
func (f *File) StorageHandle() string { return f.storageHandle }
func (f *File) setName(name string) { f.name = name }
func (f *File) node() {}
func (f *File) SetByteSize(size int64) { f.byteSize = size }
func (f *File) SetStorageHandle(h string) { f.storageHandle = h }

// Touch sets the modification time.
func (f *File) Touch(t time.Time) { f.lastModified = t }

// Clone returns a copy of the file with a fresh identity. The storage
// handle is copied as-is; callers that need a separate physical object
// must assign a new one.
func (f *File) Clone() Node {
	c := *f
	return &c
}

// Directory is a logical folder. A vault root is a Directory named after
// its vault.
type Directory struct {
	name         string
	lastModified time.Time
	contents     []Node
}

// NewDirectory creates an empty detached directory.
func NewDirectory(name string, lastModified time.Time) *Directory {
	return &Directory{name: name, lastModified: lastModified}
}

func (d *Directory) Name() string { return d.name }
func (d *Directory) IsDirectory() bool { return true }
func (d *Directory) LastModified() time.Time { return d.lastModified }
func (d *Directory) setName(name string) { d.name = name }
func (d *Directory) node() {}

// Touch sets the modification time.
func (d *Directory) Touch(t time.Time) { d.lastModified = t }

// Contents returns the children. The slice must not be modified.
func (d *Directory) Contents() []Node { return d.contents }

// Len returns the number of direct children.
func (d *Directory) Len() int { return len(d.contents) }

// ByteSize sums the sizes of every file below the directory. It walks the
// subtree on every call.
func (d *Directory) ByteSize() int64 {
	var total int64
	for _, child := range d.contents {
		total += child.ByteSize()
	}
	return total
}

// GetAny returns the child with the given name, or nil.
func (d *Directory) GetAny(name string) Node {
	for _, child := range d.contents {
		if child.Name() == name {
			return child
		}
	}
	return nil
}

// GetFile returns the child file with the given name, or nil if it is
// absent or a directory.
func (d *Directory) GetFile(name string) *File {
	f, _ := d.GetAny(name).(*File)
	return f
}

// GetDirectory returns the child directory with the given name, or nil if
// it is absent or a file.
func (d *Directory) GetDirectory(name string) *Directory {
	dir, _ := d.GetAny(name).(*Directory)
	return dir
}

// AddEntry appends a child. A real filesystem mutation passes its time in
// at, which becomes d's modification time; an informational sync update
// passes the zero time and leaves d untouched.
func (d *Directory) AddEntry(item Node, at time.Time) {
	d.contents = append(d.contents, item)
	d.touchAt(at)
}

// RemoveEntry removes the child by identity and reports whether it was
// present.
func (d *Directory) RemoveEntry(item Node, at time.Time) bool {
	for i, child := range d.contents {
		if child == item {
			d.removeAt(i, at)
			return true
		}
	}
	return false
}

// RemoveEntryByName removes the child with the given name and reports
// whether it was present.
func (d *Directory) RemoveEntryByName(name string, at time.Time) bool {
	for i, child := range d.contents {
		if child.Name() == name {
			d.removeAt(i, at)
			return true
		}
	}
	return false
}

func (d *Directory) removeAt(i int, at time.Time) {
	d.contents = append(d.contents[:i], d.contents[i+1:]...)
	d.touchAt(at)
}

func (d *Directory) touchAt(at time.Time) {
	if !at.IsZero() {
		d.lastModified = at
	}
}

// Clone deep-copies the subtree. Every node in the copy is a new object.
func (d *Directory) Clone() Node {
	c := &Directory{
		name:         d.name,
		lastModified: d.lastModified,
		contents:     make([]Node, 0, len(d.contents)),
	}
	for _, child := range d.contents {
		c.contents = append(c.contents, child.Clone())
	}
	return c
}

// Rename changes a node's name. It does not check the parent for
// collisions.
func Rename(n Node, name string) {
	n.setName(name)
}

// Walk calls fn for n and every node below it, parents before children.
func Walk(n Node, fn func(Node)) {
	fn(n)
	if dir, ok := n.(*Directory); ok {
		for _, child := range dir.contents {
			Walk(child, fn)
		}
	}
}

// Files returns every file in the subtree rooted at n, including n itself
// when it is a file.
func Files(n Node) []*File {
	var files []*File
	Walk(n, func(node Node) {
		if f, ok := node.(*File); ok {
			files = append(files, f)
		}
	})
	return files
}

// CountNodes counts n and all of its descendants.
func CountNodes(n Node) int {
	count := 0
	Walk(n, func(Node) { count++ })
	return count
}
