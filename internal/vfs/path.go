package vfs

import (
	"regexp"
	"strings"
)

// Path is a slash-separated path whose first segment names a vault.
// Values produced by Validate are known to be well formed; resolution may
// still fail if the tree changes.
type Path string

// Parentheses are allowed so conflict names such as "a (1).txt" stay
// addressable.
var segmentChars = regexp.MustCompile(`^[A-Za-z0-9_.\-() ]+$`)

// ValidSegment reports whether s is acceptable as a single path segment.
func ValidSegment(s string) bool {
	if s == "" || strings.Trim(s, ".") == "" {
		return false
	}
	// Hyphen-leading names could be read as flags by shell tooling.
	if s[0] == ' ' || s[0] == '-' || s[len(s)-1] == ' ' {
		return false
	}
	return segmentChars.MatchString(s)
}

// parseSegments applies the syntactic rules and returns the segments.
func parseSegments(raw string) ([]string, bool) {
	raw = strings.TrimSuffix(raw, "/")
	if raw == "" {
		return nil, false
	}
	segments := strings.Split(raw, "/")
	for _, seg := range segments {
		if !ValidSegment(seg) {
			return nil, false
		}
	}
	return segments, true
}

// Segments returns the path split on slashes.
func (p Path) Segments() []string {
	if p == "" {
		return nil
	}
	return strings.Split(string(p), "/")
}

// Vault returns the first segment.
func (p Path) Vault() string {
	s := string(p)
	if i := strings.IndexByte(s, '/'); i >= 0 {
		return s[:i]
	}
	return s
}

// IsVault reports whether the path names only a vault.
func (p Path) IsVault() bool {
	return p != "" && !strings.Contains(string(p), "/")
}

// Split returns the parent path and the final segment. ok is false when the
// path is only a vault name.
func (p Path) Split() (parent Path, child string, ok bool) {
	s := string(p)
	i := strings.LastIndexByte(s, '/')
	if i < 0 {
		return "", "", false
	}
	return Path(s[:i]), s[i+1:], true
}

// Base returns the final segment.
func (p Path) Base() string {
	s := string(p)
	return s[strings.LastIndexByte(s, '/')+1:]
}

// Join appends a segment. name must already be a valid segment.
func (p Path) Join(name string) Path {
	return Path(string(p) + "/" + name)
}

// Within reports whether p equals other or lies below it.
func (p Path) Within(other Path) bool {
	if p == other {
		return true
	}
	return strings.HasPrefix(string(p), string(other)+"/")
}

func (p Path) String() string { return string(p) }
