// SPDX-License-Identifier: MPL-2.0

package repository

import (
	"bytes"
	"io"
	"time"
)

// StringResource is a standalone resource holding literal text. It always
// exists and has no parent repository.
type StringResource struct {
	leaf
	content  []byte
	modified time.Time
}

// NewStringResource returns a resource named name holding content.
func NewStringResource(name, content string) *StringResource {
	return &StringResource{
		leaf:     leaf{name: name, path: name},
		content:  []byte(content),
		modified: time.Now(),
	}
}

// Exists always reports true.
func (r *StringResource) Exists() bool { return true }

// LastModified returns the creation time.
func (r *StringResource) LastModified() time.Time { return r.modified }

// Length returns the content size.
func (r *StringResource) Length() int64 { return int64(len(r.content)) }

// Checksum hashes the content.
func (r *StringResource) Checksum() uint64 { return contentChecksum(r.content) }

// Open returns a reader over the content.
func (r *StringResource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(r.content)), nil
}

// Content returns a copy of the content.
func (r *StringResource) Content() ([]byte, error) {
	return bytes.Clone(r.content), nil
}

// missingResource is the not-found result for lookups that have no
// repository to ask.
type missingResource struct {
	leaf
}

// Missing returns a resource identified by path that does not exist.
func Missing(path string) Resource {
	_, name := splitResourcePath(path)
	return &missingResource{leaf: leaf{name: name, path: path}}
}

func (r *missingResource) Exists() bool             { return false }
func (r *missingResource) LastModified() time.Time  { return time.Time{} }
func (r *missingResource) Length() int64            { return 0 }
func (r *missingResource) Checksum() uint64         { return 0 }
func (r *missingResource) Content() ([]byte, error) { return readAll(r.Open) }
func (r *missingResource) Open() (io.ReadCloser, error) {
	return nil, &PathError{Path: r.path, Err: ErrNotExist}
}
