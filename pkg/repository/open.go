// SPDX-License-Identifier: MPL-2.0

package repository

import (
	"strings"
)

// IsArchive reports whether path names a zip or jar archive.
func IsArchive(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".zip") || strings.HasSuffix(lower, ".jar")
}

// Open returns a root repository for a search path entry: archives become
// ZipRepository roots, anything else a FileRepository root.
func Open(path string, opts ...Option) (Repository, error) {
	if IsArchive(path) {
		return NewZipRepository(path, opts...)
	}
	repo, err := NewFileRepository(path, opts...)
	if err != nil {
		return nil, err
	}
	repo.SetRoot()
	return repo, nil
}
