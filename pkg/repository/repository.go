// SPDX-License-Identifier: MPL-2.0

package repository

import (
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

// DefaultChildCacheSize bounds the number of child repositories and the
// number of child resources a repository keeps cached.
const DefaultChildCacheSize = 512

var (
	// ErrEscapesRoot is returned when a path walks above a repository that has
	// been marked as a root.
	ErrEscapesRoot = errors.New("path escapes repository root")
	// ErrInvalidPath is returned when a path cannot name a resource.
	ErrInvalidPath = errors.New("invalid resource path")
	// ErrNotExist is returned when content is read from a resource that does
	// not exist.
	ErrNotExist = errors.New("resource does not exist")
)

type (
	// Trackable is the capability shared by resources and repositories.
	Trackable interface {
		// Path is the identity of the trackable. Two trackables with the same
		// path refer to the same content.
		Path() string
		// Name is the last path element.
		Name() string
		// LastModified returns the modification time, or the zero time when the
		// trackable does not exist.
		LastModified() time.Time
		// Checksum changes whenever content reachable through the trackable
		// changes. It is zero for trackables that do not exist.
		Checksum() uint64
		// Exists reports whether the trackable is backed by real content.
		Exists() bool
	}

	// Resource is a leaf trackable with readable content.
	Resource interface {
		Trackable
		// Parent returns the repository containing the resource, or nil for
		// standalone resources.
		Parent() Repository
		// RelativePath is the path of the resource measured from its root
		// repository.
		RelativePath() string
		// ModuleName is the relative path with the extension stripped.
		ModuleName() string
		// BaseName is the name with the extension stripped.
		BaseName() string
		// Extension returns the extension including the leading dot.
		Extension() string
		// Length returns the content size in bytes.
		Length() int64
		// Open opens the content for reading.
		Open() (io.ReadCloser, error)
		// Content reads the whole content.
		Content() ([]byte, error)
	}

	// Repository is a composite trackable holding resources and child
	// repositories.
	Repository interface {
		Trackable
		// Parent returns the parent repository, or nil for roots.
		Parent() Repository
		// RelativePath is the path measured from the root repository. It is
		// empty for roots and ends with a slash otherwise.
		RelativePath() string
		// IsRoot reports whether the repository has been marked as a root.
		IsRoot() bool
		// SetRoot marks the repository as a root; parent access is disabled
		// afterwards.
		SetRoot()
		// Resource returns the resource at the given relative path.
		Resource(path string) (Resource, error)
		// ChildRepository returns the repository at the given relative path.
		ChildRepository(path string) (Repository, error)
		// Resources lists existing resources below path, optionally recursing
		// into child repositories. Results are ordered by path.
		Resources(path string, recursive bool) ([]Resource, error)
		// ChildRepositories lists existing direct child repositories ordered by
		// name.
		ChildRepositories() ([]Repository, error)
	}

	// PathError records a failed path lookup.
	PathError struct {
		Repository string
		Path       string
		Err        error
	}
)

// Error implements the error interface.
func (e *PathError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Repository, e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *PathError) Unwrap() error { return e.Err }

// Root walks up the parent chain of repo and returns the outermost
// repository.
func Root(repo Repository) Repository {
	for repo != nil {
		parent := repo.Parent()
		if parent == nil {
			return repo
		}
		repo = parent
	}
	return nil
}

// NormalizePath resolves "." and ".." segments of a slash separated path
// lexically. Leading ".." segments that cannot be resolved are kept so the
// repository walk can reject them.
func NormalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	trailing := strings.HasSuffix(p, "/")
	var out []string
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(out) > 0 && out[len(out)-1] != ".." {
				out = out[:len(out)-1]
				continue
			}
			out = append(out, seg)
		default:
			out = append(out, seg)
		}
	}
	joined := strings.Join(out, "/")
	if trailing && joined != "" {
		joined += "/"
	}
	return joined
}

// splitResourcePath separates the directory part of a relative path from the
// final element.
func splitResourcePath(p string) (dir, name string) {
	p = strings.ReplaceAll(p, "\\", "/")
	idx := strings.LastIndex(p, "/")
	if idx < 0 {
		return "", p
	}
	return p[:idx], p[idx+1:]
}

func extension(name string) string {
	return path.Ext(name)
}

func stripExtension(name string) string {
	return strings.TrimSuffix(name, path.Ext(name))
}
