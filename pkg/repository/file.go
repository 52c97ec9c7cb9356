// SPDX-License-Identifier: MPL-2.0

package repository

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

type (
	// FileRepository is a repository backed by a directory.
	FileRepository struct {
		*tree
		dir string
	}

	// FileResource is a resource backed by a plain file.
	FileResource struct {
		leaf
	}
)

// NewFileRepository returns a repository for dir. The directory does not have
// to exist. Parents are created lazily on access unless the repository is
// marked as a root.
func NewFileRepository(dir string, opts ...Option) (*FileRepository, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	o := applyOptions(opts)
	return newFileRepository(filepath.Clean(abs), nil, o.cacheSize), nil
}

func newFileRepository(dir string, parent backend, cacheSize int) *FileRepository {
	name := filepath.Base(dir)
	if name == string(filepath.Separator) {
		name = ""
	}
	path := dir
	if path[len(path)-1] != filepath.Separator {
		path += string(filepath.Separator)
	}
	r := &FileRepository{tree: newTree(name, filepath.ToSlash(path), parent, cacheSize), dir: dir}
	r.self = r
	if parent == nil {
		if up := filepath.Dir(dir); up != dir {
			r.makeParent = func() backend { return newFileRepository(up, nil, cacheSize) }
		}
	}
	return r
}

// Dir returns the directory backing the repository.
func (r *FileRepository) Dir() string { return r.dir }

// Exists reports whether the directory exists.
func (r *FileRepository) Exists() bool {
	info, err := os.Stat(r.dir)
	return err == nil && info.IsDir()
}

// LastModified returns the directory modification time.
func (r *FileRepository) LastModified() time.Time {
	info, err := os.Stat(r.dir)
	if err != nil || !info.IsDir() {
		return time.Time{}
	}
	return info.ModTime()
}

// Checksum changes when entries are added to or removed from the directory.
func (r *FileRepository) Checksum() uint64 {
	mod := r.LastModified()
	if mod.IsZero() {
		return 0
	}
	return Mix(uint64(mod.UnixNano())) //nolint:gosec // bit pattern only
}

func (r *FileRepository) newRepository(name string) backend {
	return newFileRepository(filepath.Join(r.dir, name), r, r.cacheSize)
}

func (r *FileRepository) newResource(name string) Resource {
	return &FileResource{leaf: leaf{
		parent: r,
		name:   name,
		path:   filepath.ToSlash(filepath.Join(r.dir, name)),
	}}
}

func (r *FileRepository) entries() (dirs, files []string, err error) {
	list, err := os.ReadDir(r.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	for _, entry := range list {
		isDir := entry.IsDir()
		if entry.Type()&fs.ModeSymlink != 0 {
			info, statErr := os.Stat(filepath.Join(r.dir, entry.Name()))
			if statErr != nil {
				continue
			}
			isDir = info.IsDir()
		}
		if isDir {
			dirs = append(dirs, entry.Name())
		} else {
			files = append(files, entry.Name())
		}
	}
	return dirs, files, nil
}

func (r *FileResource) file() string { return filepath.FromSlash(r.path) }

func (r *FileResource) stat() (fs.FileInfo, bool) {
	info, err := os.Stat(r.file())
	if err != nil || info.IsDir() {
		return nil, false
	}
	return info, true
}

// Exists reports whether the file exists.
func (r *FileResource) Exists() bool {
	_, ok := r.stat()
	return ok
}

// LastModified returns the file modification time.
func (r *FileResource) LastModified() time.Time {
	info, ok := r.stat()
	if !ok {
		return time.Time{}
	}
	return info.ModTime()
}

// Length returns the file size.
func (r *FileResource) Length() int64 {
	info, ok := r.stat()
	if !ok {
		return 0
	}
	return info.Size()
}

// Checksum is derived from modification time and size.
func (r *FileResource) Checksum() uint64 {
	info, ok := r.stat()
	if !ok {
		return 0
	}
	return stampChecksum(info.ModTime(), info.Size())
}

// Open opens the file for reading.
func (r *FileResource) Open() (io.ReadCloser, error) {
	f, err := os.Open(r.file())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &PathError{Repository: r.parent.Path(), Path: r.name, Err: ErrNotExist}
		}
		return nil, err
	}
	return f, nil
}

// Content reads the whole file.
func (r *FileResource) Content() ([]byte, error) {
	return readAll(r.Open)
}
