// SPDX-License-Identifier: MPL-2.0

package repository

import (
	"errors"
	"io"
	"io/fs"
	"path"
	"time"
)

type (
	// FSRepository is a repository whose content is hosted by an embedding
	// container and exposed through fs.FS, for example an embed.FS compiled
	// into the host binary.
	FSRepository struct {
		*tree
		fsys fs.FS
		host string
		dir  string
	}

	// FSResource is a resource hosted by an fs.FS.
	FSResource struct {
		leaf
		fsys fs.FS
		file string
	}
)

// NewFSRepository returns the root repository of fsys. The host name
// qualifies identity paths so that two containers never collide.
func NewFSRepository(host string, fsys fs.FS, opts ...Option) *FSRepository {
	o := applyOptions(opts)
	r := newFSRepository(fsys, host, ".", nil, o.cacheSize)
	r.SetRoot()
	return r
}

func newFSRepository(fsys fs.FS, host, dir string, parent backend, cacheSize int) *FSRepository {
	name := path.Base(dir)
	p := host + ":/"
	if dir == "." {
		name = host
	} else {
		p += dir + "/"
	}
	r := &FSRepository{tree: newTree(name, p, parent, cacheSize), fsys: fsys, host: host, dir: dir}
	r.self = r
	return r
}

// Exists reports whether the directory exists in the container.
func (r *FSRepository) Exists() bool {
	info, err := fs.Stat(r.fsys, r.dir)
	return err == nil && info.IsDir()
}

// LastModified returns the directory modification time if the container
// reports one.
func (r *FSRepository) LastModified() time.Time {
	info, err := fs.Stat(r.fsys, r.dir)
	if err != nil || !info.IsDir() {
		return time.Time{}
	}
	return info.ModTime()
}

// Checksum changes with the directory listing.
func (r *FSRepository) Checksum() uint64 {
	list, err := fs.ReadDir(r.fsys, r.dir)
	if err != nil {
		return 0
	}
	values := make([]uint64, 0, len(list)+1)
	values = append(values, uint64(r.LastModified().UnixNano())) //nolint:gosec // bit pattern only
	for _, entry := range list {
		values = append(values, contentChecksum([]byte(entry.Name())))
	}
	return Mix(values...)
}

func (r *FSRepository) newRepository(name string) backend {
	return newFSRepository(r.fsys, r.host, path.Join(r.dir, name), r, r.cacheSize)
}

func (r *FSRepository) newResource(name string) Resource {
	file := path.Join(r.dir, name)
	return &FSResource{
		leaf: leaf{parent: r, name: name, path: r.host + ":/" + file},
		fsys: r.fsys,
		file: file,
	}
}

func (r *FSRepository) entries() (dirs, files []string, err error) {
	list, err := fs.ReadDir(r.fsys, r.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	for _, entry := range list {
		if entry.IsDir() {
			dirs = append(dirs, entry.Name())
		} else {
			files = append(files, entry.Name())
		}
	}
	return dirs, files, nil
}

func (r *FSResource) stat() (fs.FileInfo, bool) {
	info, err := fs.Stat(r.fsys, r.file)
	if err != nil || info.IsDir() {
		return nil, false
	}
	return info, true
}

// Exists reports whether the container holds the file.
func (r *FSResource) Exists() bool {
	_, ok := r.stat()
	return ok
}

// LastModified returns the modification time reported by the container.
func (r *FSResource) LastModified() time.Time {
	info, ok := r.stat()
	if !ok {
		return time.Time{}
	}
	return info.ModTime()
}

// Length returns the file size.
func (r *FSResource) Length() int64 {
	info, ok := r.stat()
	if !ok {
		return 0
	}
	return info.Size()
}

// Checksum uses the modification time when the container reports one and
// hashes the content otherwise, as embedded files carry no timestamps.
func (r *FSResource) Checksum() uint64 {
	info, ok := r.stat()
	if !ok {
		return 0
	}
	if !info.ModTime().IsZero() {
		return stampChecksum(info.ModTime(), info.Size())
	}
	b, err := fs.ReadFile(r.fsys, r.file)
	if err != nil {
		return 0
	}
	return contentChecksum(b)
}

// Open opens the file for reading.
func (r *FSResource) Open() (io.ReadCloser, error) {
	f, err := r.fsys.Open(r.file)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &PathError{Repository: r.parent.Path(), Path: r.name, Err: ErrNotExist}
		}
		return nil, err
	}
	return f, nil
}

// Content reads the whole file.
func (r *FSResource) Content() ([]byte, error) {
	return readAll(r.Open)
}
