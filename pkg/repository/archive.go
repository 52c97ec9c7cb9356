// SPDX-License-Identifier: MPL-2.0

package repository

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zip"
)

// ArchiveSeparator separates the archive file from the entry path in the
// identity path of archive trackables.
const ArchiveSeparator = "!/"

type (
	// ZipRepository is a repository backed by a directory inside a zip
	// archive. The archive index is shared by all repositories of the same
	// archive and reloaded when the archive file changes.
	ZipRepository struct {
		*tree
		index  *archiveIndex
		prefix string
	}

	// ZipResource is a resource backed by a zip archive entry.
	ZipResource struct {
		leaf
		index *archiveIndex
		entry string
	}

	archiveIndex struct {
		file string

		mu   sync.Mutex
		snap *archiveSnapshot
	}

	archiveSnapshot struct {
		mod     time.Time
		size    int64
		entries map[string]archiveEntry
		// children maps a directory prefix ("" or "a/b/") to its direct
		// children.
		children map[string]*archiveDir
	}

	archiveEntry struct {
		crc      uint32
		size     uint64
		modified time.Time
	}

	archiveDir struct {
		dirs  map[string]struct{}
		files map[string]struct{}
	}

	archiveReader struct {
		io.ReadCloser
		archive io.Closer
	}
)

// NewZipRepository returns the root repository of the archive at file. The
// archive does not have to exist yet.
func NewZipRepository(file string, opts ...Option) (*ZipRepository, error) {
	abs, err := filepath.Abs(file)
	if err != nil {
		return nil, err
	}
	o := applyOptions(opts)
	idx := &archiveIndex{file: abs}
	r := newZipRepository(idx, "", nil, o.cacheSize)
	r.SetRoot()
	return r, nil
}

func newZipRepository(idx *archiveIndex, prefix string, parent backend, cacheSize int) *ZipRepository {
	name := filepath.Base(idx.file)
	if prefix != "" {
		name = strings.TrimSuffix(prefix, "/")
		name = name[strings.LastIndex(name, "/")+1:]
	}
	path := filepath.ToSlash(idx.file) + ArchiveSeparator + prefix
	r := &ZipRepository{tree: newTree(name, path, parent, cacheSize), index: idx, prefix: prefix}
	r.self = r
	return r
}

// Archive returns the path of the archive file.
func (r *ZipRepository) Archive() string { return r.index.file }

// Exists reports whether the archive contains the directory.
func (r *ZipRepository) Exists() bool {
	snap, err := r.index.snapshot()
	if err != nil || snap.mod.IsZero() {
		return false
	}
	_, ok := snap.children[r.prefix]
	return ok || r.prefix == ""
}

// LastModified returns the archive modification time.
func (r *ZipRepository) LastModified() time.Time {
	if !r.Exists() {
		return time.Time{}
	}
	snap, _ := r.index.snapshot()
	return snap.mod
}

// Checksum changes whenever the archive file changes.
func (r *ZipRepository) Checksum() uint64 {
	if !r.Exists() {
		return 0
	}
	snap, _ := r.index.snapshot()
	return stampChecksum(snap.mod, snap.size)
}

func (r *ZipRepository) newRepository(name string) backend {
	return newZipRepository(r.index, r.prefix+name+"/", r, r.cacheSize)
}

func (r *ZipRepository) newResource(name string) Resource {
	entry := r.prefix + name
	return &ZipResource{
		leaf: leaf{
			parent: r,
			name:   name,
			path:   filepath.ToSlash(r.index.file) + ArchiveSeparator + entry,
		},
		index: r.index,
		entry: entry,
	}
}

func (r *ZipRepository) entries() (dirs, files []string, err error) {
	snap, err := r.index.snapshot()
	if err != nil {
		return nil, nil, err
	}
	dir, ok := snap.children[r.prefix]
	if !ok {
		return nil, nil, nil
	}
	for name := range dir.dirs {
		dirs = append(dirs, name)
	}
	for name := range dir.files {
		files = append(files, name)
	}
	return dirs, files, nil
}

func (r *ZipResource) lookup() (archiveEntry, bool) {
	snap, err := r.index.snapshot()
	if err != nil {
		return archiveEntry{}, false
	}
	e, ok := snap.entries[r.entry]
	return e, ok
}

// Exists reports whether the archive contains the entry.
func (r *ZipResource) Exists() bool {
	_, ok := r.lookup()
	return ok
}

// LastModified returns the entry modification time.
func (r *ZipResource) LastModified() time.Time {
	e, ok := r.lookup()
	if !ok {
		return time.Time{}
	}
	return e.modified
}

// Length returns the uncompressed entry size.
func (r *ZipResource) Length() int64 {
	e, ok := r.lookup()
	if !ok {
		return 0
	}
	return int64(e.size) //nolint:gosec // entry sizes fit
}

// Checksum combines the entry CRC, size and modification time.
func (r *ZipResource) Checksum() uint64 {
	e, ok := r.lookup()
	if !ok {
		return 0
	}
	return Mix(uint64(e.crc), e.size, uint64(e.modified.UnixNano())) //nolint:gosec // bit pattern only
}

// Open opens the entry for reading.
func (r *ZipResource) Open() (io.ReadCloser, error) {
	zr, err := zip.OpenReader(r.index.file)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &PathError{Repository: r.parent.Path(), Path: r.name, Err: ErrNotExist}
		}
		return nil, err
	}
	for _, f := range zr.File {
		if f.Name != r.entry {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			_ = zr.Close()
			return nil, err
		}
		return &archiveReader{ReadCloser: rc, archive: zr}, nil
	}
	_ = zr.Close()
	return nil, &PathError{Repository: r.parent.Path(), Path: r.name, Err: ErrNotExist}
}

// Content reads the whole entry.
func (r *ZipResource) Content() ([]byte, error) {
	return readAll(r.Open)
}

func (a *archiveReader) Close() error {
	return errors.Join(a.ReadCloser.Close(), a.archive.Close())
}

// snapshot returns the current archive index, reloading it when the archive
// file has changed since the last load. A missing archive yields an empty
// snapshot with a zero modification time.
func (idx *archiveIndex) snapshot() (*archiveSnapshot, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	info, err := os.Stat(idx.file)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			idx.snap = nil
			return &archiveSnapshot{}, nil
		}
		return nil, err
	}
	if idx.snap != nil && idx.snap.mod.Equal(info.ModTime()) && idx.snap.size == info.Size() {
		return idx.snap, nil
	}

	zr, err := zip.OpenReader(idx.file)
	if err != nil {
		return nil, err
	}
	defer zr.Close() //nolint:errcheck // read-only handle

	snap := &archiveSnapshot{
		mod:      info.ModTime(),
		size:     info.Size(),
		entries:  make(map[string]archiveEntry, len(zr.File)),
		children: map[string]*archiveDir{"": newArchiveDir()},
	}
	for _, f := range zr.File {
		name := strings.TrimPrefix(f.Name, "/")
		if f.FileInfo().IsDir() {
			snap.addDir(strings.TrimSuffix(name, "/"))
			continue
		}
		snap.entries[name] = archiveEntry{crc: f.CRC32, size: f.UncompressedSize64, modified: f.Modified}
		dir, base := splitResourcePath(name)
		snap.addDir(dir)
		prefix := ""
		if dir != "" {
			prefix = dir + "/"
		}
		snap.children[prefix].files[base] = struct{}{}
	}
	idx.snap = snap
	return snap, nil
}

// addDir registers dir and all of its ancestors.
func (s *archiveSnapshot) addDir(dir string) {
	if dir == "" {
		return
	}
	prefix := dir + "/"
	if _, ok := s.children[prefix]; ok {
		return
	}
	s.children[prefix] = newArchiveDir()
	parent, base := splitResourcePath(dir)
	s.addDir(parent)
	parentPrefix := ""
	if parent != "" {
		parentPrefix = parent + "/"
	}
	s.children[parentPrefix].dirs[base] = struct{}{}
}

func newArchiveDir() *archiveDir {
	return &archiveDir{dirs: map[string]struct{}{}, files: map[string]struct{}{}}
}
