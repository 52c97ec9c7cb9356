// SPDX-License-Identifier: MPL-2.0

package repository

import (
	"io"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

type (
	// backend is implemented by every repository kind. The shared walking,
	// caching and listing logic in this file only needs these primitives.
	backend interface {
		Repository
		node() *tree
		newRepository(name string) backend
		newResource(name string) Resource
		// entries lists the names of existing child repositories and resources.
		entries() (dirs, files []string, err error)
	}

	// tree carries the state common to all repository kinds. Concrete
	// repositories embed it and set self to themselves.
	tree struct {
		self backend
		name string
		path string

		mu         sync.Mutex
		parent     backend
		makeParent func() backend
		root       atomic.Bool

		cacheSize int
		repos     *lru.Cache[string, backend]
		resources *lru.Cache[string, Resource]
		evictions atomic.Int64
	}

	// leaf carries the state common to all resource kinds.
	leaf struct {
		parent backend
		name   string
		path   string
	}
)

func newTree(name, path string, parent backend, cacheSize int) *tree {
	if cacheSize <= 0 {
		cacheSize = DefaultChildCacheSize
	}
	t := &tree{
		name:      name,
		path:      path,
		parent:    parent,
		cacheSize: cacheSize,
	}
	// Sizes are positive, so construction cannot fail.
	t.repos, _ = lru.NewWithEvict(cacheSize, func(string, backend) { t.evictions.Add(1) })
	t.resources, _ = lru.NewWithEvict(cacheSize, func(string, Resource) { t.evictions.Add(1) })
	return t
}

func (t *tree) node() *tree { return t }

// Name returns the last path element of the repository.
func (t *tree) Name() string { return t.name }

// Path returns the identity path of the repository.
func (t *tree) Path() string { return t.path }

// String returns the identity path.
func (t *tree) String() string { return t.path }

// IsRoot reports whether the repository has been marked as a root.
func (t *tree) IsRoot() bool { return t.root.Load() }

// SetRoot marks the repository as a root.
func (t *tree) SetRoot() { t.root.Store(true) }

// Parent returns the parent repository or nil for roots.
func (t *tree) Parent() Repository {
	p := t.parentBackend()
	if p == nil {
		return nil
	}
	return p
}

func (t *tree) parentBackend() backend {
	if t.root.Load() {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.parent == nil && t.makeParent != nil {
		t.parent = t.makeParent()
		t.makeParent = nil
	}
	return t.parent
}

// RelativePath returns the path measured from the root repository.
func (t *tree) RelativePath() string {
	parent := t.parentBackend()
	if parent == nil {
		return ""
	}
	return parent.RelativePath() + t.name + "/"
}

// Resource returns the resource at the given relative path.
func (t *tree) Resource(p string) (Resource, error) {
	return lookupResource(t.self, p)
}

// ChildRepository returns the repository at the given relative path.
func (t *tree) ChildRepository(p string) (Repository, error) {
	repo, err := walkRepository(t.self, p)
	if err != nil {
		return nil, err
	}
	return repo, nil
}

// Resources lists existing resources below the given path.
func (t *tree) Resources(p string, recursive bool) ([]Resource, error) {
	return listResources(t.self, p, recursive)
}

// ChildRepositories lists existing direct child repositories.
func (t *tree) ChildRepositories() ([]Repository, error) {
	dirs, _, err := t.self.entries()
	if err != nil {
		return nil, err
	}
	slices.Sort(dirs)
	out := make([]Repository, 0, len(dirs))
	for _, name := range dirs {
		out = append(out, t.childRepository(name))
	}
	return out, nil
}

// Evictions reports how many cached children this repository has dropped.
func (t *tree) Evictions() int64 { return t.evictions.Load() }

func (t *tree) childRepository(name string) backend {
	if repo, ok := t.repos.Get(name); ok {
		return repo
	}
	repo := t.self.newRepository(name)
	if prev, found, _ := t.repos.PeekOrAdd(name, repo); found {
		return prev
	}
	return repo
}

func (t *tree) childResource(name string) Resource {
	if res, ok := t.resources.Get(name); ok {
		return res
	}
	res := t.self.newResource(name)
	if prev, found, _ := t.resources.PeekOrAdd(name, res); found {
		return prev
	}
	return res
}

func walkRepository(start backend, p string) (backend, error) {
	cur := start
	for _, seg := range strings.Split(strings.ReplaceAll(p, "\\", "/"), "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			parent := cur.node().parentBackend()
			if parent == nil {
				return nil, &PathError{Repository: start.Path(), Path: p, Err: ErrEscapesRoot}
			}
			cur = parent
		default:
			cur = cur.node().childRepository(seg)
		}
	}
	return cur, nil
}

func lookupResource(start backend, p string) (Resource, error) {
	dir, name := splitResourcePath(p)
	if name == "" || name == "." || name == ".." {
		return nil, &PathError{Repository: start.Path(), Path: p, Err: ErrInvalidPath}
	}
	repo, err := walkRepository(start, dir)
	if err != nil {
		return nil, err
	}
	return repo.node().childResource(name), nil
}

func listResources(start backend, p string, recursive bool) ([]Resource, error) {
	repo, err := walkRepository(start, p)
	if err != nil {
		return nil, err
	}
	if !repo.Exists() {
		return nil, nil
	}

	var out []Resource
	var visit func(b backend) error
	visit = func(b backend) error {
		dirs, files, err := b.entries()
		if err != nil {
			return err
		}
		for _, name := range files {
			out = append(out, b.node().childResource(name))
		}
		if !recursive {
			return nil
		}
		for _, name := range dirs {
			if err := visit(b.node().childRepository(name)); err != nil {
				return err
			}
		}
		return nil
	}
	if err := visit(repo); err != nil {
		return nil, err
	}

	slices.SortFunc(out, func(a, b Resource) int { return strings.Compare(a.Path(), b.Path()) })
	return out, nil
}

// Name returns the file name of the resource.
func (l *leaf) Name() string { return l.name }

// Path returns the identity path of the resource.
func (l *leaf) Path() string { return l.path }

// String returns the identity path.
func (l *leaf) String() string { return l.path }

// Parent returns the containing repository.
func (l *leaf) Parent() Repository {
	if l.parent == nil {
		return nil
	}
	return l.parent
}

// RelativePath returns the path measured from the root repository.
func (l *leaf) RelativePath() string {
	if l.parent == nil {
		return l.name
	}
	return l.parent.RelativePath() + l.name
}

// ModuleName returns the relative path without extension.
func (l *leaf) ModuleName() string { return stripExtension(l.RelativePath()) }

// BaseName returns the name without extension.
func (l *leaf) BaseName() string { return stripExtension(l.name) }

// Extension returns the extension of the resource name.
func (l *leaf) Extension() string { return extension(l.name) }

func readAll(open func() (io.ReadCloser, error)) ([]byte, error) {
	rc, err := open()
	if err != nil {
		return nil, err
	}
	defer rc.Close() //nolint:errcheck // read-only handle
	return io.ReadAll(rc)
}
