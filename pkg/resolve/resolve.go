// SPDX-License-Identifier: MPL-2.0

// Package resolve maps CommonJS module identifiers to resources.
//
// Resolution order for an identifier:
//  1. absolute file system paths, with each loader extension and then as is
//  2. "./" and "../" identifiers, rewritten against the caller's relative
//     path and looked up through the search path (then the caller's root)
//  3. each search path repository in order, with each loader extension and
//     then as is
//  4. package metadata (package.json) found at the outermost package
//     boundary along the identifier
//  5. the identifier followed by "/index"
//
// Earlier repositories and earlier extensions always win. An identifier that
// matches nothing yields a resource whose Exists method reports false.
package resolve

import (
	"path"
	"path/filepath"
	"strings"

	"github.com/invowk/modhost/pkg/repository"
)

// Resolver resolves identifiers against an immutable snapshot of the search
// path and loader extensions. The zero value resolves nothing.
type Resolver struct {
	// SearchPath is consulted left to right. Nil entries are placeholders
	// and are skipped.
	SearchPath []repository.Repository
	// Extensions are tried in order before the identifier itself.
	Extensions []string
	// LibDir is the default library directory of packages.
	LibDir string
}

// IsRelative reports whether id is an explicit relative identifier.
func IsRelative(id string) bool {
	return strings.HasPrefix(id, "./") ||
		strings.HasPrefix(id, "../") ||
		strings.HasPrefix(id, ".\\") ||
		strings.HasPrefix(id, "..\\")
}

// Resolve returns the resource id refers to when required from a module in
// caller. Caller may be nil for top-level requests. Errors are only returned
// for I/O failures and malformed package metadata; identifiers that match
// nothing return a non-existent resource.
func (r Resolver) Resolve(id string, caller repository.Repository) (repository.Resource, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return repository.Missing(id), nil
	}
	if filepath.IsAbs(id) {
		return r.resolveAbsolute(id)
	}

	if IsRelative(id) && caller != nil {
		rel := repository.NormalizePath(caller.RelativePath() + id)
		if escapes(rel) {
			return repository.Missing(id), nil
		}
		res, err := r.resolveIn(r.SearchPath, rel)
		if err != nil || res.Exists() {
			return res, err
		}
		if root := repository.Root(caller); root != nil && !r.inSearchPath(root) {
			fallback, err := r.resolveIn([]repository.Repository{root}, rel)
			if err != nil || fallback.Exists() {
				return fallback, err
			}
		}
		return res, nil
	}

	norm := repository.NormalizePath(id)
	if escapes(norm) {
		return repository.Missing(id), nil
	}
	return r.resolveIn(r.SearchPath, norm)
}

func (r Resolver) resolveAbsolute(id string) (repository.Resource, error) {
	dir, file := filepath.Split(filepath.Clean(id))
	repo, err := repository.NewFileRepository(dir)
	if err != nil {
		return nil, err
	}
	if res := r.lookup(repo, file); res != nil {
		return res, nil
	}
	return repo.Resource(file)
}

func (r Resolver) resolveIn(repos []repository.Repository, id string) (repository.Resource, error) {
	if res := r.lookupAll(repos, id); res != nil {
		return res, nil
	}
	res, err := r.resolvePackage(repos, id)
	if err != nil || res != nil {
		return res, err
	}
	if res := r.lookupAll(repos, strings.TrimSuffix(id, "/")+"/index"); res != nil {
		return res, nil
	}
	return missing(repos, id), nil
}

// resolvePackage looks for package metadata along the segments of id. In
// each repository the outermost package boundary decides.
func (r Resolver) resolvePackage(repos []repository.Repository, id string) (repository.Resource, error) {
	segs := strings.Split(strings.Trim(id, "/"), "/")
	if len(segs) == 0 || segs[0] == "" {
		return nil, nil
	}
	for _, repo := range repos {
		if repo == nil {
			continue
		}
		for i := 1; i <= len(segs); i++ {
			dir := strings.Join(segs[:i], "/")
			meta, err := repo.Resource(dir + "/" + PackageFile)
			if err != nil {
				break
			}
			if !meta.Exists() {
				continue
			}
			pkg, err := ReadPackage(meta)
			if err != nil {
				return nil, err
			}
			if res := r.packageEntry(repo, dir, pkg, segs[i:]); res != nil {
				return res, nil
			}
			break
		}
	}
	return nil, nil
}

func (r Resolver) packageEntry(repo repository.Repository, dir string, pkg *Package, rest []string) repository.Resource {
	var target string
	if len(rest) == 0 {
		target = repository.NormalizePath(dir + "/" + pkg.EntryModule())
	} else {
		target = repository.NormalizePath(path.Join(dir, pkg.LibDir(r.LibDir), strings.Join(rest, "/")))
	}
	if escapes(target) {
		return nil
	}
	if res := r.lookup(repo, target); res != nil {
		return res
	}
	return r.lookup(repo, target+"/index")
}

func (r Resolver) lookupAll(repos []repository.Repository, id string) repository.Resource {
	for _, repo := range repos {
		if repo == nil {
			continue
		}
		if res := r.lookup(repo, id); res != nil {
			return res
		}
	}
	return nil
}

// lookup tries id with each extension and then as is.
func (r Resolver) lookup(repo repository.Repository, id string) repository.Resource {
	if id == "" || strings.HasSuffix(id, "/") {
		return nil
	}
	for _, ext := range r.Extensions {
		if res := existing(repo, id+ext); res != nil {
			return res
		}
	}
	return existing(repo, id)
}

func (r Resolver) inSearchPath(repo repository.Repository) bool {
	for _, sp := range r.SearchPath {
		if sp != nil && sp.Path() == repo.Path() {
			return true
		}
	}
	return false
}

func existing(repo repository.Repository, p string) repository.Resource {
	res, err := repo.Resource(p)
	if err != nil || !res.Exists() {
		return nil
	}
	return res
}

func missing(repos []repository.Repository, id string) repository.Resource {
	for _, repo := range repos {
		if repo == nil {
			continue
		}
		if res, err := repo.Resource(id); err == nil {
			return res
		}
	}
	return repository.Missing(id)
}

func escapes(p string) bool {
	return p == ".." || strings.HasPrefix(p, "../")
}
