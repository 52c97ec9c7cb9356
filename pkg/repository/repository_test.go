// SPDX-License-Identifier: MPL-2.0

package repository

import (
	"errors"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/google/go-cmp/cmp"

	"github.com/invowk/modhost/internal/testutil"
)

func TestNormalizePath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"a/b/c", "a/b/c"},
		{"./a/./b", "a/b"},
		{"a/b/../c", "a/c"},
		{"a/../../c", "../c"},
		{"../../x", "../../x"},
		{"lib/", "lib/"},
		{"lib/../", ""},
		{`a\b`, "a/b"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizePath(tt.in); got != tt.want {
			t.Errorf("NormalizePath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func newRootRepository(t *testing.T, files map[string]string) (*FileRepository, string) {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		testutil.MustWriteFile(t, filepath.Join(dir, filepath.FromSlash(name)), content)
	}
	repo, err := NewFileRepository(dir)
	if err != nil {
		t.Fatalf("NewFileRepository() error = %v", err)
	}
	repo.SetRoot()
	return repo, dir
}

func TestFileRepository_Resource(t *testing.T) {
	t.Parallel()

	repo, dir := newRootRepository(t, map[string]string{
		"main.js":   "export a 1",
		"lib/x.js":  "export x 1",
		"lib/y.txt": "plain",
	})

	res, err := repo.Resource("lib/x.js")
	if err != nil {
		t.Fatalf("Resource() error = %v", err)
	}
	if !res.Exists() {
		t.Fatal("lib/x.js should exist")
	}
	if got, want := res.Path(), filepath.ToSlash(filepath.Join(dir, "lib", "x.js")); got != want {
		t.Errorf("Path() = %q, want %q", got, want)
	}
	if got := res.RelativePath(); got != "lib/x.js" {
		t.Errorf("RelativePath() = %q, want %q", got, "lib/x.js")
	}
	if got := res.ModuleName(); got != "lib/x" {
		t.Errorf("ModuleName() = %q, want %q", got, "lib/x")
	}
	if got := res.BaseName(); got != "x" {
		t.Errorf("BaseName() = %q, want %q", got, "x")
	}
	if got := res.Extension(); got != ".js" {
		t.Errorf("Extension() = %q, want %q", got, ".js")
	}
	if got := res.Parent().RelativePath(); got != "lib/" {
		t.Errorf("Parent().RelativePath() = %q, want %q", got, "lib/")
	}
	content, err := res.Content()
	if err != nil {
		t.Fatalf("Content() error = %v", err)
	}
	if string(content) != "export x 1" {
		t.Errorf("Content() = %q", content)
	}

	again, err := repo.Resource("./lib/../lib/x.js")
	if err != nil {
		t.Fatalf("Resource() error = %v", err)
	}
	if again != res {
		t.Error("equivalent paths should return the cached resource")
	}
}

func TestFileRepository_Missing(t *testing.T) {
	t.Parallel()

	repo, _ := newRootRepository(t, map[string]string{"main.js": ""})

	res, err := repo.Resource("nope/missing.js")
	if err != nil {
		t.Fatalf("Resource() error = %v", err)
	}
	if res.Exists() {
		t.Error("missing resource should not exist")
	}
	if res.Checksum() != 0 {
		t.Errorf("Checksum() = %d, want 0", res.Checksum())
	}
	if !res.LastModified().IsZero() {
		t.Error("LastModified() should be zero for missing resources")
	}
	if _, err := res.Content(); !errors.Is(err, ErrNotExist) {
		t.Errorf("Content() error = %v, want ErrNotExist", err)
	}

	sub, err := repo.ChildRepository("nope")
	if err != nil {
		t.Fatalf("ChildRepository() error = %v", err)
	}
	if sub.Exists() {
		t.Error("missing repository should not exist")
	}
	list, err := sub.Resources("", true)
	if err != nil {
		t.Fatalf("Resources() error = %v", err)
	}
	if len(list) != 0 {
		t.Errorf("Resources() = %v, want empty", list)
	}
}

func TestFileRepository_EscapesRoot(t *testing.T) {
	t.Parallel()

	repo, dir := newRootRepository(t, map[string]string{"lib/x.js": "", "y.js": ""})

	if _, err := repo.Resource("../outside.js"); !errors.Is(err, ErrEscapesRoot) {
		t.Errorf("Resource(../outside.js) error = %v, want ErrEscapesRoot", err)
	}
	if _, err := repo.ChildRepository("lib/../.."); !errors.Is(err, ErrEscapesRoot) {
		t.Errorf("ChildRepository(lib/../..) error = %v, want ErrEscapesRoot", err)
	}
	if repo.Parent() != nil {
		t.Error("root repository should have no parent")
	}

	lib, err := repo.ChildRepository("lib")
	if err != nil {
		t.Fatalf("ChildRepository() error = %v", err)
	}
	res, err := lib.Resource("../y.js")
	if err != nil {
		t.Fatalf("Resource(../y.js) error = %v", err)
	}
	if !res.Exists() {
		t.Error("../y.js from lib should exist")
	}

	// Unmarked repositories reach their parents lazily.
	free, err := NewFileRepository(filepath.Join(dir, "lib"))
	if err != nil {
		t.Fatalf("NewFileRepository() error = %v", err)
	}
	res, err = free.Resource("../y.js")
	if err != nil {
		t.Fatalf("Resource(../y.js) error = %v", err)
	}
	if !res.Exists() {
		t.Error("../y.js from an unmarked repository should exist")
	}
}

func TestFileRepository_ChecksumChanges(t *testing.T) {
	t.Parallel()

	repo, dir := newRootRepository(t, map[string]string{"m.js": "export a 1"})
	res, err := repo.Resource("m.js")
	if err != nil {
		t.Fatalf("Resource() error = %v", err)
	}

	before := res.Checksum()
	if before == 0 {
		t.Fatal("existing resource should have a non-zero checksum")
	}
	if res.Checksum() != before {
		t.Error("checksum should be stable while the file is unchanged")
	}

	testutil.MustRewriteFile(t, filepath.Join(dir, "m.js"), "export a 2")
	if res.Checksum() == before {
		t.Error("checksum should change after an edit")
	}
}

func TestFileRepository_Listing(t *testing.T) {
	t.Parallel()

	repo, _ := newRootRepository(t, map[string]string{
		"b.js":         "",
		"a.js":         "",
		"lib/c.js":     "",
		"lib/sub/d.js": "",
		"other/e.js":   "",
	})

	names := func(list []Resource) []string {
		out := make([]string, 0, len(list))
		for _, r := range list {
			out = append(out, r.RelativePath())
		}
		return out
	}

	flat, err := repo.Resources("", false)
	if err != nil {
		t.Fatalf("Resources() error = %v", err)
	}
	if diff := cmp.Diff([]string{"a.js", "b.js"}, names(flat)); diff != "" {
		t.Errorf("Resources(flat) mismatch (-want +got):\n%s", diff)
	}

	deep, err := repo.Resources("lib", true)
	if err != nil {
		t.Fatalf("Resources() error = %v", err)
	}
	if diff := cmp.Diff([]string{"lib/c.js", "lib/sub/d.js"}, names(deep)); diff != "" {
		t.Errorf("Resources(recursive) mismatch (-want +got):\n%s", diff)
	}

	children, err := repo.ChildRepositories()
	if err != nil {
		t.Fatalf("ChildRepositories() error = %v", err)
	}
	var got []string
	for _, c := range children {
		got = append(got, c.RelativePath())
	}
	if diff := cmp.Diff([]string{"lib/", "other/"}, got); diff != "" {
		t.Errorf("ChildRepositories() mismatch (-want +got):\n%s", diff)
	}
}

func TestFileRepository_ChildCacheEviction(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	testutil.MustWriteFile(t, filepath.Join(dir, "a.js"), "")
	testutil.MustWriteFile(t, filepath.Join(dir, "b.js"), "")
	repo, err := NewFileRepository(dir, WithChildCacheSize(1))
	if err != nil {
		t.Fatalf("NewFileRepository() error = %v", err)
	}

	first, _ := repo.Resource("a.js")
	if _, err := repo.Resource("b.js"); err != nil {
		t.Fatalf("Resource() error = %v", err)
	}
	if repo.Evictions() == 0 {
		t.Error("expected an eviction with a cache of one")
	}

	again, _ := repo.Resource("a.js")
	if again == first {
		t.Error("evicted resource should be recreated")
	}
	if again.Path() != first.Path() || !again.Exists() {
		t.Error("recreated resource should have the same identity")
	}
}

func TestZipRepository(t *testing.T) {
	t.Parallel()

	archive := filepath.Join(t.TempDir(), "mods.zip")
	testutil.MustWriteZip(t, archive, map[string]string{
		"b.js":         "export b 1",
		"lib/a.js":     "export a 1",
		"lib/sub/c.js": "export c 1",
		"empty/":       "",
	})

	repo, err := NewZipRepository(archive)
	if err != nil {
		t.Fatalf("NewZipRepository() error = %v", err)
	}
	if !repo.Exists() || !repo.IsRoot() {
		t.Fatal("archive root should exist and be a root")
	}

	res, err := repo.Resource("lib/a.js")
	if err != nil {
		t.Fatalf("Resource() error = %v", err)
	}
	if !res.Exists() {
		t.Fatal("lib/a.js should exist")
	}
	if got, want := res.Path(), filepath.ToSlash(archive)+"!/lib/a.js"; got != want {
		t.Errorf("Path() = %q, want %q", got, want)
	}
	if got := res.RelativePath(); got != "lib/a.js" {
		t.Errorf("RelativePath() = %q, want %q", got, "lib/a.js")
	}
	content, err := res.Content()
	if err != nil {
		t.Fatalf("Content() error = %v", err)
	}
	if string(content) != "export a 1" {
		t.Errorf("Content() = %q", content)
	}
	if res.Length() != int64(len("export a 1")) {
		t.Errorf("Length() = %d", res.Length())
	}

	missing, _ := repo.Resource("lib/zzz.js")
	if missing.Exists() {
		t.Error("missing entry should not exist")
	}
	if _, err := repo.Resource("../x.js"); !errors.Is(err, ErrEscapesRoot) {
		t.Errorf("Resource(../x.js) error = %v, want ErrEscapesRoot", err)
	}

	empty, _ := repo.ChildRepository("empty")
	if !empty.Exists() {
		t.Error("explicit directory entry should exist")
	}

	all, err := repo.Resources("", true)
	if err != nil {
		t.Fatalf("Resources() error = %v", err)
	}
	var rel []string
	for _, r := range all {
		rel = append(rel, r.RelativePath())
	}
	if diff := cmp.Diff([]string{"b.js", "lib/a.js", "lib/sub/c.js"}, rel); diff != "" {
		t.Errorf("Resources() mismatch (-want +got):\n%s", diff)
	}

	before := res.Checksum()
	testutil.MustWriteZip(t, archive, map[string]string{"lib/a.js": "export a 22"})
	testutil.MustTouch(t, archive, 0)
	if res.Checksum() == before {
		t.Error("entry checksum should change when the archive is rewritten")
	}
	if gone, _ := repo.Resource("b.js"); gone.Exists() {
		t.Error("removed entry should no longer exist after reload")
	}
}

func TestZipRepository_MissingArchive(t *testing.T) {
	t.Parallel()

	repo, err := NewZipRepository(filepath.Join(t.TempDir(), "none.zip"))
	if err != nil {
		t.Fatalf("NewZipRepository() error = %v", err)
	}
	if repo.Exists() {
		t.Error("missing archive should not exist")
	}
	res, _ := repo.Resource("a.js")
	if res.Exists() || res.Checksum() != 0 {
		t.Error("entries of a missing archive should not exist")
	}
}

func TestFSRepository(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"lib/a.js": {Data: []byte("export a 1")},
		"main.js":  {Data: []byte("require ./lib/a")},
	}
	repo := NewFSRepository("app", fsys)

	res, err := repo.Resource("lib/a.js")
	if err != nil {
		t.Fatalf("Resource() error = %v", err)
	}
	if !res.Exists() {
		t.Fatal("lib/a.js should exist")
	}
	if got := res.Path(); got != "app:/lib/a.js" {
		t.Errorf("Path() = %q, want %q", got, "app:/lib/a.js")
	}
	if got := res.RelativePath(); got != "lib/a.js" {
		t.Errorf("RelativePath() = %q", got)
	}

	before := res.Checksum()
	fsys["lib/a.js"] = &fstest.MapFile{Data: []byte("export a 2")}
	if res.Checksum() == before {
		t.Error("content checksum should change with the content")
	}

	if _, err := repo.Resource("../x.js"); !errors.Is(err, ErrEscapesRoot) {
		t.Errorf("Resource(../x.js) error = %v, want ErrEscapesRoot", err)
	}
	children, err := repo.ChildRepositories()
	if err != nil {
		t.Fatalf("ChildRepositories() error = %v", err)
	}
	if len(children) != 1 || children[0].Path() != "app:/lib/" {
		t.Errorf("ChildRepositories() = %v", children)
	}
}

func TestStringResource(t *testing.T) {
	t.Parallel()

	a := NewStringResource("<eval>", "export a 1")
	b := NewStringResource("<eval>", "export a 2")
	if !a.Exists() {
		t.Error("string resources always exist")
	}
	if a.Parent() != nil {
		t.Error("string resources have no parent")
	}
	if a.Checksum() == b.Checksum() {
		t.Error("different content should produce different checksums")
	}
	content, err := a.Content()
	if err != nil || string(content) != "export a 1" {
		t.Errorf("Content() = %q, %v", content, err)
	}

	m := Missing("nowhere/x.js")
	if m.Exists() || m.Name() != "x.js" {
		t.Errorf("Missing() = exists %v name %q", m.Exists(), m.Name())
	}
}

func TestRoot(t *testing.T) {
	t.Parallel()

	repo, _ := newRootRepository(t, map[string]string{"a/b/c.js": ""})
	deep, err := repo.ChildRepository("a/b")
	if err != nil {
		t.Fatalf("ChildRepository() error = %v", err)
	}
	if Root(deep) != Repository(repo) {
		t.Error("Root() should return the marked root")
	}
	if deep.RelativePath() != "a/b/" {
		t.Errorf("RelativePath() = %q, want %q", deep.RelativePath(), "a/b/")
	}
}
