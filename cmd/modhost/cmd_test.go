// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/invowk/modhost/internal/config"
	"github.com/invowk/modhost/internal/issue"
	"github.com/invowk/modhost/internal/testutil"
	"github.com/invowk/modhost/pkg/engine"
	"github.com/invowk/modhost/pkg/script"
)

type (
	// syncBuffer is a bytes.Buffer safe for concurrent writers and readers.
	syncBuffer struct {
		mu  sync.Mutex
		buf bytes.Buffer
	}

	cliResult struct {
		stdout string
		stderr string
		err    error
	}
)

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// writeTree writes files below a fresh temporary directory and returns it.
func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		testutil.MustWriteFile(t, filepath.Join(dir, filepath.FromSlash(name)), content)
	}
	return dir
}

func newTestApp(dir string, stdout, stderr *syncBuffer) *App {
	return NewApp(Dependencies{
		Config: config.NewStaticProvider(nil, nil),
		Getwd:  func() (string, error) { return dir, nil },
		Stdout: stdout,
		Stderr: stderr,
	})
}

// run executes the CLI in dir with stdin and args.
func run(t *testing.T, dir, stdin string, args ...string) cliResult {
	t.Helper()
	var stdout, stderr syncBuffer
	root := NewRootCommand(newTestApp(dir, &stdout, &stderr))
	root.SetArgs(args)
	root.SetIn(strings.NewReader(stdin))
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	err := root.ExecuteContext(context.Background())
	return cliResult{stdout: stdout.String(), stderr: stderr.String(), err: err}
}

func assertContains(t *testing.T, out string, want ...string) {
	t.Helper()
	for _, w := range want {
		if !strings.Contains(out, w) {
			t.Errorf("output missing %q:\n%s", w, out)
		}
	}
}

func TestResolveCommand(t *testing.T) {
	t.Parallel()

	dir := writeTree(t, map[string]string{"lib/math.js": "exports.add = (a, b) => a + b;"})

	res := run(t, dir, "", "resolve", "lib/math")
	if res.err != nil {
		t.Fatalf("resolve error = %v", res.err)
	}
	assertContains(t, res.stdout, "lib/math.js")

	res = run(t, dir, "", "resolve", "lib/math", "nowhere")
	var exitErr *ExitError
	if !errors.As(res.err, &exitErr) || exitErr.Code != 1 {
		t.Fatalf("resolve error = %v, want an ExitError", res.err)
	}
	if !errors.Is(res.err, engine.ErrModuleNotFound) {
		t.Errorf("resolve error = %v, want ErrModuleNotFound", res.err)
	}
	assertContains(t, res.stdout, "nowhere")
}

func TestLoadCommand(t *testing.T) {
	t.Parallel()

	dir := writeTree(t, map[string]string{
		"lib/math.js": "exports.add = function (a, b) { return a + b; };",
		"main.js":     "module.exports = { sum: require('./lib/math').add(2, 3), fn: function () {} };",
	})

	res := run(t, dir, "", "load", "main")
	if res.err != nil {
		t.Fatalf("load error = %v", res.err)
	}
	assertContains(t, res.stdout, `"sum": 5`, `"fn": "[function]"`)

	res = run(t, dir, "", "load", "missing")
	if !errors.Is(res.err, engine.ErrModuleNotFound) {
		t.Errorf("load error = %v, want ErrModuleNotFound", res.err)
	}
}

func TestLoadCommand_VerboseIssuePage(t *testing.T) {
	t.Setenv("NO_COLOR", "1")

	dir := writeTree(t, map[string]string{"main.js": "exports.x = 1;"})
	res := run(t, dir, "", "--verbose", "load", "missing")
	if !errors.Is(res.err, engine.ErrModuleNotFound) {
		t.Fatalf("load error = %v, want ErrModuleNotFound", res.err)
	}
	assertContains(t, res.stderr, "Module not found")
}

func TestCallCommand(t *testing.T) {
	t.Parallel()

	dir := writeTree(t, map[string]string{
		"greet.js": "exports.hello = function (name) { return 'hello ' + name; };\n" +
			"exports.add = function (a, b) { return a + b; };\nexports.n = 1;",
	})

	res := run(t, dir, "", "call", "greet", "hello", "modhost")
	if res.err != nil {
		t.Fatalf("call error = %v", res.err)
	}
	assertContains(t, res.stdout, `"hello modhost"`)

	res = run(t, dir, "", "call", "greet", "add", "2", "3")
	if res.err != nil {
		t.Fatalf("call error = %v", res.err)
	}
	if got := strings.TrimSpace(res.stdout); got != "5" {
		t.Errorf("call add = %q, want 5", got)
	}

	res = run(t, dir, "", "call", "greet", "n")
	if !errors.Is(res.err, engine.ErrNoSuchFunction) {
		t.Errorf("call n error = %v, want ErrNoSuchFunction", res.err)
	}
}

func TestParseArgs(t *testing.T) {
	t.Parallel()

	got := parseArgs([]string{"1", "abc", `{"a":true}`, `"quoted"`, "[1,2]"})
	want := []any{float64(1), "abc", map[string]any{"a": true}, "quoted", []any{float64(1), float64(2)}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("parseArgs() mismatch (-want +got):\n%s", diff)
	}
}

func TestEvalCommand(t *testing.T) {
	t.Parallel()

	dir := writeTree(t, map[string]string{
		"lib/math.js": "exports.add = function (a, b) { return a + b; };",
		"script.js":   "exports.fromFile = true;",
	})

	res := run(t, dir, "", "eval", "exports.x = require('./lib/math').add(1, 1);")
	if res.err != nil {
		t.Fatalf("eval error = %v", res.err)
	}
	assertContains(t, res.stdout, `"x": 2`)

	res = run(t, dir, "exports.y = 'stdin';", "eval")
	if res.err != nil {
		t.Fatalf("eval stdin error = %v", res.err)
	}
	assertContains(t, res.stdout, `"y": "stdin"`)

	res = run(t, dir, "", "eval", "-f", filepath.Join(dir, "script.js"))
	if res.err != nil {
		t.Fatalf("eval --file error = %v", res.err)
	}
	assertContains(t, res.stdout, `"fromFile": true`)

	res = run(t, dir, "", "eval", "-f", filepath.Join(dir, "script.js"), "exports.z = 1;")
	if res.err == nil {
		t.Error("eval with --file and a source argument should fail")
	}

	res = run(t, dir, "", "eval", "throw new Error('boom');")
	if !errors.Is(res.err, engine.ErrExecution) {
		t.Errorf("eval error = %v, want ErrExecution", res.err)
	}
}

func TestLsCommand(t *testing.T) {
	t.Parallel()

	first := writeTree(t, map[string]string{
		"a.js":           "exports.a = 1;",
		"lib/b.js":       "exports.b = 1;",
		"lib/readme.txt": "not a module",
	})
	second := writeTree(t, map[string]string{"a.js": "exports.a = 2;"})

	res := run(t, first, "", "ls")
	if res.err != nil {
		t.Fatalf("ls error = %v", res.err)
	}
	assertContains(t, res.stdout, "a.js")
	if strings.Contains(res.stdout, "lib/b.js") {
		t.Errorf("ls without --recursive listed lib/b.js:\n%s", res.stdout)
	}

	res = run(t, first, "", "ls", "--recursive")
	if res.err != nil {
		t.Fatalf("ls -r error = %v", res.err)
	}
	assertContains(t, res.stdout, "lib/b.js")
	if strings.Contains(res.stdout, "readme.txt") {
		t.Errorf("ls listed a resource without a loader:\n%s", res.stdout)
	}

	res = run(t, first, "", "-p", first, "-p", second, "ls")
	if res.err != nil {
		t.Fatalf("ls error = %v", res.err)
	}
	assertContains(t, res.stdout, "(shadowed)")
}

func TestStatCommand(t *testing.T) {
	t.Parallel()

	dir := writeTree(t, map[string]string{
		"good.js": "exports.ok = true;",
		"bad.js":  "var x = ;",
	})

	res := run(t, dir, "", "stat", "good")
	if res.err != nil {
		t.Fatalf("stat error = %v", res.err)
	}
	assertContains(t, res.stdout, "Compilation cache", "compiles")
	if strings.Contains(res.stdout, "Diagnostics") {
		t.Errorf("stat reported diagnostics for a good module:\n%s", res.stdout)
	}

	res = run(t, dir, "", "stat", "good", "bad")
	var ce *script.CompileError
	if !errors.As(res.err, &ce) {
		t.Fatalf("stat error = %v, want a CompileError", res.err)
	}
	assertContains(t, res.stdout, "Diagnostics", "bad.js")
}

func TestSearchPathErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	res := run(t, dir, "", "-p", filepath.Join(dir, "missing"), "load", "x")
	if !errors.Is(res.err, config.ErrInvalidSearchPath) {
		t.Errorf("load error = %v, want ErrInvalidSearchPath", res.err)
	}
	if page := issue.ForError(res.err); page == nil || page.Id() != issue.SearchPathInvalidId {
		t.Errorf("ForError() = %v, want the search path page", page)
	}
}

func TestConfigLoadError(t *testing.T) {
	t.Parallel()

	var stdout, stderr syncBuffer
	wantErr := errors.New("broken config")
	app := NewApp(Dependencies{
		Config: config.NewStaticProvider(nil, wantErr),
		Stdout: &stdout,
		Stderr: &stderr,
	})
	root := NewRootCommand(app)
	root.SetArgs([]string{"load", "x"})
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	if err := root.Execute(); !errors.Is(err, wantErr) {
		t.Errorf("load error = %v, want %v", err, wantErr)
	}
}

func TestWatchCommand(t *testing.T) {
	t.Parallel()

	dir := writeTree(t, map[string]string{"app.js": "exports.v = 1;"})

	var stdout, stderr syncBuffer
	root := NewRootCommand(newTestApp(dir, &stdout, &stderr))
	root.SetArgs([]string{"watch", "app", "--debounce", "50ms", "--pattern", "**/*.js"})
	root.SetOut(&stdout)
	root.SetErr(&stderr)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- root.ExecuteContext(ctx) }()

	waitFor := func(want string) {
		t.Helper()
		deadline := time.Now().Add(5 * time.Second)
		for !strings.Contains(stdout.String(), want) {
			if time.Now().After(deadline) {
				cancel()
				t.Fatalf("timed out waiting for %q:\n%s\nstderr:\n%s", want, stdout.String(), stderr.String())
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	waitFor("Watching")
	assertContains(t, stdout.String(), `"v": 1`)

	testutil.MustRewriteFile(t, filepath.Join(dir, "app.js"), "exports.v = 2;")
	waitFor(`"v": 2`)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("watch error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop after cancellation")
	}
}

func TestPlain(t *testing.T) {
	t.Parallel()

	got := plain(map[string]any{
		"n":    int64(1),
		"fn":   func() {},
		"list": []any{"a", func() {}},
		"nil":  nil,
	})
	want := map[string]any{
		"n":    int64(1),
		"fn":   "[function]",
		"list": []any{"a", "[function]"},
		"nil":  nil,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("plain() mismatch (-want +got):\n%s", diff)
	}
}
