// SPDX-License-Identifier: MPL-2.0

package compilecache

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/invowk/modhost/pkg/repository"
	"github.com/invowk/modhost/pkg/script"
)

// fakeResource is a resource whose checksum is set by the test.
type fakeResource struct {
	repository.Resource
	path string
	sum  atomic.Uint64
}

func newFakeResource(path string) *fakeResource {
	r := &fakeResource{path: path}
	r.sum.Store(1)
	return r
}

func (r *fakeResource) Path() string     { return r.path }
func (r *fakeResource) Exists() bool     { return true }
func (r *fakeResource) Checksum() uint64 { return r.sum.Load() }
func (r *fakeResource) edit()            { r.sum.Add(1) }

// counter is a CompileFunc that counts calls per path.
type counter struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
}

func newCounter() *counter {
	return &counter{calls: map[string]int{}, fail: map[string]error{}}
}

func (c *counter) compile(_ context.Context, res repository.Resource) (script.Program, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[res.Path()]++
	if err := c.fail[res.Path()]; err != nil {
		return nil, err
	}
	return script.Value(res.Path()), nil
}

func (c *counter) count(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[path]
}

func (c *counter) setFail(path string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail[path] = err
}

func TestGet_Idempotent(t *testing.T) {
	t.Parallel()

	cache := New(Options{})
	cc := newCounter()
	res := newFakeResource("a.js")
	ctx := context.Background()

	first, err := cache.Get(ctx, res, true, cc.compile)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	second, err := cache.Get(ctx, res, true, cc.compile)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if first != second || first.Program() == nil {
		t.Error("Get() should return the same compiled unit")
	}
	if n := cc.count("a.js"); n != 1 {
		t.Errorf("compile calls = %d, want 1", n)
	}
}

func TestGet_Invalidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		reload bool
		want   int
	}{
		{"reload enabled recompiles once", true, 2},
		{"reload disabled keeps first compile", false, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cache := New(Options{})
			cc := newCounter()
			res := newFakeResource("m.js")
			ctx := context.Background()

			if _, err := cache.Get(ctx, res, tt.reload, cc.compile); err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			res.edit()
			for range 3 {
				if _, err := cache.Get(ctx, res, tt.reload, cc.compile); err != nil {
					t.Fatalf("Get() error = %v", err)
				}
			}
			if n := cc.count("m.js"); n != tt.want {
				t.Errorf("compile calls = %d, want %d", n, tt.want)
			}
		})
	}
}

func TestGet_CompileErrorReplayed(t *testing.T) {
	t.Parallel()

	cache := New(Options{})
	cc := newCounter()
	res := newFakeResource("broken.js")
	ctx := context.Background()
	cc.setFail("broken.js", &script.CompileError{
		Source:      "broken.js",
		Diagnostics: []script.Diagnostic{{Message: "unexpected token", Source: "broken.js", Line: 2, Column: 5}},
	})

	var firstErr error
	for i := range 5 {
		u, err := cache.Get(ctx, res, true, cc.compile)
		if !errors.Is(err, script.ErrCompile) {
			t.Fatalf("Get() error = %v, want a compile error", err)
		}
		if i == 0 {
			firstErr = err
		} else if err != firstErr {
			t.Error("the cached compile error should be replayed verbatim")
		}
		if d := u.Diagnostics(); len(d) != 1 || d[0].Line != 2 {
			t.Errorf("Diagnostics() = %v", d)
		}
		if u.Program() != nil {
			t.Error("failed unit should have no program")
		}
	}
	if n := cc.count("broken.js"); n != 1 {
		t.Errorf("compile calls = %d, want 1", n)
	}

	cc.setFail("broken.js", nil)
	res.edit()
	u, err := cache.Get(ctx, res, true, cc.compile)
	if err != nil {
		t.Fatalf("Get() after fix error = %v", err)
	}
	if u.Err() != nil || len(u.Diagnostics()) != 0 {
		t.Error("a successful recompile should clear the compile error")
	}
	if n := cc.count("broken.js"); n != 2 {
		t.Errorf("compile calls = %d, want 2", n)
	}
	if s := cache.Stats(); s.Failures != 1 || s.Compiles != 2 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestGet_CompileErrorRecoversWithoutReload(t *testing.T) {
	t.Parallel()

	cache := New(Options{})
	cc := newCounter()
	res := newFakeResource("broken.js")
	ctx := context.Background()
	cc.setFail("broken.js", &script.CompileError{Source: "broken.js"})

	for range 3 {
		if _, err := cache.Get(ctx, res, false, cc.compile); !errors.Is(err, script.ErrCompile) {
			t.Fatalf("Get() error = %v, want a compile error", err)
		}
	}
	if n := cc.count("broken.js"); n != 1 {
		t.Fatalf("compile calls = %d, want 1 while the source is unchanged", n)
	}

	cc.setFail("broken.js", nil)
	res.edit()
	u, err := cache.Get(ctx, res, false, cc.compile)
	if err != nil {
		t.Fatalf("Get() after fix error = %v", err)
	}
	if u.Program() == nil {
		t.Error("fixed unit should have a program")
	}

	// Once compiled successfully, reload off trusts the unit again.
	res.edit()
	if _, err := cache.Get(ctx, res, false, cc.compile); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if n := cc.count("broken.js"); n != 2 {
		t.Errorf("compile calls = %d, want 2", n)
	}
}

func TestGet_IOErrorNotCached(t *testing.T) {
	t.Parallel()

	cache := New(Options{})
	cc := newCounter()
	res := newFakeResource("io.js")
	cc.setFail("io.js", io.ErrUnexpectedEOF)

	for range 3 {
		u, err := cache.Get(context.Background(), res, false, cc.compile)
		if !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Fatalf("Get() error = %v, want io.ErrUnexpectedEOF", err)
		}
		if u.Err() != nil {
			t.Error("I/O failures must not be cached on the unit")
		}
	}
	if n := cc.count("io.js"); n != 3 {
		t.Errorf("compile calls = %d, want 3", n)
	}
}

func TestGet_TransitiveInvalidation(t *testing.T) {
	t.Parallel()

	cache := New(Options{})
	cc := newCounter()
	x := newFakeResource("x.js")
	y := newFakeResource("y.js")
	ctx := context.Background()

	ux, err := cache.Get(ctx, x, true, cc.compile)
	if err != nil {
		t.Fatalf("Get(x) error = %v", err)
	}
	uy, err := cache.Get(ctx, y, true, cc.compile)
	if err != nil {
		t.Fatalf("Get(y) error = %v", err)
	}
	ux.AddDependency(uy)
	ux.Seal()

	if _, err := cache.Get(ctx, x, true, cc.compile); err != nil {
		t.Fatalf("Get(x) error = %v", err)
	}
	if n := cc.count("x.js"); n != 1 {
		t.Fatalf("unchanged x recompiled: %d compiles", n)
	}

	y.edit()
	if _, err := cache.Get(ctx, x, true, cc.compile); err != nil {
		t.Fatalf("Get(x) error = %v", err)
	}
	if n := cc.count("x.js"); n != 2 {
		t.Errorf("x compiles after editing y = %d, want 2", n)
	}
	if deps := ux.Dependencies(); len(deps) != 0 {
		t.Errorf("recompile should clear dependencies, got %d", len(deps))
	}
}

func TestEffectiveChecksum_Cycle(t *testing.T) {
	t.Parallel()

	cache := New(Options{})
	cc := newCounter()
	a := newFakeResource("a.js")
	b := newFakeResource("b.js")
	ctx := context.Background()

	ua, _ := cache.Get(ctx, a, true, cc.compile)
	ub, _ := cache.Get(ctx, b, true, cc.compile)
	ua.AddDependency(ub)
	ub.AddDependency(ua)
	ua.AddDependency(ua)

	before := ua.EffectiveChecksum()
	if ua.EffectiveChecksum() != before {
		t.Error("effective checksum should be deterministic")
	}
	b.edit()
	if ua.EffectiveChecksum() == before {
		t.Error("editing a dependency in a cycle should change the effective checksum")
	}
	if len(ua.Dependencies()) != 1 {
		t.Error("self dependencies should be ignored")
	}
}

func TestGet_SameResourceCompiledOnce(t *testing.T) {
	t.Parallel()

	cache := New(Options{})
	var calls atomic.Int32
	slow := func(_ context.Context, res repository.Resource) (script.Program, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return script.Value(res.Path()), nil
	}
	res := newFakeResource("shared.js")

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			if _, err := cache.Get(context.Background(), res, true, slow); err != nil {
				t.Errorf("Get() error = %v", err)
			}
		})
	}
	wg.Wait()
	if n := calls.Load(); n != 1 {
		t.Errorf("compile calls = %d, want 1", n)
	}
}

func TestGet_DifferentResourcesDoNotBlock(t *testing.T) {
	t.Parallel()

	cache := New(Options{})
	started := map[string]chan struct{}{"a.js": make(chan struct{}), "b.js": make(chan struct{})}
	other := map[string]string{"a.js": "b.js", "b.js": "a.js"}
	rendezvous := func(ctx context.Context, res repository.Resource) (script.Program, error) {
		close(started[res.Path()])
		select {
		case <-started[other[res.Path()]]:
			return script.Value(res.Path()), nil
		case <-time.After(5 * time.Second):
			return nil, errors.New("compiles of different resources were serialized")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var wg sync.WaitGroup
	for _, name := range []string{"a.js", "b.js"} {
		res := newFakeResource(name)
		wg.Go(func() {
			if _, err := cache.Get(context.Background(), res, false, rendezvous); err != nil {
				t.Errorf("Get(%s) error = %v", name, err)
			}
		})
	}
	wg.Wait()
}

func TestGet_EvictionRecompiles(t *testing.T) {
	t.Parallel()

	cache := New(Options{MaxUnits: 1})
	cc := newCounter()
	a := newFakeResource("a.js")
	b := newFakeResource("b.js")
	ctx := context.Background()

	for _, res := range []*fakeResource{a, b, a} {
		if _, err := cache.Get(ctx, res, false, cc.compile); err != nil {
			t.Fatalf("Get() error = %v", err)
		}
	}
	if n := cc.count("a.js"); n != 2 {
		t.Errorf("a compiles = %d, want 2 after eviction", n)
	}
	s := cache.Stats()
	if s.Units != 1 || s.Evictions != 2 {
		t.Errorf("Stats() = %+v, want 1 unit and 2 evictions", s)
	}
}

func TestCompile_Uncached(t *testing.T) {
	t.Parallel()

	cache := New(Options{})
	cc := newCounter()
	res := newFakeResource("<eval>")

	u, err := cache.Compile(context.Background(), res, cc.compile)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if u.Program() == nil {
		t.Error("Compile() should produce a program")
	}
	if _, ok := cache.Peek("<eval>"); ok {
		t.Error("Compile() must not cache the unit")
	}
	if s := cache.Stats(); s.Units != 0 || s.Compiles != 1 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestGet_CancelledContext(t *testing.T) {
	t.Parallel()

	cache := New(Options{})
	cc := newCounter()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := cache.Get(ctx, newFakeResource("c.js"), true, cc.compile); !errors.Is(err, context.Canceled) {
		t.Errorf("Get() error = %v, want context.Canceled", err)
	}
	if n := cc.count("c.js"); n != 0 {
		t.Errorf("compile calls = %d, want 0", n)
	}
}
