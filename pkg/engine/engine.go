// SPDX-License-Identifier: MPL-2.0

package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/invowk/modhost/pkg/compilecache"
	"github.com/invowk/modhost/pkg/repository"
	"github.com/invowk/modhost/pkg/resolve"
	"github.com/invowk/modhost/pkg/script"
)

// ErrNoCompiler is returned by New when Options.Compiler is nil.
var ErrNoCompiler = errors.New("engine requires a compiler")

type (
	// Engine is the host of the module system: it owns the search path,
	// the loader registry, the compilation cache and the worker pool.
	// All methods are safe for concurrent use.
	Engine struct {
		opts   Options
		logger *log.Logger
		cache  *compilecache.Cache
		pool   *pool
		async  asyncTracker

		// mu serializes writers of the search path and loader snapshots.
		mu         sync.Mutex
		searchPath atomic.Pointer[[]repository.Repository]
		loaders    atomic.Pointer[loaderSet]
		builtins   map[string]Loader

		reload    atomic.Bool
		workerSeq atomic.Uint64
		closed    atomic.Bool

		diagMu sync.Mutex
		diags  map[string][]script.Diagnostic
	}

	// Stats is a snapshot of engine counters.
	Stats struct {
		Cache       compilecache.Stats
		Outstanding int64
		Workers     uint64
		Pooled      int
	}
)

// New creates an engine.
func New(opts Options) (*Engine, error) {
	if opts.Compiler == nil {
		return nil, ErrNoCompiler
	}
	opts = opts.withDefaults()

	e := &Engine{
		opts:   opts,
		logger: opts.Logger,
		cache:  compilecache.New(compilecache.Options{MaxUnits: opts.MaxUnits, Logger: opts.Logger}),
		pool:   newPool(opts.MaxPooledWorkers),
		diags:  make(map[string][]script.Diagnostic),
	}

	builtins := builtinLoaders(opts.Compiler, opts.SourceExtension)
	e.builtins = make(map[string]Loader, len(builtins))
	for _, b := range builtins {
		e.builtins[b.ext] = b.loader
	}
	set := &loaderSet{entries: builtins}
	if len(opts.Extensions) > 0 {
		set = &loaderSet{}
		for _, ext := range opts.Extensions {
			l, ok := e.builtins[ext]
			if !ok {
				return nil, fmt.Errorf("%w %q", ErrNoLoader, ext)
			}
			set = set.with(ext, l)
		}
	}
	e.loaders.Store(set)

	path := slices.Clone(opts.SearchPath)
	e.searchPath.Store(&path)
	e.reload.Store(opts.Reload)
	return e, nil
}

// Reload reports whether checksums are re-validated on every access.
func (e *Engine) Reload() bool { return e.reload.Load() }

// SetReload toggles development mode for workers without an override.
func (e *Engine) SetReload(on bool) { e.reload.Store(on) }

// Cache returns the engine's compilation cache.
func (e *Engine) Cache() *compilecache.Cache { return e.cache }

// Logger returns the engine's logger.
func (e *Engine) Logger() *log.Logger { return e.logger }

// SearchPath returns a copy of the current search path.
func (e *Engine) SearchPath() []repository.Repository {
	return slices.Clone(*e.searchPath.Load())
}

// SetSearchPath replaces the search path. Resolutions in progress keep the
// snapshot they started with.
func (e *Engine) SetSearchPath(repos ...repository.Repository) {
	e.mu.Lock()
	defer e.mu.Unlock()
	path := slices.Clone(repos)
	e.searchPath.Store(&path)
}

// AppendSearchPath adds repositories at the end of the search path.
func (e *Engine) AppendSearchPath(repos ...repository.Repository) {
	e.mu.Lock()
	defer e.mu.Unlock()
	path := slices.Concat(*e.searchPath.Load(), repos)
	e.searchPath.Store(&path)
}

// SetSearchPathLength truncates the search path to n entries, or extends it
// with empty slots that resolution skips.
func (e *Engine) SetSearchPathLength(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cur := *e.searchPath.Load()
	path := make([]repository.Repository, max(n, 0))
	copy(path, cur)
	e.searchPath.Store(&path)
}

// RegisterLoader binds ext to l. Re-registering an extension keeps its
// position in resolution order; new extensions are tried last. Cached units
// with the extension are dropped.
func (e *Engine) RegisterLoader(ext string, l Loader) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loaders.Store(e.loaders.Load().with(ext, l))
	e.purge(ext)
	e.logger.Debug("loader registered", "extension", ext)
}

// UnregisterLoader removes the loader bound to ext. Built-in extensions fall
// back to their built-in loader.
func (e *Engine) UnregisterLoader(ext string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cur := e.loaders.Load()
	if b, ok := e.builtins[ext]; ok {
		if _, registered := cur.lookup(ext); registered {
			e.loaders.Store(cur.with(ext, b))
			e.purge(ext)
			return
		}
	}
	e.loaders.Store(cur.without(ext))
	e.purge(ext)
}

// purge drops cached units compiled by the previous loader of ext.
func (e *Engine) purge(ext string) {
	n := e.cache.Purge(func(u *compilecache.Unit) bool {
		return u.Resource().Extension() == ext
	})
	if n > 0 {
		e.logger.Debug("purged units", "extension", ext, "units", n)
	}
}

// Extensions returns the registered extensions in resolution order.
func (e *Engine) Extensions() []string {
	return e.loaders.Load().extensions()
}

func (e *Engine) resolver() resolve.Resolver {
	return resolve.Resolver{
		SearchPath: *e.searchPath.Load(),
		Extensions: e.loaders.Load().extensions(),
		LibDir:     e.opts.PackageLibDir,
	}
}

// Resolve maps a module id to a resource. caller is the repository of the
// requiring module, or nil for top-level lookups. A resource that does not
// exist is not an error; check Exists.
func (e *Engine) Resolve(id string, caller repository.Repository) (repository.Resource, error) {
	res, err := e.resolver().Resolve(id, caller)
	if err != nil {
		return nil, &ModuleNotFoundError{ID: id, Cause: err}
	}
	return res, nil
}

// resolveFrom resolves id for a loading module and requires the result to
// exist.
func (e *Engine) resolveFrom(id string, caller *ModuleScope) (repository.Resource, error) {
	var (
		repo       repository.Repository
		callerPath string
	)
	if caller != nil {
		repo = caller.res.Parent()
		callerPath = caller.res.Path()
	}
	res, err := e.resolver().Resolve(id, repo)
	if err != nil {
		return nil, &ModuleNotFoundError{ID: id, Caller: callerPath, Cause: err}
	}
	if !res.Exists() {
		return nil, &ModuleNotFoundError{ID: id, Caller: callerPath}
	}
	return res, nil
}

// compile is the cache's compile function: it dispatches on the resource
// extension. Resources without a registered extension go to the source
// loader.
func (e *Engine) compile(ctx context.Context, res repository.Resource) (script.Program, error) {
	set := e.loaders.Load()
	l, ok := set.lookup(res.Extension())
	if !ok {
		l, ok = set.lookup(e.opts.SourceExtension)
	}
	if !ok {
		return nil, &script.CompileError{
			Source: res.Path(),
			Cause:  fmt.Errorf("%w %q", ErrNoLoader, res.Extension()),
		}
	}
	return l.Load(ctx, res)
}

// Worker returns a pooled worker, or a new one when the pool is empty.
// Hand it back with Release or ReleaseWhenDone.
func (e *Engine) Worker() *Worker {
	if w := e.pool.get(); w != nil {
		return w
	}
	return e.NewWorker()
}

// NewWorker returns a fresh worker with no module scopes. After Close the
// worker is returned stopped: its calls fail with ErrEngineClosed and its
// scheduler never starts.
func (e *Engine) NewWorker() *Worker {
	id := e.workerSeq.Add(1)
	w := newWorker(e, id)
	if e.closed.Load() {
		w.state.Store(int32(WorkerStopped))
		return w
	}
	e.logger.Debug("worker created", "worker", id)
	return w
}

// Require loads id on a pooled worker and returns its exports. The worker
// goes back to the pool once its scheduled tasks have finished.
func (e *Engine) Require(ctx context.Context, id string) (any, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	w := e.Worker()
	defer w.ReleaseWhenDone()
	return w.Require(ctx, id)
}

// Invoke calls an exported function of module on a pooled worker.
func (e *Engine) Invoke(ctx context.Context, module string, fn string, args ...any) (any, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	w := e.Worker()
	defer w.ReleaseWhenDone()
	return w.Invoke(ctx, module, fn, args...)
}

// Eval runs source as an anonymous module on a pooled worker.
func (e *Engine) Eval(ctx context.Context, name, source string) (any, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	w := e.Worker()
	defer w.ReleaseWhenDone()
	return w.Eval(ctx, name, source)
}

// Preload resolves and compiles ids concurrently without executing them,
// warming the compilation cache. It returns the first failure.
func (e *Engine) Preload(ctx context.Context, ids ...string) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.PreloadParallelism)
	for _, id := range ids {
		g.Go(func() error {
			res, err := e.resolveFrom(id, nil)
			if err != nil {
				return err
			}
			if _, err := e.cache.Get(ctx, res, e.Reload(), e.compile); err != nil {
				e.recordFailure(res.Path(), err)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// WaitAsync blocks until no scheduled task is outstanding on any worker.
func (e *Engine) WaitAsync(ctx context.Context) error { return e.async.wait(ctx) }

// Outstanding returns the number of submitted or scheduled tasks that have
// not completed.
func (e *Engine) Outstanding() int64 { return e.async.count() }

// Diagnostics returns the diagnostics of the last failed compile or
// execution per identity path. A later success clears the entry.
func (e *Engine) Diagnostics() map[string][]script.Diagnostic {
	e.diagMu.Lock()
	defer e.diagMu.Unlock()
	return maps.Clone(e.diags)
}

func (e *Engine) recordFailure(path string, err error) {
	var (
		ee    *ExecutionError
		ce    *script.CompileError
		diags []script.Diagnostic
	)
	switch {
	case errors.As(err, &ee):
		diags = ee.Diagnostics
	case errors.As(err, &ce):
		diags = ce.Diagnostics
		if len(diags) == 0 {
			diags = []script.Diagnostic{{Message: ce.Error(), Source: ce.Source}}
		}
	default:
		return
	}
	e.diagMu.Lock()
	e.diags[path] = diags
	e.diagMu.Unlock()
	e.logger.Warn("module failed", "path", path, "err", err)
}

func (e *Engine) recordSuccess(path string) {
	e.diagMu.Lock()
	delete(e.diags, path)
	e.diagMu.Unlock()
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Cache:       e.cache.Stats(),
		Outstanding: e.async.count(),
		Workers:     e.workerSeq.Load(),
		Pooled:      e.pool.len(),
	}
}

// Close shuts down every pooled worker. Workers in use finish their current
// call and are shut down when released; new calls and scheduled tasks on any
// worker fail with ErrEngineClosed.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, w := range e.pool.drain() {
		w.Shutdown()
		w.state.Store(int32(WorkerStopped))
	}
	e.logger.Debug("engine closed")
	return nil
}
