// SPDX-License-Identifier: MPL-2.0

package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/semaphore"

	"github.com/invowk/modhost/pkg/compilecache"
	"github.com/invowk/modhost/pkg/repository"
	"github.com/invowk/modhost/pkg/script"
)

// Worker states.
const (
	// WorkerIdle means no call is running on the worker.
	WorkerIdle WorkerState = iota
	// WorkerRunning means a call holds the worker.
	WorkerRunning
	// WorkerStopped means the worker was shut down.
	WorkerStopped
)

// Reload overrides.
const (
	reloadInherit int32 = iota
	reloadOn
	reloadOff
)

type (
	// WorkerState is the lifecycle state of a worker.
	WorkerState int32

	// Worker is a single-threaded execution context with its own module
	// scopes. At most one call runs on a worker at any time; concurrent
	// callers queue on the worker lock. Workers are obtained from
	// Engine.Worker and handed back with Release or ReleaseWhenDone.
	Worker struct {
		id     uint64
		engine *Engine
		logger *log.Logger
		lock   *semaphore.Weighted
		state  atomic.Int32
		reload atomic.Int32
		pooled atomic.Bool
		sched  *scheduler

		// Guarded by lock.
		modules map[string]*ModuleScope
		local   map[any]any
		inv     *invocation
	}
)

// String returns a human-readable representation of the state.
func (s WorkerState) String() string {
	switch s {
	case WorkerIdle:
		return "idle"
	case WorkerRunning:
		return "running"
	case WorkerStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

func newWorker(e *Engine, id uint64) *Worker {
	logger := e.logger.With("worker", id)
	return &Worker{
		id:      id,
		engine:  e,
		logger:  logger,
		lock:    semaphore.NewWeighted(1),
		sched:   newScheduler(e.opts.Clock, e.opts.IdleTimeout, &e.async, logger),
		modules: make(map[string]*ModuleScope),
		local:   make(map[any]any),
	}
}

// ID returns the worker's engine-unique id.
func (w *Worker) ID() uint64 { return w.id }

// State returns the current lifecycle state.
func (w *Worker) State() WorkerState { return WorkerState(w.state.Load()) }

// Active reports whether a call is running on the worker.
func (w *Worker) Active() bool { return w.State() == WorkerRunning }

// Reload reports whether this worker re-validates checksums on access.
func (w *Worker) Reload() bool {
	switch w.reload.Load() {
	case reloadOn:
		return true
	case reloadOff:
		return false
	default:
		return w.engine.Reload()
	}
}

// SetReload overrides the engine's reload setting for this worker.
func (w *Worker) SetReload(on bool) {
	if on {
		w.reload.Store(reloadOn)
	} else {
		w.reload.Store(reloadOff)
	}
}

// ResetReload makes the worker follow the engine's reload setting again.
func (w *Worker) ResetReload() { w.reload.Store(reloadInherit) }

// acquire takes the worker lock and starts a new invocation.
func (w *Worker) acquire(ctx context.Context) error {
	if w.engine.closed.Load() {
		return ErrEngineClosed
	}
	if err := w.lock.Acquire(ctx, 1); err != nil {
		return err
	}
	w.inv = newInvocation()
	w.state.CompareAndSwap(int32(WorkerIdle), int32(WorkerRunning))
	return nil
}

func (w *Worker) release() {
	w.inv = nil
	w.state.CompareAndSwap(int32(WorkerRunning), int32(WorkerIdle))
	w.lock.Release(1)
}

// Load resolves id against the search path, executing the module and its
// dependencies as needed, and returns the module's scope.
func (w *Worker) Load(ctx context.Context, id string) (*ModuleScope, error) {
	if err := w.acquire(ctx); err != nil {
		return nil, err
	}
	defer w.release()
	return w.load(ctx, id, nil)
}

// LoadResource loads an already resolved resource.
func (w *Worker) LoadResource(ctx context.Context, res repository.Resource) (*ModuleScope, error) {
	if err := w.acquire(ctx); err != nil {
		return nil, err
	}
	defer w.release()
	if !res.Exists() {
		return nil, &ModuleNotFoundError{ID: res.Path()}
	}
	return w.loadResource(ctx, res)
}

// Require loads id and returns the module's exports.
func (w *Worker) Require(ctx context.Context, id string) (any, error) {
	scope, err := w.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return scope.exports, nil
}

// Eval compiles and runs source as an anonymous module named name. The
// result is the module's exports. Eval units are not cached.
func (w *Worker) Eval(ctx context.Context, name, source string) (any, error) {
	if err := w.acquire(ctx); err != nil {
		return nil, err
	}
	defer w.release()

	res := repository.NewStringResource(name, source)
	unit, err := w.engine.cache.Compile(ctx, res, w.engine.compile)
	if err != nil {
		w.engine.recordFailure(res.Path(), err)
		return nil, err
	}
	scope := &ModuleScope{res: res, unit: unit, exports: map[string]any{}}
	if err := w.run(ctx, scope); err != nil {
		err = executionError(res.Path(), err)
		w.engine.recordFailure(res.Path(), err)
		return nil, err
	}
	return scope.exports, nil
}

// Invoke calls a function on the worker. module is a module id (string), a
// *ModuleScope, or nil when fn is itself a function value. fn is the name of
// an exported function or a function value.
func (w *Worker) Invoke(ctx context.Context, module, fn any, args ...any) (any, error) {
	if err := w.acquire(ctx); err != nil {
		return nil, err
	}
	defer w.release()

	var scope *ModuleScope
	switch m := module.(type) {
	case nil:
	case string:
		s, err := w.load(ctx, m, nil)
		if err != nil {
			return nil, err
		}
		scope = s
	case *ModuleScope:
		scope = m
	default:
		return nil, fmt.Errorf("invoke: unsupported module target %T", module)
	}

	f, err := w.function(scope, fn)
	if err != nil {
		return nil, err
	}
	return f(ctx, args...)
}

func (w *Worker) function(scope *ModuleScope, fn any) (script.Function, error) {
	name, isName := fn.(string)
	if !isName {
		if f, ok := script.AsFunction(fn); ok {
			return f, nil
		}
		return nil, &NoSuchFunctionError{Function: fmt.Sprintf("%T", fn)}
	}
	if scope == nil {
		return nil, &NoSuchFunctionError{Function: name}
	}
	f, ok := script.Lookup(scope.exports, name)
	if !ok {
		return nil, &NoSuchFunctionError{Module: scope.Path(), Function: name}
	}
	return f, nil
}

// Submit runs Invoke(module, fn, args...) asynchronously on the worker's
// scheduler.
func (w *Worker) Submit(module, fn any, args ...any) *Future {
	return w.Schedule(0, module, fn, args...)
}

// Schedule runs Invoke(module, fn, args...) on the worker's scheduler after
// delay.
func (w *Worker) Schedule(delay time.Duration, module, fn any, args ...any) *Future {
	if w.engine.closed.Load() {
		return failedFuture(ErrEngineClosed)
	}
	return w.sched.enqueue(delay, 0, func(ctx context.Context) (any, error) {
		return w.Invoke(ctx, module, fn, args...)
	})
}

// ScheduleInterval runs Invoke(module, fn, args...) every interval, measured
// from the end of the previous run, until the future is cancelled, a run
// fails, or the worker shuts down.
func (w *Worker) ScheduleInterval(interval time.Duration, module, fn any, args ...any) *Future {
	if w.engine.closed.Load() {
		return failedFuture(ErrEngineClosed)
	}
	if interval <= 0 {
		interval = time.Millisecond
	}
	return w.sched.enqueue(interval, interval, func(ctx context.Context) (any, error) {
		return w.Invoke(ctx, module, fn, args...)
	})
}

// Shutdown discards all queued tasks and stops the scheduler. A running task
// is not interrupted. The worker's module scopes are kept.
func (w *Worker) Shutdown() {
	w.sched.shutdown()
	w.logger.Debug("worker shut down")
}

// Release returns the worker to the engine's pool. It must not be running a
// call; use ReleaseWhenDone from inside a call or with pending tasks.
func (w *Worker) Release() {
	if w.engine.closed.Load() {
		w.Shutdown()
		return
	}
	w.engine.pool.put(w)
}

// ReleaseWhenDone releases the worker once its current call and all tasks
// queued so far have finished. When the worker is idle with nothing queued
// it is released immediately.
func (w *Worker) ReleaseWhenDone() {
	if !w.Active() && !w.sched.pending() {
		w.Release()
		return
	}
	w.sched.enqueue(0, 0, func(ctx context.Context) (any, error) {
		if err := w.lock.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		w.lock.Release(1)
		w.Release()
		return nil, nil
	})
}

// load resolves id from caller and loads the result. It must run inside an
// invocation.
func (w *Worker) load(ctx context.Context, id string, caller *ModuleScope) (*ModuleScope, error) {
	res, err := w.engine.resolveFrom(id, caller)
	if err != nil {
		return nil, err
	}
	return w.loadResource(ctx, res)
}

func (w *Worker) loadResource(ctx context.Context, res repository.Resource) (*ModuleScope, error) {
	inv := w.inv
	key := res.Path()
	if scope, ok := inv.visited[key]; ok {
		inv.addDependency(scope.unit)
		return scope, nil
	}

	reload := w.Reload()
	unit, err := w.engine.cache.Get(ctx, res, reload, w.engine.compile)
	if err != nil {
		w.engine.recordFailure(key, err)
		return nil, err
	}
	inv.addDependency(unit)

	if scope, ok := w.modules[key]; ok && (!reload || scope.checksum == unit.Checksum()) {
		inv.visited[key] = scope
		return scope, nil
	}
	return w.execute(ctx, res, unit)
}

// execute runs a module's top-level code in a fresh scope. The scope is
// registered before running so circular requires observe the partially
// populated exports.
func (w *Worker) execute(ctx context.Context, res repository.Resource, unit *compilecache.Unit) (*ModuleScope, error) {
	inv := w.inv
	key := res.Path()
	scope := &ModuleScope{res: res, unit: unit, exports: map[string]any{}}
	inv.visited[key] = scope
	w.modules[key] = scope

	inv.push(unit)
	err := w.run(ctx, scope)
	inv.pop()
	sum := unit.Seal()

	if err != nil {
		delete(inv.visited, key)
		delete(w.modules, key)
		err = executionError(key, err)
		// Failures of nested requires were recorded under their own path.
		var ee *ExecutionError
		if errors.As(err, &ee) && ee.Module == key {
			w.engine.recordFailure(key, err)
		}
		return nil, err
	}
	scope.checksum = sum
	w.engine.recordSuccess(key)
	w.logger.Debug("module executed", "path", key)
	return scope, nil
}

func (w *Worker) run(ctx context.Context, scope *ModuleScope) error {
	if w.inv.main == nil {
		w.inv.main = scope
	}
	prog := scope.unit.Program()
	if prog == nil {
		return errors.New("module has no program")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return prog.Run(ctx, &moduleHandle{w: w, scope: scope})
}
