// SPDX-License-Identifier: MPL-2.0

package engine

import (
	"context"

	"github.com/invowk/modhost/pkg/compilecache"
	"github.com/invowk/modhost/pkg/repository"
	"github.com/invowk/modhost/pkg/script"
)

type (
	// ModuleScope is the live, executed instance of a module inside one
	// worker. Its exports are what require returns.
	ModuleScope struct {
		res      repository.Resource
		unit     *compilecache.Unit
		exports  any
		checksum uint64
	}

	// invocation is the state of one top-level worker call. It lives while
	// the worker lock is held.
	invocation struct {
		// visited maps identity paths to scopes loaded during this call.
		// A module is executed at most once per invocation, which is what
		// makes circular requires terminate.
		visited map[string]*ModuleScope
		// stack holds the units of modules currently executing. Each new
		// load is recorded as a dependency of the top entry.
		stack []*compilecache.Unit
		main  *ModuleScope
	}

	// moduleHandle is the script.Module handed to a running program.
	moduleHandle struct {
		w     *Worker
		scope *ModuleScope
	}
)

// Resource returns the module's resource.
func (s *ModuleScope) Resource() repository.Resource { return s.res }

// Path returns the module's identity path.
func (s *ModuleScope) Path() string { return s.res.Path() }

// Exports returns the module's exports.
func (s *ModuleScope) Exports() any { return s.exports }

// Checksum returns the effective checksum recorded when the module last ran.
func (s *ModuleScope) Checksum() uint64 { return s.checksum }

func newInvocation() *invocation {
	return &invocation{visited: make(map[string]*ModuleScope)}
}

func (inv *invocation) addDependency(u *compilecache.Unit) {
	if n := len(inv.stack); n > 0 {
		inv.stack[n-1].AddDependency(u)
	}
}

func (inv *invocation) push(u *compilecache.Unit) { inv.stack = append(inv.stack, u) }
func (inv *invocation) pop()                      { inv.stack = inv.stack[:len(inv.stack)-1] }

func (h *moduleHandle) ID() string            { return h.scope.res.ModuleName() }
func (h *moduleHandle) Path() string          { return h.scope.res.Path() }
func (h *moduleHandle) Exports() any          { return h.scope.exports }
func (h *moduleHandle) SetExports(v any)      { h.scope.exports = v }
func (h *moduleHandle) Local() map[any]any    { return h.w.local }
func (h *moduleHandle) Main() bool            { return h.w.inv != nil && h.w.inv.main == h.scope }

// Dir returns the repository path the module lives in.
func (h *moduleHandle) Dir() string {
	if parent := h.scope.res.Parent(); parent != nil {
		return parent.Path()
	}
	return ""
}

// Require loads id relative to this module and returns its exports.
func (h *moduleHandle) Require(ctx context.Context, id string) (any, error) {
	if h.w.inv == nil {
		return nil, ErrWorkerNotRunning
	}
	scope, err := h.w.load(ctx, id, h.scope)
	if err != nil {
		return nil, err
	}
	return scope.exports, nil
}

// Resolve returns the identity path id resolves to from this module.
func (h *moduleHandle) Resolve(id string) (string, error) {
	res, err := h.w.engine.resolveFrom(id, h.scope)
	if err != nil {
		return "", err
	}
	return res.Path(), nil
}

var _ script.Module = (*moduleHandle)(nil)
