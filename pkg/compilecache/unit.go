// SPDX-License-Identifier: MPL-2.0

package compilecache

import (
	"slices"
	"strings"
	"sync"

	"github.com/invowk/modhost/pkg/repository"
	"github.com/invowk/modhost/pkg/script"
)

// Unit is the cache record of one resource.
type Unit struct {
	res repository.Resource

	// compileMu serializes compiles of this unit; mu guards the fields below
	// and is never held across a compile.
	compileMu sync.Mutex
	mu        sync.Mutex
	compiled  bool
	checksum  uint64
	program   script.Program
	err       *script.CompileError
	deps      map[string]*Unit
}

func newUnit(res repository.Resource) *Unit {
	return &Unit{res: res}
}

// Resource returns the source resource.
func (u *Unit) Resource() repository.Resource { return u.res }

// Program returns the compiled program, or nil after a failed compile.
func (u *Unit) Program() script.Program {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.program
}

// Err returns the cached compile error, if any.
func (u *Unit) Err() error {
	if ce := u.compileErr(); ce != nil {
		return ce
	}
	return nil
}

// Diagnostics returns the diagnostics of the last compile.
func (u *Unit) Diagnostics() []script.Diagnostic {
	ce := u.compileErr()
	if ce == nil {
		return nil
	}
	return slices.Clone(ce.Diagnostics)
}

// Checksum returns the effective checksum recorded at the last compile or
// Seal.
func (u *Unit) Checksum() uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.checksum
}

// AddDependency records that dep was required while the top-level code of u
// was running.
func (u *Unit) AddDependency(dep *Unit) {
	if dep == nil || dep == u {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.deps == nil {
		u.deps = map[string]*Unit{}
	}
	u.deps[dep.res.Path()] = dep
}

// Dependencies returns the recorded dependencies ordered by path.
func (u *Unit) Dependencies() []*Unit {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.sortedDeps()
}

// EffectiveChecksum folds the resource checksum with the effective checksums
// of all dependencies. A dependency cycle contributes nothing past the first
// visit of each unit.
func (u *Unit) EffectiveChecksum() uint64 {
	return u.effective(map[*Unit]struct{}{})
}

// Seal records the current effective checksum, typically after the top-level
// code ran and registered its dependencies, and returns it.
func (u *Unit) Seal() uint64 {
	sum := u.EffectiveChecksum()
	u.mu.Lock()
	u.checksum = sum
	u.mu.Unlock()
	return sum
}

func (u *Unit) effective(seen map[*Unit]struct{}) uint64 {
	if _, ok := seen[u]; ok {
		return 0
	}
	seen[u] = struct{}{}

	u.mu.Lock()
	deps := u.sortedDeps()
	u.mu.Unlock()

	values := make([]uint64, 0, len(deps)+1)
	values = append(values, u.res.Checksum())
	for _, dep := range deps {
		values = append(values, dep.effective(seen))
	}
	return repository.Mix(values...)
}

func (u *Unit) sortedDeps() []*Unit {
	deps := make([]*Unit, 0, len(u.deps))
	for _, dep := range u.deps {
		deps = append(deps, dep)
	}
	slices.SortFunc(deps, func(a, b *Unit) int { return strings.Compare(a.res.Path(), b.res.Path()) })
	return deps
}

// stale reports whether the unit must be compiled again. A failed compile
// is retried once the source changes even with reload off; only successful
// compiles are trusted for the process lifetime.
func (u *Unit) stale(reload bool) bool {
	u.mu.Lock()
	compiled, recorded, failed := u.compiled, u.checksum, u.err != nil
	u.mu.Unlock()
	if !compiled {
		return true
	}
	return (reload || failed) && u.EffectiveChecksum() != recorded
}

func (u *Unit) install(sum uint64, prog script.Program, ce *script.CompileError) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.compiled = true
	u.checksum = repository.Mix(sum)
	u.program = prog
	u.err = ce
	u.deps = nil
}

func (u *Unit) compileErr() *script.CompileError {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.err
}
