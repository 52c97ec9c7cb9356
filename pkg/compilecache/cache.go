// SPDX-License-Identifier: MPL-2.0

// Package compilecache keeps compiled units keyed by resource identity.
//
// A Unit remembers the checksum it was compiled (and later executed) against,
// the compiled program or the compile error, and the units required while its
// top-level code ran. With reload enabled a unit is recompiled whenever its
// effective checksum, which folds in the effective checksums of its
// dependencies, differs from the recorded one. Compile errors are replayed
// without recompiling until the checksum changes.
//
// Units live in a bounded LRU. Eviction only costs a recompile on the next
// lookup.
package compilecache

import (
	"context"
	"errors"
	"io"
	"sync/atomic"

	"github.com/charmbracelet/log"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/invowk/modhost/pkg/repository"
	"github.com/invowk/modhost/pkg/script"
)

// DefaultMaxUnits bounds the number of cached units.
const DefaultMaxUnits = 4096

type (
	// CompileFunc produces the program for a resource. Errors other than
	// *script.CompileError (I/O failures, cancellation) are returned to the
	// caller without being cached.
	CompileFunc func(ctx context.Context, res repository.Resource) (script.Program, error)

	// Options configures a Cache.
	Options struct {
		// MaxUnits bounds the number of cached units (default: DefaultMaxUnits).
		MaxUnits int
		// Logger receives compile and eviction events (default: discard).
		Logger *log.Logger
	}

	// Cache is the process-wide compiled unit cache. It is safe for
	// concurrent use; compiles of different resources proceed in parallel
	// while compiles of the same resource are serialized per unit.
	Cache struct {
		units  *lru.Cache[string, *Unit]
		logger *log.Logger

		compiles  atomic.Int64
		failures  atomic.Int64
		evictions atomic.Int64
	}

	// Stats is a snapshot of cache counters.
	Stats struct {
		// Units is the number of units currently cached.
		Units int `json:"units"`
		// Compiles counts calls into the compile service that produced a
		// program or a compile error.
		Compiles int64 `json:"compiles"`
		// Failures counts compiles that produced a compile error.
		Failures int64 `json:"failures"`
		// Evictions counts units dropped by the LRU or by Purge.
		Evictions int64 `json:"evictions"`
	}
)

// New returns an empty cache.
func New(opts Options) *Cache {
	if opts.MaxUnits <= 0 {
		opts.MaxUnits = DefaultMaxUnits
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard)
	}
	c := &Cache{logger: opts.Logger}
	c.units, _ = lru.NewWithEvict(opts.MaxUnits, func(path string, _ *Unit) {
		c.evictions.Add(1)
		c.logger.Debug("unit evicted", "path", path)
	})
	return c
}

// Get returns the unit for res, compiling it if it has never been compiled,
// was evicted, or (with reload) has changed. A cached compile error is
// returned alongside the unit until the resource changes.
func (c *Cache) Get(ctx context.Context, res repository.Resource, reload bool, compile CompileFunc) (*Unit, error) {
	u, ok := c.units.Get(res.Path())
	if !ok {
		fresh := newUnit(res)
		if prev, found, _ := c.units.PeekOrAdd(res.Path(), fresh); found {
			u = prev
		} else {
			u = fresh
		}
	}
	if err := c.ensure(ctx, u, reload, compile); err != nil {
		return u, err
	}
	return u, nil
}

// Compile compiles res into a unit that is not cached, as used for one-off
// evaluation of literal text.
func (c *Cache) Compile(ctx context.Context, res repository.Resource, compile CompileFunc) (*Unit, error) {
	u := newUnit(res)
	if err := c.ensure(ctx, u, true, compile); err != nil {
		return u, err
	}
	return u, nil
}

// Peek returns the cached unit for path without compiling or touching the
// LRU order.
func (c *Cache) Peek(path string) (*Unit, bool) {
	return c.units.Peek(path)
}

// Units returns the cached units from oldest to newest.
func (c *Cache) Units() []*Unit {
	return c.units.Values()
}

// Purge drops every cached unit match reports true for and returns how many
// were dropped.
func (c *Cache) Purge(match func(*Unit) bool) int {
	n := 0
	for _, path := range c.units.Keys() {
		if u, ok := c.units.Peek(path); ok && match(u) {
			c.units.Remove(path)
			n++
		}
	}
	return n
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Units:     c.units.Len(),
		Compiles:  c.compiles.Load(),
		Failures:  c.failures.Load(),
		Evictions: c.evictions.Load(),
	}
}

func (c *Cache) ensure(ctx context.Context, u *Unit, reload bool, compile CompileFunc) error {
	u.compileMu.Lock()
	defer u.compileMu.Unlock()

	if !u.stale(reload) {
		if ce := u.compileErr(); ce != nil {
			return ce
		}
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// The checksum is taken before reading the source so that an edit racing
	// with the compile is seen as a change on the next lookup.
	sum := u.res.Checksum()
	prog, err := compile(ctx, u.res)
	if err != nil {
		var ce *script.CompileError
		if !errors.As(err, &ce) {
			return err
		}
		c.compiles.Add(1)
		c.failures.Add(1)
		u.install(sum, nil, ce)
		c.logger.Warn("compile failed", "path", u.res.Path(), "error", ce)
		return ce
	}
	c.compiles.Add(1)
	u.install(sum, prog, nil)
	c.logger.Debug("compiled", "path", u.res.Path())
	return nil
}
