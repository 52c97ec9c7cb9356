// SPDX-License-Identifier: MPL-2.0

package engine

import (
	"io"
	"runtime"
	"time"

	"github.com/charmbracelet/log"

	"github.com/invowk/modhost/pkg/repository"
	"github.com/invowk/modhost/pkg/script"
)

// DefaultMaxPooledWorkers bounds the number of idle workers kept for reuse.
const DefaultMaxPooledWorkers = 8

// Options configures an Engine.
type Options struct {
	// Compiler is the compile service of the scripting language. Required.
	Compiler script.Compiler
	// SearchPath is the initial module search path.
	SearchPath []repository.Repository
	// Reload re-validates checksums on every access (development mode).
	Reload bool
	// SourceExtension is the extension of the source loader (default: ".js").
	SourceExtension string
	// Extensions, when set, selects and orders the built-in loaders by
	// extension. Built-ins not listed are not registered.
	Extensions []string
	// PackageLibDir is the library directory of packages without a
	// directories.lib field (default: "lib").
	PackageLibDir string
	// MaxUnits bounds the compilation cache.
	MaxUnits int
	// MaxPooledWorkers bounds the idle worker pool (default: DefaultMaxPooledWorkers).
	MaxPooledWorkers int
	// IdleTimeout is the keep-alive of idle worker schedulers (default: DefaultIdleTimeout).
	IdleTimeout time.Duration
	// PreloadParallelism bounds concurrent compiles in Preload (default: GOMAXPROCS).
	PreloadParallelism int
	// Clock drives worker schedulers (default: wall clock).
	Clock Clock
	// Logger receives engine events (default: discard).
	Logger *log.Logger
}

func (o Options) withDefaults() Options {
	if o.SourceExtension == "" {
		o.SourceExtension = DefaultSourceExtension
	}
	if o.MaxPooledWorkers <= 0 {
		o.MaxPooledWorkers = DefaultMaxPooledWorkers
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.PreloadParallelism <= 0 {
		o.PreloadParallelism = runtime.GOMAXPROCS(0)
	}
	if o.Clock == nil {
		o.Clock = realClock{}
	}
	if o.Logger == nil {
		o.Logger = log.New(io.Discard)
	}
	return o
}
