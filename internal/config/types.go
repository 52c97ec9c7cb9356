// SPDX-License-Identifier: MPL-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/invowk/modhost/pkg/compilecache"
	"github.com/invowk/modhost/pkg/engine"
	"github.com/invowk/modhost/pkg/repository"
	"github.com/invowk/modhost/pkg/resolve"
	"github.com/invowk/modhost/pkg/script"
)

const (
	// LogLevelDebug logs compiles, evictions and worker lifecycle.
	LogLevelDebug LogLevel = "debug"
	// LogLevelInfo is the default level.
	LogLevelInfo LogLevel = "info"
	// LogLevelWarn logs compile failures and worse.
	LogLevelWarn LogLevel = "warn"
	// LogLevelError logs errors only.
	LogLevelError LogLevel = "error"
)

var (
	// ErrInvalidLogLevel is returned when a LogLevel value is not recognized.
	ErrInvalidLogLevel = errors.New("invalid log level")
	// ErrInvalidSearchPath is the sentinel error wrapped by InvalidSearchPathError.
	ErrInvalidSearchPath = errors.New("invalid search path")
	// ErrInvalidConfig is the sentinel error wrapped by InvalidConfigError.
	ErrInvalidConfig = errors.New("invalid config")
)

type (
	// LogLevel is the minimum level of engine log output.
	LogLevel string

	// InvalidLogLevelError is returned when a LogLevel value is not recognized.
	// It wraps ErrInvalidLogLevel for errors.Is() compatibility.
	InvalidLogLevelError struct {
		Value LogLevel
	}

	// InvalidSearchPathError is returned when a search path entry is neither
	// a directory nor an archive.
	InvalidSearchPathError struct {
		Path  string
		Cause error
	}

	// InvalidConfigError collects the field errors of a Config.
	InvalidConfigError struct {
		FieldErrors []error
	}

	// Config is the modhost configuration.
	Config struct {
		// SearchPaths lists module roots, searched in order.
		SearchPaths []string `json:"search_paths" mapstructure:"search_paths"`
		// Reload re-validates checksums on every module access.
		Reload bool `json:"reload" mapstructure:"reload"`
		// Extensions selects and orders the built-in loaders.
		Extensions []string `json:"extensions" mapstructure:"extensions"`
		// PackageLibDir is the default package library directory.
		PackageLibDir string `json:"package_lib_dir" mapstructure:"package_lib_dir"`
		// Cache bounds the in-memory caches.
		Cache CacheConfig `json:"cache" mapstructure:"cache"`
		// Workers configures the worker pool.
		Workers WorkersConfig `json:"workers" mapstructure:"workers"`
		// Log configures logging.
		Log LogConfig `json:"log" mapstructure:"log"`

		// Source is the file the configuration was read from, empty for
		// defaults.
		Source string `json:"-" mapstructure:"-"`
	}

	// CacheConfig bounds the compilation cache and repository child caches.
	CacheConfig struct {
		MaxUnits    int `json:"max_units" mapstructure:"max_units"`
		MaxChildren int `json:"max_children" mapstructure:"max_children"`
	}

	// WorkersConfig configures pooled workers.
	WorkersConfig struct {
		MaxPooled   int           `json:"max_pooled" mapstructure:"max_pooled"`
		IdleTimeout time.Duration `json:"idle_timeout" mapstructure:"idle_timeout"`
	}

	// LogConfig configures logging.
	LogConfig struct {
		Level LogLevel `json:"level" mapstructure:"level"`
	}
)

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		SearchPaths:   []string{"."},
		PackageLibDir: resolve.DefaultLibDir,
		Cache: CacheConfig{
			MaxUnits:    compilecache.DefaultMaxUnits,
			MaxChildren: repository.DefaultChildCacheSize,
		},
		Workers: WorkersConfig{
			MaxPooled:   engine.DefaultMaxPooledWorkers,
			IdleTimeout: engine.DefaultIdleTimeout,
		},
		Log: LogConfig{Level: LogLevelInfo},
	}
}

// Clone returns a copy of c that shares no slices with it.
func (c *Config) Clone() *Config {
	out := *c
	out.SearchPaths = slices.Clone(c.SearchPaths)
	out.Extensions = slices.Clone(c.Extensions)
	return &out
}

// Validate checks that l is a known level.
func (l LogLevel) Validate() error {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return nil
	default:
		return &InvalidLogLevelError{Value: l}
	}
}

// Level returns the charmbracelet/log level.
func (l LogLevel) Level() log.Level {
	lvl, err := log.ParseLevel(string(l))
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}

func (l LogLevel) String() string { return string(l) }

// Error implements the error interface.
func (e *InvalidLogLevelError) Error() string {
	return fmt.Sprintf("invalid log level %q (valid: debug, info, warn, error)", e.Value)
}

// Unwrap returns ErrInvalidLogLevel.
func (e *InvalidLogLevelError) Unwrap() error { return ErrInvalidLogLevel }

// Error implements the error interface.
func (e *InvalidSearchPathError) Error() string {
	return fmt.Sprintf("invalid search path %q: %v", e.Path, e.Cause)
}

// Unwrap returns ErrInvalidSearchPath and the cause.
func (e *InvalidSearchPathError) Unwrap() []error { return []error{ErrInvalidSearchPath, e.Cause} }

// Error implements the error interface.
func (e *InvalidConfigError) Error() string {
	msgs := make([]string, len(e.FieldErrors))
	for i, err := range e.FieldErrors {
		msgs[i] = err.Error()
	}
	return "invalid config: " + strings.Join(msgs, "; ")
}

// Unwrap returns ErrInvalidConfig and the field errors.
func (e *InvalidConfigError) Unwrap() []error {
	return append([]error{ErrInvalidConfig}, e.FieldErrors...)
}

// Validate checks constraints environment overrides can violate after the
// file has passed the CUE schema.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Log.Level.Validate(); err != nil {
		errs = append(errs, err)
	}
	for _, ext := range c.Extensions {
		if !strings.HasPrefix(ext, ".") || len(ext) < 2 {
			errs = append(errs, fmt.Errorf("extensions: %q must start with a dot", ext))
		}
	}
	if c.Cache.MaxUnits < 0 || c.Cache.MaxChildren < 0 {
		errs = append(errs, errors.New("cache: limits must not be negative"))
	}
	if c.Workers.MaxPooled < 0 || c.Workers.IdleTimeout < 0 {
		errs = append(errs, errors.New("workers: limits must not be negative"))
	}
	if len(errs) > 0 {
		return &InvalidConfigError{FieldErrors: errs}
	}
	return nil
}

// OpenSearchPath opens every search path entry as a root repository.
// Relative entries are resolved against base.
func (c *Config) OpenSearchPath(base string) ([]repository.Repository, error) {
	repos := make([]repository.Repository, 0, len(c.SearchPaths))
	for _, p := range c.SearchPaths {
		if !filepath.IsAbs(p) {
			p = filepath.Join(base, p)
		}
		info, err := os.Stat(p)
		if err != nil {
			return nil, &InvalidSearchPathError{Path: p, Cause: err}
		}
		if info.IsDir() == repository.IsArchive(p) {
			return nil, &InvalidSearchPathError{Path: p, Cause: errors.New("not a directory or .zip/.jar archive")}
		}
		repo, err := repository.Open(p, repository.WithChildCacheSize(c.Cache.MaxChildren))
		if err != nil {
			return nil, &InvalidSearchPathError{Path: p, Cause: err}
		}
		repos = append(repos, repo)
	}
	return repos, nil
}

// EngineOptions maps the configuration onto engine options.
func (c *Config) EngineOptions(base string, compiler script.Compiler, logger *log.Logger) (engine.Options, error) {
	repos, err := c.OpenSearchPath(base)
	if err != nil {
		return engine.Options{}, err
	}
	return engine.Options{
		Compiler:         compiler,
		SearchPath:       repos,
		Reload:           c.Reload,
		Extensions:       c.Extensions,
		PackageLibDir:    c.PackageLibDir,
		MaxUnits:         c.Cache.MaxUnits,
		MaxPooledWorkers: c.Workers.MaxPooled,
		IdleTimeout:      c.Workers.IdleTimeout,
		Logger:           logger,
	}, nil
}
