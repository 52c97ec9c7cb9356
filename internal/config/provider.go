// SPDX-License-Identifier: MPL-2.0

package config

import "context"

type (
	// LoadOptions selects the configuration source.
	LoadOptions struct {
		// ConfigFilePath loads this file and fails when it is missing.
		ConfigFilePath string
		// ConfigDirPath replaces ConfigDir() in the lookup.
		ConfigDirPath string
	}

	// Provider loads configuration. Commands depend on a Provider so tests
	// can substitute a fixed configuration.
	Provider interface {
		Load(ctx context.Context, opts LoadOptions) (*Config, error)
	}

	fileProvider struct{}

	staticProvider struct {
		cfg *Config
		err error
	}
)

// NewProvider returns the Provider reading CUE files and MODHOST_*
// environment overrides.
func NewProvider() Provider { return fileProvider{} }

// NewStaticProvider returns a Provider that ignores LoadOptions and yields a
// copy of cfg on every call, or err when it is non-nil.
func NewStaticProvider(cfg *Config, err error) Provider {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return staticProvider{cfg: cfg, err: err}
}

func (fileProvider) Load(ctx context.Context, opts LoadOptions) (*Config, error) {
	return loadWithOptions(ctx, opts)
}

func (p staticProvider) Load(ctx context.Context, _ LoadOptions) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.err != nil {
		return nil, p.err
	}
	return p.cfg.Clone(), nil
}
