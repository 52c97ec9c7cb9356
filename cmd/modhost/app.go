// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"reflect"
	"slices"

	"github.com/charmbracelet/log"

	"github.com/invowk/modhost/internal/config"
	"github.com/invowk/modhost/internal/issue"
	"github.com/invowk/modhost/pkg/engine"
	"github.com/invowk/modhost/pkg/gojs"
	"github.com/invowk/modhost/pkg/script"
)

type (
	// App wires CLI services. Command handlers receive the App and build
	// engines through it.
	App struct {
		Config      config.Provider
		NewCompiler func(logger *log.Logger) script.Compiler
		Getwd       func() (string, error)
		stdout      io.Writer
		stderr      io.Writer
		flags       globalFlags
	}

	// Dependencies defines the injection points for building an App. Nil
	// fields are replaced with production defaults.
	Dependencies struct {
		Config      config.Provider
		NewCompiler func(logger *log.Logger) script.Compiler
		Getwd       func() (string, error)
		Stdout      io.Writer
		Stderr      io.Writer
	}

	globalFlags struct {
		configPath  string
		verbose     bool
		reload      bool
		searchPaths []string
	}

	// exporter is implemented by exports values of compiled languages.
	exporter interface {
		Export() any
	}
)

// NewApp builds an App, filling in production defaults.
func NewApp(deps Dependencies) *App {
	app := &App{
		Config:      deps.Config,
		NewCompiler: deps.NewCompiler,
		Getwd:       deps.Getwd,
		stdout:      deps.Stdout,
		stderr:      deps.Stderr,
	}
	if app.Config == nil {
		app.Config = config.NewProvider()
	}
	if app.NewCompiler == nil {
		app.NewCompiler = func(logger *log.Logger) script.Compiler {
			return gojs.New(gojs.Options{Logger: logger})
		}
	}
	if app.Getwd == nil {
		app.Getwd = os.Getwd
	}
	if app.stdout == nil {
		app.stdout = os.Stdout
	}
	if app.stderr == nil {
		app.stderr = os.Stderr
	}
	return app
}

// loadConfig loads the configuration and applies global flag overrides.
func (a *App) loadConfig(ctx context.Context) (*config.Config, error) {
	cfg, err := a.Config.Load(ctx, config.LoadOptions{ConfigFilePath: a.flags.configPath})
	if err != nil {
		return nil, err
	}
	if len(a.flags.searchPaths) > 0 {
		cfg.SearchPaths = slices.Clone(a.flags.searchPaths)
	}
	if a.flags.reload {
		cfg.Reload = true
	}
	if a.flags.verbose {
		cfg.Log.Level = config.LogLevelDebug
	}
	return cfg, nil
}

func (a *App) logger(cfg *config.Config) *log.Logger {
	return log.NewWithOptions(a.stderr, log.Options{Level: cfg.Log.Level.Level(), Prefix: config.AppName})
}

// newEngine builds an engine from the effective configuration. Relative
// search path entries resolve against the working directory.
func (a *App) newEngine(ctx context.Context) (*engine.Engine, *config.Config, error) {
	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return nil, nil, err
	}
	wd, err := a.Getwd()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to determine working directory: %w", err)
	}
	logger := a.logger(cfg)
	opts, err := cfg.EngineOptions(wd, a.NewCompiler(logger), logger)
	if err != nil {
		return nil, nil, issue.NewErrorContext().
			WithOperation("open search path").
			WithIssue(issue.SearchPathInvalidId).
			WithSuggestion("Check search_paths in " + configSource(cfg)).
			WithSuggestion("Override it with --search-path").
			Wrap(err).
			BuildError()
	}
	e, err := engine.New(opts)
	if err != nil {
		return nil, nil, err
	}
	return e, cfg, nil
}

// report renders the issue page matching err in verbose mode and returns
// err unchanged.
func (a *App) report(err error) error {
	if err == nil || !a.flags.verbose {
		return err
	}
	page := issue.ForError(err)
	if page == nil {
		return err
	}
	style := "dark"
	if os.Getenv("NO_COLOR") != "" {
		style = "notty"
	}
	if out, rerr := page.Render(style); rerr == nil {
		fmt.Fprint(a.stderr, out)
	}
	return err
}

// printValue writes v as indented JSON. Functions and other values JSON
// cannot represent are shown as placeholders.
func printValue(w io.Writer, v any) error {
	data, err := json.MarshalIndent(plain(v), "", "  ")
	if err != nil {
		_, err = fmt.Fprintf(w, "%v\n", v)
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}

func plain(v any) any {
	if ex, ok := v.(exporter); ok {
		v = ex.Export()
	}
	switch val := v.(type) {
	case nil:
		return nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, x := range val {
			out[k] = plain(x)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, x := range val {
			out[i] = plain(x)
		}
		return out
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Func:
		return "[function]"
	case reflect.Chan, reflect.UnsafePointer:
		return fmt.Sprintf("[%T]", v)
	default:
		return v
	}
}

func configSource(cfg *config.Config) string {
	if cfg.Source == "" {
		return "the defaults"
	}
	return cfg.Source
}
