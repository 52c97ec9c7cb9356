// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/invowk/modhost/internal/config"
)

// newConfigCommand creates the `modhost config` command tree.
func newConfigCommand(app *App) *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage modhost configuration",
		Long: `Manage modhost configuration.

Configuration is stored in:
  - Linux: ~/.config/modhost/config.cue
  - macOS: ~/Library/Application Support/modhost/config.cue
  - Windows: %APPDATA%\modhost\config.cue

A config.cue in the working directory is used when the config directory
has none. Every key can be overridden with MODHOST_<KEY> environment
variables, for example MODHOST_RELOAD=true or MODHOST_CACHE_MAX_UNITS=64.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showConfig(cmd.Context(), app)
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "Output the effective configuration as CUE",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.loadConfig(cmd.Context())
			if err != nil {
				return app.report(err)
			}
			fmt.Fprint(app.stdout, config.GenerateCUE(cfg))
			return nil
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create the default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.CreateDefaultConfig()
			if err != nil {
				return err
			}
			fmt.Fprintf(app.stdout, "%s Configuration at %s\n", SuccessStyle.Render("✓"), PathStyle.Render(path))
			return nil
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show the configuration file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := config.ConfigDir()
			if err != nil {
				return err
			}
			fmt.Fprintf(app.stdout, "Config directory: %s\n", dir)
			fmt.Fprintf(app.stdout, "Config file: %s\n", filepath.Join(dir, config.ConfigFileName+"."+config.ConfigFileExt))
			return nil
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "schema",
		Short: "Print the CUE schema configuration files are validated against",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprint(app.stdout, config.Schema())
			return nil
		},
	})

	return cfgCmd
}

func showConfig(ctx context.Context, app *App) error {
	cfg, err := app.loadConfig(ctx)
	if err != nil {
		return app.report(err)
	}

	w := app.stdout
	value := func(v any) string { return SuccessStyle.Render(fmt.Sprint(v)) }

	fmt.Fprintln(w, TitleStyle.Render("Current Configuration"))
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("config file"), configSource(cfg))
	fmt.Fprintln(w)

	fmt.Fprintln(w, labelStyle.Render("search_paths"))
	for _, p := range cfg.SearchPaths {
		fmt.Fprintf(w, "  - %s\n", PathStyle.Render(p))
	}
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("reload"), value(cfg.Reload))
	exts := "(built-in)"
	if len(cfg.Extensions) > 0 {
		exts = strings.Join(cfg.Extensions, " ")
	}
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("extensions"), value(exts))
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("package_lib"), value(cfg.PackageLibDir))

	fmt.Fprintln(w)
	fmt.Fprintln(w, labelStyle.Render("cache"))
	fmt.Fprintf(w, "  max_units:    %s\n", value(cfg.Cache.MaxUnits))
	fmt.Fprintf(w, "  max_children: %s\n", value(cfg.Cache.MaxChildren))
	fmt.Fprintln(w, labelStyle.Render("workers"))
	fmt.Fprintf(w, "  max_pooled:   %s\n", value(cfg.Workers.MaxPooled))
	fmt.Fprintf(w, "  idle_timeout: %s\n", value(cfg.Workers.IdleTimeout))
	fmt.Fprintln(w, labelStyle.Render("log"))
	fmt.Fprintf(w, "  level:        %s\n", value(cfg.Log.Level))
	return nil
}
