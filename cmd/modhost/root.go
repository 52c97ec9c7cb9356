// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
)

var (
	// Version is the semantic version (set via -ldflags).
	Version = "dev"
	// Commit is the git commit hash (set via -ldflags).
	Commit = "unknown"
	// BuildDate is the build timestamp (set via -ldflags).
	BuildDate = "unknown"
)

// NewRootCommand builds the command tree for app.
func NewRootCommand(app *App) *cobra.Command {
	root := &cobra.Command{
		Use:   "modhost",
		Short: "Resolve, load and inspect CommonJS modules",
		Long: TitleStyle.Render("modhost") + SubtitleStyle.Render(" - a host for CommonJS modules") + `

modhost resolves module identifiers against a search path of directories
and archives, compiles modules once into a shared cache and runs them on
pooled workers.

` + SubtitleStyle.Render("Examples:") + `
  modhost resolve lib/math      Show where a module id resolves
  modhost load app              Run a module and print its exports
  modhost call app main 1 2     Call an exported function
  modhost watch app             Re-run a module whenever sources change
  modhost config show           Show the effective configuration`,
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&app.flags.configPath, "config", "", "config file (default is $XDG_CONFIG_HOME/modhost/config.cue)")
	flags.BoolVarP(&app.flags.verbose, "verbose", "v", false, "enable debug logging and detailed error pages")
	flags.BoolVar(&app.flags.reload, "reload", false, "re-validate checksums on every module access")
	flags.StringArrayVarP(&app.flags.searchPaths, "search-path", "p", nil, "search path entry, repeatable (replaces search_paths)")

	root.AddCommand(
		newResolveCommand(app),
		newLoadCommand(app),
		newCallCommand(app),
		newEvalCommand(app),
		newLsCommand(app),
		newStatCommand(app),
		newWatchCommand(app),
		newConfigCommand(app),
	)
	return root
}

func getVersionString() string {
	if Version == "dev" {
		return "dev (built from source)"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate)
}

// Execute runs the CLI and exits with the command's status.
func Execute() {
	app := NewApp(Dependencies{})
	if err := fang.Execute(
		context.Background(),
		NewRootCommand(app),
		fang.WithVersion(getVersionString()),
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}
