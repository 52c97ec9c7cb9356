// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/invowk/modhost/internal/issue"
	"github.com/invowk/modhost/internal/watch"
)

// newWatchCommand creates `modhost watch`.
func newWatchCommand(app *App) *cobra.Command {
	var (
		patterns []string
		ignore   []string
		debounce time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch <id>",
		Short: "Re-run a module whenever search path sources change",
		Long: `Run a module, then watch every search path entry and run it again on a
fresh worker whenever a matching file changes. Reload is forced on so edits
to the module or anything it requires are recompiled.

Failures are reported and watching continues; press Ctrl+C to stop.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			e, cfg, err := app.newEngine(cmd.Context())
			if err != nil {
				return app.report(err)
			}
			defer func() { _ = e.Close() }()
			e.SetReload(true)

			run := func(ctx context.Context) {
				exports, err := e.Require(ctx, id)
				if err != nil {
					fmt.Fprintf(app.stderr, "%s %v\n", WarningStyle.Render("!"), err)
					return
				}
				if err := printValue(app.stdout, exports); err != nil {
					fmt.Fprintf(app.stderr, "%s %v\n", WarningStyle.Render("!"), err)
				}
			}

			wd, err := app.Getwd()
			if err != nil {
				return fmt.Errorf("failed to determine working directory: %w", err)
			}
			roots := make([]string, len(cfg.SearchPaths))
			for i, p := range cfg.SearchPaths {
				if !filepath.IsAbs(p) {
					p = filepath.Join(wd, p)
				}
				roots[i] = p
			}

			w, err := watch.New(watch.Config{
				Roots:    roots,
				Patterns: patterns,
				Ignore:   ignore,
				Debounce: debounce,
				Logger:   e.Logger(),
				OnChange: func(ctx context.Context, changed []string) error {
					fmt.Fprintf(app.stdout, "%s %d change(s), running %s\n", SubtitleStyle.Render("→"), len(changed), PathStyle.Render(id))
					run(ctx)
					return nil
				},
			})
			if err != nil {
				return app.report(watchError(err))
			}

			run(cmd.Context())
			fmt.Fprintf(app.stdout, "%s Watching %d search path entries (Ctrl+C to stop)\n", SubtitleStyle.Render("→"), len(roots))
			if err := w.Run(cmd.Context()); err != nil {
				return app.report(watchError(err))
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&patterns, "pattern", nil, "glob selecting files that trigger a run (default: every file)")
	cmd.Flags().StringArrayVar(&ignore, "ignore", nil, "glob excluding files in addition to the default ignores")
	cmd.Flags().DurationVar(&debounce, "debounce", 0, "quiet period before a run (default 300ms)")
	return cmd
}

func watchError(err error) error {
	return issue.NewErrorContext().
		WithOperation("watch search path").
		WithIssue(issue.WatchFailedId).
		WithSuggestion("Raise the inotify watch limit (fs.inotify.max_user_watches) on Linux").
		WithSuggestion("Narrow the watched files with --pattern and --ignore").
		Wrap(err).
		BuildError()
}
