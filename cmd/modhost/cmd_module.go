// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/invowk/modhost/pkg/engine"
)

// newResolveCommand creates `modhost resolve`.
func newResolveCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <id>...",
		Short: "Show where module ids resolve",
		Long: `Resolve each module id against the search path and print the
identity path of the resource it names. At the top level ./ and ../
prefixes are normalized away and the id is searched like any other.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, _, err := app.newEngine(cmd.Context())
			if err != nil {
				return app.report(err)
			}
			defer func() { _ = e.Close() }()

			var failed []error
			for _, id := range args {
				res, err := e.Resolve(id, nil)
				if err == nil && !res.Exists() {
					err = &engine.ModuleNotFoundError{ID: id}
				}
				if err != nil {
					fmt.Fprintf(app.stdout, "%s %s: %s\n", ErrorStyle.Render("✗"), id, err)
					failed = append(failed, err)
					continue
				}
				fmt.Fprintf(app.stdout, "%s %s → %s\n", SuccessStyle.Render("✓"), id, PathStyle.Render(res.Path()))
			}
			switch len(failed) {
			case 0:
				return nil
			case 1:
				return app.report(&ExitError{Code: 1, Err: failed[0]})
			default:
				return &ExitError{Code: 1, Err: fmt.Errorf("%d of %d ids did not resolve", len(failed), len(args))}
			}
		},
	}
}

// newLoadCommand creates `modhost load`.
func newLoadCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "load <id>",
		Short: "Run a module and print its exports",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, _, err := app.newEngine(cmd.Context())
			if err != nil {
				return app.report(err)
			}
			defer func() { _ = e.Close() }()

			exports, err := e.Require(cmd.Context(), args[0])
			if err != nil {
				return app.report(err)
			}
			if err := e.WaitAsync(cmd.Context()); err != nil {
				return err
			}
			return printValue(app.stdout, exports)
		},
	}
}

// newCallCommand creates `modhost call`.
func newCallCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "call <id> <function> [arg]...",
		Short: "Call an exported function",
		Long: `Load a module and call one of its exported functions.

Arguments are parsed as JSON; anything that is not valid JSON is passed as
a string.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, _, err := app.newEngine(cmd.Context())
			if err != nil {
				return app.report(err)
			}
			defer func() { _ = e.Close() }()

			result, err := e.Invoke(cmd.Context(), args[0], args[1], parseArgs(args[2:])...)
			if err != nil {
				return app.report(err)
			}
			if err := e.WaitAsync(cmd.Context()); err != nil {
				return err
			}
			return printValue(app.stdout, result)
		},
	}
}

// parseArgs decodes call arguments as JSON values, falling back to strings.
func parseArgs(raw []string) []any {
	args := make([]any, len(raw))
	for i, s := range raw {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			v = s
		}
		args[i] = v
	}
	return args
}

// newEvalCommand creates `modhost eval`.
func newEvalCommand(app *App) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "eval [source]",
		Short: "Run source as an anonymous module",
		Long: `Run source as an anonymous module and print its exports. The source is
taken from the argument, from --file, or from stdin when neither is given.
Requires made by the source resolve as top-level ids.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, source, err := evalSource(cmd.InOrStdin(), file, args)
			if err != nil {
				return err
			}
			e, _, err := app.newEngine(cmd.Context())
			if err != nil {
				return app.report(err)
			}
			defer func() { _ = e.Close() }()

			exports, err := e.Eval(cmd.Context(), name, source)
			if err != nil {
				return app.report(err)
			}
			if err := e.WaitAsync(cmd.Context()); err != nil {
				return err
			}
			return printValue(app.stdout, exports)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the source from a file")
	return cmd
}

func evalSource(stdin io.Reader, file string, args []string) (name, source string, err error) {
	switch {
	case file != "" && len(args) > 0:
		return "", "", errors.New("--file and a source argument cannot be used together")
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return "", "", fmt.Errorf("failed to read source: %w", err)
		}
		return file, string(data), nil
	case len(args) > 0:
		return "<eval>", args[0], nil
	default:
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", "", fmt.Errorf("failed to read stdin: %w", err)
		}
		return "<stdin>", string(data), nil
	}
}

// newLsCommand creates `modhost ls`.
func newLsCommand(app *App) *cobra.Command {
	var recursive bool
	cmd := &cobra.Command{
		Use:   "ls [dir]",
		Short: "List loadable resources on the search path",
		Long: `List the resources below dir in every search path entry whose extension
has a registered loader. Entries earlier on the search path shadow later
entries with the same module name.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) > 0 {
				dir = args[0]
			}
			e, _, err := app.newEngine(cmd.Context())
			if err != nil {
				return app.report(err)
			}
			defer func() { _ = e.Close() }()

			exts := e.Extensions()
			seen := make(map[string]bool)
			for _, repo := range e.SearchPath() {
				fmt.Fprintln(app.stdout, TitleStyle.Render(repo.Path()))
				resources, err := repo.Resources(dir, recursive)
				if err != nil {
					fmt.Fprintf(app.stdout, "  %s\n", WarningStyle.Render(err.Error()))
					continue
				}
				for _, res := range resources {
					if !slices.Contains(exts, res.Extension()) {
						continue
					}
					line := fmt.Sprintf("  %-40s %8d  %s", res.RelativePath(), res.Length(), res.LastModified().Format("2006-01-02 15:04:05"))
					if seen[res.ModuleName()] {
						line = SubtitleStyle.Render(line + "  (shadowed)")
					}
					seen[res.ModuleName()] = true
					fmt.Fprintln(app.stdout, line)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "list child repositories recursively")
	return cmd
}

// newStatCommand creates `modhost stat`.
func newStatCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "stat [id]...",
		Short: "Compile modules and show cache statistics",
		Long: `Compile the given modules concurrently without running them, then print
engine and compilation cache statistics along with the diagnostics of
every failed module.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, cfg, err := app.newEngine(cmd.Context())
			if err != nil {
				return app.report(err)
			}
			defer func() { _ = e.Close() }()

			preloadErr := e.Preload(cmd.Context(), args...)

			st := e.Stats()
			w := app.stdout
			fmt.Fprintln(w, TitleStyle.Render("Engine"))
			fmt.Fprintf(w, "%s %s\n", labelStyle.Render("config"), configSource(cfg))
			fmt.Fprintf(w, "%s %v\n", labelStyle.Render("reload"), e.Reload())
			fmt.Fprintf(w, "%s %s\n", labelStyle.Render("extensions"), strings.Join(e.Extensions(), " "))
			fmt.Fprintf(w, "%s %d\n", labelStyle.Render("workers"), st.Workers)
			fmt.Fprintf(w, "%s %d\n", labelStyle.Render("pooled"), st.Pooled)
			fmt.Fprintln(w)
			fmt.Fprintln(w, TitleStyle.Render("Compilation cache"))
			fmt.Fprintf(w, "%s %d\n", labelStyle.Render("units"), st.Cache.Units)
			fmt.Fprintf(w, "%s %d\n", labelStyle.Render("compiles"), st.Cache.Compiles)
			fmt.Fprintf(w, "%s %d\n", labelStyle.Render("failures"), st.Cache.Failures)
			fmt.Fprintf(w, "%s %d\n", labelStyle.Render("evictions"), st.Cache.Evictions)

			diags := e.Diagnostics()
			if len(diags) > 0 {
				fmt.Fprintln(w)
				fmt.Fprintln(w, TitleStyle.Render("Diagnostics"))
				paths := make([]string, 0, len(diags))
				for p := range diags {
					paths = append(paths, p)
				}
				slices.Sort(paths)
				for _, p := range paths {
					fmt.Fprintln(w, PathStyle.Render(p))
					for _, d := range diags[p] {
						fmt.Fprintf(w, "  %s %s\n", ErrorStyle.Render("•"), d)
					}
				}
			}
			return app.report(preloadErr)
		},
	}
}
