// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"errors"
	"maps"
	"slices"

	"github.com/charmbracelet/glamour"

	"github.com/invowk/modhost/pkg/engine"
	"github.com/invowk/modhost/pkg/repository"
	"github.com/invowk/modhost/pkg/resolve"
	"github.com/invowk/modhost/pkg/script"
)

// Issue identifiers.
const (
	ModuleNotFoundId Id = iota + 1
	EscapesRootId
	InvalidPackageId
	CompileFailedId
	ExecutionFailedId
	NoSuchFunctionId
	ConfigLoadFailedId
	SearchPathInvalidId
	WatchFailedId
)

type (
	// Id identifies an issue page.
	Id int

	// MarkdownMsg is the Markdown body of an issue page.
	MarkdownMsg string

	// HttpLink is a documentation link.
	HttpLink string

	// Issue is a Markdown help page for a class of failures.
	Issue struct {
		id       Id
		mdMsg    MarkdownMsg
		docLinks []HttpLink
	}
)

var (
	render = glamour.Render

	moduleNotFoundIssue = &Issue{
		id: ModuleNotFoundId,
		mdMsg: `
# Module not found!

No repository in the search path holds a module with that identifier.

## How identifiers resolve
- ` + "`./x`" + ` and ` + "`../x`" + ` are relative to the requiring module
- anything else is looked up in each search path entry, in order
- ` + "`x`" + ` matches ` + "`x.js`" + `, ` + "`x.json`" + `, ` + "`x.modc`" + ` or a package directory ` + "`x/`" + `

## Things you can try:
- Check the search path:
~~~
$ modhost config show
~~~
- List what a repository contains:
~~~
$ modhost ls --recursive
~~~`,
		docLinks: []HttpLink{"https://nodejs.org/api/modules.html#all-together"},
	}

	escapesRootIssue = &Issue{
		id: EscapesRootId,
		mdMsg: `
# Path escapes its repository!

A relative identifier climbed above the root of the search path entry it
was resolved in. Modules can only reach files inside their own root.

## Things you can try:
- Add the directory holding the target module to the search path
- Require the module by its search path identifier instead of ` + "`../`" + ` segments`,
	}

	invalidPackageIssue = &Issue{
		id: InvalidPackageId,
		mdMsg: `
# Invalid package.json!

A package directory was found but its ` + "`package.json`" + ` could not be read.
Comments and trailing commas are accepted; everything else must be valid JSON.

## Fields modhost reads:
~~~json
{
  "main": "lib/index",
  "directories": {"lib": "lib"}
}
~~~`,
	}

	compileFailedIssue = &Issue{
		id: CompileFailedId,
		mdMsg: `
# Compilation failed!

The module source has syntax errors. The failure is cached until the source
changes, so fixing the file is enough for the next load to pick it up
when reload is enabled.

## Things you can try:
- Fix the reported lines and run again
- Watch the module while editing:
~~~
$ modhost watch <module>
~~~`,
	}

	executionFailedIssue = &Issue{
		id: ExecutionFailedId,
		mdMsg: `
# Module execution failed!

The module compiled but its top-level code threw. Failed executions are not
cached: the next require runs the module again.

## Things you can try:
- Run the module with ` + "`--verbose`" + ` to see the full error chain
- Check the modules it requires, the failure may come from a dependency`,
	}

	noSuchFunctionIssue = &Issue{
		id: NoSuchFunctionId,
		mdMsg: `
# No such function!

The module loaded but does not export a callable with that name.

## Things you can try:
- Print the module exports:
~~~
$ modhost load <module>
~~~`,
	}

	configLoadFailedIssue = &Issue{
		id: ConfigLoadFailedId,
		mdMsg: `
# Failed to load configuration!

The configuration file exists but could not be validated.

## Example config.cue:
~~~cue
search_paths: ["./modules", "./vendor/libs.zip"]
reload: true
cache: max_units: 1024
workers: idle_timeout: "30s"
log: level: "info"
~~~

## Things you can try:
- Print the effective configuration:
~~~
$ modhost config show
~~~
- Regenerate a default file:
~~~
$ modhost config init
~~~`,
	}

	searchPathInvalidIssue = &Issue{
		id: SearchPathInvalidId,
		mdMsg: `
# Invalid search path entry!

Each search path entry must be an existing directory or a ` + "`.zip`" + `/` + "`.jar`" + ` archive.

## Things you can try:
- Check the ` + "`search_paths`" + ` list in your config file
- Override it for one run with ` + "`MODHOST_SEARCH_PATHS`" + ` or ` + "`--search-path`",
	}

	watchFailedIssue = &Issue{
		id: WatchFailedId,
		mdMsg: `
# File watching failed!

The operating system refused to watch the search path directories.

## Things you can try:
- On Linux, raise the inotify watch limit:
~~~
$ sudo sysctl fs.inotify.max_user_watches=524288
~~~
- Narrow the watched files with ` + "`--ignore`" + ` patterns`,
	}

	issues = map[Id]*Issue{
		moduleNotFoundIssue.Id():    moduleNotFoundIssue,
		escapesRootIssue.Id():       escapesRootIssue,
		invalidPackageIssue.Id():    invalidPackageIssue,
		compileFailedIssue.Id():     compileFailedIssue,
		executionFailedIssue.Id():   executionFailedIssue,
		noSuchFunctionIssue.Id():    noSuchFunctionIssue,
		configLoadFailedIssue.Id():  configLoadFailedIssue,
		searchPathInvalidIssue.Id(): searchPathInvalidIssue,
		watchFailedIssue.Id():       watchFailedIssue,
	}
)

func (i *Issue) Id() Id                   { return i.id }
func (i *Issue) MarkdownMsg() MarkdownMsg { return i.mdMsg }
func (i *Issue) DocLinks() []HttpLink     { return slices.Clone(i.docLinks) }

// Render renders the page with the glamour style at stylePath ("dark",
// "light", "notty" or a file).
func (i *Issue) Render(stylePath string) (string, error) {
	md := string(i.mdMsg)
	if len(i.docLinks) > 0 {
		md += "\n\n## See also:\n"
		for _, link := range i.docLinks {
			md += "- " + string(link) + "\n"
		}
	}
	return render(md, stylePath)
}

// Values returns every issue page ordered by id.
func Values() []*Issue {
	return slices.SortedFunc(maps.Values(issues), func(a, b *Issue) int { return int(a.id - b.id) })
}

// Get returns the issue page for id, or nil.
func Get(id Id) *Issue {
	return issues[id]
}

// ForError returns the issue page describing a failure, or nil when none
// fits. A page attached to an ActionableError wins; otherwise more specific
// causes do, so a missing module inside a failing execution maps to
// ModuleNotFoundId.
func ForError(err error) *Issue {
	var (
		ae *ActionableError
		ce *script.CompileError
	)
	switch {
	case err == nil:
		return nil
	case errors.As(err, &ae) && ae.Issue != 0:
		return Get(ae.Issue)
	case errors.Is(err, repository.ErrEscapesRoot):
		return Get(EscapesRootId)
	case errors.Is(err, resolve.ErrInvalidPackage):
		return Get(InvalidPackageId)
	case errors.Is(err, engine.ErrModuleNotFound):
		return Get(ModuleNotFoundId)
	case errors.As(err, &ce):
		return Get(CompileFailedId)
	case errors.Is(err, engine.ErrNoSuchFunction):
		return Get(NoSuchFunctionId)
	case errors.Is(err, engine.ErrExecution):
		return Get(ExecutionFailedId)
	default:
		return nil
	}
}
