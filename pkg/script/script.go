// SPDX-License-Identifier: MPL-2.0

// Package script defines the narrow interfaces between the module host and
// the embedded scripting language: a Compiler turns source text into a
// Program, a Program runs its top-level code against a Module handle, and
// exported functions are exposed as Function values.
//
// The language itself is opaque to the host. Implementations live with the
// embedder.
package script

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCompile is the sentinel error wrapped by CompileError.
	ErrCompile = errors.New("compile error")
	// ErrUnsupportedFormat is returned when precompiled content cannot be
	// decoded by the configured compiler.
	ErrUnsupportedFormat = errors.New("unsupported precompiled format")
)

type (
	// Source is the input of a compile.
	Source struct {
		// Name is the identity path of the resource the source was read from.
		Name string
		// Module is the module name (relative path without extension).
		Module string
		// Content is the raw source text.
		Content []byte
	}

	// Program is an executable unit produced by a Compiler.
	Program interface {
		// Run executes the top-level code of the module. Exports are
		// published through the Module handle.
		Run(ctx context.Context, m Module) error
	}

	// ProgramFunc adapts a function to the Program interface.
	ProgramFunc func(ctx context.Context, m Module) error

	// Compiler turns source text into a Program. Compile errors should be
	// reported as *CompileError so that diagnostics survive caching.
	Compiler interface {
		Compile(ctx context.Context, src Source) (Program, error)
	}

	// Decoder is implemented by compilers able to load precompiled payloads.
	Decoder interface {
		Decode(ctx context.Context, src Source, format string, payload []byte) (Program, error)
	}

	// Function is the calling convention for functions exported by modules.
	Function func(ctx context.Context, args ...any) (any, error)

	// Module is the handle a running Program uses to interact with its host:
	// publishing exports and requiring other modules. It is only valid while
	// the owning worker is running.
	Module interface {
		// ID is the module name.
		ID() string
		// Path is the identity path of the module resource.
		Path() string
		// Dir is the relative path of the repository containing the module.
		Dir() string
		// Main reports whether the module is the entry point of the current call.
		Main() bool
		// Exports returns the current exports value. It starts out as an empty
		// map[string]any shared with modules that require this one.
		Exports() any
		// SetExports replaces the exports value.
		SetExports(v any)
		// Require loads another module and returns its exports. Relative ids
		// are resolved against Dir.
		Require(ctx context.Context, id string) (any, error)
		// Resolve returns the identity path id would load without loading it.
		Resolve(id string) (string, error)
		// Local returns storage private to the executing worker, for example
		// an interpreter instance shared by all modules of the worker.
		Local() map[any]any
	}

	// FunctionSource is implemented by exports values that are not plain
	// maps but still expose functions by name.
	FunctionSource interface {
		Function(name string) (Function, bool)
	}

	// Diagnostic is a structured compiler or runtime message.
	Diagnostic struct {
		Message string `json:"message"`
		Source  string `json:"source"`
		Line    int    `json:"line"`
		Column  int    `json:"column"`
	}

	// CompileError records a failed compile. It is cached by the compilation
	// cache and replayed until the source changes.
	CompileError struct {
		Source      string
		Diagnostics []Diagnostic
		Cause       error
	}
)

// Run calls f.
func (f ProgramFunc) Run(ctx context.Context, m Module) error {
	return f(ctx, m)
}

// Value returns a Program whose exports are v.
func Value(v any) Program {
	return ProgramFunc(func(_ context.Context, m Module) error {
		m.SetExports(v)
		return nil
	})
}

// String formats the diagnostic as source:line:column: message.
func (d Diagnostic) String() string {
	switch {
	case d.Source == "":
		return d.Message
	case d.Line <= 0:
		return d.Source + ": " + d.Message
	case d.Column <= 0:
		return fmt.Sprintf("%s:%d: %s", d.Source, d.Line, d.Message)
	default:
		return fmt.Sprintf("%s:%d:%d: %s", d.Source, d.Line, d.Column, d.Message)
	}
}

// Error implements the error interface.
func (e *CompileError) Error() string {
	var sb strings.Builder
	sb.WriteString("compile ")
	sb.WriteString(e.Source)
	switch {
	case e.Cause != nil:
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	case len(e.Diagnostics) > 0:
		sb.WriteString(": ")
		sb.WriteString(e.Diagnostics[0].Message)
	default:
		sb.WriteString(" failed")
	}
	if n := len(e.Diagnostics); n > 1 {
		fmt.Fprintf(&sb, " (and %d more)", n-1)
	}
	return sb.String()
}

// Unwrap returns ErrCompile and the cause for errors.Is() compatibility.
func (e *CompileError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrCompile}
	}
	return []error{ErrCompile, e.Cause}
}

// AsCompileError converts err into a *CompileError for source, keeping an
// existing one intact.
func AsCompileError(source string, err error) *CompileError {
	var ce *CompileError
	if errors.As(err, &ce) {
		if ce.Source == "" {
			ce.Source = source
		}
		return ce
	}
	return &CompileError{Source: source, Cause: err}
}

// Lookup returns the exported function name from exports. Exports must be a
// map[string]any holding a Function (or a function with the same signature)
// or implement FunctionSource.
func Lookup(exports any, name string) (Function, bool) {
	switch obj := exports.(type) {
	case map[string]any:
		return AsFunction(obj[name])
	case FunctionSource:
		return obj.Function(name)
	default:
		return nil, false
	}
}

// AsFunction converts v to a Function if it has the calling convention.
func AsFunction(v any) (Function, bool) {
	switch fn := v.(type) {
	case Function:
		return fn, fn != nil
	case func(context.Context, ...any) (any, error):
		return fn, fn != nil
	default:
		return nil, false
	}
}
