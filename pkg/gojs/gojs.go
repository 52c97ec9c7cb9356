// SPDX-License-Identifier: MPL-2.0

package gojs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/dop251/goja"
	"github.com/dop251/goja/parser"

	"github.com/invowk/modhost/pkg/script"
)

// SourceFormat is the precompiled payload format Decode accepts: plain
// JavaScript source, typically the output of a bundler.
const SourceFormat = "source"

// The wrapper keeps module code on the first line so only first-line columns
// need adjusting.
const (
	wrapperPrefix = "(function (exports, require, module, __filename, __dirname) { "
	wrapperSuffix = "\n})"
)

type (
	// Options configures a Compiler.
	Options struct {
		// Strict compiles every module in strict mode.
		Strict bool
		// Logger receives console output (default: discard).
		Logger *log.Logger
	}

	// Compiler compiles CommonJS modules with goja. Compiled programs are
	// runtime independent and shared by all workers; each worker gets its
	// own goja runtime.
	Compiler struct {
		strict bool
		logger *log.Logger
	}

	// Exports is the exports value of a JavaScript module. It tracks
	// module.exports, so reassignments made after a circular require are
	// still observed.
	Exports struct {
		vm     *vm
		module *goja.Object
	}

	// ScriptError is an uncaught JavaScript exception.
	ScriptError struct {
		Source  string
		Message string
		Cause   error
	}

	program struct {
		c    *Compiler
		name string
		prog *goja.Program
	}

	// vm is the per-worker runtime state.
	vm struct {
		rt  *goja.Runtime
		ctx context.Context
		// thrown maps exceptions raised from Go callbacks to their Go errors
		// so they propagate unchanged when uncaught.
		thrown map[*goja.Object]error
	}

	vmKey struct{}
)

// New returns a Compiler.
func New(opts Options) *Compiler {
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard)
	}
	return &Compiler{strict: opts.Strict, logger: opts.Logger}
}

// Compile parses and compiles src. Syntax errors are reported as a
// *script.CompileError with one diagnostic per error.
func (c *Compiler) Compile(_ context.Context, src script.Source) (script.Program, error) {
	wrapped := wrapperPrefix + string(src.Content) + wrapperSuffix
	ast, err := parser.ParseFile(nil, src.Name, wrapped, 0)
	if err != nil {
		return nil, &script.CompileError{Source: src.Name, Diagnostics: parseDiagnostics(src.Name, err)}
	}
	prog, err := goja.CompileAST(ast, c.strict)
	if err != nil {
		return nil, &script.CompileError{
			Source:      src.Name,
			Diagnostics: []script.Diagnostic{{Message: err.Error(), Source: src.Name}},
		}
	}
	return &program{c: c, name: src.Name, prog: prog}, nil
}

// Decode compiles a precompiled payload in SourceFormat.
func (c *Compiler) Decode(ctx context.Context, src script.Source, format string, payload []byte) (script.Program, error) {
	if format != SourceFormat {
		return nil, fmt.Errorf("%w: %q", script.ErrUnsupportedFormat, format)
	}
	src.Content = payload
	return c.Compile(ctx, src)
}

func parseDiagnostics(name string, err error) []script.Diagnostic {
	var (
		list   parser.ErrorList
		single *parser.Error
	)
	switch {
	case errors.As(err, &list):
		diags := make([]script.Diagnostic, 0, len(list))
		for _, e := range list {
			diags = append(diags, parseDiagnostic(name, e))
		}
		return diags
	case errors.As(err, &single):
		return []script.Diagnostic{parseDiagnostic(name, single)}
	default:
		return []script.Diagnostic{{Message: err.Error(), Source: name}}
	}
}

func parseDiagnostic(name string, e *parser.Error) script.Diagnostic {
	line, col := e.Position.Line, e.Position.Column
	if line == 1 {
		col = max(col-len(wrapperPrefix), 1)
	}
	return script.Diagnostic{Message: e.Message, Source: name, Line: line, Column: col}
}

// runtime returns the worker's vm, creating it on first use.
func (c *Compiler) runtime(m script.Module) *vm {
	local := m.Local()
	if v, ok := local[vmKey{}].(*vm); ok {
		return v
	}
	rt := goja.New()
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	v := &vm{rt: rt, ctx: context.Background(), thrown: make(map[*goja.Object]error)}
	console := rt.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		_ = console.Set(level, consoleFunc(c.logger, level))
	}
	_ = rt.Set("console", console)
	local[vmKey{}] = v
	return v
}

// Run executes the module wrapper with a fresh module object.
func (p *program) Run(ctx context.Context, m script.Module) error {
	v := p.c.runtime(m)
	defer v.enter(ctx)()

	wrapper, err := v.rt.RunProgram(p.prog)
	if err != nil {
		return v.convert(p.name, err)
	}
	fn, ok := goja.AssertFunction(wrapper)
	if !ok {
		return fmt.Errorf("%s: module wrapper is not callable", p.name)
	}

	exports := v.rt.NewObject()
	module := v.rt.NewObject()
	_ = module.Set("id", m.ID())
	_ = module.Set("filename", m.Path())
	_ = module.Set("exports", exports)
	m.SetExports(&Exports{vm: v, module: module})

	_, err = fn(goja.Undefined(), exports, v.require(m), module, v.rt.ToValue(m.Path()), v.rt.ToValue(m.Dir()))
	if err != nil {
		return v.convert(p.name, err)
	}
	return nil
}

// enter binds ctx to the runtime until the returned func is called:
// cancelling ctx interrupts running JavaScript.
func (v *vm) enter(ctx context.Context) func() {
	prev := v.ctx
	v.ctx = ctx
	stop := context.AfterFunc(ctx, func() { v.rt.Interrupt(ctx.Err()) })
	return func() {
		if !stop() {
			v.rt.ClearInterrupt()
		}
		v.ctx = prev
	}
}

func (v *vm) require(m script.Module) *goja.Object {
	req := v.rt.ToValue(func(call goja.FunctionCall) goja.Value {
		exports, err := m.Require(v.ctx, call.Argument(0).String())
		if err != nil {
			panic(v.throw(err))
		}
		return v.toValue(exports)
	}).(*goja.Object) //nolint:forcetypeassert // functions are objects
	_ = req.Set("resolve", func(call goja.FunctionCall) goja.Value {
		resolved, err := m.Resolve(call.Argument(0).String())
		if err != nil {
			panic(v.throw(err))
		}
		return v.rt.ToValue(resolved)
	})
	_ = req.Set("main", m.Main())
	return req
}

func consoleFunc(logger *log.Logger, level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		msg := strings.Join(parts, " ")
		switch level {
		case "warn":
			logger.Warn(msg)
		case "error":
			logger.Error(msg)
		case "debug":
			logger.Debug(msg)
		default:
			logger.Info(msg)
		}
		return goja.Undefined()
	}
}

func (v *vm) throw(err error) *goja.Object {
	obj := v.rt.NewGoError(err)
	v.thrown[obj] = err
	return obj
}

// convert maps a goja failure to the error the engine should see.
func (v *vm) convert(source string, err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if ctxErr := v.ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		if obj, ok := ex.Value().(*goja.Object); ok {
			if cause, ok := v.thrown[obj]; ok {
				delete(v.thrown, obj)
				return cause
			}
		}
		return &ScriptError{Source: source, Message: ex.Error(), Cause: err}
	}
	return err
}

// toValue converts a Go exports value for this runtime.
func (v *vm) toValue(x any) goja.Value {
	switch val := x.(type) {
	case nil:
		return goja.Undefined()
	case *Exports:
		if val.vm == v {
			return val.Value()
		}
		return v.rt.ToValue(val.Export())
	case goja.Value:
		return val
	default:
		return v.rt.ToValue(val)
	}
}

// Value returns the current module.exports.
func (e *Exports) Value() goja.Value { return e.module.Get("exports") }

// Export converts the exports to plain Go values.
func (e *Exports) Export() any {
	val := e.Value()
	if val == nil {
		return nil
	}
	return val.Export()
}

// Function returns the exported JavaScript function name. The returned
// function must be called on the worker that loaded the module.
func (e *Exports) Function(name string) (script.Function, bool) {
	obj, ok := e.Value().(*goja.Object)
	if !ok {
		return nil, false
	}
	fn, ok := goja.AssertFunction(obj.Get(name))
	if !ok {
		return nil, false
	}
	v := e.vm
	return func(ctx context.Context, args ...any) (any, error) {
		defer v.enter(ctx)()
		vals := make([]goja.Value, len(args))
		for i, arg := range args {
			vals[i] = v.toValue(arg)
		}
		res, err := fn(obj, vals...)
		if err != nil {
			return nil, v.convert(name, err)
		}
		return res.Export(), nil
	}, true
}

// Error implements the error interface.
func (e *ScriptError) Error() string { return e.Message }

// Unwrap returns the goja error.
func (e *ScriptError) Unwrap() error { return e.Cause }

// Diagnostics reports the exception as a single diagnostic.
func (e *ScriptError) Diagnostics() []script.Diagnostic {
	return []script.Diagnostic{{Message: e.Message, Source: e.Source}}
}

var (
	_ script.Compiler       = (*Compiler)(nil)
	_ script.Decoder        = (*Compiler)(nil)
	_ script.FunctionSource = (*Exports)(nil)
)
