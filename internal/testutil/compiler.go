// SPDX-License-Identifier: MPL-2.0

package testutil

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/invowk/modhost/pkg/script"
)

// CompilerFormat is the precompiled format understood by Compiler.Decode.
const CompilerFormat = "lines"

type (
	// Compiler is a deterministic script compiler for tests. Each source line
	// is one directive:
	//
	//	# comment
	//	export KEY VALUE...   exports[KEY] = "VALUE..."
	//	func NAME VALUE...    exports[NAME] = function returning "VALUE..."
	//	echo NAME             exports[NAME] = function joining its arguments with spaces
	//	require ID [KEY]      require ID, optionally storing its exports at KEY
	//	resolve ID KEY        exports[KEY] = resolved path of ID
	//	set VALUE...          replace the exports with "VALUE..."
	//	sleep DURATION        sleep, honoring cancellation
	//	throw MESSAGE...      fail the top-level execution
	//
	// Unknown directives produce a *script.CompileError with a diagnostic
	// pointing at the offending line.
	Compiler struct {
		// BeforeCompile, when set, is called at the start of every compile.
		BeforeCompile func(src script.Source)

		mu       sync.Mutex
		compiles map[string]int
		runs     map[string]int
		total    int
	}

	directive struct {
		line int
		op   string
		args []string
	}

	program struct {
		c          *Compiler
		name       string
		directives []directive
	}
)

// NewCompiler returns an empty Compiler.
func NewCompiler() *Compiler {
	return &Compiler{compiles: map[string]int{}, runs: map[string]int{}}
}

// Compile parses the directives of src.
func (c *Compiler) Compile(_ context.Context, src script.Source) (script.Program, error) {
	if c.BeforeCompile != nil {
		c.BeforeCompile(src)
	}
	c.mu.Lock()
	c.compiles[src.Name]++
	c.total++
	c.mu.Unlock()

	var (
		directives []directive
		diags      []script.Diagnostic
	)
	scanner := bufio.NewScanner(bytes.NewReader(src.Content))
	for n := 1; scanner.Scan(); n++ {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		d := directive{line: n, op: fields[0], args: fields[1:]}
		if msg := d.validate(); msg != "" {
			diags = append(diags, script.Diagnostic{Message: msg, Source: src.Name, Line: n, Column: 1})
			continue
		}
		directives = append(directives, d)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(diags) > 0 {
		return nil, &script.CompileError{Source: src.Name, Diagnostics: diags}
	}
	return &program{c: c, name: src.Name, directives: directives}, nil
}

// Decode compiles a payload in CompilerFormat.
func (c *Compiler) Decode(ctx context.Context, src script.Source, format string, payload []byte) (script.Program, error) {
	if format != CompilerFormat {
		return nil, fmt.Errorf("%w: %q", script.ErrUnsupportedFormat, format)
	}
	src.Content = payload
	return c.Compile(ctx, src)
}

// Compiles returns the number of compiles of the named source.
func (c *Compiler) Compiles(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.compiles[name]
}

// TotalCompiles returns the number of compiles of all sources.
func (c *Compiler) TotalCompiles() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Runs returns the number of top-level executions of the named source.
func (c *Compiler) Runs(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs[name]
}

func (d directive) validate() string {
	need := map[string]int{
		"export": 2, "func": 2, "echo": 1, "require": 1,
		"resolve": 2, "set": 1, "sleep": 1, "throw": 1,
	}
	n, ok := need[d.op]
	if !ok {
		return fmt.Sprintf("unknown directive %q", d.op)
	}
	if len(d.args) < n {
		return fmt.Sprintf("%s needs %d argument(s)", d.op, n)
	}
	if d.op == "sleep" {
		if _, err := time.ParseDuration(d.args[0]); err != nil {
			return fmt.Sprintf("invalid duration %q", d.args[0])
		}
	}
	return ""
}

func (p *program) Run(ctx context.Context, m script.Module) error {
	p.c.mu.Lock()
	p.c.runs[p.name]++
	p.c.mu.Unlock()

	for _, d := range p.directives {
		if err := p.exec(ctx, m, d); err != nil {
			return err
		}
	}
	return nil
}

func (p *program) exec(ctx context.Context, m script.Module, d directive) error {
	rest := strings.Join(d.args[1:], " ")
	switch d.op {
	case "export":
		return put(m, d.args[0], rest)
	case "func":
		return put(m, d.args[0], script.Function(func(context.Context, ...any) (any, error) {
			return rest, nil
		}))
	case "echo":
		return put(m, d.args[0], script.Function(func(_ context.Context, args ...any) (any, error) {
			return strings.TrimSuffix(fmt.Sprintln(args...), "\n"), nil
		}))
	case "require":
		v, err := m.Require(ctx, d.args[0])
		if err != nil {
			return err
		}
		if len(d.args) > 1 {
			return put(m, d.args[1], v)
		}
		return nil
	case "resolve":
		resolved, err := m.Resolve(d.args[0])
		if err != nil {
			return err
		}
		return put(m, d.args[1], resolved)
	case "set":
		m.SetExports(strings.Join(d.args, " "))
		return nil
	case "sleep":
		dur, _ := time.ParseDuration(d.args[0])
		timer := time.NewTimer(dur)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	case "throw":
		return fmt.Errorf("%s:%d: %s", p.name, d.line, strings.Join(d.args, " "))
	}
	return nil
}

func put(m script.Module, key string, v any) error {
	exports, ok := m.Exports().(map[string]any)
	if !ok {
		return errors.New("exports are not an object")
	}
	exports[key] = v
	return nil
}
