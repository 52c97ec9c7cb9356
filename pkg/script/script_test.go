// SPDX-License-Identifier: MPL-2.0

package script

import (
	"context"
	"errors"
	"io"
	"testing"
)

func TestDiagnosticString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		d    Diagnostic
		want string
	}{
		{Diagnostic{Message: "boom"}, "boom"},
		{Diagnostic{Message: "boom", Source: "a.js"}, "a.js: boom"},
		{Diagnostic{Message: "boom", Source: "a.js", Line: 3}, "a.js:3: boom"},
		{Diagnostic{Message: "boom", Source: "a.js", Line: 3, Column: 7}, "a.js:3:7: boom"},
	}
	for _, tt := range tests {
		if got := tt.d.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestCompileError(t *testing.T) {
	t.Parallel()

	err := &CompileError{
		Source: "a.js",
		Diagnostics: []Diagnostic{
			{Message: "unexpected token", Source: "a.js", Line: 1},
			{Message: "missing brace", Source: "a.js", Line: 9},
		},
	}
	if got, want := err.Error(), "compile a.js: unexpected token (and 1 more)"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, ErrCompile) {
		t.Error("CompileError should wrap ErrCompile")
	}

	wrapped := AsCompileError("b.js", io.ErrUnexpectedEOF)
	if wrapped.Source != "b.js" || !errors.Is(wrapped, io.ErrUnexpectedEOF) || !errors.Is(wrapped, ErrCompile) {
		t.Errorf("AsCompileError() = %#v", wrapped)
	}
	if AsCompileError("c.js", err) != err {
		t.Error("AsCompileError() should keep an existing CompileError")
	}
}

func TestLookup(t *testing.T) {
	t.Parallel()

	named := Function(func(context.Context, ...any) (any, error) { return "named", nil })
	plain := func(context.Context, ...any) (any, error) { return "plain", nil }
	exports := map[string]any{"named": named, "plain": plain, "value": 42}

	for _, name := range []string{"named", "plain"} {
		fn, ok := Lookup(exports, name)
		if !ok {
			t.Fatalf("Lookup(%q) not found", name)
		}
		got, err := fn(context.Background())
		if err != nil || got != name {
			t.Errorf("%s() = %v, %v", name, got, err)
		}
	}
	if _, ok := Lookup(exports, "value"); ok {
		t.Error("non-function exports should not be found")
	}
	if _, ok := Lookup("not an object", "named"); ok {
		t.Error("non-object exports have no functions")
	}
}

type recordingModule struct {
	Module
	exports any
}

func (m *recordingModule) SetExports(v any) { m.exports = v }

func TestValue(t *testing.T) {
	t.Parallel()

	m := &recordingModule{}
	if err := Value(map[string]any{"k": 1}).Run(context.Background(), m); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if obj, ok := m.exports.(map[string]any); !ok || obj["k"] != 1 {
		t.Errorf("exports = %#v", m.exports)
	}
}
