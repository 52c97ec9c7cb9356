// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/invowk/modhost/pkg/engine"
	"github.com/invowk/modhost/pkg/repository"
	"github.com/invowk/modhost/pkg/resolve"
	"github.com/invowk/modhost/pkg/script"
)

func TestValues_Ordered(t *testing.T) {
	t.Parallel()

	values := Values()
	if len(values) != len(issues) {
		t.Fatalf("Values() returned %d issues, want %d", len(values), len(issues))
	}
	for i, is := range values {
		if is.Id() != Id(i+1) {
			t.Errorf("Values()[%d].Id() = %d, want %d", i, is.Id(), i+1)
		}
		if strings.TrimSpace(string(is.MarkdownMsg())) == "" {
			t.Errorf("issue %d has no message", is.Id())
		}
	}
	if Get(Id(999)) != nil {
		t.Error("Get(unknown) should return nil")
	}
}

func TestIssue_DocLinksCloned(t *testing.T) {
	t.Parallel()

	is := Get(ModuleNotFoundId)
	links := is.DocLinks()
	if len(links) == 0 {
		t.Fatal("module not found issue should link documentation")
	}
	links[0] = "changed"
	if is.DocLinks()[0] == "changed" {
		t.Error("DocLinks() should return a copy")
	}
}

func TestIssue_Render(t *testing.T) {
	t.Parallel()

	out, err := Get(ModuleNotFoundId).Render("notty")
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	for _, want := range []string{"Module not found", "See also", "nodejs.org"} {
		if !strings.Contains(out, want) {
			t.Errorf("Render() output missing %q", want)
		}
	}
}

func TestForError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Id
	}{
		{"not found", &engine.ModuleNotFoundError{ID: "x"}, ModuleNotFoundId},
		{"escapes root", &engine.ModuleNotFoundError{ID: "../x", Cause: repository.ErrEscapesRoot}, EscapesRootId},
		{"invalid package", &engine.ModuleNotFoundError{ID: "pkg", Cause: fmt.Errorf("%w: bad", resolve.ErrInvalidPackage)}, InvalidPackageId},
		{"compile", &script.CompileError{Source: "a.js"}, CompileFailedId},
		{"execution", &engine.ExecutionError{Module: "a", Cause: errors.New("boom")}, ExecutionFailedId},
		{"no such function", &engine.NoSuchFunctionError{Module: "a", Function: "f"}, NoSuchFunctionId},
		{"attached page", NewErrorContext().
			WithOperation("watch search path").
			WithIssue(WatchFailedId).
			Wrap(&engine.ModuleNotFoundError{ID: "x"}).
			Build(), WatchFailedId},
		{"no attached page", NewErrorContext().
			WithOperation("run").
			Wrap(&engine.ModuleNotFoundError{ID: "x"}).
			Build(), ModuleNotFoundId},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := ForError(fmt.Errorf("wrapped: %w", tt.err))
			if got == nil || got.Id() != tt.want {
				t.Errorf("ForError() = %v, want issue %d", got, tt.want)
			}
		})
	}

	if ForError(nil) != nil || ForError(errors.New("other")) != nil {
		t.Error("ForError() should return nil for unrelated errors")
	}
}
