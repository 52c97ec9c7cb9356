// SPDX-License-Identifier: MPL-2.0

package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/invowk/modhost/pkg/script"
)

var (
	// ErrModuleNotFound is the sentinel error wrapped by ModuleNotFoundError.
	ErrModuleNotFound = errors.New("module not found")
	// ErrNoSuchFunction is the sentinel error wrapped by NoSuchFunctionError.
	ErrNoSuchFunction = errors.New("no such function")
	// ErrExecution is the sentinel error wrapped by ExecutionError.
	ErrExecution = errors.New("module execution failed")
	// ErrCancelled is the result of a cancelled Future.
	ErrCancelled = errors.New("task cancelled")
	// ErrWorkerShutdown is the result of tasks discarded by Worker.Shutdown.
	ErrWorkerShutdown = errors.New("worker shut down")
	// ErrWorkerNotRunning is returned when a module handle is used outside
	// of a running worker call.
	ErrWorkerNotRunning = errors.New("worker is not running")
	// ErrNoLoader is returned when a resolved resource has no registered
	// loader for its extension.
	ErrNoLoader = errors.New("no loader for extension")
	// ErrEngineClosed is returned by operations on a closed engine.
	ErrEngineClosed = errors.New("engine closed")
)

type (
	// ModuleNotFoundError is returned when a module identifier cannot be
	// resolved. A nil Cause means no resource matched; a non-nil Cause is
	// the I/O or metadata failure that stopped resolution.
	// It wraps ErrModuleNotFound for errors.Is() compatibility.
	ModuleNotFoundError struct {
		ID     string
		Caller string
		Cause  error
	}

	// NoSuchFunctionError is returned by Invoke when the target module does
	// not export the requested function.
	// It wraps ErrNoSuchFunction for errors.Is() compatibility.
	NoSuchFunctionError struct {
		Module   string
		Function string
	}

	// ExecutionError is returned when the top-level code of a module fails.
	// Execution failures are never cached; the next load runs the module
	// again. It wraps ErrExecution for errors.Is() compatibility.
	ExecutionError struct {
		Module      string
		Diagnostics []script.Diagnostic
		Cause       error
	}

	// diagnosticSource is implemented by errors carrying script diagnostics.
	diagnosticSource interface {
		Diagnostics() []script.Diagnostic
	}
)

// Error implements the error interface.
func (e *ModuleNotFoundError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "module %q", e.ID)
	if e.Cause != nil {
		fmt.Fprintf(&sb, " could not be read: %v", e.Cause)
	} else {
		sb.WriteString(" not found")
	}
	if e.Caller != "" {
		fmt.Fprintf(&sb, " (required from %s)", e.Caller)
	}
	return sb.String()
}

// Unwrap returns ErrModuleNotFound and the cause.
func (e *ModuleNotFoundError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrModuleNotFound}
	}
	return []error{ErrModuleNotFound, e.Cause}
}

// Error implements the error interface.
func (e *NoSuchFunctionError) Error() string {
	if e.Module == "" {
		return fmt.Sprintf("no such function %q", e.Function)
	}
	return fmt.Sprintf("no such function %q in module %s", e.Function, e.Module)
}

// Unwrap returns ErrNoSuchFunction.
func (e *NoSuchFunctionError) Unwrap() error { return ErrNoSuchFunction }

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("executing %s: %v", e.Module, e.Cause)
}

// Unwrap returns ErrExecution and the cause.
func (e *ExecutionError) Unwrap() []error { return []error{ErrExecution, e.Cause} }

// executionError wraps err unless it already describes a failure the caller
// needs to see unchanged: nested execution errors, compile errors and
// resolution failures propagate as is.
func executionError(module string, err error) error {
	var (
		ee *ExecutionError
		ce *script.CompileError
		nf *ModuleNotFoundError
	)
	if errors.As(err, &ee) || errors.As(err, &ce) || errors.As(err, &nf) {
		return err
	}
	ex := &ExecutionError{Module: module, Cause: err}
	var ds diagnosticSource
	if errors.As(err, &ds) {
		ex.Diagnostics = ds.Diagnostics()
	} else {
		ex.Diagnostics = []script.Diagnostic{{Message: err.Error(), Source: module}}
	}
	return ex
}
