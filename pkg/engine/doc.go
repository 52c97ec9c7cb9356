// SPDX-License-Identifier: MPL-2.0

// Package engine hosts CommonJS-style modules.
//
// An Engine owns the module search path, the loader registry (keyed by file
// extension), the shared compilation cache and a pool of workers. A Worker is
// a serialized execution context: it holds the module scopes it has
// executed, a lock that admits one call at a time, and a lazily started
// scheduler for submitted, delayed and periodic calls.
//
// Loading a module on a worker resolves the id, fetches the compiled unit
// from the cache and, unless the worker already holds a fresh scope for it,
// runs the unit's top-level code. Modules required while another module's
// top-level code runs become its dependencies, so with reload enabled an
// edit anywhere below a module invalidates it.
//
// Failures are reported with distinct error types: ModuleNotFoundError for
// resolution failures, *script.CompileError for compile failures (cached and
// replayed until the source changes), ExecutionError for failing top-level
// code (never cached) and plain errors for I/O failures.
package engine
