// SPDX-License-Identifier: MPL-2.0

// Package testutil provides helper functions for tests that handle errors
// appropriately, reducing boilerplate and ensuring consistent error handling.
//
// Common helpers include file system fixtures (MustWriteFile, MustWriteZip,
// MustRewriteFile), environment variable management (MustSetenv), a
// deterministic FakeClock and Compiler, a line-directive script compiler
// that counts compile calls so tests can observe cache behavior.
package testutil
