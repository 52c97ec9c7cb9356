// SPDX-License-Identifier: MPL-2.0

// Package cmd implements the modhost command line: module resolution,
// loading and evaluation against a configured search path, cache and
// repository inspection, and watch-driven reloading.
package cmd
