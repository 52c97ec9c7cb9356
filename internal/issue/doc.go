// SPDX-License-Identifier: MPL-2.0

// Package issue provides actionable errors and Markdown help pages for the
// modhost CLI.
//
// ActionableError carries the failed operation, the resource involved and
// remediation hints. Issue pages are longer Markdown explanations rendered
// with glamour when the CLI runs in verbose mode; ForError picks the page
// matching an engine failure.
package issue
