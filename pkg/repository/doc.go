// SPDX-License-Identifier: MPL-2.0

// Package repository provides the trackable store that script modules are
// resolved from.
//
// A Resource is a single compilable unit of content; a Repository is a
// container of resources and child repositories. Both implement Trackable,
// which exposes a checksum that changes whenever the content reachable through
// it changes. Lookups never fail for missing entries: they return a Trackable
// whose Exists method reports false, so traversal code branches on Exists
// rather than on errors. Errors are reserved for invalid paths (walking above
// a root) and I/O failures.
//
// Four backings share the contract:
//   - file.go: plain directories and files
//   - archive.go: entries of a zip (or jar) archive
//   - fs.go: resources hosted by an embedding container through fs.FS
//   - string.go: literal in-memory text used for eval input
//
// Child repositories and resources are created on demand and cached per
// parent in a bounded LRU; eviction only costs a re-lookup.
package repository
