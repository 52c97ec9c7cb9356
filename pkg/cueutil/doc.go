// SPDX-License-Identifier: MPL-2.0

// Package cueutil validates CUE documents against embedded schemas.
//
// Documents are compiled, unified with a schema definition and validated;
// failures are reported as "<file>: <path>: <message>" with JSON-style
// paths (search_paths[1], cache.max_units).
//
//	//go:embed config_schema.cue
//	var schema []byte
//
//	var m map[string]any
//	if err := cueutil.Decode(schema, data, "#Config", &m, cueutil.WithFilename(path)); err != nil {
//	    return err
//	}
package cueutil
