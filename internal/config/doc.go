// SPDX-License-Identifier: MPL-2.0

// Package config loads modhost configuration using Viper with CUE as the
// file format.
//
// The file is looked up at the --config path, then in the user config
// directory ($XDG_CONFIG_HOME/modhost/config.cue on Linux), then as
// ./config.cue. It is validated against the embedded config_schema.cue and
// merged over the defaults; MODHOST_* environment variables override both
// (MODHOST_CACHE_MAX_UNITS for cache.max_units).
package config
