// SPDX-License-Identifier: MPL-2.0

package resolve

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tailscale/hujson"

	"github.com/invowk/modhost/pkg/repository"
)

const (
	// PackageFile is the name of the package metadata resource.
	PackageFile = "package.json"
	// DefaultLibDir is the library subdirectory used when a package does
	// not configure directories.lib.
	DefaultLibDir = "lib"
	// DefaultMain is the entry module of a package without a main field.
	DefaultMain = "index"
)

// ErrInvalidPackage is the sentinel error wrapped by PackageError.
var ErrInvalidPackage = errors.New("invalid package metadata")

type (
	// Package is the decoded package metadata. Comments and trailing commas
	// are accepted.
	Package struct {
		Name        string      `json:"name"`
		Main        string      `json:"main"`
		Directories Directories `json:"directories"`
	}

	// Directories holds the directory layout fields of a package.
	Directories struct {
		Lib string `json:"lib"`
	}

	// PackageError is returned when package metadata cannot be decoded.
	// It wraps ErrInvalidPackage for errors.Is() compatibility.
	PackageError struct {
		Path string
		Err  error
	}
)

// Error implements the error interface.
func (e *PackageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

// Unwrap returns ErrInvalidPackage and the decode error.
func (e *PackageError) Unwrap() []error { return []error{ErrInvalidPackage, e.Err} }

// ReadPackage decodes the package metadata held by res.
func ReadPackage(res repository.Resource) (*Package, error) {
	b, err := res.Content()
	if err != nil {
		return nil, err
	}
	b, err = hujson.Standardize(b)
	if err != nil {
		return nil, &PackageError{Path: res.Path(), Err: err}
	}
	var pkg Package
	if err := json.Unmarshal(b, &pkg); err != nil {
		return nil, &PackageError{Path: res.Path(), Err: err}
	}
	return &pkg, nil
}

// EntryModule returns the main module path, defaulting to DefaultMain.
func (p *Package) EntryModule() string {
	if p.Main == "" {
		return DefaultMain
	}
	return p.Main
}

// LibDir returns the library directory, falling back to def and then to
// DefaultLibDir.
func (p *Package) LibDir(def string) string {
	switch {
	case p.Directories.Lib != "":
		return p.Directories.Lib
	case def != "":
		return def
	default:
		return DefaultLibDir
	}
}
