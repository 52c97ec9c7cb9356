// SPDX-License-Identifier: MPL-2.0

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/tailscale/hujson"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/invowk/modhost/pkg/repository"
	"github.com/invowk/modhost/pkg/script"
)

const (
	// DefaultSourceExtension is the extension of the source loader.
	DefaultSourceExtension = ".js"
	// JSONExtension is the extension of the structured data loader.
	JSONExtension = ".json"
	// PrecompiledExtension is the extension of the precompiled loader.
	PrecompiledExtension = ".modc"
	// PrecompiledVersion is the newest precompiled envelope version read.
	PrecompiledVersion = 1
)

type (
	// Loader turns a resource into a program. Loaders report compile
	// failures as *script.CompileError; any other error is treated as an
	// I/O failure and not cached.
	Loader interface {
		Load(ctx context.Context, res repository.Resource) (script.Program, error)
	}

	// LoaderFunc adapts a function to the Loader interface.
	LoaderFunc func(ctx context.Context, res repository.Resource) (script.Program, error)

	// Precompiled is the msgpack envelope of precompiled module files.
	Precompiled struct {
		// Format names the payload encoding understood by the compiler.
		Format string `msgpack:"format"`
		// Version is the envelope version.
		Version int `msgpack:"version"`
		// Source is the identity path of the source the payload was built from.
		Source string `msgpack:"source"`
		// Payload is the compiler specific program encoding.
		Payload []byte `msgpack:"payload"`
	}

	sourceLoader struct {
		compiler script.Compiler
	}

	jsonLoader struct{}

	precompiledLoader struct {
		compiler script.Compiler
	}

	loaderEntry struct {
		ext    string
		loader Loader
	}

	// loaderSet is an immutable snapshot of the loader registry.
	loaderSet struct {
		entries []loaderEntry
	}
)

// Load calls f.
func (f LoaderFunc) Load(ctx context.Context, res repository.Resource) (script.Program, error) {
	return f(ctx, res)
}

// EncodePrecompiled returns the file content of a precompiled module.
func EncodePrecompiled(p Precompiled) ([]byte, error) {
	if p.Version == 0 {
		p.Version = PrecompiledVersion
	}
	return msgpack.Marshal(&p)
}

func sourceOf(res repository.Resource) (script.Source, error) {
	content, err := res.Content()
	if err != nil {
		return script.Source{}, err
	}
	return script.Source{Name: res.Path(), Module: res.ModuleName(), Content: content}, nil
}

func (l sourceLoader) Load(ctx context.Context, res repository.Resource) (script.Program, error) {
	src, err := sourceOf(res)
	if err != nil {
		return nil, err
	}
	prog, err := l.compiler.Compile(ctx, src)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, script.AsCompileError(res.Path(), err)
	}
	return prog, nil
}

func (jsonLoader) Load(_ context.Context, res repository.Resource) (script.Program, error) {
	content, err := res.Content()
	if err != nil {
		return nil, err
	}
	std, err := hujson.Standardize(content)
	if err != nil {
		return nil, &script.CompileError{
			Source:      res.Path(),
			Diagnostics: []script.Diagnostic{{Message: err.Error(), Source: res.Path()}},
			Cause:       err,
		}
	}
	var v any
	if err := json.Unmarshal(std, &v); err != nil {
		return nil, &script.CompileError{Source: res.Path(), Cause: err}
	}
	return script.Value(v), nil
}

func (l precompiledLoader) Load(ctx context.Context, res repository.Resource) (script.Program, error) {
	content, err := res.Content()
	if err != nil {
		return nil, err
	}
	var p Precompiled
	if err := msgpack.Unmarshal(content, &p); err != nil {
		return nil, &script.CompileError{Source: res.Path(), Cause: err}
	}
	if p.Version < 1 || p.Version > PrecompiledVersion {
		return nil, &script.CompileError{
			Source: res.Path(),
			Cause:  fmt.Errorf("%w: envelope version %d", script.ErrUnsupportedFormat, p.Version),
		}
	}
	dec, ok := l.compiler.(script.Decoder)
	if !ok {
		return nil, &script.CompileError{
			Source: res.Path(),
			Cause:  fmt.Errorf("%w: compiler cannot decode %q", script.ErrUnsupportedFormat, p.Format),
		}
	}
	src := script.Source{Name: res.Path(), Module: res.ModuleName()}
	prog, err := dec.Decode(ctx, src, p.Format, p.Payload)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, script.AsCompileError(res.Path(), err)
	}
	return prog, nil
}

// builtinLoaders returns the loaders every engine starts with, in
// resolution order.
func builtinLoaders(compiler script.Compiler, sourceExt string) []loaderEntry {
	return []loaderEntry{
		{ext: sourceExt, loader: sourceLoader{compiler: compiler}},
		{ext: JSONExtension, loader: jsonLoader{}},
		{ext: PrecompiledExtension, loader: precompiledLoader{compiler: compiler}},
	}
}

func (s *loaderSet) extensions() []string {
	exts := make([]string, len(s.entries))
	for i, e := range s.entries {
		exts[i] = e.ext
	}
	return exts
}

func (s *loaderSet) lookup(ext string) (Loader, bool) {
	for _, e := range s.entries {
		if e.ext == ext {
			return e.loader, true
		}
	}
	return nil, false
}

// with returns a copy of s with ext bound to l. An existing binding is
// replaced in place so resolution order is kept.
func (s *loaderSet) with(ext string, l Loader) *loaderSet {
	entries := slices.Clone(s.entries)
	for i := range entries {
		if entries[i].ext == ext {
			entries[i].loader = l
			return &loaderSet{entries: entries}
		}
	}
	return &loaderSet{entries: append(entries, loaderEntry{ext: ext, loader: l})}
}

// without returns a copy of s with ext removed.
func (s *loaderSet) without(ext string) *loaderSet {
	return &loaderSet{entries: slices.DeleteFunc(slices.Clone(s.entries), func(e loaderEntry) bool {
		return e.ext == ext
	})}
}
