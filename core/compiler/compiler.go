// Package compiler drives compilation of packages on top of a package
// cache.
//
// A [Driver] owns the [pkgcache.Cache] it is given. Load answers from the
// cache when it can and otherwise looks the package up in a
// [source.Repository], hands it to a [Compiler] and stores the result
// together with the imports the compiler reported. Imports are loaded
// recursively through the same driver, so a package is compiled at most
// once no matter how many importers ask for it concurrently.
//
// Invalidate through the driver (Invalidate, InvalidateTransitive, Clear),
// not through its cache: only the driver knows which builds are running
// and keeps their results out of the cache once their package is dropped.
package compiler

import (
	"context"
	"errors"
	"fmt"

	"github.com/codewandler/pkgcache-go/core/pkgcache"
	"github.com/codewandler/pkgcache-go/ports/source"
)

var (
	ErrImportCycle = errors.New("import cycle")
	ErrNoArtifact  = errors.New("compiler returned no artifact")
	ErrClosed      = errors.New("driver is closed")
)

// ImportResolver loads an imported package and returns its symbol table.
type ImportResolver func(ctx context.Context, id pkgcache.PackageID) (pkgcache.Symbols, error)

// Compiler turns package sources into an artifact and a symbol table.
type Compiler interface {
	Compile(ctx context.Context, src *source.Package, resolve ImportResolver) (*Result, error)
}

// CompilerFunc adapts a function to the Compiler interface.
type CompilerFunc func(ctx context.Context, src *source.Package, resolve ImportResolver) (*Result, error)

func (f CompilerFunc) Compile(ctx context.Context, src *source.Package, resolve ImportResolver) (*Result, error) {
	return f(ctx, src, resolve)
}

type Result struct {
	Artifact pkgcache.Artifact
	Symbols  pkgcache.Symbols
	// Imports are recorded in the cache so that invalidating one of them
	// can reach this package.
	Imports []pkgcache.PackageID
}

// CompileError is returned when compiling a package fails.
type CompileError struct {
	ID  pkgcache.PackageID
	Err error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile %s: %v", e.ID, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }
