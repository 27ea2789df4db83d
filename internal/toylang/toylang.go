// Package toylang is a tiny line-based language used to exercise the
// compiler driver without a real toolchain.
//
// Every non-empty line of a source entry is one of
//
//	import org/name:version   declare an import
//	export name               declare an exported symbol
//	use org/name:version name reference a symbol of an imported package
//	# comment
//
// Compiling a package resolves all imports through the driver and checks
// every use against the imported symbol tables.
package toylang

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/codewandler/pkgcache-go/core/compiler"
	"github.com/codewandler/pkgcache-go/core/pkgcache"
	"github.com/codewandler/pkgcache-go/ports/source"
)

var (
	ErrSyntax          = errors.New("syntax error")
	ErrDuplicateExport = errors.New("duplicate export")
	ErrUndefined       = errors.New("undefined symbol")
	ErrNotImported     = errors.New("package not imported")
)

// Artifact is the compiled form of a package.
type Artifact struct {
	ID      pkgcache.PackageID
	Digest  source.Digest
	Imports []pkgcache.PackageID
	Exports []string
	Uses    int
	Lines   int
}

// SymbolTable lists the names a package exports, sorted.
type SymbolTable struct {
	Package pkgcache.PackageID
	Names   []string
}

func (s *SymbolTable) Has(name string) bool {
	_, found := slices.BinarySearch(s.Names, name)
	return found
}

// Compiler compiles toylang packages. Cost simulates the time a real
// compiler spends per package.
type Compiler struct {
	Cost time.Duration
}

func New(cost time.Duration) *Compiler {
	return &Compiler{Cost: cost}
}

type use struct {
	pkg  pkgcache.PackageID
	name string
	pos  string
}

type unit struct {
	imports []pkgcache.PackageID
	exports []string
	uses    []use
	lines   int
}

func (c *Compiler) Compile(ctx context.Context, src *source.Package, resolve compiler.ImportResolver) (*compiler.Result, error) {
	u, err := parse(src)
	if err != nil {
		return nil, err
	}

	tables := make(map[pkgcache.PackageID]*SymbolTable, len(u.imports))
	for _, imp := range u.imports {
		syms, err := resolve(ctx, imp)
		if err != nil {
			return nil, fmt.Errorf("import %s: %w", imp, err)
		}
		table, ok := syms.(*SymbolTable)
		if !ok {
			return nil, fmt.Errorf("import %s: unexpected symbol table %T", imp, syms)
		}
		tables[imp] = table
	}

	for _, ref := range u.uses {
		table, ok := tables[ref.pkg]
		if !ok {
			return nil, fmt.Errorf("%s: %w: %s", ref.pos, ErrNotImported, ref.pkg)
		}
		if !table.Has(ref.name) {
			return nil, fmt.Errorf("%s: %w: %s.%s", ref.pos, ErrUndefined, ref.pkg, ref.name)
		}
	}

	if c.Cost > 0 {
		t := time.NewTimer(c.Cost)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	return &compiler.Result{
		Artifact: &Artifact{
			ID:      src.ID,
			Digest:  src.Digest(),
			Imports: u.imports,
			Exports: u.exports,
			Uses:    len(u.uses),
			Lines:   u.lines,
		},
		Symbols: &SymbolTable{Package: src.ID, Names: u.exports},
		Imports: u.imports,
	}, nil
}

func parse(src *source.Package) (*unit, error) {
	u := &unit{}
	exported := make(map[string]string)

	for _, e := range src.Entries {
		sc := bufio.NewScanner(bytes.NewReader(e.Code))
		n := 0
		for sc.Scan() {
			n++
			line := strings.TrimSpace(sc.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			u.lines++
			pos := fmt.Sprintf("%s:%d", e.Name, n)

			fields := strings.Fields(line)
			switch {
			case fields[0] == "import" && len(fields) == 2:
				id, err := pkgcache.ParsePackageID(fields[1])
				if err != nil {
					return nil, fmt.Errorf("%s: %w: %w", pos, ErrSyntax, err)
				}
				u.imports = append(u.imports, id)
			case fields[0] == "export" && len(fields) == 2:
				if prev, dup := exported[fields[1]]; dup {
					return nil, fmt.Errorf("%s: %w: %s first declared at %s", pos, ErrDuplicateExport, fields[1], prev)
				}
				exported[fields[1]] = pos
				u.exports = append(u.exports, fields[1])
			case fields[0] == "use" && len(fields) == 3:
				id, err := pkgcache.ParsePackageID(fields[1])
				if err != nil {
					return nil, fmt.Errorf("%s: %w: %w", pos, ErrSyntax, err)
				}
				u.uses = append(u.uses, use{pkg: id, name: fields[2], pos: pos})
			default:
				return nil, fmt.Errorf("%s: %w: %q", pos, ErrSyntax, line)
			}
		}
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name, err)
		}
	}

	slices.SortFunc(u.imports, func(a, b pkgcache.PackageID) int { return strings.Compare(a.String(), b.String()) })
	u.imports = slices.Compact(u.imports)
	slices.Sort(u.exports)
	return u, nil
}

// Source renders a package body: the imports, a use line for every import
// that has an entry in uses, then the exports.
func Source(imports []pkgcache.PackageID, uses map[pkgcache.PackageID]string, exports ...string) []byte {
	var b strings.Builder
	for _, imp := range imports {
		fmt.Fprintf(&b, "import %s\n", imp)
	}
	for _, imp := range imports {
		if name, ok := uses[imp]; ok {
			fmt.Fprintf(&b, "use %s %s\n", imp, name)
		}
	}
	for _, e := range exports {
		fmt.Fprintf(&b, "export %s\n", e)
	}
	return []byte(b.String())
}

var _ compiler.Compiler = (*Compiler)(nil)
