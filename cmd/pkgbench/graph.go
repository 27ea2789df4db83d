package main

import (
	"fmt"

	"github.com/codewandler/pkgcache-go/core/pkgcache"
	"github.com/codewandler/pkgcache-go/internal/toylang"
)

const exportName = "Sym"

type pkgSpec struct {
	id      pkgcache.PackageID
	imports []pkgcache.PackageID
	exports []string
}

func (p pkgSpec) code() []byte {
	uses := make(map[pkgcache.PackageID]string, len(p.imports))
	for _, imp := range p.imports {
		uses[imp] = exportName
	}
	return toylang.Source(p.imports, uses, p.exports...)
}

// graph is a layered package graph: every package of layer L imports
// fanout packages of layer L-1 and root imports the whole top layer.
type graph struct {
	pkgs []pkgSpec // dependencies before importers
	root pkgcache.PackageID
	leaf pkgcache.PackageID
}

func newGraph(n, width, fanout int) *graph {
	width = max(width, 1)
	fanout = min(max(fanout, 0), width)

	g := &graph{}
	ids := make([]pkgcache.PackageID, n)
	for i := range n {
		ids[i] = pkgcache.NewPackageID("bench", fmt.Sprintf("p%04d", i), "1")
	}

	for i := range n {
		spec := pkgSpec{id: ids[i], exports: []string{exportName}}
		if layer := i / width; layer > 0 {
			lo := (layer - 1) * width
			for k := range fanout {
				spec.imports = append(spec.imports, ids[lo+(i+k)%width])
			}
		}
		g.pkgs = append(g.pkgs, spec)
	}

	root := pkgSpec{id: pkgcache.NewPackageID("bench", "root", "1")}
	if n > 0 {
		top := (n - 1) / width * width
		root.imports = append(root.imports, ids[top:]...)
		g.leaf = ids[0]
	}
	g.pkgs = append(g.pkgs, root)
	g.root = root.id

	return g
}

// edited returns the leaf with one more export.
func (g *graph) edited(round int) pkgSpec {
	return pkgSpec{
		id:      g.leaf,
		exports: []string{exportName, fmt.Sprintf("Edit%d", round)},
	}
}
