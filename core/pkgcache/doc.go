// Package pkgcache caches compiled packages across compilations that share
// a process, so a long-lived service can recompile one changed package
// without re-parsing and re-binding all of its dependencies.
//
// A [Cache] holds at most one compiled artifact and one symbol table per
// [PackageID]. Both are kept in the same entry, so they are evicted,
// invalidated and cleared together. The number of packages is bounded
// (default [DefaultCapacity]); inserting beyond it drops the least
// recently used package.
//
//	pc := pkgcache.New(pkgcache.WithCapacity(100))
//	defer pc.Close()
//
//	if art, ok := pc.Get(id); ok {
//	    return art
//	}
//	art := compile(id)
//	pc.Put(id, art)
//
// When the source of a package changes, the caller removes it with
// [Cache.Invalidate]. Packages stored with [Cache.PutWithImports] also
// record their imports, which lets [Cache.InvalidateTransitive] drop every
// cached importer of a changed package as well.
//
// Every entry has an artifact: [Cache.PutSymbols] only attaches a symbol
// table to a package that is already cached, so Len and Keys count
// compiled packages only.
//
// The cache never compiles, never performs I/O and never returns errors.
// Zero ids and nil artifacts are ignored.
package pkgcache
