package pkgcache

import (
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/codewandler/pkgcache-go/core/cache"
)

type (
	// Artifact is a compiled package. The cache never inspects it; callers
	// must treat values returned by Get as read-only.
	Artifact = any

	// Symbols is the exported symbol table of a compiled package.
	Symbols = any
)

// entry is replaced as a whole on every write, never mutated in place.
type entry struct {
	id       PackageID
	artifact Artifact
	symbols  Symbols
	imports  []PackageID
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Hits          uint64
	Misses        uint64
	Puts          uint64
	Evictions     uint64
	Invalidations uint64
	Entries       int
}

// Cache keeps at most one compiled artifact and symbol table per package,
// bounded by capacity with least-recently-used eviction.
type Cache struct {
	lru     *cache.LRU[*entry]
	log     *slog.Logger
	metrics CacheMetrics
	putOpts []cache.PutOption
	onEvict func(PackageID)

	// mu guards dependents. Never hold it while calling into lru: the
	// eviction callback takes mu on the lru goroutine.
	mu sync.Mutex
	// imported alias -> importer alias -> importer id
	dependents map[string]map[string]PackageID

	hits          atomic.Uint64
	misses        atomic.Uint64
	puts          atomic.Uint64
	evictions     atomic.Uint64
	invalidations atomic.Uint64
}

func New(opts ...Option) *Cache {
	o := newOptions(opts)

	c := &Cache{
		log:        o.log.With(slog.String("component", "pkgcache")),
		metrics:    o.metrics,
		onEvict:    o.onEvict,
		dependents: make(map[string]map[string]PackageID),
	}
	if o.ttl > 0 {
		c.putOpts = []cache.PutOption{cache.WithTTL(o.ttl)}
	}
	c.lru = cache.NewLRU(cache.LRUOpts[*entry]{
		Size:    o.capacity,
		OnEvict: c.evicted,
	})

	c.log.Debug("package cache created", slog.Int("capacity", o.capacity), slog.Duration("ttl", o.ttl))

	return c
}

// Capacity returns the maximum number of cached packages.
func (c *Cache) Capacity() int { return c.lru.Size() }

// Peek is like Lookup but neither marks id as recently used nor counts
// a hit or miss.
func (c *Cache) Peek(id PackageID) (Artifact, Symbols, bool) {
	if id.IsZero() {
		return nil, nil, false
	}
	e, ok := c.lru.Peek(id.String())
	if !ok || e.artifact == nil {
		return nil, nil, false
	}
	return e.artifact, e.symbols, true
}

// Get returns the artifact stored for id. A hit marks id as most recently
// used; nothing else changes.
func (c *Cache) Get(id PackageID) (Artifact, bool) {
	artifact, _, ok := c.Lookup(id)
	return artifact, ok
}

// Put stores or replaces the artifact for id. A nil artifact or a zero id
// is ignored. Symbols and recorded imports of an existing entry are kept.
func (c *Cache) Put(id PackageID, artifact Artifact) {
	if id.IsZero() || isNil(artifact) {
		return
	}
	c.lru.Update(id.String(), func(old *entry, ok bool) (*entry, bool) {
		e := &entry{id: id, artifact: artifact}
		if ok {
			e.symbols = old.symbols
			e.imports = old.imports
		}
		return e, true
	}, c.putOpts...)
	c.stored(id)
}

// PutWithImports is like Put but also records the packages artifact
// imports, replacing previously recorded imports. InvalidateTransitive
// follows these edges in reverse.
func (c *Cache) PutWithImports(id PackageID, artifact Artifact, imports ...PackageID) {
	c.putEntry(id, artifact, nil, true, imports)
}

// PutPackage stores a complete compilation result: artifact, symbol table
// and imports replace whatever was cached for id in one step. A nil symbol
// table drops the previous one.
func (c *Cache) PutPackage(id PackageID, artifact Artifact, symbols Symbols, imports ...PackageID) {
	c.putEntry(id, artifact, symbols, false, imports)
}

func (c *Cache) putEntry(id PackageID, artifact Artifact, symbols Symbols, keepSymbols bool, imports []PackageID) {
	if id.IsZero() || isNil(artifact) {
		return
	}
	if isNil(symbols) {
		symbols = nil
	}
	imports = compactIDs(imports)
	key := id.String()

	// Edges are rewritten inside Update so they change atomically with the
	// entry; a concurrent Invalidate sees either both or neither.
	c.lru.Update(key, func(old *entry, ok bool) (*entry, bool) {
		e := &entry{id: id, artifact: artifact, symbols: symbols, imports: imports}

		c.mu.Lock()
		if ok {
			if keepSymbols {
				e.symbols = old.symbols
			}
			c.unlinkLocked(key, old.imports)
		}
		for _, imp := range imports {
			importers, found := c.dependents[imp.String()]
			if !found {
				importers = make(map[string]PackageID)
				c.dependents[imp.String()] = importers
			}
			importers[key] = id
		}
		c.mu.Unlock()

		return e, true
	}, c.putOpts...)

	c.stored(id)
}

// Lookup returns artifact and symbols of id as stored together. It counts
// as a hit or miss just like Get.
func (c *Cache) Lookup(id PackageID) (Artifact, Symbols, bool) {
	if id.IsZero() {
		return nil, nil, false
	}
	e, ok := c.lru.Get(id.String())
	if !ok || e.artifact == nil {
		c.misses.Add(1)
		c.metrics.CacheMiss()
		c.log.Debug("cache miss", slog.String("pkg", id.String()))
		return nil, nil, false
	}
	c.hits.Add(1)
	c.metrics.CacheHit()
	c.log.Debug("cache hit", slog.String("pkg", id.String()))
	return e.artifact, e.symbols, true
}

// Symbols returns the symbol table stored for id.
func (c *Cache) Symbols(id PackageID) (Symbols, bool) {
	if id.IsZero() {
		return nil, false
	}
	e, ok := c.lru.Get(id.String())
	if !ok || e.symbols == nil {
		return nil, false
	}
	return e.symbols, true
}

// PutSymbols stores or replaces the symbol table of a cached package. It
// is ignored when no artifact is cached for id, for a nil table and for a
// zero id.
func (c *Cache) PutSymbols(id PackageID, symbols Symbols) {
	if id.IsZero() || isNil(symbols) {
		return
	}
	c.lru.Update(id.String(), func(old *entry, ok bool) (*entry, bool) {
		if !ok {
			return nil, false
		}
		return &entry{id: id, artifact: old.artifact, symbols: symbols, imports: old.imports}, true
	}, c.putOpts...)
	c.metrics.CacheSize(c.lru.Len())
}

// Invalidate removes the artifact and symbols of id. Packages importing id
// are left alone; see InvalidateTransitive. Zero or absent ids are a no-op.
func (c *Cache) Invalidate(id PackageID) {
	if id.IsZero() {
		return
	}
	removed := 0
	if c.remove(id) {
		removed = 1
	}
	c.metrics.CacheInvalidation(false, removed)
	c.metrics.CacheSize(c.lru.Len())
	c.log.Debug("invalidated", slog.String("pkg", id.String()), slog.Bool("present", removed == 1))
}

// InvalidateTransitive removes id and every cached package that imports it,
// directly or indirectly. It returns the removed packages in breadth-first
// order starting at id.
func (c *Cache) InvalidateTransitive(id PackageID) []PackageID {
	if id.IsZero() {
		return nil
	}

	var removed []PackageID
	for _, dep := range c.importersClosure(id) {
		if c.remove(dep) {
			removed = append(removed, dep)
		}
	}

	c.metrics.CacheInvalidation(true, len(removed))
	c.metrics.CacheSize(c.lru.Len())
	c.log.Debug("invalidated transitively", slog.String("pkg", id.String()), slog.Int("removed", len(removed)))

	return removed
}

// Dependents returns the cached packages recorded as importing id directly,
// sorted by alias.
func (c *Cache) Dependents(id PackageID) []PackageID {
	c.mu.Lock()
	importers := c.dependents[id.String()]
	out := make([]PackageID, 0, len(importers))
	for _, imp := range importers {
		out = append(out, imp)
	}
	c.mu.Unlock()

	sortIDs(out)
	return out
}

// Clear removes all entries. It is idempotent.
func (c *Cache) Clear() {
	c.lru.Clear()

	c.mu.Lock()
	clear(c.dependents)
	c.mu.Unlock()

	c.metrics.CacheSize(0)
	c.log.Debug("cleared")
}

// Len returns the number of cached packages.
func (c *Cache) Len() int { return c.lru.Len() }

// Keys returns the cached package ids, most recently used first.
func (c *Cache) Keys() []PackageID {
	var out []PackageID
	c.lru.Range(func(_ string, e *entry) bool {
		out = append(out, e.id)
		return true
	})
	return out
}

// Snapshot returns the cached artifacts by alias. Recency is not updated.
func (c *Cache) Snapshot() map[string]Artifact {
	out := make(map[string]Artifact)
	c.lru.Range(func(key string, e *entry) bool {
		if e.artifact != nil {
			out[key] = e.artifact
		}
		return true
	})
	return out
}

func (c *Cache) Stats() Stats {
	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Puts:          c.puts.Load(),
		Evictions:     c.evictions.Load(),
		Invalidations: c.invalidations.Load(),
		Entries:       c.lru.Len(),
	}
}

// Close releases the cache goroutine. The cache is empty afterwards.
func (c *Cache) Close() {
	c.lru.Close()
}

func (c *Cache) stored(id PackageID) {
	c.puts.Add(1)
	c.metrics.CachePut()
	c.metrics.CacheSize(c.lru.Len())
	c.log.Debug("cache put", slog.String("pkg", id.String()))
}

func (c *Cache) remove(id PackageID) (found bool) {
	key := id.String()
	c.lru.Update(key, func(old *entry, ok bool) (*entry, bool) {
		if ok {
			found = true
			c.mu.Lock()
			c.unlinkLocked(key, old.imports)
			c.mu.Unlock()
		}
		return nil, false
	})
	if found {
		c.invalidations.Add(1)
	}
	return found
}

// evicted runs on the lru goroutine.
func (c *Cache) evicted(key string, e *entry) {
	c.mu.Lock()
	c.unlinkLocked(key, e.imports)
	c.mu.Unlock()

	c.evictions.Add(1)
	c.metrics.CacheEviction()
	c.log.Debug("cache evict", slog.String("pkg", key))

	if c.onEvict != nil {
		c.onEvict(e.id)
	}
}

// unlinkLocked drops the edges importer -> imports. Edges pointing at
// importer stay, its own importers are still cached.
func (c *Cache) unlinkLocked(importer string, imports []PackageID) {
	for _, imp := range imports {
		k := imp.String()
		if importers, ok := c.dependents[k]; ok {
			delete(importers, importer)
			if len(importers) == 0 {
				delete(c.dependents, k)
			}
		}
	}
}

func (c *Cache) importersClosure(root PackageID) []PackageID {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := map[string]struct{}{root.String(): {}}
	order := []PackageID{root}
	for i := 0; i < len(order); i++ {
		next := make([]PackageID, 0, len(c.dependents[order[i].String()]))
		for key, imp := range c.dependents[order[i].String()] {
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			next = append(next, imp)
		}
		sortIDs(next)
		order = append(order, next...)
	}
	return order
}

func compactIDs(ids []PackageID) []PackageID {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[PackageID]struct{}, len(ids))
	out := make([]PackageID, 0, len(ids))
	for _, id := range ids {
		if id.IsZero() {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func sortIDs(ids []PackageID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	switch rv := reflect.ValueOf(v); rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
