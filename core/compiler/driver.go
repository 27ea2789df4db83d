package compiler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/codewandler/pkgcache-go/core/perkey"
	"github.com/codewandler/pkgcache-go/core/pkgcache"
	"github.com/codewandler/pkgcache-go/core/sf"
	"github.com/codewandler/pkgcache-go/ports/source"
)

// DefaultWorkerIdleTimeout is how long a per-package worker of the driver
// lingers after its last invalidation or refresh.
const DefaultWorkerIdleTimeout = time.Minute

type Options struct {
	// Cache receives every compiled package. A cache with default capacity
	// is created when nil. The driver closes it on Close.
	Cache      *pkgcache.Cache
	Repository source.Repository
	Compiler   Compiler
	Log        *slog.Logger
	Metrics    DriverMetrics
	// WorkerIdleTimeout defaults to DefaultWorkerIdleTimeout.
	WorkerIdleTimeout time.Duration
}

type loaded struct {
	artifact pkgcache.Artifact
	symbols  pkgcache.Symbols
}

// Driver compiles packages on demand and keeps the results in its cache.
type Driver struct {
	cache   *pkgcache.Cache
	repo    source.Repository
	comp    Compiler
	log     *slog.Logger
	metrics DriverMetrics

	flight *sf.Singleflight[*loaded]
	sched  *perkey.Scheduler[pkgcache.PackageID]

	// mu guards the maps below and makes storing a compilation result
	// atomic with respect to invalidation.
	mu sync.Mutex
	// source digest each cached package was compiled from
	digests map[pkgcache.PackageID]source.Digest
	// bumped by invalidations of a package while it is being built; a
	// build that started under an older generation does not store its
	// result. Entries live only as long as a build of the package runs.
	gens map[pkgcache.PackageID]uint64
	// number of running builds per package
	building map[pkgcache.PackageID]int
	// package being compiled -> import it is currently waiting for
	waiting map[pkgcache.PackageID]pkgcache.PackageID
}

func New(opts Options) (*Driver, error) {
	if opts.Repository == nil {
		return nil, errors.New("compiler: repository is required")
	}
	if opts.Compiler == nil {
		return nil, errors.New("compiler: compiler is required")
	}

	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "compiler"))

	c := opts.Cache
	if c == nil {
		c = pkgcache.New(pkgcache.WithLogger(log))
	}
	m := opts.Metrics
	if m == nil {
		m = NopDriverMetrics()
	}
	idle := opts.WorkerIdleTimeout
	if idle <= 0 {
		idle = DefaultWorkerIdleTimeout
	}

	return &Driver{
		cache:   c,
		repo:    opts.Repository,
		comp:    opts.Compiler,
		log:     log,
		metrics: m,
		flight:  sf.New[*loaded](),
		sched:   perkey.New[pkgcache.PackageID](perkey.WithIdleTimeout(idle)),
		digests: make(map[pkgcache.PackageID]source.Digest),
		gens:     make(map[pkgcache.PackageID]uint64),
		building: make(map[pkgcache.PackageID]int),
		waiting:  make(map[pkgcache.PackageID]pkgcache.PackageID),
	}, nil
}

// Cache returns the cache owned by the driver.
func (d *Driver) Cache() *pkgcache.Cache { return d.cache }

// Digest returns the source digest of the compilation of id that is
// currently cached. It reports false once that entry is invalidated or
// evicted.
func (d *Driver) Digest(id pkgcache.PackageID) (source.Digest, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.digestLocked(id)
}

// Load returns the compiled artifact of id, compiling it and its imports
// on a cache miss. Concurrent misses for the same package share one
// compilation, whose context is the one of the first caller.
func (d *Driver) Load(ctx context.Context, id pkgcache.PackageID) (pkgcache.Artifact, error) {
	l, err := d.load(ctx, id, pkgcache.PackageID{})
	if err != nil {
		return nil, err
	}
	return l.artifact, nil
}

// Invalidate drops id from the cache. Importers of id stay cached.
func (d *Driver) Invalidate(ctx context.Context, id pkgcache.PackageID) error {
	return d.sched.DoContext(ctx, id, func() error {
		d.invalidate(id)
		return nil
	})
}

// InvalidateTransitive drops id and every cached package importing it,
// directly or indirectly, and returns the dropped packages.
func (d *Driver) InvalidateTransitive(ctx context.Context, id pkgcache.PackageID) ([]pkgcache.PackageID, error) {
	var removed []pkgcache.PackageID
	err := d.sched.DoContext(ctx, id, func() error {
		removed = d.invalidateTransitive(id)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// Refresh re-reads the sources of id. If they differ from the sources id
// was compiled from, id and its importers are invalidated and id is
// compiled again; importers recompile on their next Load. Refresh reports
// whether the sources changed. A package that is not cached, because it
// was never compiled or has been invalidated or evicted, is left alone.
func (d *Driver) Refresh(ctx context.Context, id pkgcache.PackageID) (bool, error) {
	var changed bool
	err := d.sched.DoContext(ctx, id, func() error {
		d.mu.Lock()
		recorded, compiled := d.digestLocked(id)
		d.mu.Unlock()
		if !compiled {
			return nil
		}

		log := d.log.With(slog.String("pkg", id.String()))

		src, err := d.repo.Lookup(ctx, id)
		if errors.Is(err, source.ErrPackageNotFound) {
			changed = true
			d.metrics.SourceChanged()
			removed := d.invalidateTransitive(id)
			log.Info("package source removed", slog.Int("invalidated", len(removed)))
			return nil
		}
		if err != nil {
			return fmt.Errorf("refresh %s: %w", id, err)
		}

		digest := src.Digest()
		if digest == recorded {
			return nil
		}
		changed = true
		d.metrics.SourceChanged()
		removed := d.invalidateTransitive(id)
		log.Info("package source changed",
			slog.Group("digest",
				slog.String("old", shortDigest(recorded)),
				slog.String("new", shortDigest(digest)),
			),
			slog.Int("invalidated", len(removed)),
		)

		_, err = d.load(ctx, id, pkgcache.PackageID{})
		return err
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

// Recompile invalidates id and compiles it again.
func (d *Driver) Recompile(ctx context.Context, id pkgcache.PackageID) (pkgcache.Artifact, error) {
	var art pkgcache.Artifact
	err := d.sched.DoContext(ctx, id, func() error {
		d.invalidate(id)
		l, err := d.load(ctx, id, pkgcache.PackageID{})
		if err != nil {
			return err
		}
		art = l.artifact
		return nil
	})
	if err != nil {
		return nil, err
	}
	return art, nil
}

// Clear drops every cached package. Builds running at the time of the
// call do not store their results.
func (d *Driver) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	running := make([]pkgcache.PackageID, 0, len(d.building))
	for id := range d.building {
		d.gens[id]++
		running = append(running, id)
	}
	clear(d.digests)
	d.cache.Clear()
	d.mu.Unlock()

	for _, id := range running {
		d.flight.Forget(id.String())
	}
	d.log.Info("cache cleared", slog.Int("running", len(running)))
	return nil
}

// Close stops the driver's workers and closes its cache.
func (d *Driver) Close() {
	d.sched.Close()
	d.cache.Close()
}

func (d *Driver) load(ctx context.Context, id, importer pkgcache.PackageID) (*loaded, error) {
	if id.IsZero() {
		return nil, fmt.Errorf("%w: empty id", pkgcache.ErrInvalidPackageID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if art, syms, ok := d.cache.Lookup(id); ok {
		return &loaded{artifact: art, symbols: syms}, nil
	}

	if !importer.IsZero() {
		if err := d.waitFor(importer, id); err != nil {
			return nil, err
		}
		defer d.doneWaiting(importer)
	}

	l, shared, err := d.flight.Do(id.String(), func() (*loaded, error) {
		return d.build(ctx, id)
	})
	if shared {
		d.log.Debug("joined running compilation", slog.String("pkg", id.String()))
	}
	return l, err
}

func (d *Driver) build(ctx context.Context, id pkgcache.PackageID) (*loaded, error) {
	// a flight that finished between our cache miss and Do already stored it
	if art, syms, ok := d.cache.Peek(id); ok {
		return &loaded{artifact: art, symbols: syms}, nil
	}

	log := d.log.With(slog.String("pkg", id.String()))

	d.mu.Lock()
	gen := d.gens[id]
	d.building[id]++
	d.mu.Unlock()
	defer d.doneBuilding(id)

	src, err := d.repo.Lookup(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load source of %s: %w", id, err)
	}
	digest := src.Digest()

	start := time.Now()
	timer := d.metrics.CompileDuration()
	res, err := d.comp.Compile(ctx, src, d.resolver(id))
	timer.ObserveDuration()
	if err == nil && (res == nil || res.Artifact == nil) {
		err = ErrNoArtifact
	}
	if err != nil {
		d.metrics.CompileCompleted(false)
		log.Warn("compile failed", slog.Any("error", err))
		return nil, &CompileError{ID: id, Err: err}
	}
	d.metrics.CompileCompleted(true)

	d.mu.Lock()
	current := d.gens[id] == gen
	if current {
		d.cache.PutPackage(id, res.Artifact, res.Symbols, res.Imports...)
		d.digests[id] = digest
		if len(d.digests) > 2*d.cache.Capacity() {
			d.pruneDigestsLocked()
		}
	}
	d.mu.Unlock()

	if !current {
		log.Debug("package invalidated while compiling, result not cached")
	}
	log.Info("package compiled",
		slog.Duration("took", time.Since(start)),
		slog.Int("imports", len(res.Imports)),
		slog.String("digest", shortDigest(digest)),
	)

	return &loaded{artifact: res.Artifact, symbols: res.Symbols}, nil
}

func (d *Driver) resolver(importer pkgcache.PackageID) ImportResolver {
	return func(ctx context.Context, id pkgcache.PackageID) (pkgcache.Symbols, error) {
		l, err := d.load(ctx, id, importer)
		if err != nil {
			return nil, err
		}
		return l.symbols, nil
	}
}

// waitFor records that the compilation of importer waits for id. It fails
// if that closes a cycle of compilations waiting on each other, which
// would otherwise deadlock in the single flight.
func (d *Driver) waitFor(importer, id pkgcache.PackageID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	path := []pkgcache.PackageID{importer}
	for cur := id; ; {
		path = append(path, cur)
		if cur == importer {
			return fmt.Errorf("%w: %s", ErrImportCycle, formatPath(path))
		}
		next, ok := d.waiting[cur]
		if !ok {
			break
		}
		cur = next
	}
	d.waiting[importer] = id
	return nil
}

func (d *Driver) doneWaiting(importer pkgcache.PackageID) {
	d.mu.Lock()
	delete(d.waiting, importer)
	d.mu.Unlock()
}

func (d *Driver) invalidate(id pkgcache.PackageID) {
	d.mu.Lock()
	d.forgetLocked(id)
	d.cache.Invalidate(id)
	d.mu.Unlock()
	d.flight.Forget(id.String())

	d.log.Info("package invalidated", slog.String("pkg", id.String()))
}

func (d *Driver) invalidateTransitive(id pkgcache.PackageID) []pkgcache.PackageID {
	d.mu.Lock()
	d.forgetLocked(id)
	removed := d.cache.InvalidateTransitive(id)
	for _, r := range removed {
		d.forgetLocked(r)
	}
	d.mu.Unlock()

	d.flight.Forget(id.String())
	for _, r := range removed {
		d.flight.Forget(r.String())
	}

	if len(removed) > 0 {
		d.log.Info("packages invalidated",
			slog.String("pkg", id.String()),
			slog.Int("count", len(removed)),
		)
	}
	return removed
}

func (d *Driver) doneBuilding(id pkgcache.PackageID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.building[id]--; d.building[id] <= 0 {
		delete(d.building, id)
		delete(d.gens, id)
	}
}

func (d *Driver) forgetLocked(id pkgcache.PackageID) {
	if d.building[id] > 0 {
		d.gens[id]++
	}
	delete(d.digests, id)
}

// digestLocked returns the recorded digest of id if id is still cached.
// The cache evicts without telling the driver, so stale digests are
// dropped here.
func (d *Driver) digestLocked(id pkgcache.PackageID) (source.Digest, bool) {
	digest, ok := d.digests[id]
	if !ok {
		return source.Digest{}, false
	}
	if _, _, cached := d.cache.Peek(id); !cached {
		delete(d.digests, id)
		return source.Digest{}, false
	}
	return digest, true
}

func (d *Driver) pruneDigestsLocked() {
	for id := range d.digests {
		if _, _, cached := d.cache.Peek(id); !cached {
			delete(d.digests, id)
		}
	}
}

func formatPath(path []pkgcache.PackageID) string {
	parts := make([]string, len(path))
	for i, id := range path {
		parts[i] = id.String()
	}
	return strings.Join(parts, " -> ")
}

func shortDigest(d source.Digest) string {
	return d.String()[:12]
}
