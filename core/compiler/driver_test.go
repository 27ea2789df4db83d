package compiler_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/pkgcache-go/core/compiler"
	"github.com/codewandler/pkgcache-go/core/metrics"
	"github.com/codewandler/pkgcache-go/core/pkgcache"
	"github.com/codewandler/pkgcache-go/internal/toylang"
	"github.com/codewandler/pkgcache-go/ports/source"
)

var (
	pkgBase = pkgcache.MustParsePackageID("acme/base:1.0.0")
	pkgUtil = pkgcache.MustParsePackageID("acme/util:1.0.0")
	pkgApp  = pkgcache.MustParsePackageID("acme/app:1.0.0")
	pkgCLI  = pkgcache.MustParsePackageID("acme/cli:1.0.0")
)

// countingCompiler counts compilations per package.
type countingCompiler struct {
	inner compiler.Compiler
	mu    sync.Mutex
	n     map[pkgcache.PackageID]int
}

func (c *countingCompiler) Compile(ctx context.Context, src *source.Package, resolve compiler.ImportResolver) (*compiler.Result, error) {
	c.mu.Lock()
	c.n[src.ID]++
	c.mu.Unlock()
	return c.inner.Compile(ctx, src, resolve)
}

func (c *countingCompiler) count(id pkgcache.PackageID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n[id]
}

type testMetrics struct {
	compiles atomic.Int32
	failures atomic.Int32
	timed    atomic.Int32
	changes  atomic.Int32
}

func (m *testMetrics) CompileDuration() metrics.Timer {
	return metrics.NewTimer(func(time.Duration) { m.timed.Add(1) })
}

func (m *testMetrics) CompileCompleted(success bool) {
	if success {
		m.compiles.Add(1)
	} else {
		m.failures.Add(1)
	}
}

func (m *testMetrics) SourceChanged() { m.changes.Add(1) }

type fixture struct {
	driver *compiler.Driver
	repo   *source.MemRepository
	comp   *countingCompiler
	m      *testMetrics
}

// newFixture sets up cli -> app -> util -> base and app -> base.
func newFixture(t *testing.T, inner compiler.Compiler) *fixture {
	t.Helper()

	repo := source.NewMemRepository()
	repo.Set(pkgBase, source.Entry{Name: "base.src", Code: toylang.Source(nil, nil, "Base")})
	repo.Set(pkgUtil, source.Entry{Name: "util.src", Code: toylang.Source(
		[]pkgcache.PackageID{pkgBase}, map[pkgcache.PackageID]string{pkgBase: "Base"}, "Util")})
	repo.Set(pkgApp, source.Entry{Name: "app.src", Code: toylang.Source(
		[]pkgcache.PackageID{pkgBase, pkgUtil}, map[pkgcache.PackageID]string{pkgUtil: "Util"}, "Main")})
	repo.Set(pkgCLI, source.Entry{Name: "cli.src", Code: toylang.Source(
		[]pkgcache.PackageID{pkgApp}, map[pkgcache.PackageID]string{pkgApp: "Main"})})

	if inner == nil {
		inner = toylang.New(0)
	}
	comp := &countingCompiler{inner: inner, n: make(map[pkgcache.PackageID]int)}
	m := &testMetrics{}

	d, err := compiler.New(compiler.Options{
		Repository: repo,
		Compiler:   comp,
		Metrics:    m,
	})
	require.NoError(t, err)
	t.Cleanup(d.Close)

	return &fixture{driver: d, repo: repo, comp: comp, m: m}
}

func TestNew_RequiresRepositoryAndCompiler(t *testing.T) {
	_, err := compiler.New(compiler.Options{Compiler: toylang.New(0)})
	require.Error(t, err)
	_, err = compiler.New(compiler.Options{Repository: source.NewMemRepository()})
	require.Error(t, err)
}

func TestDriver_LoadCompilesImportsOnce(t *testing.T) {
	f := newFixture(t, nil)

	art, err := f.driver.Load(t.Context(), pkgCLI)
	require.NoError(t, err)
	require.Equal(t, pkgCLI, art.(*toylang.Artifact).ID)

	for _, id := range []pkgcache.PackageID{pkgBase, pkgUtil, pkgApp, pkgCLI} {
		assert.Equal(t, 1, f.comp.count(id), id.String())
		_, ok := f.driver.Digest(id)
		assert.True(t, ok, id.String())
	}
	require.Equal(t, 4, f.driver.Cache().Len())
	require.Equal(t, []pkgcache.PackageID{pkgApp, pkgUtil}, f.driver.Cache().Dependents(pkgBase))

	syms, ok := f.driver.Cache().Symbols(pkgApp)
	require.True(t, ok)
	require.Equal(t, []string{"Main"}, syms.(*toylang.SymbolTable).Names)

	again, err := f.driver.Load(t.Context(), pkgCLI)
	require.NoError(t, err)
	require.Same(t, art, again)
	require.Equal(t, 1, f.comp.count(pkgCLI))

	require.Equal(t, int32(4), f.m.compiles.Load())
	require.Equal(t, int32(4), f.m.timed.Load())
}

func TestDriver_ConcurrentMissesCompileOnce(t *testing.T) {
	f := newFixture(t, toylang.New(20*time.Millisecond))

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.driver.Load(t.Context(), pkgCLI)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	for _, id := range []pkgcache.PackageID{pkgBase, pkgUtil, pkgApp, pkgCLI} {
		assert.Equal(t, 1, f.comp.count(id), id.String())
	}
}

func TestDriver_ImportCycle(t *testing.T) {
	f := newFixture(t, nil)

	a := pkgcache.MustParsePackageID("loop/a:1")
	b := pkgcache.MustParsePackageID("loop/b:1")
	f.repo.Set(a, source.Entry{Name: "a.src", Code: toylang.Source([]pkgcache.PackageID{b}, nil, "A")})
	f.repo.Set(b, source.Entry{Name: "b.src", Code: toylang.Source([]pkgcache.PackageID{a}, nil, "B")})

	_, err := f.driver.Load(t.Context(), a)
	require.ErrorIs(t, err, compiler.ErrImportCycle)

	var ce *compiler.CompileError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, a, ce.ID)

	_, ok := f.driver.Cache().Get(a)
	require.False(t, ok)
	_, ok = f.driver.Cache().Get(b)
	require.False(t, ok)
}

func TestDriver_SelfImport(t *testing.T) {
	f := newFixture(t, nil)

	self := pkgcache.MustParsePackageID("loop/self:1")
	f.repo.Set(self, source.Entry{Name: "self.src", Code: toylang.Source([]pkgcache.PackageID{self}, nil)})

	_, err := f.driver.Load(t.Context(), self)
	require.ErrorIs(t, err, compiler.ErrImportCycle)
}

func TestDriver_ConcurrentCycleDoesNotDeadlock(t *testing.T) {
	f := newFixture(t, toylang.New(10*time.Millisecond))

	a := pkgcache.MustParsePackageID("loop/a:1")
	b := pkgcache.MustParsePackageID("loop/b:1")
	f.repo.Set(a, source.Entry{Name: "a.src", Code: toylang.Source([]pkgcache.PackageID{b}, nil)})
	f.repo.Set(b, source.Entry{Name: "b.src", Code: toylang.Source([]pkgcache.PackageID{a}, nil)})

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, id := range []pkgcache.PackageID{a, b, a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.driver.Load(ctx, id)
			assert.ErrorIs(t, err, compiler.ErrImportCycle)
		}()
	}
	wg.Wait()
}

func TestDriver_CompileError(t *testing.T) {
	f := newFixture(t, nil)
	f.repo.SetEntry(pkgUtil, "broken.src", []byte("this is not toylang"))

	_, err := f.driver.Load(t.Context(), pkgApp)
	require.ErrorIs(t, err, toylang.ErrSyntax)

	var ce *compiler.CompileError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, pkgApp, ce.ID, "outermost error names the package that was asked for")
	require.Equal(t, int32(2), f.m.failures.Load(), "util and app failed")

	_, ok := f.driver.Cache().Get(pkgBase)
	require.True(t, ok, "imports compiled before the failure stay cached")
}

func TestDriver_MissingPackage(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.driver.Load(t.Context(), pkgcache.MustParsePackageID("acme/missing:1"))
	require.ErrorIs(t, err, source.ErrPackageNotFound)

	_, err = f.driver.Load(t.Context(), pkgcache.PackageID{})
	require.ErrorIs(t, err, pkgcache.ErrInvalidPackageID)
}

func TestDriver_NoArtifact(t *testing.T) {
	f := newFixture(t, compiler.CompilerFunc(func(context.Context, *source.Package, compiler.ImportResolver) (*compiler.Result, error) {
		return &compiler.Result{}, nil
	}))

	_, err := f.driver.Load(t.Context(), pkgBase)
	require.ErrorIs(t, err, compiler.ErrNoArtifact)
}

func TestDriver_Invalidate(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.driver.Load(t.Context(), pkgCLI)
	require.NoError(t, err)

	require.NoError(t, f.driver.Invalidate(t.Context(), pkgUtil))

	_, ok := f.driver.Cache().Get(pkgUtil)
	require.False(t, ok)
	_, ok = f.driver.Cache().Get(pkgApp)
	require.True(t, ok, "importers survive a plain invalidate")
	_, ok = f.driver.Digest(pkgUtil)
	require.False(t, ok)

	_, err = f.driver.Load(t.Context(), pkgUtil)
	require.NoError(t, err)
	require.Equal(t, 2, f.comp.count(pkgUtil))
}

func TestDriver_InvalidateTransitive(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.driver.Load(t.Context(), pkgCLI)
	require.NoError(t, err)

	removed, err := f.driver.InvalidateTransitive(t.Context(), pkgUtil)
	require.NoError(t, err)
	require.Equal(t, []pkgcache.PackageID{pkgUtil, pkgApp, pkgCLI}, removed)
	require.Equal(t, []pkgcache.PackageID{pkgBase}, f.driver.Cache().Keys())

	_, err = f.driver.Load(t.Context(), pkgCLI)
	require.NoError(t, err)
	require.Equal(t, 1, f.comp.count(pkgBase))
	require.Equal(t, 2, f.comp.count(pkgCLI))
}

func TestDriver_Refresh(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.driver.Load(t.Context(), pkgCLI)
	require.NoError(t, err)
	before, _ := f.driver.Digest(pkgBase)

	changed, err := f.driver.Refresh(t.Context(), pkgBase)
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, 1, f.comp.count(pkgBase))

	f.repo.Set(pkgBase, source.Entry{Name: "base.src", Code: toylang.Source(nil, nil, "Base", "More")})

	changed, err = f.driver.Refresh(t.Context(), pkgBase)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, 2, f.comp.count(pkgBase))
	require.Equal(t, int32(1), f.m.changes.Load())

	after, ok := f.driver.Digest(pkgBase)
	require.True(t, ok)
	require.NotEqual(t, before, after)

	require.Equal(t, []pkgcache.PackageID{pkgBase}, f.driver.Cache().Keys(), "importers are dropped until loaded again")

	_, err = f.driver.Load(t.Context(), pkgCLI)
	require.NoError(t, err)
	require.Equal(t, 2, f.comp.count(pkgCLI))
	require.Equal(t, 2, f.comp.count(pkgBase))
}

func TestDriver_RefreshRemovedSource(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.driver.Load(t.Context(), pkgApp)
	require.NoError(t, err)

	f.repo.Remove(pkgUtil)
	changed, err := f.driver.Refresh(t.Context(), pkgUtil)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, []pkgcache.PackageID{pkgBase}, f.driver.Cache().Keys())
}

func TestDriver_RefreshNotCompiled(t *testing.T) {
	f := newFixture(t, nil)

	changed, err := f.driver.Refresh(t.Context(), pkgBase)
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, 0, f.comp.count(pkgBase))
}

func TestDriver_Recompile(t *testing.T) {
	f := newFixture(t, nil)
	first, err := f.driver.Load(t.Context(), pkgBase)
	require.NoError(t, err)

	second, err := f.driver.Recompile(t.Context(), pkgBase)
	require.NoError(t, err)
	require.NotSame(t, first, second)
	require.Equal(t, 2, f.comp.count(pkgBase))

	cached, ok := f.driver.Cache().Get(pkgBase)
	require.True(t, ok)
	require.Same(t, second, cached)
}

func TestDriver_InvalidateDuringCompileDropsResult(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	f := newFixture(t, compiler.CompilerFunc(func(ctx context.Context, src *source.Package, resolve compiler.ImportResolver) (*compiler.Result, error) {
		once.Do(func() {
			close(started)
			<-release
		})
		return toylang.New(0).Compile(ctx, src, resolve)
	}))

	done := make(chan error, 1)
	go func() {
		_, err := f.driver.Load(t.Context(), pkgBase)
		done <- err
	}()

	<-started
	require.NoError(t, f.driver.Invalidate(t.Context(), pkgBase))
	close(release)
	require.NoError(t, <-done)

	_, ok := f.driver.Cache().Get(pkgBase)
	require.False(t, ok, "result of a compilation that raced an invalidation is not cached")

	_, err := f.driver.Load(t.Context(), pkgBase)
	require.NoError(t, err)
	_, ok = f.driver.Cache().Get(pkgBase)
	require.True(t, ok)
}

func TestDriver_ClearDuringCompileDropsResult(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	f := newFixture(t, compiler.CompilerFunc(func(ctx context.Context, src *source.Package, resolve compiler.ImportResolver) (*compiler.Result, error) {
		if src.ID == pkgUtil {
			once.Do(func() {
				close(started)
				<-release
			})
		}
		return toylang.New(0).Compile(ctx, src, resolve)
	}))

	_, err := f.driver.Load(t.Context(), pkgBase)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := f.driver.Load(t.Context(), pkgUtil)
		done <- err
	}()

	<-started
	require.NoError(t, f.driver.Clear(t.Context()))
	require.Zero(t, f.driver.Cache().Len())
	_, ok := f.driver.Digest(pkgBase)
	require.False(t, ok)

	close(release)
	require.NoError(t, <-done)

	_, ok = f.driver.Cache().Get(pkgUtil)
	require.False(t, ok, "build running during Clear is not cached")
	_, ok = f.driver.Cache().Get(pkgBase)
	require.True(t, ok, "imports loaded after Clear are cached")
	require.Zero(t, f.driver.TrackedGenerations())
}

func TestDriver_EvictionForgetsDigest(t *testing.T) {
	repo := source.NewMemRepository()
	a := pkgcache.MustParsePackageID("acme/a:1")
	b := pkgcache.MustParsePackageID("acme/b:1")
	repo.Set(a, source.Entry{Name: "a.src", Code: toylang.Source(nil, nil, "A")})
	repo.Set(b, source.Entry{Name: "b.src", Code: toylang.Source(nil, nil, "B")})

	d, err := compiler.New(compiler.Options{
		Cache:      pkgcache.New(pkgcache.WithCapacity(1)),
		Repository: repo,
		Compiler:   toylang.New(0),
	})
	require.NoError(t, err)
	t.Cleanup(d.Close)

	_, err = d.Load(t.Context(), a)
	require.NoError(t, err)
	_, ok := d.Digest(a)
	require.True(t, ok)

	_, err = d.Load(t.Context(), b)
	require.NoError(t, err)
	_, cached := d.Cache().Get(a)
	require.False(t, cached)

	_, ok = d.Digest(a)
	require.False(t, ok, "evicted package has no digest")
	_, ok = d.Digest(b)
	require.True(t, ok)

	repo.Set(a, source.Entry{Name: "a.src", Code: toylang.Source(nil, nil, "A2")})
	changed, err := d.Refresh(t.Context(), a)
	require.NoError(t, err)
	require.False(t, changed, "evicted package counts as not compiled")
	_, _, cached = d.Cache().Peek(a)
	require.False(t, cached)
}

func TestDriver_GenerationsArePruned(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.driver.Load(t.Context(), pkgCLI)
	require.NoError(t, err)
	for range 3 {
		_, err := f.driver.InvalidateTransitive(t.Context(), pkgBase)
		require.NoError(t, err)
		_, err = f.driver.Load(t.Context(), pkgCLI)
		require.NoError(t, err)
	}
	require.NoError(t, f.driver.Invalidate(t.Context(), pkgcache.MustParsePackageID("acme/never:1")))
	require.Zero(t, f.driver.TrackedGenerations())
}

func TestDriver_CancelledContext(t *testing.T) {
	f := newFixture(t, toylang.New(time.Second))

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	_, err := f.driver.Load(ctx, pkgBase)
	require.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	_, ok := f.driver.Cache().Get(pkgBase)
	require.False(t, ok)
}
