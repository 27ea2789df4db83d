package prometheus

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/pkgcache-go/core/pkgcache"
)

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)

	out := make(map[string]*dto.MetricFamily, len(mfs))
	for _, mf := range mfs {
		out[mf.GetName()] = mf
	}
	return out
}

func TestNewCacheMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCacheMetrics(reg)
	require.NotNil(t, m)

	m.CacheHit()
	m.CacheHit()
	m.CacheMiss()
	m.CachePut()
	m.CacheEviction()
	m.CacheInvalidation(false, 1)
	m.CacheInvalidation(true, 3)
	m.CacheSize(7)

	mfs := gather(t, reg)
	assert.Equal(t, 2.0, mfs["pkgcache_cache_hits_total"].GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, 1.0, mfs["pkgcache_cache_misses_total"].GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, 7.0, mfs["pkgcache_cache_entries"].GetMetric()[0].GetGauge().GetValue())
	assert.Len(t, mfs["pkgcache_cache_invalidations_total"].GetMetric(), 2)

	var removed float64
	for _, metric := range mfs["pkgcache_cache_invalidated_entries_total"].GetMetric() {
		removed += metric.GetCounter().GetValue()
	}
	assert.Equal(t, 4.0, removed)
}

func TestNewDriverMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewDriverMetrics(reg)
	require.NotNil(t, m)

	timer := m.CompileDuration()
	assert.NotNil(t, timer)
	timer.ObserveDuration()

	m.CompileCompleted(true)
	m.CompileCompleted(false)
	m.SourceChanged()

	mfs := gather(t, reg)
	h := mfs["pkgcache_compile_duration_seconds"].GetMetric()[0]
	assert.Equal(t, uint64(1), h.GetHistogram().GetSampleCount())
	assert.Empty(t, h.GetLabel(), "one series regardless of how many packages compile")
	assert.Len(t, mfs["pkgcache_compile_total"].GetMetric(), 2)
	assert.Equal(t, 1.0, mfs["pkgcache_compile_source_changes_total"].GetMetric()[0].GetCounter().GetValue())
}

func TestNewAllMetrics_WithCache(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewAllMetrics(reg)
	require.NotNil(t, m.Cache)
	require.NotNil(t, m.Driver)

	c := pkgcache.New(pkgcache.WithCapacity(1), pkgcache.WithMetrics(m.Cache))
	defer c.Close()

	a := pkgcache.MustParsePackageID("acme/a:1")
	b := pkgcache.MustParsePackageID("acme/b:1")
	c.Put(a, "a")
	c.Put(b, "b")
	c.Get(a)
	c.Get(b)

	mfs := gather(t, reg)
	assert.Equal(t, 2.0, mfs["pkgcache_cache_puts_total"].GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, 1.0, mfs["pkgcache_cache_evictions_total"].GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, 1.0, mfs["pkgcache_cache_hits_total"].GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, 1.0, mfs["pkgcache_cache_misses_total"].GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, 1.0, mfs["pkgcache_cache_entries"].GetMetric()[0].GetGauge().GetValue())
}

func TestBoolToStr(t *testing.T) {
	assert.Equal(t, "true", boolToStr(true))
	assert.Equal(t, "false", boolToStr(false))
}
