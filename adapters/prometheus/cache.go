package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/pkgcache-go/core/pkgcache"
)

type cacheMetrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	puts      prometheus.Counter
	evictions prometheus.Counter

	invalidations *prometheus.CounterVec
	invalidated   *prometheus.CounterVec

	entries prometheus.Gauge
}

// NewCacheMetrics creates a new Prometheus implementation of
// pkgcache.CacheMetrics.
func NewCacheMetrics(reg prometheus.Registerer) pkgcache.CacheMetrics {
	m := &cacheMetrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pkgcache_cache_hits_total",
			Help: "Total number of package cache hits",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pkgcache_cache_misses_total",
			Help: "Total number of package cache misses",
		}),
		puts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pkgcache_cache_puts_total",
			Help: "Total number of stored packages",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pkgcache_cache_evictions_total",
			Help: "Total number of packages evicted to stay within capacity",
		}),
		invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pkgcache_cache_invalidations_total",
			Help: "Total number of invalidation requests",
		}, []string{"transitive"}),
		invalidated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pkgcache_cache_invalidated_entries_total",
			Help: "Total number of packages removed by invalidation",
		}, []string{"transitive"}),
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pkgcache_cache_entries",
			Help: "Number of cached packages",
		}),
	}

	reg.MustRegister(
		m.hits,
		m.misses,
		m.puts,
		m.evictions,
		m.invalidations,
		m.invalidated,
		m.entries,
	)

	return m
}

func (m *cacheMetrics) CacheHit()      { m.hits.Inc() }
func (m *cacheMetrics) CacheMiss()     { m.misses.Inc() }
func (m *cacheMetrics) CachePut()      { m.puts.Inc() }
func (m *cacheMetrics) CacheEviction() { m.evictions.Inc() }

func (m *cacheMetrics) CacheInvalidation(transitive bool, removed int) {
	m.invalidations.WithLabelValues(boolToStr(transitive)).Inc()
	m.invalidated.WithLabelValues(boolToStr(transitive)).Add(float64(removed))
}

func (m *cacheMetrics) CacheSize(entries int) {
	m.entries.Set(float64(entries))
}

var _ pkgcache.CacheMetrics = (*cacheMetrics)(nil)
