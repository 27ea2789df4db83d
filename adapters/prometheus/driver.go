package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/pkgcache-go/core/compiler"
	"github.com/codewandler/pkgcache-go/core/metrics"
)

type driverMetrics struct {
	compileDuration prometheus.Histogram
	compiles        *prometheus.CounterVec
	sourceChanges   prometheus.Counter
}

// NewDriverMetrics creates a new Prometheus implementation of
// compiler.DriverMetrics.
func NewDriverMetrics(reg prometheus.Registerer) compiler.DriverMetrics {
	m := &driverMetrics{
		compileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pkgcache_compile_duration_seconds",
			Help:    "Wall time of one package compilation in seconds, including imports it compiles",
			Buckets: defaultBuckets,
		}),
		compiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pkgcache_compile_total",
			Help: "Total number of package compilations",
		}, []string{"success"}),
		sourceChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pkgcache_compile_source_changes_total",
			Help: "Total number of refreshes that found changed sources",
		}),
	}

	reg.MustRegister(
		m.compileDuration,
		m.compiles,
		m.sourceChanges,
	)

	return m
}

func (m *driverMetrics) CompileDuration() metrics.Timer {
	return newTimer(m.compileDuration)
}

func (m *driverMetrics) CompileCompleted(success bool) {
	m.compiles.WithLabelValues(boolToStr(success)).Inc()
}

func (m *driverMetrics) SourceChanged() { m.sourceChanges.Inc() }

var _ compiler.DriverMetrics = (*driverMetrics)(nil)
