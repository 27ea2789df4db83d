// Package prometheus provides Prometheus implementations of the cache and
// compiler driver metrics interfaces.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/pkgcache-go/core/compiler"
	"github.com/codewandler/pkgcache-go/core/metrics"
	"github.com/codewandler/pkgcache-go/core/pkgcache"
)

func newTimer(h prometheus.Observer) metrics.Timer {
	return metrics.NewTimer(func(d time.Duration) {
		h.Observe(d.Seconds())
	})
}

// Default histogram buckets for compile latency (in seconds).
var defaultBuckets = []float64{
	.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
}

// AllMetrics holds the Prometheus metrics of a cache and its driver.
type AllMetrics struct {
	Cache  pkgcache.CacheMetrics
	Driver compiler.DriverMetrics
}

// NewAllMetrics creates and registers cache and driver metrics.
func NewAllMetrics(reg prometheus.Registerer) *AllMetrics {
	return &AllMetrics{
		Cache:  NewCacheMetrics(reg),
		Driver: NewDriverMetrics(reg),
	}
}

func boolToStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
