package compiler

import "github.com/codewandler/pkgcache-go/core/metrics"

// DriverMetrics receives driver events. Implementations must be safe for
// concurrent use.
type DriverMetrics interface {
	// CompileDuration starts a timer for one compilation. The time covers
	// imports the compiler loads while it runs.
	CompileDuration() metrics.Timer
	CompileCompleted(success bool)
	// SourceChanged is reported when Refresh finds a new source digest.
	SourceChanged()
}

type nopDriverMetrics struct{}

func (nopDriverMetrics) CompileDuration() metrics.Timer { return metrics.NopTimer() }
func (nopDriverMetrics) CompileCompleted(bool)          {}
func (nopDriverMetrics) SourceChanged()                 {}

// NopDriverMetrics returns a no-op DriverMetrics implementation.
func NopDriverMetrics() DriverMetrics { return nopDriverMetrics{} }
