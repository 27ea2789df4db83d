// Package metrics holds the instrumentation primitives shared by the cache,
// the compiler driver and their backends, so core packages do not import a
// concrete metrics library.
package metrics

import "time"

// Timer measures the duration of an operation. Call ObserveDuration when
// the operation completes to record the elapsed time.
type Timer interface {
	ObserveDuration()
}

// TimerFunc starts a new Timer. This allows deferred timing patterns like:
// defer m.CompileDuration().ObserveDuration()
type TimerFunc func() Timer

type stopwatch struct {
	start   time.Time
	observe func(time.Duration)
}

// NewTimer starts a Timer that hands the elapsed time to observe.
func NewTimer(observe func(time.Duration)) Timer {
	return &stopwatch{start: time.Now(), observe: observe}
}

func (s *stopwatch) ObserveDuration() {
	s.observe(time.Since(s.start))
}
