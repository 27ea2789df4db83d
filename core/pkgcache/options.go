package pkgcache

import (
	"log/slog"
	"time"
)

// DefaultCapacity is the number of packages kept when no capacity is set.
const DefaultCapacity = 100

type options struct {
	capacity int
	ttl      time.Duration
	log      *slog.Logger
	metrics  CacheMetrics
	onEvict  func(PackageID)
}

// Option configures a Cache.
type Option func(*options)

// WithCapacity sets the maximum number of cached packages. Values <= 0
// keep DefaultCapacity.
func WithCapacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.capacity = n
		}
	}
}

// WithTTL expires entries that were not re-inserted within ttl.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) { o.ttl = ttl }
}

func WithLogger(log *slog.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

func WithMetrics(m CacheMetrics) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithOnEvict registers fn for packages dropped by capacity or TTL. fn must
// not call back into the cache.
func WithOnEvict(fn func(PackageID)) Option {
	return func(o *options) { o.onEvict = fn }
}

func newOptions(opts []Option) *options {
	o := &options{
		capacity: DefaultCapacity,
		log:      slog.Default(),
		metrics:  NopCacheMetrics(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
