package pkgcache

// CacheMetrics receives cache events. Implementations must be safe for
// concurrent use.
type CacheMetrics interface {
	CacheHit()
	CacheMiss()
	CachePut()
	CacheEviction()
	CacheInvalidation(transitive bool, removed int)
	CacheSize(entries int)
}

type nopCacheMetrics struct{}

func (nopCacheMetrics) CacheHit()                   {}
func (nopCacheMetrics) CacheMiss()                  {}
func (nopCacheMetrics) CachePut()                   {}
func (nopCacheMetrics) CacheEviction()              {}
func (nopCacheMetrics) CacheInvalidation(bool, int) {}
func (nopCacheMetrics) CacheSize(int)               {}

// NopCacheMetrics returns a no-op CacheMetrics implementation.
func NopCacheMetrics() CacheMetrics { return nopCacheMetrics{} }
