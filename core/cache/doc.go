// Package cache provides a bounded in-memory key-value container with LRU
// eviction and TTL support.
//
// # Implementations
//
// [LRU] is safe for concurrent use. It runs a background goroutine that
// owns the entries, so every operation is served one at a time without
// external locking.
//
//	c := cache.NewLRU(cache.LRUOpts[*Package]{Size: 100})
//	defer c.Close()
//
//	c.Put("org/pkg:1.0.0", pkg, cache.WithTTL(5*time.Minute))
//	if pkg, ok := c.Get("org/pkg:1.0.0"); ok {
//	    // Use pkg
//	}
//
// # Eviction
//
// Inserting beyond Size drops the least recently used entry. Get and Put
// both count as a use; Peek does not. Entries dropped by the cache itself
// (capacity or expired TTL) are reported through [LRUOpts].OnEvict.
//
// # Read-modify-write
//
// [LRU.Update] runs a function against the current value on the cache
// goroutine, which makes compound updates atomic with respect to all other
// operations.
//
// Expired entries are lazily evicted on access.
package cache
