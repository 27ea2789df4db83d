// Package sf provides a generic single-flight mechanism for deduplicating
// concurrent function calls with the same key.
//
// If multiple goroutines call [Singleflight.Do] with the same key while a
// call is in flight, only the first one executes the function. The others
// block until it completes and receive the same value and error.
//
// The compiler driver uses it so that concurrent cache misses for one
// package trigger a single compilation.
//
// # Usage
//
//	group := sf.New[pkgcache.Artifact]()
//
//	art, shared, err := group.Do(id.String(), func() (pkgcache.Artifact, error) {
//	    return compile(ctx, id)
//	})
package sf
