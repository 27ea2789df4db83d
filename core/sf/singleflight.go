package sf

import "golang.org/x/sync/singleflight"

// Singleflight deduplicates concurrent function calls with the same key.
type Singleflight[T any] struct {
	group singleflight.Group
}

// New creates a new Singleflight instance for type T.
func New[T any]() *Singleflight[T] {
	return &Singleflight[T]{}
}

// Do executes fn for the given key, deduplicating concurrent calls.
// If a call is already in flight for this key, Do blocks until it completes
// and returns the same result. shared reports whether the result was handed
// to more than one caller.
func (s *Singleflight[T]) Do(key string, fn func() (T, error)) (v T, shared bool, err error) {
	out, err, shared := s.group.Do(key, func() (any, error) {
		return fn()
	})
	if out != nil {
		v = out.(T)
	}
	return v, shared, err
}

// Forget drops the in-flight call for key, so the next Do runs fn again
// instead of joining a call whose result is already known to be stale.
func (s *Singleflight[T]) Forget(key string) {
	s.group.Forget(key)
}
