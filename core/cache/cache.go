package cache

import "time"

type PutOptions struct {
	TTL time.Duration
}

type PutOption func(*PutOptions)

func WithTTL(ttl time.Duration) PutOption {
	return func(o *PutOptions) {
		o.TTL = ttl
	}
}

// Cache is a bounded key-value container with string keys.
type Cache[V any] interface {
	Get(key string) (V, bool)
	Put(key string, val V, opts ...PutOption)
	Delete(key string)
	Clear()
	Len() int
}

func applyPutOptions(opts []PutOption) PutOptions {
	var o PutOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
