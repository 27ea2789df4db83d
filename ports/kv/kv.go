package kv

import (
	"context"
	"errors"
	"time"

	"github.com/codewandler/pkgcache-go/internal/codec"
)

var (
	ErrNotFound = errors.New("not found")
)

type Entry struct {
	Data []byte
	Meta map[string]any
}

type PutOptions struct {
	TTL time.Duration
}

// Store is a byte-oriented key-value store. Keys are opaque to callers but
// implementations may restrict the character set (NATS KV allows
// [-/_=.a-zA-Z0-9]).
type Store interface {
	Put(ctx context.Context, key string, entry Entry, opts PutOptions) error
	Get(ctx context.Context, key string) (entry Entry, err error)
	Delete(ctx context.Context, key string) error
	// Keys lists all keys, sorted.
	Keys(ctx context.Context) ([]string, error)
}

func Put[T any](ctx context.Context, store Store, key string, v T, opts PutOptions) error {
	data, err := codec.JSON.Marshal(v)
	if err != nil {
		return err
	}
	return store.Put(ctx, key, Entry{Data: data}, opts)
}

func Get[T any](ctx context.Context, store Store, key string) (out T, err error) {
	entry, err := store.Get(ctx, key)
	if err != nil {
		return
	}
	err = codec.JSON.Unmarshal(entry.Data, &out)
	return
}
