package main

import (
	"context"
	"fmt"

	"github.com/codewandler/pkgcache-go/adapters/nats"
	"github.com/codewandler/pkgcache-go/ports/source"
)

// backend is a source repository the harness can write to.
type backend interface {
	source.Repository
	write(ctx context.Context, p pkgSpec) error
	close()
}

type memBackend struct {
	*source.MemRepository
}

func (b memBackend) write(_ context.Context, p pkgSpec) error {
	b.Set(p.id, source.Entry{Name: "main.src", Code: p.code()})
	return nil
}

func (memBackend) close() {}

type fsBackend struct {
	*source.FSRepository
}

func (b fsBackend) write(_ context.Context, p pkgSpec) error {
	return b.WriteEntry(p.id, "main"+source.DefaultExtension, p.code())
}

func (fsBackend) close() {}

type kvBackend struct {
	*source.KVRepository
	store *nats.KvStore
}

func (b kvBackend) write(ctx context.Context, p pkgSpec) error {
	return b.Put(ctx, source.NewPackage(p.id, source.Entry{Name: "main.src", Code: p.code()}))
}

func (b kvBackend) close() { b.store.Close() }

func newBackend(ctx context.Context, kind, dir string, connect nats.Connector) (backend, error) {
	switch kind {
	case "mem":
		return memBackend{source.NewMemRepository()}, nil
	case "fs":
		if dir == "" {
			return nil, fmt.Errorf("backend fs needs --source-dir")
		}
		return fsBackend{source.NewOSRepository(dir)}, nil
	case "nats":
		store, err := nats.NewKvStore(ctx, nats.KvConfig{Connect: connect, Bucket: "pkgbench_sources"})
		if err != nil {
			return nil, err
		}
		return kvBackend{KVRepository: source.NewKVRepository(store), store: store}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", kind)
	}
}
