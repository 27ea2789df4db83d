package source

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/codewandler/pkgcache-go/core/pkgcache"
	"github.com/codewandler/pkgcache-go/internal/codec"
	"github.com/codewandler/pkgcache-go/ports/kv"
)

const kvKeyPrefix = "pkg."

var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// KVRepository stores whole packages as zstd-compressed JSON values in a
// kv.Store, one key per package.
type KVRepository struct {
	store kv.Store
}

func NewKVRepository(store kv.Store) *KVRepository {
	return &KVRepository{store: store}
}

// kvKey encodes the alias so it only uses characters every store accepts.
func kvKey(id pkgcache.PackageID) string {
	return kvKeyPrefix + base64.RawURLEncoding.EncodeToString([]byte(id.String()))
}

func (r *KVRepository) Put(ctx context.Context, p *Package) error {
	if p.ID.IsZero() {
		return fmt.Errorf("%w: empty id", pkgcache.ErrInvalidPackageID)
	}
	raw, err := codec.JSON.Marshal(NewPackage(p.ID, p.Entries...))
	if err != nil {
		return fmt.Errorf("encode package %s: %w", p.ID, err)
	}
	data := zstdEncoder.EncodeAll(raw, nil)
	if err := r.store.Put(ctx, kvKey(p.ID), kv.Entry{Data: data}, kv.PutOptions{}); err != nil {
		return fmt.Errorf("store package %s: %w", p.ID, err)
	}
	return nil
}

func (r *KVRepository) Delete(ctx context.Context, id pkgcache.PackageID) error {
	return r.store.Delete(ctx, kvKey(id))
}

func (r *KVRepository) Lookup(ctx context.Context, id pkgcache.PackageID) (*Package, error) {
	entry, err := r.store.Get(ctx, kvKey(id))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrPackageNotFound, id)
		}
		return nil, fmt.Errorf("load package %s: %w", id, err)
	}

	raw, err := zstdDecoder.DecodeAll(entry.Data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress package %s: %w", id, err)
	}
	var p Package
	if err := codec.JSON.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode package %s: %w", id, err)
	}
	if len(p.Entries) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrPackageNotFound, id)
	}
	return &p, nil
}

// Packages lists the ids of all stored packages.
func (r *KVRepository) Packages(ctx context.Context) ([]pkgcache.PackageID, error) {
	keys, err := r.store.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var ids []pkgcache.PackageID
	for _, k := range keys {
		enc, ok := strings.CutPrefix(k, kvKeyPrefix)
		if !ok {
			continue
		}
		alias, err := base64.RawURLEncoding.DecodeString(enc)
		if err != nil {
			continue
		}
		id, err := pkgcache.ParsePackageID(string(alias))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

var _ Repository = (*KVRepository)(nil)
