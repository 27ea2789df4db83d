package nats

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/pkgcache-go/ports/kv"
)

const DefaultSourceBucket = "pkgcache_sources"

// ErrPerKeyTTL is returned by Put when an entry TTL is requested. Expiry is
// configured for the whole bucket with KvConfig.TTL.
var ErrPerKeyTTL = errors.New("nats kv: per-key ttl not supported")

type KvConfig struct {
	Connect Connector // If nil, ConnectDefault() is used.
	Bucket  string    // Defaults to DefaultSourceBucket.
	// MaxBytes limits the bucket size, unlimited when zero.
	MaxBytes int64
	// TTL expires every key this long after its last write.
	TTL time.Duration
}

// KvStore is a kv.Store on a JetStream key-value bucket.
type KvStore struct {
	kv      jetstream.KeyValue
	closeNc closeFunc
}

func NewKvStore(ctx context.Context, cfg KvConfig) (*KvStore, error) {
	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = DefaultSourceBucket
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = -1
	}

	nc, closeNc, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeNc()
		return nil, err
	}

	kvb, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:   bucket,
		Storage:  jetstream.FileStorage,
		MaxBytes: maxBytes,
		TTL:      cfg.TTL,
	})
	if err != nil {
		closeNc()
		return nil, fmt.Errorf("nats kv: create bucket %s: %w", bucket, err)
	}

	return &KvStore{kv: kvb, closeNc: closeNc}, nil
}

func (k *KvStore) Put(ctx context.Context, key string, entry kv.Entry, opts kv.PutOptions) error {
	if opts.TTL > 0 {
		return ErrPerKeyTTL
	}
	if _, err := k.kv.Put(ctx, key, entry.Data); err != nil {
		return fmt.Errorf("nats kv: put %s: %w", key, err)
	}
	return nil
}

func (k *KvStore) Get(ctx context.Context, key string) (kv.Entry, error) {
	v, err := k.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return kv.Entry{}, kv.ErrNotFound
		}
		return kv.Entry{}, fmt.Errorf("nats kv: get %s: %w", key, err)
	}
	return kv.Entry{
		Data: v.Value(),
		Meta: map[string]any{"revision": v.Revision()},
	}, nil
}

func (k *KvStore) Delete(ctx context.Context, key string) error {
	if err := k.kv.Delete(ctx, key); err != nil {
		return fmt.Errorf("nats kv: delete %s: %w", key, err)
	}
	return nil
}

func (k *KvStore) Keys(ctx context.Context) ([]string, error) {
	lister, err := k.kv.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("nats kv: list keys: %w", err)
	}
	defer func() { _ = lister.Stop() }()

	var keys []string
	for key := range lister.Keys() {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys, nil
}

// Close releases the connection lease.
func (k *KvStore) Close() {
	k.closeNc()
}

var _ kv.Store = (*KvStore)(nil)
