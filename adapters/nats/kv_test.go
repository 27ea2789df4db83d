package nats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/pkgcache-go/core/pkgcache"
	"github.com/codewandler/pkgcache-go/ports/kv"
	"github.com/codewandler/pkgcache-go/ports/source"
)

func TestKvStore(t *testing.T) {
	connectNats := NewTestServer(t)
	store, err := NewKvStore(t.Context(), KvConfig{
		Bucket:  "fruits",
		Connect: connectNats,
	})
	require.NoError(t, err)
	defer store.Close()

	keys, err := store.Keys(t.Context())
	require.NoError(t, err)
	require.Empty(t, keys)

	_, err = store.Get(t.Context(), "apple")
	require.ErrorIs(t, err, kv.ErrNotFound)

	require.NoError(t, kv.Put(t.Context(), store, "apple", map[string]int{"count": 10}, kv.PutOptions{}))
	require.NoError(t, store.Put(t.Context(), "banana", kv.Entry{Data: []byte("yellow")}, kv.PutOptions{}))

	v, err := kv.Get[map[string]int](t.Context(), store, "apple")
	require.NoError(t, err)
	require.Equal(t, map[string]int{"count": 10}, v)

	keys, err = store.Keys(t.Context())
	require.NoError(t, err)
	require.Equal(t, []string{"apple", "banana"}, keys)

	require.NoError(t, store.Delete(t.Context(), "apple"))
	_, err = store.Get(t.Context(), "apple")
	require.ErrorIs(t, err, kv.ErrNotFound)
	keys, err = store.Keys(t.Context())
	require.NoError(t, err)
	require.Equal(t, []string{"banana"}, keys)

	err = store.Put(t.Context(), "cherry", kv.Entry{Data: []byte("red")}, kv.PutOptions{TTL: time.Minute})
	require.ErrorIs(t, err, ErrPerKeyTTL)
}

func TestKvStore_SourceRepository(t *testing.T) {
	connect := ReuseConnection(NewTestServer(t))
	store, err := NewKvStore(t.Context(), KvConfig{Connect: connect})
	require.NoError(t, err)
	defer store.Close()

	repo := source.NewKVRepository(store)
	id := pkgcache.MustParsePackageID("acme/greeting:1.0.0")
	require.NoError(t, repo.Put(t.Context(), source.NewPackage(id,
		source.Entry{Name: "hello.src", Code: []byte("export hello")},
		source.Entry{Name: "bye.src", Code: []byte("export bye")},
	)))

	p, err := repo.Lookup(t.Context(), id)
	require.NoError(t, err)
	require.Equal(t, []string{"bye.src", "hello.src"}, p.EntryNames())

	ids, err := repo.Packages(t.Context())
	require.NoError(t, err)
	require.Equal(t, []pkgcache.PackageID{id}, ids)

	_, err = repo.Lookup(t.Context(), pkgcache.MustParsePackageID("acme/missing:1"))
	require.ErrorIs(t, err, source.ErrPackageNotFound)
}
