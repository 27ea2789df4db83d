package nats

import (
	"log/slog"
	"os"
	"sync"

	natsgo "github.com/nats-io/nats.go"
)

// ConnectionName is the client name pkgcache connections announce to the
// server, visible in its connz monitoring.
const ConnectionName = "pkgcache"

type closeFunc = func()

// Connector opens a NATS connection and returns the func that releases it.
type Connector func() (nc *natsgo.Conn, close closeFunc, err error)

// ReuseConnection lets the invalidator and the source store of one process
// share a connection. The connection is closed when the last lease is
// released and reopened on the next call.
func ReuseConnection(connect Connector) Connector {
	var (
		mu     sync.Mutex
		shared *natsgo.Conn
		closer closeFunc
		leases int
	)

	release := func() {
		mu.Lock()
		defer mu.Unlock()
		if leases--; leases == 0 && shared != nil {
			closer()
			shared = nil
		}
	}
	return func() (*natsgo.Conn, closeFunc, error) {
		mu.Lock()
		defer mu.Unlock()
		if shared == nil {
			nc, closeNc, err := connect()
			if err != nil {
				return nil, nil, err
			}
			shared, closer = nc, closeNc
		}
		leases++
		var once sync.Once
		return shared, func() { once.Do(release) }, nil
	}
}

// ConnectURL connects to natsURL as ConnectionName. opts are applied after
// the defaults and may override them.
func ConnectURL(natsURL string, opts ...natsgo.Option) Connector {
	return func() (*natsgo.Conn, closeFunc, error) {
		all := append([]natsgo.Option{
			natsgo.Name(ConnectionName),
			natsgo.MaxReconnects(3),
			natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
				if err != nil {
					slog.Warn("nats disconnected, invalidations may be missed", slog.Any("error", err))
				}
			}),
		}, opts...)

		nc, err := natsgo.Connect(natsURL, all...)
		if err != nil {
			return nil, nil, err
		}
		return nc, func() { nc.Close() }, nil
	}
}

// ConnectDefault connects to $NATS_URL, falling back to the NATS default
// URL.
func ConnectDefault(opts ...natsgo.Option) Connector {
	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = natsgo.DefaultURL
	}
	return ConnectURL(natsURL, opts...)
}
