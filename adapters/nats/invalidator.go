package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	gonanoid "github.com/matoous/go-nanoid/v2"
	natsgo "github.com/nats-io/nats.go"

	"github.com/codewandler/pkgcache-go/core/compiler"
	"github.com/codewandler/pkgcache-go/core/pkgcache"
	"github.com/codewandler/pkgcache-go/internal/codec"
)

const DefaultInvalidationSubject = "pkgcache.invalidate"

var ErrInvalidatorClosed = errors.New("nats: invalidator closed")

// Invalidation is broadcast to every process sharing sources. Clear wins
// over Package.
type Invalidation struct {
	Origin     string             `json:"origin"`
	Package    pkgcache.PackageID `json:"package"`
	Transitive bool               `json:"transitive,omitempty"`
	Clear      bool               `json:"clear,omitempty"`
}

// Target is what remote invalidations are applied to, usually a
// *compiler.Driver so that builds running when the message arrives do not
// store results compiled from outdated sources.
type Target interface {
	Invalidate(ctx context.Context, id pkgcache.PackageID) error
	InvalidateTransitive(ctx context.Context, id pkgcache.PackageID) ([]pkgcache.PackageID, error)
	Clear(ctx context.Context) error
}

type InvalidatorConfig struct {
	Connect Connector    // If nil, ConnectDefault() is used.
	Log     *slog.Logger // Log for diagnostics (optional)
	Subject string       // Defaults to DefaultInvalidationSubject.
	// Origin identifies this process. Messages carrying it are not applied
	// locally. A random id is used when empty.
	Origin string
}

// Invalidator publishes cache invalidations and applies the ones published
// by other processes.
type Invalidator struct {
	nc      *natsgo.Conn
	closeNc closeFunc
	log     *slog.Logger
	subject string
	origin  string

	mu   sync.Mutex
	subs map[*natsgo.Subscription]struct{}

	closed atomic.Bool
}

func NewInvalidator(cfg InvalidatorConfig) (*Invalidator, error) {
	connFn := cfg.Connect
	if connFn == nil {
		connFn = ConnectDefault()
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	subject := cfg.Subject
	if subject == "" {
		subject = DefaultInvalidationSubject
	}

	origin := cfg.Origin
	if origin == "" {
		origin = gonanoid.Must(10)
	}

	nc, closeNc, err := connFn()
	if err != nil {
		return nil, err
	}

	return &Invalidator{
		nc:      nc,
		closeNc: closeNc,
		log:     log.With(slog.String("invalidator", "nats"), slog.String("origin", origin)),
		subject: subject,
		origin:  origin,
		subs:    make(map[*natsgo.Subscription]struct{}),
	}, nil
}

func (i *Invalidator) Origin() string { return i.origin }

// Publish broadcasts inv stamped with this invalidator's origin and waits
// until the server has received it.
func (i *Invalidator) Publish(ctx context.Context, inv Invalidation) error {
	if i.closed.Load() {
		return ErrInvalidatorClosed
	}
	if !inv.Clear && inv.Package.IsZero() {
		return fmt.Errorf("%w: invalidation without package", pkgcache.ErrInvalidPackageID)
	}
	inv.Origin = i.origin

	payload, err := codec.JSON.Marshal(inv)
	if err != nil {
		return fmt.Errorf("encode invalidation: %w", err)
	}
	if err := i.nc.Publish(i.subject, payload); err != nil {
		return fmt.Errorf("nats: publish: %w", err)
	}
	if err := i.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("nats: flush: %w", err)
	}
	return nil
}

func (i *Invalidator) PublishInvalidate(ctx context.Context, id pkgcache.PackageID, transitive bool) error {
	return i.Publish(ctx, Invalidation{Package: id, Transitive: transitive})
}

func (i *Invalidator) PublishClear(ctx context.Context) error {
	return i.Publish(ctx, Invalidation{Clear: true})
}

// Subscribe applies invalidations from other origins to target until ctx
// is done or the subscription is cancelled.
func (i *Invalidator) Subscribe(ctx context.Context, target Target) (Subscription, error) {
	if i.closed.Load() {
		return nil, ErrInvalidatorClosed
	}

	sub, err := i.nc.Subscribe(i.subject, func(msg *natsgo.Msg) {
		var inv Invalidation
		if err := codec.JSON.Unmarshal(msg.Data, &inv); err != nil {
			i.log.Error("failed to decode invalidation", slog.Any("error", err))
			return
		}
		i.apply(ctx, target, inv)
	})
	if err != nil {
		return nil, fmt.Errorf("nats: subscribe invalidations: %w", err)
	}
	// make sure the server knows the subscription before returning
	if err := i.nc.FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("nats: flush: %w", err)
	}

	i.mu.Lock()
	i.subs[sub] = struct{}{}
	i.mu.Unlock()

	go func() {
		<-ctx.Done()
		i.unsubscribe(sub)
	}()

	return &subscription{sub: sub, i: i}, nil
}

func (i *Invalidator) apply(ctx context.Context, target Target, inv Invalidation) {
	if inv.Origin == i.origin {
		return
	}
	log := i.log.With(slog.String("from", inv.Origin))

	switch {
	case inv.Clear:
		if err := target.Clear(ctx); err != nil {
			log.Error("failed to apply remote clear", slog.Any("error", err))
			return
		}
		log.Info("cache cleared by remote")
	case inv.Package.IsZero():
		log.Warn("ignoring invalidation without package")
	case inv.Transitive:
		removed, err := target.InvalidateTransitive(ctx, inv.Package)
		if err != nil {
			log.Error("failed to apply remote invalidation",
				slog.String("pkg", inv.Package.String()),
				slog.Any("error", err),
			)
			return
		}
		log.Info("package invalidated by remote",
			slog.String("pkg", inv.Package.String()),
			slog.Bool("transitive", true),
			slog.Int("removed", len(removed)),
		)
	default:
		if err := target.Invalidate(ctx, inv.Package); err != nil {
			log.Error("failed to apply remote invalidation",
				slog.String("pkg", inv.Package.String()),
				slog.Any("error", err),
			)
			return
		}
		log.Info("package invalidated by remote", slog.String("pkg", inv.Package.String()))
	}
}

func (i *Invalidator) unsubscribe(sub *natsgo.Subscription) error {
	err := sub.Unsubscribe()
	i.mu.Lock()
	delete(i.subs, sub)
	i.mu.Unlock()
	return err
}

func (i *Invalidator) Close() error {
	if i.closed.Swap(true) {
		return ErrInvalidatorClosed
	}
	i.mu.Lock()
	for s := range i.subs {
		_ = s.Unsubscribe()
	}
	i.subs = map[*natsgo.Subscription]struct{}{}
	i.mu.Unlock()

	i.closeNc()
	return nil
}

type Subscription interface {
	Unsubscribe() error
}

type subscription struct {
	sub *natsgo.Subscription
	i   *Invalidator
}

func (s *subscription) Unsubscribe() error {
	if s.sub == nil {
		return nil
	}
	return s.i.unsubscribe(s.sub)
}

var _ Target = (*compiler.Driver)(nil)
