package provider

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Guard fails open: the first ErrUnavailable from the wrapped provider trips
// it, and from then on every read is a miss and every write a no-op for the
// life of the process. The store stays the source of truth, so a tripped
// guard costs latency, never data.
//
// Errors other than ErrUnavailable pass through unchanged.
type Guard struct {
	inner   Provider
	onTrip  func(error)
	tripped atomic.Bool
	once    sync.Once
}

var (
	_ Provider    = (*Guard)(nil)
	_ MultiGetter = (*Guard)(nil)
)

// NewGuard wraps p. onTrip, when set, is called once with the error that
// tripped the guard.
func NewGuard(p Provider, onTrip func(error)) *Guard {
	return &Guard{inner: p, onTrip: onTrip}
}

// Tripped reports whether the guard has disabled the provider.
func (g *Guard) Tripped() bool { return g.tripped.Load() }

// Trip disables the provider as if it had reported ErrUnavailable.
func (g *Guard) Trip(cause error) {
	g.once.Do(func() {
		g.tripped.Store(true)
		if g.onTrip != nil {
			g.onTrip(cause)
		}
	})
}

// check trips on unavailability and swallows the error; others pass through.
func (g *Guard) check(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnavailable) {
		g.Trip(err)
		return nil
	}
	return err
}

func (g *Guard) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if g.Tripped() {
		return nil, false, nil
	}
	b, ok, err := g.inner.Get(ctx, key)
	if err != nil {
		return nil, false, g.check(err)
	}
	return b, ok, nil
}

func (g *Guard) GetMulti(ctx context.Context, keys []string) (map[string][]byte, error) {
	if g.Tripped() {
		return map[string][]byte{}, nil
	}
	m, err := GetMulti(ctx, g.inner, keys)
	if err != nil {
		if err = g.check(err); err == nil {
			return map[string][]byte{}, nil
		}
		return nil, err
	}
	return m, nil
}

func (g *Guard) Set(ctx context.Context, key string, value []byte, cost int64, ttl time.Duration) (bool, error) {
	if g.Tripped() {
		return false, nil
	}
	ok, err := g.inner.Set(ctx, key, value, cost, ttl)
	if err != nil {
		return false, g.check(err)
	}
	return ok, nil
}

func (g *Guard) Del(ctx context.Context, key string) error {
	if g.Tripped() {
		return nil
	}
	return g.check(g.inner.Del(ctx, key))
}

// Close closes the wrapped provider even when tripped.
func (g *Guard) Close(ctx context.Context) error {
	return g.inner.Close(ctx)
}
