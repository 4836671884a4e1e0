// Package memcache adapts a gomemcache client to provider.Provider.
package memcache

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/mattiaslevin/mardao/internal/keys"
	"github.com/mattiaslevin/mardao/provider"
)

// maxKeyLen is memcached's key length limit.
const maxKeyLen = 250

var (
	_ provider.Provider    = (*Provider)(nil)
	_ provider.MultiGetter = (*Provider)(nil)
)

type Provider struct {
	c *memcache.Client
}

func New(c *memcache.Client) (*Provider, error) {
	if c == nil {
		return nil, errors.New("memcache provider: nil client")
	}
	return &Provider{c: c}, nil
}

// Dial connects to the given servers ("host:port").
func Dial(servers ...string) (*Provider, error) {
	if len(servers) == 0 {
		return nil, errors.New("memcache provider: no servers")
	}
	return New(memcache.New(servers...))
}

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	it, err := p.c.Get(keys.Fit(key, maxKeyLen))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classify(err)
	}
	return it.Value, true, nil
}

func (p *Provider) GetMulti(_ context.Context, ks []string) (map[string][]byte, error) {
	wire := make([]string, len(ks))
	back := make(map[string]string, len(ks))
	for i, k := range ks {
		wire[i] = keys.Fit(k, maxKeyLen)
		back[wire[i]] = k
	}
	items, err := p.c.GetMulti(wire)
	if err != nil {
		return nil, classify(err)
	}
	out := make(map[string][]byte, len(items))
	for wk, it := range items {
		out[back[wk]] = it.Value
	}
	return out, nil
}

func (p *Provider) Set(_ context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	err := p.c.Set(&memcache.Item{
		Key:        keys.Fit(key, maxKeyLen),
		Value:      value,
		Expiration: expiration(ttl),
	})
	if errors.Is(err, memcache.ErrNotStored) {
		return false, nil
	}
	if err != nil {
		return false, classify(err)
	}
	return true, nil
}

func (p *Provider) Del(_ context.Context, key string) error {
	err := p.c.Delete(keys.Fit(key, maxKeyLen))
	if err == nil || errors.Is(err, memcache.ErrCacheMiss) {
		return nil
	}
	return classify(err)
}

// Close is a no-op; the client holds no resources that need releasing.
func (p *Provider) Close(context.Context) error { return nil }

// maxRelative is the longest expiration memcached reads as relative seconds;
// anything larger is taken as a unix timestamp.
const maxRelative = 30 * 24 * time.Hour

// expiration converts ttl to memcached's format. Sub-second TTLs round up so
// they do not turn into "never expires".
func expiration(ttl time.Duration) int32 {
	if ttl <= 0 {
		return 0
	}
	if ttl > maxRelative {
		return int32(time.Now().Add(ttl).Unix())
	}
	return int32((ttl + time.Second - 1) / time.Second)
}

func classify(err error) error {
	var ne net.Error
	var ce *memcache.ConnectTimeoutError
	if errors.Is(err, memcache.ErrNoServers) || errors.As(err, &ne) || errors.As(err, &ce) {
		return fmt.Errorf("%w: %w", provider.ErrUnavailable, err)
	}
	return err
}
