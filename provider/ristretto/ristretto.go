// Package ristretto keeps cache entries in process with dgraph-io/ristretto.
// Entries are admitted by TinyLFU, so a Set can be dropped under contention;
// the cache treats that as a miss on the next read.
package ristretto

import (
	"context"
	"errors"
	"time"

	rc "github.com/dgraph-io/ristretto"

	"github.com/mattiaslevin/mardao/provider"
)

var _ provider.Provider = (*Provider)(nil)

type Provider struct {
	c       *rc.Cache
	byBytes bool
}

type Config struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
	Metrics     bool
	// CostBytes charges each entry its encoded size, making MaxCost a byte
	// budget. Cache-all snapshots of large kinds then evict many entities
	// instead of one.
	CostBytes bool
}

// DefaultConfig sizes the cache for roughly maxItems entries of cost 1.
func DefaultConfig(maxItems int64) Config {
	return Config{NumCounters: 10 * maxItems, MaxCost: maxItems, BufferItems: 64}
}

// BytesConfig budgets maxBytes of encoded entries, expecting entries of
// about avgEntry bytes.
func BytesConfig(maxBytes, avgEntry int64) Config {
	if avgEntry <= 0 {
		avgEntry = 512
	}
	return Config{NumCounters: 10 * max(maxBytes/avgEntry, 1), MaxCost: maxBytes, BufferItems: 64, CostBytes: true}
}

func New(cfg Config) (*Provider, error) {
	if cfg.NumCounters <= 0 || cfg.MaxCost <= 0 || cfg.BufferItems <= 0 {
		return nil, errors.New("ristretto: NumCounters, MaxCost and BufferItems must be positive")
	}
	c, err := rc.NewCache(&rc.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
		Metrics:     cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	return &Provider{c: c, byBytes: cfg.CostBytes}, nil
}

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := p.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, _ := v.([]byte)
	if b == nil {
		p.c.Del(key)
		return nil, false, nil
	}
	return b, true, nil
}

// Set admits asynchronously. A Get right after Set may miss until the
// buffers drain; call Wait when a test needs the write visible.
func (p *Provider) Set(_ context.Context, key string, value []byte, cost int64, ttl time.Duration) (bool, error) {
	if p.byBytes {
		cost = int64(len(value))
	}
	return p.c.SetWithTTL(key, value, cost, ttl), nil
}

func (p *Provider) Del(_ context.Context, key string) error {
	p.c.Del(key)
	return nil
}

func (p *Provider) Wait() { p.c.Wait() }

func (p *Provider) Close(_ context.Context) error {
	p.c.Wait()
	p.c.Close()
	return nil
}

// Metrics exposes ristretto's counters when Config.Metrics is set.
func (p *Provider) Metrics() *rc.Metrics { return p.c.Metrics }
