// Package provider defines the byte store behind the DAO caches.
//
// Implementations MUST be byte-for-byte transparent: Get must return exactly the
// same []byte that was previously passed to Set for a key (no prepended/appended
// metadata, no re-encoding, no mutation).
//
// The keyspaces "e:<ns>:" and "m:<ns>:" are owned by the cache.
// Foreign writes under these prefixes are treated as corruption and deleted.
package provider

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable marks a backend outage as opposed to a per-key failure.
// Adapters wrap transport errors with it; Guard trips on it.
var ErrUnavailable = errors.New("provider: backend unavailable")

// Provider is a minimal byte store with TTLs. Must be safe for concurrent use.
type Provider interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	// If an IO/remote error happens, return (nil, false, err).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value with the given TTL. May ignore cost if unsupported.
	// Returns ok=false when the store rejected the write under pressure.
	Set(ctx context.Context, key string, value []byte, cost int64, ttl time.Duration) (ok bool, err error)

	// Del removes a key (best-effort).
	Del(ctx context.Context, key string) error

	// Close releases resources.
	Close(ctx context.Context) error
}

// MultiGetter is implemented by providers that can fetch many keys in one
// round trip. The result holds hits only.
type MultiGetter interface {
	GetMulti(ctx context.Context, keys []string) (map[string][]byte, error)
}

// GetMulti uses p's MultiGetter when it has one and falls back to one Get per key.
func GetMulti(ctx context.Context, p Provider, keys []string) (map[string][]byte, error) {
	if mg, ok := p.(MultiGetter); ok {
		return mg.GetMulti(ctx, keys)
	}
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		b, ok, err := p.Get(ctx, k)
		if err != nil {
			return out, err
		}
		if ok {
			out[k] = b
		}
	}
	return out, nil
}
