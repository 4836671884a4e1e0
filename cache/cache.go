// Package cache is a provider-agnostic cache with compare-and-swap (CAS)
// safety via per-key generations. Single-key reads never return entries
// written before the key's last invalidation; bulk entries are validated per
// member and rejected if any member is stale.
//
// Components:
//   - Provider: byte store with TTL (Ristretto, BigCache, Redis, Memcache).
//   - Codec[V]: (de)serializes V <-> []byte.
//   - GenStore: generation counter per key. Local (in-process) by default,
//     Redis for multi-replica deployments.
//
// Keys:
//
//	e:<ns>:<key>   - single entries
//	m:<ns>:<hash>  - set-shaped entries (hash over sorted keys)
//
// CAS pattern for read-through fills:
//
//	obs := c.SnapshotGen(ctx, k) // before the store read
//	v   := readFromStore(k)
//	_   = c.SetWithGen(ctx, k, v, obs, 0) // write iff current gen == obs
//
// Writes that follow a successful store write use Set, which bumps the
// generation first so that concurrent fills carrying older snapshots are dropped.
package cache

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/mattiaslevin/mardao/codec"
	"github.com/mattiaslevin/mardao/genstore"
	"github.com/mattiaslevin/mardao/internal/keys"
	"github.com/mattiaslevin/mardao/internal/wire"
	"github.com/mattiaslevin/mardao/log"
	"github.com/mattiaslevin/mardao/provider"
)

type SetCostFunc func(key string, raw []byte, isBulk bool, bulkCount int) int64

// Cache is the high-level cache API. V is the caller's value type.
type Cache[V any] interface {
	Enabled() bool
	Close(context.Context) error

	// Single
	Get(ctx context.Context, key string) (v V, ok bool, err error)
	Set(ctx context.Context, key string, value V, ttl time.Duration) error
	SetWithGen(ctx context.Context, key string, value V, observedGen uint64, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error

	// Multi (order-agnostic return; use your own ordering by keys slice)
	GetMulti(ctx context.Context, keys []string) (values map[string]V, missing []string, err error)
	SetMulti(ctx context.Context, items map[string]V, ttl time.Duration) error
	SetMultiWithGens(ctx context.Context, items map[string]V, observedGens map[string]uint64, ttl time.Duration) error
	InvalidateMulti(ctx context.Context, keys []string) error

	// Generation snapshots (for CAS)
	SnapshotGen(ctx context.Context, key string) uint64
	SnapshotGens(ctx context.Context, keys []string) map[string]uint64
}

// Options tune the cache. Namespace, Provider and Codec are required.
type Options[V any] struct {
	Namespace string // isolates keys, e.g. the entity kind
	Provider  provider.Provider
	Codec     codec.Codec[V]

	Logger          log.Logger    // nil => log.Nop
	Hooks           Hooks         // nil => NopHooks
	DefaultTTL      time.Duration // singles; 0 => 10m
	BulkTTL         time.Duration // bulks; 0 => 10m
	CleanupInterval time.Duration // local gens only; 0 => 1h
	GenRetention    time.Duration // local gens only; 0 => 30d
	Disabled        bool
	ComputeSetCost  SetCostFunc       // default 1
	GenStore        genstore.GenStore // nil => genstore.Local owned by the cache
	DisableBulk     bool
}

type cache[V any] struct {
	ns             string
	provider       provider.Provider
	codec          codec.Codec[V]
	log            log.Logger
	hooks          Hooks
	enabled        bool
	bulk           bool
	defaultTTL     time.Duration
	bulkTTL        time.Duration
	computeSetCost SetCostFunc
	gen            genstore.GenStore
	ownGen         bool
}

var _ Cache[struct{}] = (*cache[struct{}])(nil)

func New[V any](opts Options[V]) (Cache[V], error) {
	if opts.Provider == nil {
		return nil, errors.New("cache: provider is required")
	}
	if opts.Codec == nil {
		return nil, errors.New("cache: codec is required")
	}
	if opts.Namespace == "" {
		return nil, errors.New("cache: namespace is required")
	}

	c := &cache[V]{
		ns:       opts.Namespace,
		provider: opts.Provider,
		codec:    opts.Codec,
		enabled:  !opts.Disabled,
		bulk:     !opts.DisableBulk,
	}
	c.log = log.OrNop(opts.Logger)
	c.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	c.defaultTTL = coalesce(opts.DefaultTTL, defaultTTL)
	c.bulkTTL = coalesce(opts.BulkTTL, defaultTTL)

	if opts.ComputeSetCost != nil {
		c.computeSetCost = opts.ComputeSetCost
	} else {
		c.computeSetCost = func(string, []byte, bool, int) int64 { return 1 }
	}

	if opts.GenStore != nil {
		c.gen = opts.GenStore
	} else {
		c.gen = genstore.NewLocal(
			coalesce(opts.CleanupInterval, defaultSweep),
			coalesce(opts.GenRetention, defaultGenRetention),
		)
		c.ownGen = true
	}
	if _, local := c.gen.(*genstore.Local); local && c.bulk && c.enabled {
		c.hooks.LocalGenWithBulk()
	}
	return c, nil
}

func (c *cache[V]) Enabled() bool { return c.enabled }

// Close closes the provider, and the generation store when the cache created it.
func (c *cache[V]) Close(ctx context.Context) error {
	var genErr error
	if c.ownGen {
		genErr = c.gen.Close(ctx)
	}
	return errors.Join(genErr, c.provider.Close(ctx))
}

func (c *cache[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V
	if !c.enabled {
		return zero, false, nil
	}
	k := c.singleKey(key)
	raw, ok, err := c.provider.Get(ctx, k)
	if err != nil || !ok {
		return zero, false, err
	}
	cur, ok := c.snapshotGen(ctx, k)
	if !ok {
		return zero, false, nil
	}
	return c.decodeSingle(ctx, k, raw, cur)
}

// decodeSingle validates a framed single entry against the current
// generation, deleting it when it is corrupt or stale.
func (c *cache[V]) decodeSingle(ctx context.Context, k string, raw []byte, cur uint64) (V, bool, error) {
	var zero V
	gen, payload, err := wire.DecodeSingle(raw)
	if err != nil {
		c.selfHeal(ctx, k, "corrupt")
		return zero, false, nil
	}
	if gen != cur {
		c.selfHeal(ctx, k, "gen_mismatch")
		return zero, false, nil
	}
	v, err := c.codec.Decode(payload)
	if err != nil {
		c.selfHeal(ctx, k, "value_decode")
		return zero, false, nil
	}
	return v, true, nil
}

func (c *cache[V]) selfHeal(ctx context.Context, storageKey, reason string) {
	_ = c.provider.Del(ctx, storageKey)
	c.hooks.SelfHealSingle(storageKey, reason)
}

func (c *cache[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) error {
	if !c.enabled {
		return nil
	}
	k := c.singleKey(key)
	g, err := c.gen.Bump(ctx, k)
	if err != nil {
		c.hooks.GenBumpError(k, err)
		_ = c.provider.Del(ctx, k)
		return fmt.Errorf("cache: set %q: %w", key, err)
	}
	return c.write(ctx, key, value, g, ttl)
}

func (c *cache[V]) SetWithGen(ctx context.Context, key string, value V, observedGen uint64, ttl time.Duration) error {
	if !c.enabled {
		return nil
	}
	k := c.singleKey(key)
	if cur, ok := c.snapshotGen(ctx, k); !ok || cur != observedGen {
		c.log.Debug("SetWithGen skipped (gen mismatch)", log.Fields{"key": key, "obs": observedGen})
		return nil
	}
	return c.write(ctx, key, value, observedGen, ttl)
}

func (c *cache[V]) write(ctx context.Context, key string, value V, gen uint64, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	k := c.singleKey(key)
	payload, err := c.codec.Encode(value)
	if err != nil {
		return fmt.Errorf("cache: encode %q: %w", key, err)
	}
	wireb := wire.EncodeSingle(gen, payload)
	ok, err := c.provider.Set(ctx, k, wireb, c.computeSetCost(k, wireb, false, 1), ttl)
	if err != nil {
		return err
	}
	if !ok {
		c.hooks.ProviderSetRejected(k, false)
		c.log.Debug("Set rejected by provider (pressure)", log.Fields{"key": key})
	}
	return nil
}

func (c *cache[V]) Invalidate(ctx context.Context, key string) error {
	if !c.enabled {
		return nil
	}
	k := c.singleKey(key)
	newGen, bumpErr := c.gen.Bump(ctx, k)
	delErr := c.provider.Del(ctx, k)
	switch {
	case bumpErr != nil && delErr != nil:
		c.hooks.InvalidateOutage(key, bumpErr, delErr)
		return &InvalidateError{Key: key, BumpErr: bumpErr, DelErr: delErr}
	case bumpErr != nil:
		// entry is gone; a racing fill may still land until the gen store recovers
		c.hooks.GenBumpError(k, bumpErr)
		c.log.Warn("invalidate: gen bump failed", log.Fields{"key": key, "err": bumpErr})
		return nil
	}
	c.log.Debug("invalidated key", log.Fields{"key": key, "newGen": newGen})
	return nil
}

func (c *cache[V]) InvalidateMulti(ctx context.Context, keys []string) error {
	var errs []error
	for _, k := range keys {
		if err := c.Invalidate(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// GetMulti first tries a bulk entry for exactly this key set, then falls back
// to one batched read of the single entries. On a provider error every key is
// reported missing along with the error.
func (c *cache[V]) GetMulti(ctx context.Context, ks []string) (map[string]V, []string, error) {
	out := make(map[string]V, len(ks))
	if !c.enabled {
		return out, slices.Clone(ks), nil
	}
	if len(ks) == 0 {
		return out, nil, nil
	}

	if c.bulk {
		if missing, ok := c.getBulk(ctx, ks, out); ok {
			return out, missing, nil
		}
	}

	storage := make([]string, len(ks))
	for i, k := range ks {
		storage[i] = c.singleKey(k)
	}
	raws, err := provider.GetMulti(ctx, c.provider, storage)
	if err != nil {
		return out, slices.Clone(ks), err
	}
	var gens map[string]uint64
	if len(raws) > 0 {
		gens, err = c.gen.SnapshotMany(ctx, slices.Collect(maps.Keys(raws)))
		if err != nil {
			c.hooks.GenSnapshotError(len(raws), err)
			return out, slices.Clone(ks), nil
		}
	}

	var missing []string
	for i, k := range ks {
		raw, ok := raws[storage[i]]
		if !ok {
			missing = append(missing, k)
			continue
		}
		if v, ok, _ := c.decodeSingle(ctx, storage[i], raw, gens[storage[i]]); ok {
			out[k] = v
		} else {
			missing = append(missing, k)
		}
	}
	return out, missing, nil
}

// getBulk fills out from the bulk entry for ks. ok is false when there is no
// usable bulk entry and the caller should read singles instead.
func (c *cache[V]) getBulk(ctx context.Context, ks []string, out map[string]V) (missing []string, ok bool) {
	sorted := slices.Clone(ks)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	bk := c.bulkKeySorted(sorted)

	raw, hit, err := c.provider.Get(ctx, bk)
	if err != nil || !hit {
		return nil, false
	}
	items, err := wire.DecodeBulk(raw)
	if err != nil {
		_ = c.provider.Del(ctx, bk)
		c.hooks.BulkRejected(c.ns, len(ks), "decode_error")
		return nil, false
	}
	if !c.bulkValid(ctx, items) {
		_ = c.provider.Del(ctx, bk)
		c.hooks.BulkRejected(c.ns, len(ks), "invalid_or_stale")
		return nil, false
	}

	byKey := make(map[string]V, len(items))
	genByKey := make(map[string]uint64, len(items))
	for _, it := range items {
		val, err := c.codec.Decode(it.Payload)
		if err != nil {
			continue
		}
		byKey[it.Key] = val
		genByKey[it.Key] = it.Gen
	}
	for _, k := range ks {
		if v, ok := byKey[k]; ok {
			out[k] = v
			// opportunistic single warmup (CAS-protected)
			_ = c.SetWithGen(ctx, k, v, genByKey[k], c.defaultTTL)
		} else {
			missing = append(missing, k)
		}
	}
	return missing, true
}

// SetMulti replaces every item, bumping each key's generation first.
func (c *cache[V]) SetMulti(ctx context.Context, items map[string]V, ttl time.Duration) error {
	if !c.enabled || len(items) == 0 {
		return nil
	}
	gens := make(map[string]uint64, len(items))
	var errs []error
	for k := range items {
		sk := c.singleKey(k)
		g, err := c.gen.Bump(ctx, sk)
		if err != nil {
			c.hooks.GenBumpError(sk, err)
			_ = c.provider.Del(ctx, sk)
			errs = append(errs, fmt.Errorf("cache: set %q: %w", k, err))
			continue
		}
		gens[k] = g
	}
	if len(gens) < len(items) {
		ok := make(map[string]V, len(gens))
		for k := range gens {
			ok[k] = items[k]
		}
		items = ok
	}
	errs = append(errs, c.SetMultiWithGens(ctx, items, gens, ttl))
	return errors.Join(errs...)
}

func (c *cache[V]) SetMultiWithGens(ctx context.Context, items map[string]V, observedGens map[string]uint64, ttl time.Duration) error {
	if !c.enabled || len(items) == 0 {
		return nil
	}

	ks := slices.Sorted(maps.Keys(items))
	storage := make([]string, len(ks))
	for i, k := range ks {
		storage[i] = c.singleKey(k)
	}
	cur, err := c.gen.SnapshotMany(ctx, storage)
	if err != nil {
		c.hooks.GenSnapshotError(len(storage), err)
		return nil
	}

	// keep only items whose generation has not moved since observation
	fresh := make([]string, 0, len(ks))
	for i, k := range ks {
		obs, ok := observedGens[k]
		if ok && cur[storage[i]] == obs {
			fresh = append(fresh, k)
		} else {
			c.log.Debug("SetMultiWithGens skipped key (gen mismatch)", log.Fields{"key": k})
		}
	}

	var errs []error
	for _, k := range fresh {
		if err := c.write(ctx, k, items[k], observedGens[k], ttl); err != nil {
			errs = append(errs, err)
		}
	}

	if c.bulk && len(fresh) == len(ks) && len(ks) > 1 {
		if err := c.writeBulk(ctx, ks, items, observedGens); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *cache[V]) writeBulk(ctx context.Context, sorted []string, items map[string]V, gens map[string]uint64) error {
	wireItems := make([]wire.BulkItem, 0, len(sorted))
	for _, k := range sorted {
		payload, err := c.codec.Encode(items[k])
		if err != nil {
			return fmt.Errorf("cache: encode %q: %w", k, err)
		}
		wireItems = append(wireItems, wire.BulkItem{Key: k, Gen: gens[k], Payload: payload})
	}
	wireb, err := wire.EncodeBulk(wireItems)
	if err != nil {
		return err
	}
	bk := c.bulkKeySorted(sorted)
	ok, err := c.provider.Set(ctx, bk, wireb, c.computeSetCost(bk, wireb, true, len(sorted)), c.bulkTTL)
	if err != nil {
		return err
	}
	if !ok {
		c.hooks.ProviderSetRejected(bk, true)
	}
	return nil
}

func (c *cache[V]) SnapshotGen(ctx context.Context, key string) uint64 {
	g, _ := c.snapshotGen(ctx, c.singleKey(key))
	return g
}

func (c *cache[V]) SnapshotGens(ctx context.Context, ks []string) map[string]uint64 {
	storage := make([]string, len(ks))
	for i, k := range ks {
		storage[i] = c.singleKey(k)
	}
	out := make(map[string]uint64, len(ks))
	m, err := c.gen.SnapshotMany(ctx, storage)
	if err != nil {
		c.hooks.GenSnapshotError(len(ks), err)
		// leave keys out; SetMultiWithGens skips keys without an observation
		return out
	}
	for i, k := range ks {
		out[k] = m[storage[i]]
	}
	return out
}

// snapshotGen reports ok=false when the generation store failed; callers
// then neither trust nor write entries for the key.
func (c *cache[V]) snapshotGen(ctx context.Context, storageKey string) (uint64, bool) {
	g, err := c.gen.Snapshot(ctx, storageKey)
	if err != nil {
		c.hooks.GenSnapshotError(1, err)
		c.log.Warn("gen snapshot error", log.Fields{"key": storageKey, "err": err})
		return 0, false
	}
	return g, true
}

func (c *cache[V]) singleKey(userKey string) string {
	return "e:" + c.ns + ":" + userKey
}

func (c *cache[V]) bulkKeySorted(sorted []string) string {
	return keys.BulkSorted("m:"+c.ns, sorted)
}

func (c *cache[V]) bulkValid(ctx context.Context, items []wire.BulkItem) bool {
	storage := make([]string, len(items))
	for i, it := range items {
		storage[i] = c.singleKey(it.Key)
	}
	cur, err := c.gen.SnapshotMany(ctx, storage)
	if err != nil {
		c.hooks.GenSnapshotError(len(storage), err)
		return false
	}
	for i, it := range items {
		if it.Gen != cur[storage[i]] {
			return false
		}
	}
	return true
}
