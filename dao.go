package mardao

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/mattiaslevin/mardao/cache"
	"github.com/mattiaslevin/mardao/codec"
	"github.com/mattiaslevin/mardao/genstore"
	"github.com/mattiaslevin/mardao/geo"
	"github.com/mattiaslevin/mardao/log"
	"github.com/mattiaslevin/mardao/provider"
	"github.com/mattiaslevin/mardao/store"
)

// Options configure a Dao. The zero value disables caching and uses the
// default geo resolutions.
type Options[T any] struct {
	// Cache backend shared by the entity cache and cache-all. nil disables both.
	Provider      provider.Provider
	CacheEntities bool
	CacheAll      bool

	Codec    codec.Codec[T]    // nil => codec.JSON[T]
	GenStore genstore.GenStore // nil => genstore.Local owned by the Dao
	TTL      time.Duration     // 0 => cache default
	Logger   log.Logger        // nil => log.Nop
	Hooks    cache.Hooks       // nil => cache.NopHooks

	Resolutions    []int  // geo resolutions in bits; nil => geo.DefaultResolutions
	GeoboxesColumn string // overrides Mapper.GeoboxesColumn when set

	Now func() time.Time // nil => time.Now
}

// Dao persists and queries one kind of domain value.
//
// Entity cache keys are encoded primary keys; the cache-all entry lives under
// "<kind>.all()". Cache updates for a batch happen only after the store call
// for the batch succeeded.
type Dao[T any, ID ~int64 | ~string] struct {
	m      Mapper[T, ID]
	st     store.Store
	hasher *geo.Hasher
	log    log.Logger
	now    func() time.Time

	entities cache.Cache[T]
	all      cache.Cache[[]T]
	allKey   string
	guard    *provider.Guard
	unused   provider.Provider
	gen      genstore.GenStore
	ownGen   bool
}

// New validates m and builds a Dao over s. The Dao owns opts.Provider and
// closes it on Close, even when neither cache is enabled.
func New[T any, ID ~int64 | ~string](m Mapper[T, ID], s store.Store, opts Options[T]) (*Dao[T, ID], error) {
	if s == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidArgument)
	}
	if opts.GeoboxesColumn != "" {
		m.GeoboxesColumn = opts.GeoboxesColumn
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	hasher, err := geo.NewHasher(opts.Resolutions...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	d := &Dao[T, ID]{
		m:      m,
		st:     s,
		hasher: hasher,
		log:    log.OrNop(opts.Logger),
		now:    opts.Now,
		allKey: m.Kind + ".all()",
	}
	if d.now == nil {
		d.now = time.Now
	}

	hooks := opts.Hooks
	if hooks == nil {
		hooks = cache.NopHooks{}
	}
	var p provider.Provider = disabledProvider{}
	caching := opts.Provider != nil && (opts.CacheEntities || opts.CacheAll)
	if caching {
		d.guard = provider.NewGuard(opts.Provider, func(err error) {
			d.log.Error("cache backend unavailable, caching disabled", log.Fields{"kind": m.Kind, "err": err})
			hooks.CacheDisabled(m.Kind, err)
		})
		p = d.guard
	} else {
		d.unused = opts.Provider
	}

	d.gen = opts.GenStore
	if d.gen == nil {
		d.gen = genstore.NewLocal(time.Hour, 30*24*time.Hour)
		d.ownGen = true
	}

	valueCodec := opts.Codec
	if valueCodec == nil {
		valueCodec = codec.JSON[T]{}
	}
	d.entities, err = cache.New(cache.Options[T]{
		Namespace:  m.Kind,
		Provider:   p,
		Codec:      valueCodec,
		Logger:     opts.Logger,
		Hooks:      hooks,
		DefaultTTL: opts.TTL,
		GenStore:   d.gen,
		Disabled:   !caching || !opts.CacheEntities,
	})
	if err != nil {
		return nil, errors.Join(err, d.Close(context.Background()))
	}
	d.all, err = cache.New(cache.Options[[]T]{
		Namespace:   m.Kind,
		Provider:    p,
		Codec:       codec.List[T]{Elem: valueCodec},
		Logger:      opts.Logger,
		Hooks:       hooks,
		DefaultTTL:  opts.TTL,
		GenStore:    d.gen,
		Disabled:    !caching || !opts.CacheAll,
		DisableBulk: true,
	})
	if err != nil {
		return nil, errors.Join(err, d.Close(context.Background()))
	}
	return d, nil
}

// Close releases the cache backend, and the generation store if the Dao
// created it. The store is left open.
func (d *Dao[T, ID]) Close(ctx context.Context) error {
	var errs []error
	if d.guard != nil {
		errs = append(errs, d.guard.Close(ctx))
	}
	if d.unused != nil {
		errs = append(errs, d.unused.Close(ctx))
	}
	if d.ownGen {
		errs = append(errs, d.gen.Close(ctx))
	}
	return errors.Join(errs...)
}

// Mapper returns the validated mapper the Dao was built with.
func (d *Dao[T, ID]) Mapper() *Mapper[T, ID] { return &d.m }

// Hasher returns the geobox hasher for the configured resolutions.
func (d *Dao[T, ID]) Hasher() *geo.Hasher { return d.hasher }

// Key builds the primary key for id under parent.
func (d *Dao[T, ID]) Key(parent *store.Key, id ID) *store.Key {
	return keyOf(d.m.Kind, parent, id)
}

func (d *Dao[T, ID]) keys(parent *store.Key, ids []ID) []*store.Key {
	out := make([]*store.Key, len(ids))
	for i, id := range ids {
		out[i] = d.Key(parent, id)
	}
	return out
}

// Persist writes domains in one store batch and returns their simple keys in
// input order. Domains without a simple key get the key the store allocated.
// All domains share one timestamp. On success the entity cache holds the
// written values and cache-all is invalidated; on failure the caches are
// left alone.
func (d *Dao[T, ID]) Persist(ctx context.Context, domains []T) ([]ID, error) {
	if len(domains) == 0 {
		return nil, nil
	}
	now := d.now()
	principal := Principal(ctx)
	recs := make([]*store.Record, len(domains))
	for i, x := range domains {
		recs[i] = d.m.ToCore(x, principal, now, d.hasher)
	}

	keys, err := d.st.Put(ctx, recs)
	if err != nil {
		return nil, fmt.Errorf("mardao: persist %s: %w", d.m.Kind, err)
	}
	if len(keys) != len(recs) {
		return nil, fmt.Errorf("mardao: persist %s: store returned %d keys for %d records", d.m.Kind, len(keys), len(recs))
	}

	var zero ID
	ids := make([]ID, len(keys))
	items := make(map[string]T, len(keys))
	for i, k := range keys {
		ids[i] = idOf[ID](k)
		if d.m.SimpleKey(domains[i]) == zero {
			d.m.SetSimpleKey(domains[i], ids[i])
		}
		items[k.Encode()] = domains[i]
	}

	d.invalidateAll(ctx)
	if d.entities.Enabled() {
		if err := d.entities.SetMulti(ctx, items, 0); err != nil {
			d.log.Warn("entity cache update failed", log.Fields{"kind": d.m.Kind, "err": err})
		}
	}
	return ids, nil
}

// Put persists a single domain.
func (d *Dao[T, ID]) Put(ctx context.Context, domain T) (ID, error) {
	ids, err := d.Persist(ctx, []T{domain})
	if err != nil {
		var zero ID
		return zero, err
	}
	return ids[0], nil
}

// Update is Persist; writes are upserts by key.
func (d *Dao[T, ID]) Update(ctx context.Context, domains []T) error {
	_, err := d.Persist(ctx, domains)
	return err
}

// UpdateOne is Put without the key.
func (d *Dao[T, ID]) UpdateOne(ctx context.Context, domain T) error {
	_, err := d.Put(ctx, domain)
	return err
}

// Delete removes the entities with ids under parent from the store, then
// invalidates their cache entries and cache-all.
func (d *Dao[T, ID]) Delete(ctx context.Context, parent *store.Key, ids []ID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	return d.deleteKeys(ctx, d.keys(parent, ids))
}

// DeleteOne reports whether the entity existed, as far as the store can tell.
func (d *Dao[T, ID]) DeleteOne(ctx context.Context, parent *store.Key, id ID) (bool, error) {
	n, err := d.deleteKeys(ctx, []*store.Key{d.Key(parent, id)})
	return n > 0, err
}

// DeleteDomains deletes by the primary keys of domains. Every domain needs a
// simple key.
func (d *Dao[T, ID]) DeleteDomains(ctx context.Context, domains []T) (int, error) {
	if len(domains) == 0 {
		return 0, nil
	}
	keys := make([]*store.Key, len(domains))
	for i, x := range domains {
		k := d.m.Key(x)
		if k.Incomplete() {
			return 0, fmt.Errorf("%w: %s at index %d has no simple key", ErrInvalidArgument, d.m.Kind, i)
		}
		keys[i] = k
	}
	return d.deleteKeys(ctx, keys)
}

func (d *Dao[T, ID]) deleteKeys(ctx context.Context, keys []*store.Key) (int, error) {
	n, err := d.st.Delete(ctx, keys)
	if err != nil {
		return 0, fmt.Errorf("mardao: delete %s: %w", d.m.Kind, err)
	}
	d.invalidateAll(ctx)
	if d.entities.Enabled() {
		encoded := make([]string, len(keys))
		for i, k := range keys {
			encoded[i] = k.Encode()
		}
		if err := d.entities.InvalidateMulti(ctx, encoded); err != nil {
			d.log.Warn("entity cache invalidation failed", log.Fields{"kind": d.m.Kind, "err": err})
		}
	}
	return n, nil
}

func (d *Dao[T, ID]) invalidateAll(ctx context.Context) {
	if !d.all.Enabled() {
		return
	}
	if err := d.all.Invalidate(ctx, d.allKey); err != nil {
		d.log.Warn("cache-all invalidation failed", log.Fields{"kind": d.m.Kind, "err": err})
	}
}

// Get reads one entity straight from the store; single-key reads are not cached.
func (d *Dao[T, ID]) Get(ctx context.Context, parent *store.Key, id ID) (T, bool, error) {
	var zero T
	rec, ok, err := d.st.Get(ctx, d.Key(parent, id))
	if err != nil {
		return zero, false, fmt.Errorf("mardao: get %s: %w", d.m.Kind, err)
	}
	if !ok {
		return zero, false, nil
	}
	return d.toDomain(rec)
}

// toDomain logs and skips records that fail to map.
func (d *Dao[T, ID]) toDomain(rec *store.Record) (T, bool, error) {
	v, err := d.m.ToDomain(rec)
	if err != nil {
		d.log.Error("skipping unmappable record", log.Fields{"kind": d.m.Kind, "key": rec.Key.String(), "err": err})
		return v, false, nil
	}
	return v, true, nil
}

type keyed[T any] struct {
	key *store.Key
	v   T
}

// QueryByPrimaryKeys returns the entities with ids under parent, reading what
// it can from the entity cache and the rest from the store in one batch.
// Results are ordered by simple key, not by ids. Missing entities are left out.
func (d *Dao[T, ID]) QueryByPrimaryKeys(ctx context.Context, parent *store.Key, ids []ID) ([]T, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	byEnc := make(map[string]*store.Key, len(ids))
	encoded := make([]string, 0, len(ids))
	for _, k := range d.keys(parent, ids) {
		enc := k.Encode()
		if _, dup := byEnc[enc]; !dup {
			byEnc[enc] = k
			encoded = append(encoded, enc)
		}
	}

	found := make(map[string]keyed[T], len(encoded))
	missing := encoded
	if d.entities.Enabled() {
		hits, miss, err := d.entities.GetMulti(ctx, encoded)
		if err != nil {
			d.log.Warn("entity cache read failed", log.Fields{"kind": d.m.Kind, "err": err})
			miss = encoded
		} else {
			for enc, v := range hits {
				found[enc] = keyed[T]{key: byEnc[enc], v: v}
			}
		}
		missing = miss
	}

	fetched := 0
	if len(missing) > 0 {
		var observed map[string]uint64
		if d.entities.Enabled() {
			observed = d.entities.SnapshotGens(ctx, missing)
		}
		mkeys := make([]*store.Key, len(missing))
		for i, enc := range missing {
			mkeys[i] = byEnc[enc]
		}
		recs, err := d.st.GetMulti(ctx, mkeys)
		if err != nil {
			return nil, fmt.Errorf("mardao: query %s by keys: %w", d.m.Kind, err)
		}
		fill := make(map[string]T, len(recs))
		for _, rec := range recs {
			v, ok, _ := d.toDomain(rec)
			if !ok {
				continue
			}
			enc := rec.Key.Encode()
			found[enc] = keyed[T]{key: rec.Key, v: v}
			fill[enc] = v
		}
		fetched = len(fill)
		if len(fill) > 0 && d.entities.Enabled() {
			if err := d.entities.SetMultiWithGens(ctx, fill, observed, 0); err != nil {
				d.log.Warn("entity cache fill failed", log.Fields{"kind": d.m.Kind, "err": err})
			}
		}
	}
	d.log.Debug("query by primary keys", log.Fields{
		"kind": d.m.Kind, "requested": len(encoded), "cached": len(encoded) - len(missing), "fetched": fetched,
	})

	entries := make([]keyed[T], 0, len(found))
	for _, e := range found {
		entries = append(entries, e)
	}
	return sortedValues(entries), nil
}

func sortedValues[T any](entries []keyed[T]) []T {
	slices.SortFunc(entries, func(a, b keyed[T]) int { return store.CompareKeys(a.key, b.key) })
	out := make([]T, len(entries))
	for i, e := range entries {
		out[i] = e.v
	}
	return out
}

// QueryAll returns every entity of the kind. With cache-all enabled the
// complete result is cached and served until the next persist or delete.
func (d *Dao[T, ID]) QueryAll(ctx context.Context) ([]T, error) {
	if vs, ok := d.cachedAll(ctx); ok {
		return vs, nil
	}
	var observed uint64
	if d.all.Enabled() {
		observed = d.all.SnapshotGen(ctx, d.allKey)
	}
	entries, err := d.scan(ctx, &store.Query{Kind: d.m.Kind})
	if err != nil {
		return nil, err
	}
	vs := make([]T, len(entries))
	for i, e := range entries {
		vs[i] = e.v
	}
	if d.all.Enabled() {
		if err := d.all.SetWithGen(ctx, d.allKey, vs, observed, 0); err != nil {
			d.log.Warn("cache-all fill failed", log.Fields{"kind": d.m.Kind, "err": err})
		}
	}
	d.log.Debug("query all from store", log.Fields{"kind": d.m.Kind, "count": len(vs)})
	return vs, nil
}

// QueryAllByParent returns the entities under parent. A cached cache-all
// entry is filtered in memory when the mapper exposes parent keys; store
// results for one parent never populate cache-all.
func (d *Dao[T, ID]) QueryAllByParent(ctx context.Context, parent *store.Key) ([]T, error) {
	if parent == nil {
		return d.QueryAll(ctx)
	}
	if d.m.ParentKey != nil {
		if vs, ok := d.cachedAll(ctx); ok {
			out := make([]T, 0, len(vs))
			for _, v := range vs {
				if parent.Equal(d.m.ParentKey(v)) {
					out = append(out, v)
				}
			}
			return out, nil
		}
	}
	entries, err := d.scan(ctx, &store.Query{Kind: d.m.Kind, Ancestor: parent})
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(entries))
	for _, e := range entries {
		if parent.Equal(e.key.Parent) {
			out = append(out, e.v)
		}
	}
	return out, nil
}

// QueryAllKeys returns the simple keys of the entities whose parent is
// parent, or of every entity when parent is nil. A cached cache-all entry is
// used when present.
func (d *Dao[T, ID]) QueryAllKeys(ctx context.Context, parent *store.Key) ([]ID, error) {
	if parent == nil || d.m.ParentKey != nil {
		if vs, ok := d.cachedAll(ctx); ok {
			out := make([]ID, 0, len(vs))
			for _, v := range vs {
				if parent == nil || parent.Equal(d.m.ParentKey(v)) {
					out = append(out, d.m.SimpleKey(v))
				}
			}
			return out, nil
		}
	}
	var out []ID
	for e, err := range d.iterate(ctx, true, IterQuery{Parent: parent}) {
		if err != nil {
			return nil, err
		}
		// ancestor queries also return grandchildren
		if parent != nil && !parent.Equal(e.key.Parent) {
			continue
		}
		out = append(out, idOf[ID](e.key))
	}
	return out, nil
}

func (d *Dao[T, ID]) cachedAll(ctx context.Context) ([]T, bool) {
	if !d.all.Enabled() {
		return nil, false
	}
	vs, ok, err := d.all.Get(ctx, d.allKey)
	if err != nil {
		d.log.Warn("cache-all read failed", log.Fields{"kind": d.m.Kind, "err": err})
		return nil, false
	}
	if ok {
		d.log.Debug("query all from cache", log.Fields{"kind": d.m.Kind, "count": len(vs)})
	}
	return vs, ok
}

// scan runs q to exhaustion, following cursors.
func (d *Dao[T, ID]) scan(ctx context.Context, q *store.Query) ([]keyed[T], error) {
	var out []keyed[T]
	for {
		page, err := d.st.Query(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("mardao: query %s: %w", d.m.Kind, err)
		}
		out = append(out, d.mapRecords(page.Records)...)
		if page.Next == "" {
			return out, nil
		}
		q.Cursor = page.Next
		q.Offset = 0
	}
}

func (d *Dao[T, ID]) mapRecords(recs []*store.Record) []keyed[T] {
	out := make([]keyed[T], 0, len(recs))
	for _, rec := range recs {
		if v, ok, _ := d.toDomain(rec); ok {
			out = append(out, keyed[T]{key: rec.Key, v: v})
		}
	}
	return out
}

// disabledProvider backs the caches of a Dao without a cache backend. The
// caches are disabled too, so it is never called in practice.
type disabledProvider struct{}

func (disabledProvider) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }
func (disabledProvider) Set(context.Context, string, []byte, int64, time.Duration) (bool, error) {
	return false, nil
}
func (disabledProvider) Del(context.Context, string) error { return nil }
func (disabledProvider) Close(context.Context) error       { return nil }
