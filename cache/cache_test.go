package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	c "github.com/mattiaslevin/mardao/codec"
	"github.com/mattiaslevin/mardao/internal/wire"
	pr "github.com/mattiaslevin/mardao/provider"
)

type memEntry struct {
	v   []byte
	exp time.Time // zero => no TTL
}

type memProvider struct {
	mu        sync.Mutex
	m         map[string]memEntry
	multiGets int
}

var (
	_ pr.Provider    = (*memProvider)(nil)
	_ pr.MultiGetter = (*memProvider)(nil)
)

func newMemProvider() *memProvider { return &memProvider{m: make(map[string]memEntry)} }

func (p *memProvider) Get(_ context.Context, key string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.m[key]
	if !ok {
		return nil, false, nil
	}
	if !e.exp.IsZero() && time.Now().After(e.exp) {
		delete(p.m, key)
		return nil, false, nil
	}
	return e.v, true, nil
}

func (p *memProvider) GetMulti(ctx context.Context, keys []string) (map[string][]byte, error) {
	p.mu.Lock()
	p.multiGets++
	p.mu.Unlock()
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if b, ok, _ := p.Get(ctx, k); ok {
			out[k] = b
		}
	}
	return out, nil
}

func (p *memProvider) Set(_ context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	p.m[key] = memEntry{v: value, exp: exp}
	return true, nil
}

func (p *memProvider) Del(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.m, key)
	return nil
}

func (p *memProvider) Close(_ context.Context) error { return nil }

func (p *memProvider) hasPrefix(prefix string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k := range p.m {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}

type user struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func newTestCache(t *testing.T, ns string, mp pr.Provider, optsOpt func(*Options[user])) Cache[user] {
	t.Helper()
	opts := Options[user]{
		Namespace: ns,
		Provider:  mp,
		Codec:     c.JSON[user]{},
	}
	if optsOpt != nil {
		optsOpt(&opts)
	}
	cc, err := New[user](opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return cc
}

func mustImpl[V any](t *testing.T, c Cache[V]) *cache[V] {
	t.Helper()
	impl, ok := c.(*cache[V])
	if !ok {
		t.Fatalf("unexpected concrete type for Cache")
	}
	return impl
}

type recordingHooks struct {
	NopHooks
	mu       sync.Mutex
	selfHeal []string
	bulkRej  []string
	outages  int
	localGen int
}

func (h *recordingHooks) SelfHealSingle(_, reason string) {
	h.mu.Lock()
	h.selfHeal = append(h.selfHeal, reason)
	h.mu.Unlock()
}

func (h *recordingHooks) BulkRejected(_ string, _ int, reason string) {
	h.mu.Lock()
	h.bulkRej = append(h.bulkRej, reason)
	h.mu.Unlock()
}

func (h *recordingHooks) InvalidateOutage(string, error, error) {
	h.mu.Lock()
	h.outages++
	h.mu.Unlock()
}

func (h *recordingHooks) LocalGenWithBulk() {
	h.mu.Lock()
	h.localGen++
	h.mu.Unlock()
}

// ==============================
// Single-entry CAS tests
// ==============================

// TestSingleCASFlow verifies CAS write, read, invalidation, and stale write skip.
func TestSingleCASFlow(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	cc := newTestCache(t, "user", mp, nil)
	defer cc.Close(ctx)

	k := "u:1"
	v := user{ID: "1", Name: "Ada"}

	if got, ok, err := cc.Get(ctx, k); err != nil || ok {
		t.Fatalf("Get miss expected, got ok=%v err=%v val=%v", ok, err, got)
	}

	obs := cc.SnapshotGen(ctx, k)
	if obs != 0 {
		t.Fatalf("SnapshotGen expected 0, got %d", obs)
	}
	if err := cc.SetWithGen(ctx, k, v, obs, 0); err != nil {
		t.Fatalf("SetWithGen: %v", err)
	}
	if got, ok, err := cc.Get(ctx, k); err != nil || !ok || got != v {
		t.Fatalf("Get after set: ok=%v err=%v got=%v", ok, err, got)
	}

	if err := cc.Invalidate(ctx, k); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, ok, err := cc.Get(ctx, k); err != nil || ok {
		t.Fatalf("Get after invalidate should miss, ok=%v err=%v", ok, err)
	}

	// Stale write (using old observed gen 0) should be skipped.
	if err := cc.SetWithGen(ctx, k, v, 0, 0); err != nil {
		t.Fatalf("SetWithGen stale: %v", err)
	}
	if _, ok, _ := cc.Get(ctx, k); ok {
		t.Fatalf("stale write should not populate cache")
	}

	obs2 := cc.SnapshotGen(ctx, k)
	if err := cc.SetWithGen(ctx, k, v, obs2, 0); err != nil {
		t.Fatalf("SetWithGen (fresh): %v", err)
	}
	if got, ok, err := cc.Get(ctx, k); err != nil || !ok || got != v {
		t.Fatalf("Get after fresh set: ok=%v err=%v got=%v", ok, err, got)
	}
}

// TestSetDropsConcurrentFill: a fill that snapshotted before a write-through
// Set must not overwrite the newer value.
func TestSetDropsConcurrentFill(t *testing.T) {
	ctx := context.Background()
	cc := newTestCache(t, "user", newMemProvider(), nil)
	defer cc.Close(ctx)

	k := "u:2"
	obs := cc.SnapshotGen(ctx, k) // reader snapshots, then reads the old row

	fresh := user{ID: "2", Name: "new"}
	if err := cc.Set(ctx, k, fresh, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	_ = cc.SetWithGen(ctx, k, user{ID: "2", Name: "old"}, obs, 0)

	got, ok, err := cc.Get(ctx, k)
	if err != nil || !ok || got != fresh {
		t.Fatalf("want %v, got %v ok=%v err=%v", fresh, got, ok, err)
	}
}

// ==============================
// Self-heal tests (corruption/gen mismatch)
// ==============================

func TestSelfHealOnCorruptAndStale(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	hooks := &recordingHooks{}
	cc := newTestCache(t, "user", mp, func(o *Options[user]) { o.Hooks = hooks })
	defer cc.Close(ctx)

	impl := mustImpl(t, cc)

	k := "bad"
	storageKey := impl.singleKey(k)

	if ok, err := impl.provider.Set(ctx, storageKey, []byte("not-wire-format"), 1, time.Minute); err != nil || !ok {
		t.Fatalf("inject corrupt: ok=%v err=%v", ok, err)
	}
	if _, ok, err := cc.Get(ctx, k); err != nil || ok {
		t.Fatalf("Get on corrupt should miss, ok=%v err=%v", ok, err)
	}
	if _, ok, _ := mp.Get(ctx, storageKey); ok {
		t.Fatalf("corrupt entry was not deleted by self-heal")
	}

	// valid single with gen=0, then bump generation to make it stale
	payload, err := c.JSON[user]{}.Encode(user{ID: "x", Name: "X"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if ok, err := impl.provider.Set(ctx, storageKey, wire.EncodeSingle(0, payload), 1, time.Minute); err != nil || !ok {
		t.Fatalf("inject valid stale: ok=%v err=%v", ok, err)
	}
	_, _ = impl.gen.Bump(ctx, storageKey)

	if _, ok, err := cc.Get(ctx, k); err != nil || ok {
		t.Fatalf("Get on stale single should miss, ok=%v err=%v", ok, err)
	}
	if _, ok, _ := mp.Get(ctx, storageKey); ok {
		t.Fatalf("stale entry was not deleted by self-heal")
	}

	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	if len(hooks.selfHeal) != 2 || hooks.selfHeal[0] != "corrupt" || hooks.selfHeal[1] != "gen_mismatch" {
		t.Fatalf("self-heal reasons=%v", hooks.selfHeal)
	}
}

// ==============================
// Multi-key behavior tests
// ==============================

// TestBulkHappyAndStale validates bulk read, then invalidation of one member causes
// bulk rejection and fallback to singles with missing reported for the invalidated key.
func TestBulkHappyAndStale(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	hooks := &recordingHooks{}
	cc := newTestCache(t, "user", mp, func(o *Options[user]) { o.Hooks = hooks })
	defer cc.Close(ctx)

	keys := []string{"a", "b", "c"}
	items := map[string]user{
		"a": {ID: "a", Name: "A"},
		"b": {ID: "b", Name: "B"},
		"c": {ID: "c", Name: "C"},
	}

	snap := cc.SnapshotGens(ctx, keys)
	if err := cc.SetMultiWithGens(ctx, items, snap, 0); err != nil {
		t.Fatalf("SetMultiWithGens: %v", err)
	}

	got, missing, err := cc.GetMulti(ctx, keys)
	if err != nil {
		t.Fatalf("GetMulti: %v", err)
	}
	if len(missing) != 0 || len(got) != len(items) {
		t.Fatalf("GetMulti expected all hit, missing=%v got=%v", missing, got)
	}

	if err := cc.Invalidate(ctx, "b"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	got2, missing2, err := cc.GetMulti(ctx, keys)
	if err != nil {
		t.Fatalf("GetMulti after invalidate: %v", err)
	}
	if len(missing2) != 1 || missing2[0] != "b" {
		t.Fatalf("expected only 'b' missing, got %v", missing2)
	}
	if _, ok := got2["a"]; !ok {
		t.Fatalf("expected 'a' present after bulk rejection")
	}
	if _, ok := got2["c"]; !ok {
		t.Fatalf("expected 'c' present after bulk rejection")
	}
	if mp.hasPrefix("m:user:") {
		t.Fatalf("stale bulk should have been deleted")
	}
	if len(hooks.bulkRej) != 1 || hooks.bulkRej[0] != "invalid_or_stale" {
		t.Fatalf("bulk rejections=%v", hooks.bulkRej)
	}
	if hooks.localGen != 1 {
		t.Fatalf("LocalGenWithBulk fired %d times", hooks.localGen)
	}
}

// TestBulkDisabled ensures that when bulk is disabled, no bulk keys are written
// and GetMulti reads singles in one batched provider call.
func TestBulkDisabled(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	cc := newTestCache(t, "user", mp, func(o *Options[user]) {
		o.DisableBulk = true
	})
	defer cc.Close(ctx)

	keys := []string{"x", "y"}
	items := map[string]user{
		"x": {ID: "x", Name: "X"},
		"y": {ID: "y", Name: "Y"},
	}
	if err := cc.SetMultiWithGens(ctx, items, cc.SnapshotGens(ctx, keys), 0); err != nil {
		t.Fatalf("SetMultiWithGens (bulk disabled): %v", err)
	}

	got, missing, err := cc.GetMulti(ctx, []string{"x", "y", "z"})
	if err != nil {
		t.Fatalf("GetMulti (bulk disabled): %v", err)
	}
	if len(missing) != 1 || missing[0] != "z" || len(got) != 2 {
		t.Fatalf("GetMulti (bulk disabled) missing=%v got=%v", missing, got)
	}
	if mp.multiGets != 1 {
		t.Fatalf("expected one batched provider read, got %d", mp.multiGets)
	}
	if mp.hasPrefix("m:user:") {
		t.Fatalf("bulk disabled but found bulk key written")
	}
}

// TestBulkOrderInsensitiveHit: same set in a different order, with duplicates,
// maps to the same bulk key.
func TestBulkOrderInsensitiveHit(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	cc := newTestCache(t, "user", mp, nil)
	defer cc.Close(ctx)

	impl := mustImpl(t, cc)

	items := map[string]user{
		"u1": {ID: "u1", Name: "A"},
		"u3": {ID: "u3", Name: "B"},
		"u4": {ID: "u4", Name: "C"},
	}
	snap := cc.SnapshotGens(ctx, []string{"u1", "u3", "u4"})
	if err := cc.SetMultiWithGens(ctx, items, snap, 0); err != nil {
		t.Fatalf("SetMultiWithGens: %v", err)
	}

	// Remove singles so GetMulti must rely on the bulk entry
	for k := range items {
		_ = impl.provider.Del(ctx, impl.singleKey(k))
	}

	got, missing, err := cc.GetMulti(ctx, []string{"u3", "u1", "u4", "u3"})
	if err != nil {
		t.Fatalf("GetMulti: %v", err)
	}
	if len(missing) != 0 {
		t.Fatalf("expected no missing, got %v", missing)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 values, got %d (%v)", len(got), got)
	}
	if !mp.hasPrefix("m:user:") {
		t.Fatalf("expected bulk entry to remain after valid hit")
	}
	// hit re-seeds singles
	if _, ok, _ := cc.Get(ctx, "u1"); !ok {
		t.Fatalf("bulk hit should warm singles")
	}
}

func TestSetMultiReplacesAll(t *testing.T) {
	ctx := context.Background()
	cc := newTestCache(t, "user", newMemProvider(), nil)
	defer cc.Close(ctx)

	old := cc.SnapshotGens(ctx, []string{"p", "q"})
	if err := cc.SetMulti(ctx, map[string]user{"p": {ID: "p"}, "q": {ID: "q"}}, 0); err != nil {
		t.Fatalf("SetMulti: %v", err)
	}
	now := cc.SnapshotGens(ctx, []string{"p", "q"})
	if now["p"] != old["p"]+1 || now["q"] != old["q"]+1 {
		t.Fatalf("SetMulti should bump gens: before=%v after=%v", old, now)
	}
	got, missing, err := cc.GetMulti(ctx, []string{"p", "q"})
	if err != nil || len(missing) != 0 || len(got) != 2 {
		t.Fatalf("got=%v missing=%v err=%v", got, missing, err)
	}

	if err := cc.InvalidateMulti(ctx, []string{"p", "q"}); err != nil {
		t.Fatalf("InvalidateMulti: %v", err)
	}
	if _, missing, _ := cc.GetMulti(ctx, []string{"p", "q"}); len(missing) != 2 {
		t.Fatalf("expected both missing after InvalidateMulti, got %v", missing)
	}
}

func TestDisabledCacheIsInert(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	cc := newTestCache(t, "user", mp, func(o *Options[user]) { o.Disabled = true })
	defer cc.Close(ctx)

	if cc.Enabled() {
		t.Fatal("Enabled() = true")
	}
	_ = cc.Set(ctx, "k", user{ID: "k"}, 0)
	if _, ok, _ := cc.Get(ctx, "k"); ok {
		t.Fatal("disabled cache served a value")
	}
	_, missing, _ := cc.GetMulti(ctx, []string{"k", "j"})
	if len(missing) != 2 {
		t.Fatalf("missing=%v", missing)
	}
	if len(mp.m) != 0 {
		t.Fatalf("disabled cache wrote %d entries", len(mp.m))
	}
}

// ==============================
// Snapshot gens tests
// ==============================

func TestSnapshotGensBehavior(t *testing.T) {
	ctx := context.Background()
	cc := newTestCache(t, "user", newMemProvider(), nil)
	t.Cleanup(func() { _ = cc.Close(ctx) })
	impl := mustImpl(t, cc)

	if got := cc.SnapshotGens(ctx, nil); len(got) != 0 {
		t.Fatalf("empty: expected empty map, got %v", got)
	}

	_, _ = impl.gen.Bump(ctx, impl.singleKey("m1"))
	for i := 0; i < 3; i++ {
		_, _ = impl.gen.Bump(ctx, impl.singleKey("m3"))
	}
	got := cc.SnapshotGens(ctx, []string{"m1", "m2", "m3", "m1"})
	if len(got) != 3 || got["m1"] != 1 || got["m2"] != 0 || got["m3"] != 3 {
		t.Fatalf("mixed: got %v", got)
	}
}

// ==============================
// Invalidate edge-case behavior (backend down etc.)
// ==============================

type failingGenStore struct{ bumpErr error }

func (s *failingGenStore) Snapshot(context.Context, string) (uint64, error) { return 0, nil }
func (s *failingGenStore) SnapshotMany(_ context.Context, ks []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(ks))
	for _, k := range ks {
		out[k] = 0
	}
	return out, nil
}
func (s *failingGenStore) Bump(context.Context, string) (uint64, error) { return 0, s.bumpErr }
func (s *failingGenStore) Cleanup(time.Duration)                        {}
func (s *failingGenStore) Close(context.Context) error                  { return nil }

type delErrProvider struct {
	*memProvider
	err error
}

var _ pr.Provider = (*delErrProvider)(nil)

func (p *delErrProvider) Del(_ context.Context, key string) error { return p.err }

func TestInvalidateBothFailReturnsError(t *testing.T) {
	ctx := context.Background()
	sentinelDelErr := errors.New("del failed")
	hooks := &recordingHooks{}

	cc := newTestCache(t, "user", &delErrProvider{memProvider: newMemProvider(), err: sentinelDelErr}, func(o *Options[user]) {
		o.GenStore = &failingGenStore{bumpErr: errors.New("bump failed")}
		o.Hooks = hooks
	})
	defer cc.Close(ctx)

	err := cc.Invalidate(ctx, "k1")
	var ie *InvalidateError
	if !errors.As(err, &ie) {
		t.Fatalf("expected InvalidateError, got %T: %v", err, err)
	}
	if !errors.Is(err, sentinelDelErr) {
		t.Fatalf("expected errors.Is(err, delErr) to be true")
	}
	if hooks.outages != 1 {
		t.Fatalf("InvalidateOutage fired %d times", hooks.outages)
	}
	if err := cc.InvalidateMulti(ctx, []string{"a", "b"}); !errors.As(err, &ie) {
		t.Fatalf("InvalidateMulti should join InvalidateErrors, got %v", err)
	}
}

func TestInvalidateSingleFailureNoError(t *testing.T) {
	ctx := context.Background()

	bumpFails := newTestCache(t, "user", newMemProvider(), func(o *Options[user]) {
		o.GenStore = &failingGenStore{bumpErr: errors.New("bump failed")}
	})
	defer bumpFails.Close(ctx)
	if err := bumpFails.Invalidate(ctx, "k2"); err != nil {
		t.Fatalf("bump failure with successful delete should not error; got %v", err)
	}

	delFails := newTestCache(t, "user", &delErrProvider{memProvider: newMemProvider(), err: errors.New("del failed")}, nil)
	defer delFails.Close(ctx)
	if err := delFails.Invalidate(ctx, "k3"); err != nil {
		t.Fatalf("delete failure with successful bump should not error; got %v", err)
	}
}

// A tripped guard turns the cache into a permanent miss without errors.
func TestGuardedProviderFailsOpen(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	g := pr.NewGuard(mp, nil)
	cc := newTestCache(t, "user", g, nil)
	defer cc.Close(ctx)

	if err := cc.Set(ctx, "k", user{ID: "k"}, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	g.Trip(pr.ErrUnavailable)

	if _, ok, err := cc.Get(ctx, "k"); ok || err != nil {
		t.Fatalf("tripped cache served ok=%v err=%v", ok, err)
	}
	if err := cc.Set(ctx, "k2", user{ID: "k2"}, 0); err != nil {
		t.Fatalf("Set after trip: %v", err)
	}
	if _, ok, _ := mp.Get(ctx, "e:user:k2"); ok {
		t.Fatal("write reached the provider after trip")
	}
}
