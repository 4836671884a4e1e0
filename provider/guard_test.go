package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// ==== Test scaffolding ====

type flakyProvider struct {
	mu    sync.Mutex
	m     map[string][]byte
	err   error
	calls int
}

func newFlaky() *flakyProvider { return &flakyProvider{m: map[string][]byte{}} }

func (p *flakyProvider) fail(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *flakyProvider) Get(_ context.Context, k string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, false, p.err
	}
	b, ok := p.m[k]
	return b, ok, nil
}

func (p *flakyProvider) Set(_ context.Context, k string, v []byte, _ int64, _ time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return false, p.err
	}
	p.m[k] = v
	return true, nil
}

func (p *flakyProvider) Del(_ context.Context, k string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return p.err
	}
	delete(p.m, k)
	return nil
}

func (p *flakyProvider) Close(context.Context) error { return nil }

// ==== Tests ====

func TestGuardPassesThroughWhileHealthy(t *testing.T) {
	ctx := context.Background()
	g := NewGuard(newFlaky(), nil)

	if ok, err := g.Set(ctx, "k", []byte("v"), 1, 0); err != nil || !ok {
		t.Fatalf("Set ok=%v err=%v", ok, err)
	}
	b, ok, err := g.Get(ctx, "k")
	if err != nil || !ok || string(b) != "v" {
		t.Fatalf("Get=%q ok=%v err=%v", b, ok, err)
	}
	m, err := g.GetMulti(ctx, []string{"k", "missing"})
	if err != nil || len(m) != 1 {
		t.Fatalf("GetMulti=%v err=%v", m, err)
	}
	if g.Tripped() {
		t.Fatal("guard tripped without an outage")
	}
}

func TestGuardTripsOnceAndStaysOpen(t *testing.T) {
	ctx := context.Background()
	inner := newFlaky()
	var trips int
	g := NewGuard(inner, func(error) { trips++ })

	inner.fail(fmt.Errorf("dial tcp: %w", ErrUnavailable))
	if _, ok, err := g.Get(ctx, "k"); err != nil || ok {
		t.Fatalf("unavailable Get should be a silent miss, ok=%v err=%v", ok, err)
	}
	if !g.Tripped() {
		t.Fatal("guard not tripped")
	}

	// backend recovers; guard must not
	inner.fail(nil)
	before := inner.calls
	_, _ = g.Set(ctx, "k", []byte("v"), 1, 0)
	_, _, _ = g.Get(ctx, "k")
	_ = g.Del(ctx, "k")
	if m, err := g.GetMulti(ctx, []string{"k"}); err != nil || len(m) != 0 {
		t.Fatalf("GetMulti after trip=%v err=%v", m, err)
	}
	if inner.calls != before {
		t.Fatalf("tripped guard reached the provider %d times", inner.calls-before)
	}
	if trips != 1 {
		t.Fatalf("onTrip called %d times, want 1", trips)
	}
}

func TestGuardReturnsOtherErrors(t *testing.T) {
	ctx := context.Background()
	inner := newFlaky()
	g := NewGuard(inner, nil)
	boom := errors.New("value too large")
	inner.fail(boom)

	if _, err := g.Set(ctx, "k", []byte("v"), 1, 0); !errors.Is(err, boom) {
		t.Fatalf("want %v, got %v", boom, err)
	}
	if g.Tripped() {
		t.Fatal("non-outage error tripped the guard")
	}
}
