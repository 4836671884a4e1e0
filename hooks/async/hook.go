// Package asynchook moves cache hook calls off the hot path onto a bounded
// queue drained by a few workers. Events are dropped when the queue is full.
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{SelfHealEvery: 10})
//	hooks := asynchook.New(raw, 1, 1000)
//	defer hooks.Close()
//
//	dao, _ := mardao.New[User, int64](mapper, st, mardao.Options{Hooks: hooks})
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/mattiaslevin/mardao/cache"
)

type Hooks struct {
	inner   cache.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	dropped atomic.Uint64
}

var _ cache.Hooks = (*Hooks)(nil)

func New(inner cache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains the queue and stops the workers. Hooks must not be called after Close.
func (h *Hooks) Close() {
	h.once.Do(func() {
		close(h.q)
		h.wg.Wait()
	})
}

// Dropped is the number of events lost to a full queue.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	select {
	case h.q <- f:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hooks) SelfHealSingle(k, r string)       { h.try(func() { h.inner.SelfHealSingle(k, r) }) }
func (h *Hooks) GenBumpError(k string, err error) { h.try(func() { h.inner.GenBumpError(k, err) }) }
func (h *Hooks) LocalGenWithBulk()                { h.try(func() { h.inner.LocalGenWithBulk() }) }
func (h *Hooks) BulkRejected(ns string, n int, r string) {
	h.try(func() { h.inner.BulkRejected(ns, n, r) })
}
func (h *Hooks) ProviderSetRejected(k string, b bool) {
	h.try(func() { h.inner.ProviderSetRejected(k, b) })
}
func (h *Hooks) GenSnapshotError(n int, err error) {
	h.try(func() { h.inner.GenSnapshotError(n, err) })
}
func (h *Hooks) InvalidateOutage(k string, be, de error) {
	h.try(func() { h.inner.InvalidateOutage(k, be, de) })
}
func (h *Hooks) CacheDisabled(ns string, err error) {
	h.try(func() { h.inner.CacheDisabled(ns, err) })
}
