// Package metricshook counts cache events as Prometheus counters using
// VictoriaMetrics/metrics. Counters live in their own Set so several DAOs,
// or tests, do not collide in the global registry.
package metricshook

import (
	"fmt"
	"io"
	"strconv"

	"github.com/VictoriaMetrics/metrics"

	"github.com/mattiaslevin/mardao/cache"
)

type Hooks struct {
	set    *metrics.Set
	prefix string

	genSnapshotErrors *metrics.Counter
	genBumpErrors     *metrics.Counter
	invalidateOutages *metrics.Counter
	localGenWithBulk  *metrics.Counter
}

var _ cache.Hooks = (*Hooks)(nil)

// New registers counters named "<prefix>_..." in set. A nil set gets a fresh one.
func New(set *metrics.Set, prefix string) *Hooks {
	if set == nil {
		set = metrics.NewSet()
	}
	if prefix == "" {
		prefix = "mardao_cache"
	}
	h := &Hooks{set: set, prefix: prefix}
	h.genSnapshotErrors = set.GetOrCreateCounter(prefix + "_gen_snapshot_errors_total")
	h.genBumpErrors = set.GetOrCreateCounter(prefix + "_gen_bump_errors_total")
	h.invalidateOutages = set.GetOrCreateCounter(prefix + "_invalidate_outages_total")
	h.localGenWithBulk = set.GetOrCreateCounter(prefix + "_local_gen_with_bulk_total")
	return h
}

// Set exposes the underlying registry, e.g. for metrics.RegisterSet.
func (h *Hooks) Set() *metrics.Set { return h.set }

// WritePrometheus writes every counter in text exposition format.
func (h *Hooks) WritePrometheus(w io.Writer) { h.set.WritePrometheus(w) }

func (h *Hooks) counter(name string, labels ...string) *metrics.Counter {
	n := h.prefix + "_" + name
	if len(labels) > 0 {
		n += "{"
		for i := 0; i+1 < len(labels); i += 2 {
			if i > 0 {
				n += ","
			}
			n += fmt.Sprintf("%s=%q", labels[i], labels[i+1])
		}
		n += "}"
	}
	return h.set.GetOrCreateCounter(n)
}

func (h *Hooks) SelfHealSingle(_ string, reason string) {
	h.counter("self_heal_total", "reason", reason).Inc()
}

func (h *Hooks) BulkRejected(ns string, requested int, reason string) {
	h.counter("bulk_rejected_total", "ns", ns, "reason", reason).Inc()
	h.counter("bulk_rejected_keys_total", "ns", ns).Add(requested)
}

func (h *Hooks) ProviderSetRejected(_ string, isBulk bool) {
	h.counter("provider_set_rejected_total", "bulk", strconv.FormatBool(isBulk)).Inc()
}

func (h *Hooks) GenSnapshotError(int, error)           { h.genSnapshotErrors.Inc() }
func (h *Hooks) GenBumpError(string, error)            { h.genBumpErrors.Inc() }
func (h *Hooks) InvalidateOutage(string, error, error) { h.invalidateOutages.Inc() }
func (h *Hooks) LocalGenWithBulk()                     { h.localGenWithBulk.Inc() }

func (h *Hooks) CacheDisabled(ns string, _ error) {
	h.counter("disabled_total", "ns", ns).Inc()
}
