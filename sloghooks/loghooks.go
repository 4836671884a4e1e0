// Package sloghooks reports cache events through log/slog. Every line is
// named "mardao.cache.<event>" and carries the entity kind; storage keys are
// redacted to a hash prefix. The noisy events can be sampled.
package sloghooks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/mattiaslevin/mardao/cache"
)

type Options struct {
	// Log every Nth event; 0 and 1 log all.
	SelfHealEvery   uint64
	BulkRejectEvery uint64
	// Redact replaces the SHA-256 prefix applied to storage keys.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	selfHeals   atomic.Uint64
	bulkRejects atomic.Uint64
}

var _ cache.Hooks = (*Hooks)(nil)

// New returns hooks logging to l. A nil l logs nothing.
func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

// kindOf extracts <kind> from "e:<kind>:..." and "m:<kind>:..." keys.
func kindOf(storageKey string) string {
	_, rest, ok := strings.Cut(storageKey, ":")
	if !ok {
		return ""
	}
	kind, _, _ := strings.Cut(rest, ":")
	return kind
}

func (h *Hooks) keyAttrs(storageKey string) []slog.Attr {
	red := h.opts.Redact
	if red == nil {
		red = func(k string) string {
			sum := sha256.Sum256([]byte(k))
			return hex.EncodeToString(sum[:8])
		}
	}
	return []slog.Attr{slog.String("kind", kindOf(storageKey)), slog.String("key", red(storageKey))}
}

func every(n uint64, ctr *atomic.Uint64) bool {
	return n <= 1 || ctr.Add(1)%n == 0
}

func (h *Hooks) emit(level slog.Level, event string, attrs ...slog.Attr) {
	if h.l == nil {
		return
	}
	h.l.LogAttrs(context.Background(), level, "mardao.cache."+event, attrs...)
}

func (h *Hooks) SelfHealSingle(storageKey, reason string) {
	if !every(h.opts.SelfHealEvery, &h.selfHeals) {
		return
	}
	h.emit(slog.LevelDebug, "self_heal", append(h.keyAttrs(storageKey), slog.String("reason", reason))...)
}

func (h *Hooks) BulkRejected(ns string, requested int, reason string) {
	if !every(h.opts.BulkRejectEvery, &h.bulkRejects) {
		return
	}
	h.emit(slog.LevelInfo, "bulk_rejected",
		slog.String("kind", ns), slog.Int("requested", requested), slog.String("reason", reason))
}

func (h *Hooks) ProviderSetRejected(storageKey string, isBulk bool) {
	h.emit(slog.LevelWarn, "set_rejected", append(h.keyAttrs(storageKey), slog.Bool("bulk", isBulk))...)
}

func (h *Hooks) GenSnapshotError(count int, err error) {
	h.emit(slog.LevelWarn, "gen_snapshot_error", slog.Int("count", count), slog.Any("err", err))
}

func (h *Hooks) GenBumpError(storageKey string, err error) {
	h.emit(slog.LevelWarn, "gen_bump_error", append(h.keyAttrs(storageKey), slog.Any("err", err))...)
}

func (h *Hooks) InvalidateOutage(storageKey string, bumpErr, delErr error) {
	h.emit(slog.LevelError, "invalidate_outage",
		append(h.keyAttrs(storageKey), slog.Any("bump_err", bumpErr), slog.Any("del_err", delErr))...)
}

func (h *Hooks) LocalGenWithBulk() {
	h.emit(slog.LevelWarn, "local_gen_with_bulk",
		slog.String("detail", "multi-get entries with a process-local genstore can go stale across replicas"))
}

func (h *Hooks) CacheDisabled(ns string, err error) {
	h.emit(slog.LevelError, "disabled", slog.String("kind", ns), slog.Any("err", err))
}
