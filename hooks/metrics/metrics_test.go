package metricshook

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCountsEvents(t *testing.T) {
	h := New(nil, "")

	h.SelfHealSingle("e:user:1", "corrupt")
	h.SelfHealSingle("e:user:2", "corrupt")
	h.SelfHealSingle("e:user:3", "gen_mismatch")
	h.BulkRejected("user", 3, "invalid_or_stale")
	h.ProviderSetRejected("m:user:x", true)
	h.GenBumpError("e:user:1", errors.New("x"))
	h.CacheDisabled("user", errors.New("down"))

	var buf bytes.Buffer
	h.WritePrometheus(&buf)
	out := buf.String()

	assert.Contains(t, out, `mardao_cache_self_heal_total{reason="corrupt"} 2`)
	assert.Contains(t, out, `mardao_cache_self_heal_total{reason="gen_mismatch"} 1`)
	assert.Contains(t, out, `mardao_cache_bulk_rejected_total{ns="user",reason="invalid_or_stale"} 1`)
	assert.Contains(t, out, `mardao_cache_bulk_rejected_keys_total{ns="user"} 3`)
	assert.Contains(t, out, `mardao_cache_provider_set_rejected_total{bulk="true"} 1`)
	assert.Contains(t, out, `mardao_cache_gen_bump_errors_total 1`)
	assert.Contains(t, out, `mardao_cache_gen_snapshot_errors_total 0`)
	assert.Contains(t, out, `mardao_cache_disabled_total{ns="user"} 1`)
}

func TestPrefixAndSharedSet(t *testing.T) {
	a := New(nil, "users")
	b := New(a.Set(), "places")
	a.LocalGenWithBulk()
	b.InvalidateOutage("k", errors.New("b"), errors.New("d"))

	var buf bytes.Buffer
	b.WritePrometheus(&buf)
	assert.Contains(t, buf.String(), "users_local_gen_with_bulk_total 1")
	assert.Contains(t, buf.String(), "places_invalidate_outages_total 1")
}
