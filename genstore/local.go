package genstore

import (
	"context"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

type localGenEntry struct {
	Gen       uint64
	UpdatedAt time.Time
}

// Local keeps generations in-process. An optional cleanup loop prunes
// entries that have not been bumped within the retention window.
type Local struct {
	gens   *xsync.MapOf[string, localGenEntry]
	ticker *time.Ticker
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

var _ GenStore = (*Local)(nil)

// NewLocal starts a cleanup loop when both durations are positive.
func NewLocal(cleanupInterval, retention time.Duration) *Local {
	s := &Local{gens: xsync.NewMapOf[string, localGenEntry]()}
	if cleanupInterval > 0 && retention > 0 {
		s.ticker = time.NewTicker(cleanupInterval)
		s.stopCh = make(chan struct{})
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-s.ticker.C:
					s.Cleanup(retention)
				case <-s.stopCh:
					return
				}
			}
		}()
	}
	return s
}

func (s *Local) Snapshot(_ context.Context, k string) (uint64, error) {
	e, _ := s.gens.Load(k)
	return e.Gen, nil
}

func (s *Local) SnapshotMany(_ context.Context, ks []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(ks))
	for _, k := range ks {
		e, _ := s.gens.Load(k)
		out[k] = e.Gen
	}
	return out, nil
}

func (s *Local) Bump(_ context.Context, k string) (uint64, error) {
	now := time.Now()
	e, _ := s.gens.Compute(k, func(old localGenEntry, _ bool) (localGenEntry, bool) {
		return localGenEntry{Gen: old.Gen + 1, UpdatedAt: now}, false
	})
	return e.Gen, nil
}

// Cleanup drops entries last bumped before now-retention. A pruned key reads
// as generation 0 again; entries framed with an older non-zero generation
// then fail validation and self-heal.
func (s *Local) Cleanup(retention time.Duration) {
	if retention <= 0 {
		return
	}
	cutoff := time.Now().Add(-retention)
	s.gens.Range(func(k string, e localGenEntry) bool {
		if e.UpdatedAt.Before(cutoff) {
			s.gens.Compute(k, func(cur localGenEntry, loaded bool) (localGenEntry, bool) {
				return cur, loaded && cur.UpdatedAt.Before(cutoff)
			})
		}
		return true
	})
}

// Len reports how many keys have a generation.
func (s *Local) Len() int { return s.gens.Size() }

func (s *Local) Close(_ context.Context) error {
	s.once.Do(func() {
		if s.stopCh != nil {
			s.ticker.Stop()
			close(s.stopCh)
			s.wg.Wait()
		}
	})
	return nil
}
