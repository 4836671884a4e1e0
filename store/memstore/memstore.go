// Package memstore is an in-process store.Store. Records are kept per kind
// in maps keyed by encoded key; queries scan, filter and sort in memory.
//
// Cursors are result offsets, so a cursor taken before concurrent inserts may
// skip or repeat records. That is acceptable for tests and local runs, which is
// what this store is for.
package memstore

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/mattiaslevin/mardao/store"
)

type Store struct {
	kinds *xsync.MapOf[string, *table]
	seq   atomic.Int64
}

var _ store.Store = (*Store)(nil)

type table struct {
	mu   sync.RWMutex
	recs map[string]*store.Record
}

func New() *Store {
	return &Store{kinds: xsync.NewMapOf[string, *table]()}
}

func (s *Store) table(kind string) *table {
	t, _ := s.kinds.LoadOrCompute(kind, func() *table {
		return &table{recs: make(map[string]*store.Record)}
	})
	return t
}

func (s *Store) Put(_ context.Context, recs []*store.Record) ([]*store.Key, error) {
	keys := make([]*store.Key, len(recs))
	for i, rec := range recs {
		if rec == nil || rec.Key == nil {
			return nil, fmt.Errorf("memstore: record %d has no key", i)
		}
		k := *rec.Key
		if k.Incomplete() {
			if rec.AllocName {
				k.Name = uuid.NewString()
			} else {
				k.ID = s.seq.Add(1)
			}
		}
		keys[i] = &k
	}
	for i, rec := range recs {
		cp := cloneRecord(rec)
		cp.Key = keys[i]
		t := s.table(cp.Key.Kind)
		t.mu.Lock()
		t.recs[cp.Key.Encode()] = cp
		t.mu.Unlock()
	}
	return keys, nil
}

func (s *Store) Get(_ context.Context, key *store.Key) (*store.Record, bool, error) {
	t, ok := s.kinds.Load(key.Kind)
	if !ok {
		return nil, false, nil
	}
	t.mu.RLock()
	rec, ok := t.recs[key.Encode()]
	t.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	return cloneRecord(rec), true, nil
}

func (s *Store) GetMulti(ctx context.Context, keys []*store.Key) ([]*store.Record, error) {
	out := make([]*store.Record, 0, len(keys))
	for _, k := range keys {
		rec, ok, err := s.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *Store) Delete(_ context.Context, keys []*store.Key) (int, error) {
	n := 0
	for _, k := range keys {
		t, ok := s.kinds.Load(k.Kind)
		if !ok {
			continue
		}
		enc := k.Encode()
		t.mu.Lock()
		if _, ok := t.recs[enc]; ok {
			delete(t.recs, enc)
			n++
		}
		t.mu.Unlock()
	}
	return n, nil
}

func (s *Store) Query(_ context.Context, q *store.Query) (*store.Page, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	start := 0
	if q.Cursor != "" {
		pos, err := strconv.Atoi(string(q.Cursor))
		if err != nil || pos < 0 {
			return nil, fmt.Errorf("%w: %q", store.ErrInvalidCursor, q.Cursor)
		}
		start = pos
	}
	start += max(q.Offset, 0)

	var matches []*store.Record
	if t, ok := s.kinds.Load(q.Kind); ok {
		t.mu.RLock()
		for _, rec := range t.recs {
			if q.Ancestor != nil && !rec.Key.HasAncestor(q.Ancestor) {
				continue
			}
			if q.KeyBound != nil && store.CompareKeys(rec.Key, q.KeyBound) < 0 {
				continue
			}
			if !store.Match(rec, q.Filters) {
				continue
			}
			matches = append(matches, rec)
		}
		t.mu.RUnlock()
	}
	store.SortRecords(matches, q.Orders)

	page := &store.Page{KeysOnly: q.KeysOnly}
	if start >= len(matches) {
		return page, nil
	}
	end := len(matches)
	if q.Limit > 0 && start+q.Limit < end {
		end = start + q.Limit
		page.Next = store.Cursor(strconv.Itoa(end))
	}
	for _, rec := range matches[start:end] {
		page.Keys = append(page.Keys, rec.Key)
		if !q.KeysOnly {
			page.Records = append(page.Records, cloneRecord(rec))
		}
	}
	return page, nil
}

// Len returns the number of records stored for kind.
func (s *Store) Len(kind string) int {
	t, ok := s.kinds.Load(kind)
	if !ok {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.recs)
}

func cloneRecord(r *store.Record) *store.Record {
	cp := &store.Record{Key: r.Key, AllocName: r.AllocName, Properties: make(map[string]any, len(r.Properties))}
	for name, v := range r.Properties {
		cp.Properties[name] = cloneValue(v)
	}
	return cp
}

// cloneValue copies slices so callers cannot mutate stored list properties.
func cloneValue(v any) any {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice || rv.IsNil() {
		return v
	}
	cp := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
	reflect.Copy(cp, rv)
	return cp.Interface()
}
