// Package datastore adapts a Google Cloud Datastore client to store.Store.
//
// Keys map one to one; every key and query is scoped to the namespace the
// Store was built with. Multi-valued properties are stored as list values, so
// an equality filter on them matches any element. Batch calls are split at
// the service limits and the chunks run concurrently.
package datastore

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"

	ds "cloud.google.com/go/datastore"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/iterator"

	"github.com/mattiaslevin/mardao/store"
)

const (
	maxGetBatch   = 1000
	maxWriteBatch = 500
	// maxIndexedString is the longest string value Datastore will index.
	maxIndexedString = 1500
)

var ErrUnsupportedValue = errors.New("datastore: unsupported property value")

type Store struct {
	c  *ds.Client
	ns string
}

var _ store.Store = (*Store)(nil)

// New wraps c. The caller keeps ownership of the client.
func New(c *ds.Client, namespace string) *Store {
	return &Store{c: c, ns: namespace}
}

func (s *Store) Put(ctx context.Context, recs []*store.Record) ([]*store.Key, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	keys := make([]*ds.Key, len(recs))
	pls := make([]ds.PropertyList, len(recs))
	for i, rec := range recs {
		if rec == nil || rec.Key == nil {
			return nil, fmt.Errorf("datastore: record %d has no key", i)
		}
		k := s.toKey(rec.Key)
		if k.Incomplete() && rec.AllocName {
			k.Name = uuid.NewString()
		}
		pl, err := s.toPropertyList(rec.Properties)
		if err != nil {
			return nil, fmt.Errorf("datastore: %s: %w", rec.Key, err)
		}
		keys[i], pls[i] = k, pl
	}

	out := make([]*store.Key, len(recs))
	err := chunked(ctx, len(recs), maxWriteBatch, func(ctx context.Context, lo, hi int) error {
		got, err := s.c.PutMulti(ctx, keys[lo:hi], pls[lo:hi])
		if err != nil {
			return err
		}
		for i, k := range got {
			out[lo+i] = fromKey(k)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("datastore: put: %w", err)
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, key *store.Key) (*store.Record, bool, error) {
	var pl ds.PropertyList
	err := s.c.Get(ctx, s.toKey(key), &pl)
	if errors.Is(err, ds.ErrNoSuchEntity) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("datastore: get %s: %w", key, err)
	}
	return toRecord(s.toKey(key), pl), true, nil
}

func (s *Store) GetMulti(ctx context.Context, keys []*store.Key) ([]*store.Record, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	dks := make([]*ds.Key, len(keys))
	for i, k := range keys {
		dks[i] = s.toKey(k)
	}
	pls := make([]ds.PropertyList, len(keys))
	found := make([]bool, len(keys))

	err := chunked(ctx, len(keys), maxGetBatch, func(ctx context.Context, lo, hi int) error {
		err := s.c.GetMulti(ctx, dks[lo:hi], pls[lo:hi])
		if err == nil {
			for i := lo; i < hi; i++ {
				found[i] = true
			}
			return nil
		}
		var me ds.MultiError
		if !errors.As(err, &me) {
			return err
		}
		for i, e := range me {
			switch {
			case e == nil:
				found[lo+i] = true
			case errors.Is(e, ds.ErrNoSuchEntity):
			default:
				return e
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("datastore: get multi: %w", err)
	}

	out := make([]*store.Record, 0, len(keys))
	for i, ok := range found {
		if !ok {
			continue
		}
		out = append(out, toRecord(dks[i], pls[i]))
	}
	return out, nil
}

// Delete reports len(keys): Datastore does not say which keys existed.
func (s *Store) Delete(ctx context.Context, keys []*store.Key) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	dks := make([]*ds.Key, len(keys))
	for i, k := range keys {
		dks[i] = s.toKey(k)
	}
	err := chunked(ctx, len(dks), maxWriteBatch, func(ctx context.Context, lo, hi int) error {
		return s.c.DeleteMulti(ctx, dks[lo:hi])
	})
	if err != nil {
		return 0, fmt.Errorf("datastore: delete: %w", err)
	}
	return len(keys), nil
}

// Query runs q. A page that fills Limit carries the service cursor; the page
// after it may be empty.
func (s *Store) Query(ctx context.Context, q *store.Query) (*store.Page, error) {
	dq, err := s.query(q)
	if err != nil {
		return nil, err
	}
	page := &store.Page{KeysOnly: q.KeysOnly}
	it := s.c.Run(ctx, dq)
	for {
		var pl ds.PropertyList
		var dst any
		if !q.KeysOnly {
			dst = &pl
		}
		k, err := it.Next(dst)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("datastore: query %s: %w", q.Kind, err)
		}
		page.Keys = append(page.Keys, fromKey(k))
		if !q.KeysOnly {
			page.Records = append(page.Records, toRecord(k, pl))
		}
	}
	if q.Limit > 0 && len(page.Keys) == q.Limit {
		c, err := it.Cursor()
		if err != nil {
			return nil, fmt.Errorf("datastore: query %s cursor: %w", q.Kind, err)
		}
		page.Next = store.Cursor(c.String())
	}
	return page, nil
}

func (s *Store) query(q *store.Query) (*ds.Query, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	dq := ds.NewQuery(q.Kind).Namespace(s.ns)
	if q.Ancestor != nil {
		dq = dq.Ancestor(s.toKey(q.Ancestor))
	}
	if q.KeyBound != nil {
		dq = dq.Filter(store.KeyColumn+" >=", s.toKey(q.KeyBound))
	}
	for _, f := range q.Filters {
		v, err := s.toValue(f.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", store.ErrInvalidFilter, f.Column, err)
		}
		dq = dq.Filter(f.Column+" "+string(f.Op), v)
	}
	for _, o := range q.Orders {
		name := o.Column
		if o.Descending {
			name = "-" + name
		}
		dq = dq.Order(name)
	}
	if q.KeysOnly {
		dq = dq.KeysOnly()
	}
	if q.Offset > 0 {
		dq = dq.Offset(q.Offset)
	}
	if q.Limit > 0 {
		dq = dq.Limit(q.Limit)
	}
	if q.Cursor != "" {
		c, err := ds.DecodeCursor(string(q.Cursor))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrInvalidCursor, err)
		}
		dq = dq.Start(c)
	}
	return dq, nil
}

// chunked calls fn for [lo, hi) windows of at most size items, concurrently.
func chunked(ctx context.Context, n, size int, fn func(ctx context.Context, lo, hi int) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for lo := 0; lo < n; lo += size {
		hi := min(lo+size, n)
		g.Go(func() error { return fn(ctx, lo, hi) })
	}
	return g.Wait()
}

func (s *Store) toKey(k *store.Key) *ds.Key {
	if k == nil {
		return nil
	}
	return &ds.Key{Kind: k.Kind, ID: k.ID, Name: k.Name, Parent: s.toKey(k.Parent), Namespace: s.ns}
}

func fromKey(k *ds.Key) *store.Key {
	if k == nil {
		return nil
	}
	return &store.Key{Kind: k.Kind, ID: k.ID, Name: k.Name, Parent: fromKey(k.Parent)}
}

// toPropertyList emits properties in name order.
func (s *Store) toPropertyList(props map[string]any) (ds.PropertyList, error) {
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	pl := make(ds.PropertyList, 0, len(names))
	for _, name := range names {
		v, err := s.toValue(props[name])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		str, isStr := v.(string)
		pl = append(pl, ds.Property{Name: name, Value: v, NoIndex: isStr && len(str) > maxIndexedString})
	}
	return pl, nil
}

func toRecord(k *ds.Key, pl ds.PropertyList) *store.Record {
	rec := store.NewRecord(fromKey(k))
	for _, p := range pl {
		rec.Properties[p.Name] = fromValue(p.Value)
	}
	return rec
}

// toValue narrows v to the types a Datastore property can hold.
func (s *Store) toValue(v any) (any, error) {
	switch v := v.(type) {
	case nil, bool, string, int64, float64, time.Time, []byte, ds.GeoPoint:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case float32:
		return float64(v), nil
	case *store.Key:
		return s.toKey(v), nil
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			cv, err := s.toValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = cv
		}
		return out, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice {
		out := make([]any, rv.Len())
		for i := range out {
			cv, err := s.toValue(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = cv
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
}

func fromValue(v any) any {
	switch v := v.(type) {
	case *ds.Key:
		return fromKey(v)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = fromValue(e)
		}
		return out
	}
	return v
}
