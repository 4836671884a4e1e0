package mardao

import (
	"context"
	"fmt"
	"iter"
	"slices"

	"github.com/mattiaslevin/mardao/store"
)

// iterBatch is the page size QueryIterable fetches with.
const iterBatch = 100

// PageQuery selects one page. Orders apply in sequence: the first dominates,
// later ones break ties.
type PageQuery struct {
	KeysOnly bool
	Limit    int        // page size; <= 0 => unbounded
	Parent   *store.Key // ancestor scope
	KeyBound *store.Key // inclusive lower bound on the primary key
	Orders   []store.Order
	Filters  []store.Filter
	Cursor   store.Cursor
}

// Page is one page of results. Items is empty for keys-only queries; IDs
// always holds the simple keys of the page. Next is empty when exhausted.
type Page[T any, ID ~int64 | ~string] struct {
	Items    []T
	IDs      []ID
	Next     store.Cursor
	KeysOnly bool
}

// IterQuery selects an unbounded or offset/limit window without cursors.
type IterQuery struct {
	Parent   *store.Key
	KeyBound *store.Key
	Orders   []store.Order
	Filters  []store.Filter
	Offset   int
	Limit    int // <= 0 => unbounded
}

func (d *Dao[T, ID]) storeQuery(keysOnly bool, parent, bound *store.Key, orders []store.Order, filters []store.Filter) (*store.Query, error) {
	q := &store.Query{
		Kind:     d.m.Kind,
		KeysOnly: keysOnly,
		Ancestor: parent,
		KeyBound: bound,
		Orders:   slices.Clone(orders),
		Filters:  slices.Clone(filters),
	}
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	return q, nil
}

// QueryPage runs one page of a query. The cursor is passed to the store as is.
func (d *Dao[T, ID]) QueryPage(ctx context.Context, pq PageQuery) (*Page[T, ID], error) {
	q, err := d.storeQuery(pq.KeysOnly, pq.Parent, pq.KeyBound, pq.Orders, pq.Filters)
	if err != nil {
		return nil, err
	}
	q.Limit = pq.Limit
	q.Cursor = pq.Cursor

	page, err := d.st.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("mardao: query %s: %w", d.m.Kind, err)
	}
	out := &Page[T, ID]{Next: page.Next, KeysOnly: page.KeysOnly}
	if page.KeysOnly {
		out.IDs = make([]ID, len(page.Keys))
		for i, k := range page.Keys {
			out.IDs[i] = idOf[ID](k)
		}
		return out, nil
	}
	for _, e := range d.mapRecords(page.Records) {
		out.Items = append(out.Items, e.v)
		out.IDs = append(out.IDs, idOf[ID](e.key))
	}
	return out, nil
}

// QueryIterable yields the matching entities, fetching pages as it goes.
// Records that fail to map are skipped and do not count toward Limit.
func (d *Dao[T, ID]) QueryIterable(ctx context.Context, iq IterQuery) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for e, err := range d.iterate(ctx, false, iq) {
			if !yield(e.v, err) || err != nil {
				return
			}
		}
	}
}

// QueryIterableKeys yields the simple keys of the matching entities using a
// keys-only query.
func (d *Dao[T, ID]) QueryIterableKeys(ctx context.Context, iq IterQuery) iter.Seq2[ID, error] {
	return func(yield func(ID, error) bool) {
		for e, err := range d.iterate(ctx, true, iq) {
			var id ID
			if err == nil {
				id = idOf[ID](e.key)
			}
			if !yield(id, err) || err != nil {
				return
			}
		}
	}
}

func (d *Dao[T, ID]) iterate(ctx context.Context, keysOnly bool, iq IterQuery) iter.Seq2[keyed[T], error] {
	return func(yield func(keyed[T], error) bool) {
		q, err := d.storeQuery(keysOnly, iq.Parent, iq.KeyBound, iq.Orders, iq.Filters)
		if err != nil {
			yield(keyed[T]{}, err)
			return
		}
		q.Offset = iq.Offset
		remaining := iq.Limit
		for {
			q.Limit = iterBatch
			if remaining > 0 && remaining < iterBatch {
				q.Limit = remaining
			}
			page, err := d.st.Query(ctx, q)
			if err != nil {
				yield(keyed[T]{}, fmt.Errorf("mardao: query %s: %w", d.m.Kind, err))
				return
			}
			var batch []keyed[T]
			if page.KeysOnly {
				batch = make([]keyed[T], len(page.Keys))
				for i, k := range page.Keys {
					batch[i] = keyed[T]{key: k}
				}
			} else {
				batch = d.mapRecords(page.Records)
			}
			for _, e := range batch {
				if !yield(e, nil) {
					return
				}
				if remaining > 0 {
					if remaining--; remaining == 0 {
						return
					}
				}
			}
			if page.Next == "" {
				return
			}
			q.Cursor = page.Next
			q.Offset = 0
		}
	}
}

// QueryByField returns the entities under parent whose column equals value.
func (d *Dao[T, ID]) QueryByField(ctx context.Context, parent *store.Key, column string, value any) ([]T, error) {
	if _, err := d.m.column(column); err != nil {
		return nil, err
	}
	var out []T
	for v, err := range d.QueryIterable(ctx, IterQuery{Parent: parent, Filters: []store.Filter{store.Eq(column, value)}}) {
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// QueryUniqueByField returns the first entity under parent whose column equals value.
func (d *Dao[T, ID]) QueryUniqueByField(ctx context.Context, parent *store.Key, column string, value any) (T, bool, error) {
	if _, err := d.m.column(column); err != nil {
		var zero T
		return zero, false, err
	}
	return d.findFirst(ctx, IterQuery{Parent: parent, Filters: []store.Filter{store.Eq(column, value)}})
}

// FindUniqueBy returns the first entity matching every filter.
func (d *Dao[T, ID]) FindUniqueBy(ctx context.Context, filters ...store.Filter) (T, bool, error) {
	for _, f := range filters {
		if f.Column == store.KeyColumn {
			continue
		}
		if _, err := d.m.column(f.Column); err != nil {
			var zero T
			return zero, false, err
		}
	}
	return d.findFirst(ctx, IterQuery{Filters: filters})
}

func (d *Dao[T, ID]) findFirst(ctx context.Context, iq IterQuery) (T, bool, error) {
	iq.Limit = 1
	for v, err := range d.QueryIterable(ctx, iq) {
		if err != nil {
			var zero T
			return zero, false, err
		}
		return v, true, nil
	}
	var zero T
	return zero, false, nil
}
