// Package store defines the contract between the DAO core and a backing
// store: records, keys, filters, orders, paged queries and cursors.
//
// Adapters live in subpackages:
//
//	memstore  - in-process store for tests and local runs
//	datastore - Google Cloud Datastore
//	dynamo    - Amazon DynamoDB (single table, key-ordered)
package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrUnsupported   = errors.New("store: unsupported query")
	ErrInvalidFilter = errors.New("store: invalid filter")
	ErrInvalidCursor = errors.New("store: invalid cursor")
)

// KeyColumn addresses the record key in filters and orders.
const KeyColumn = "__key__"

// Record is the store-native shape of an entity.
type Record struct {
	Key        *Key
	Properties map[string]any
	// AllocName asks the store to allocate a string name rather than an
	// integer ID when Key is incomplete. Stores that cannot allocate names
	// allocate an ID instead.
	AllocName bool
}

func NewRecord(key *Key) *Record {
	return &Record{Key: key, Properties: make(map[string]any)}
}

type Op string

const (
	Equal          Op = "="
	LessThan       Op = "<"
	LessOrEqual    Op = "<="
	GreaterThan    Op = ">"
	GreaterOrEqual Op = ">="
)

// Filter is a (column, operator, value) predicate. Filters in a query are ANDed.
type Filter struct {
	Column string
	Op     Op
	Value  any
}

func Eq(column string, value any) Filter {
	return Filter{Column: column, Op: Equal, Value: value}
}

func (f Filter) Validate() error {
	if f.Column == "" {
		return fmt.Errorf("%w: empty column", ErrInvalidFilter)
	}
	switch f.Op {
	case Equal, LessThan, LessOrEqual, GreaterThan, GreaterOrEqual:
		return nil
	}
	return fmt.Errorf("%w: operator %q on %s", ErrInvalidFilter, f.Op, f.Column)
}

type Order struct {
	Column     string
	Descending bool
}

// Cursor is an opaque continuation token. Only the store that issued it
// interprets its contents.
type Cursor string

// Query describes a paged or iterable query over one kind.
type Query struct {
	Kind     string
	KeysOnly bool
	// Ancestor restricts results to descendants of the key.
	Ancestor *Key
	// KeyBound is an inclusive lower bound on the record key.
	KeyBound *Key
	Orders   []Order
	Filters  []Filter
	Offset   int
	// Limit <= 0 means unbounded.
	Limit  int
	Cursor Cursor
}

func (q *Query) Validate() error {
	if q.Kind == "" {
		return fmt.Errorf("%w: empty kind", ErrInvalidFilter)
	}
	for _, f := range q.Filters {
		if err := f.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Page is one batch of query results. Next is empty when the query is exhausted.
type Page struct {
	Records  []*Record
	Keys     []*Key
	Next     Cursor
	KeysOnly bool
}

// Store is implemented by backing store adapters. Implementations must be
// safe for concurrent use.
type Store interface {
	// Put writes all records and returns their keys in input order,
	// allocating keys for incomplete ones.
	Put(ctx context.Context, recs []*Record) ([]*Key, error)
	// Get returns (rec, true, nil) on hit and (nil, false, nil) when absent.
	Get(ctx context.Context, key *Key) (*Record, bool, error)
	// GetMulti returns the records that exist; missing keys are omitted.
	GetMulti(ctx context.Context, keys []*Key) ([]*Record, error)
	// Delete removes the keys and returns how many were removed (or requested,
	// when the store cannot tell).
	Delete(ctx context.Context, keys []*Key) (int, error)
	Query(ctx context.Context, q *Query) (*Page, error)
}
