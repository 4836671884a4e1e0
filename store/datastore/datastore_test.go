package datastore

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	ds "cloud.google.com/go/datastore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattiaslevin/mardao/store"
)

func TestKeyConversion(t *testing.T) {
	s := New(nil, "tenant-a")
	org := store.NameKey("Org", "acme", nil)
	k := store.IDKey("User", 327, org)

	dk := s.toKey(k)
	assert.Equal(t, "User", dk.Kind)
	assert.Equal(t, int64(327), dk.ID)
	assert.Equal(t, "tenant-a", dk.Namespace)
	require.NotNil(t, dk.Parent)
	assert.Equal(t, "acme", dk.Parent.Name)
	assert.Equal(t, "tenant-a", dk.Parent.Namespace)

	assert.True(t, fromKey(dk).Equal(k))
	assert.Nil(t, s.toKey(nil))
	assert.Nil(t, fromKey(nil))
}

func TestToValue(t *testing.T) {
	s := New(nil, "")
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	cases := []struct {
		name string
		in   any
		want any
	}{
		{"int", 7, int64(7)},
		{"int32", int32(7), int64(7)},
		{"float32", float32(1.5), float64(1.5)},
		{"string", "x", "x"},
		{"time", at, at},
		{"bytes", []byte("raw"), []byte("raw")},
		{"strings", []string{"a", "b"}, []any{"a", "b"}},
		{"int64s", []int64{1, 2}, []any{int64(1), int64(2)}},
		{"nil", nil, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := s.toValue(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	got, err := s.toValue([]any{store.IDKey("User", 1, nil)})
	require.NoError(t, err)
	assert.IsType(t, &ds.Key{}, got.([]any)[0])

	_, err = s.toValue(struct{ A int }{1})
	assert.ErrorIs(t, err, ErrUnsupportedValue)
	_, err = s.toValue(map[string]int{})
	assert.ErrorIs(t, err, ErrUnsupportedValue)
}

func TestPropertyListRoundTrip(t *testing.T) {
	s := New(nil, "")
	long := strings.Repeat("x", maxIndexedString+1)
	pl, err := s.toPropertyList(map[string]any{
		"tags":   []string{"a", "b"},
		"age":    41,
		"bio":    long,
		"parent": store.NameKey("Org", "acme", nil),
	})
	require.NoError(t, err)

	names := make([]string, len(pl))
	for i, p := range pl {
		names[i] = p.Name
	}
	assert.Equal(t, []string{"age", "bio", "parent", "tags"}, names)
	assert.True(t, pl[1].NoIndex)
	assert.False(t, pl[0].NoIndex)

	rec := toRecord(s.toKey(store.IDKey("User", 3, nil)), pl)
	assert.Equal(t, int64(41), rec.Properties["age"])
	assert.Equal(t, []any{"a", "b"}, rec.Properties["tags"])
	assert.True(t, rec.Properties["parent"].(*store.Key).Equal(store.NameKey("Org", "acme", nil)))
	assert.True(t, rec.Key.Equal(store.IDKey("User", 3, nil)))

	_, err = s.toPropertyList(map[string]any{"bad": struct{}{}})
	assert.ErrorIs(t, err, ErrUnsupportedValue)
}

func TestQueryRejectsBadInput(t *testing.T) {
	s := New(nil, "")

	_, err := s.query(&store.Query{Kind: "User", Cursor: "!!not-a-cursor!!"})
	assert.ErrorIs(t, err, store.ErrInvalidCursor)

	_, err = s.query(&store.Query{Kind: "User", Filters: []store.Filter{{Column: "age", Op: "!=", Value: 1}}})
	assert.ErrorIs(t, err, store.ErrInvalidFilter)

	_, err = s.query(&store.Query{Kind: "User", Filters: []store.Filter{store.Eq("meta", struct{}{})}})
	assert.ErrorIs(t, err, store.ErrInvalidFilter)

	_, err = s.query(&store.Query{})
	assert.Error(t, err)

	_, err = s.query(&store.Query{
		Kind:     "User",
		Ancestor: store.NameKey("Org", "acme", nil),
		KeyBound: store.IDKey("User", 10, store.NameKey("Org", "acme", nil)),
		Orders:   []store.Order{{Column: "age", Descending: true}},
		Filters:  []store.Filter{store.Eq("tags", "a")},
		KeysOnly: true,
		Offset:   2,
		Limit:    5,
	})
	assert.NoError(t, err)
}

func TestChunked(t *testing.T) {
	var (
		mu   sync.Mutex
		seen = make([]int, 1201)
		wins [][2]int
	)
	err := chunked(context.Background(), len(seen), maxWriteBatch, func(_ context.Context, lo, hi int) error {
		mu.Lock()
		defer mu.Unlock()
		wins = append(wins, [2]int{lo, hi})
		for i := lo; i < hi; i++ {
			seen[i]++
		}
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, wins, 3)
	for i, n := range seen {
		if n != 1 {
			t.Fatalf("index %d visited %d times", i, n)
		}
	}

	err = chunked(context.Background(), 10, 3, func(_ context.Context, lo, _ int) error {
		if lo == 6 {
			return assert.AnError
		}
		return nil
	})
	assert.ErrorIs(t, err, assert.AnError)
}
