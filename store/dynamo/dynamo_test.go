package dynamo

import (
	"context"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattiaslevin/mardao/store"
)

// fakeAPI keeps items per partition and evaluates key conditions only.
type fakeAPI struct {
	mu     sync.Mutex
	parts  map[string]map[string]map[string]types.AttributeValue
	seq    map[string]int64
	defer1 bool // leave half of the first batch write unprocessed
	writes int
	last   *dynamodb.QueryInput
}

func newFake() *fakeAPI {
	return &fakeAPI{parts: map[string]map[string]map[string]types.AttributeValue{}, seq: map[string]int64{}}
}

func str(av types.AttributeValue) string { return av.(*types.AttributeValueMemberS).Value }

func (f *fakeAPI) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.parts[str(in.Key[attrPK])][str(in.Key[attrSK])]}, nil
}

func (f *fakeAPI) BatchGetItem(_ context.Context, in *dynamodb.BatchGetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &dynamodb.BatchGetItemOutput{Responses: map[string][]map[string]types.AttributeValue{}}
	for table, ka := range in.RequestItems {
		for _, k := range ka.Keys {
			if item, ok := f.parts[str(k[attrPK])][str(k[attrSK])]; ok {
				out.Responses[table] = append(out.Responses[table], item)
			}
		}
	}
	return out, nil
}

func (f *fakeAPI) BatchWriteItem(_ context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	out := &dynamodb.BatchWriteItemOutput{UnprocessedItems: map[string][]types.WriteRequest{}}
	for table, reqs := range in.RequestItems {
		if f.defer1 && len(reqs) > 1 {
			f.defer1 = false
			out.UnprocessedItems[table] = reqs[len(reqs)/2:]
			reqs = reqs[:len(reqs)/2]
		}
		for _, r := range reqs {
			switch {
			case r.PutRequest != nil:
				item := r.PutRequest.Item
				pk := str(item[attrPK])
				if f.parts[pk] == nil {
					f.parts[pk] = map[string]map[string]types.AttributeValue{}
				}
				f.parts[pk][str(item[attrSK])] = item
			case r.DeleteRequest != nil:
				delete(f.parts[str(r.DeleteRequest.Key[attrPK])], str(r.DeleteRequest.Key[attrSK]))
			}
		}
	}
	return out, nil
}

func (f *fakeAPI) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, _ := strconv.ParseInt(in.ExpressionAttributeValues[":c"].(*types.AttributeValueMemberN).Value, 10, 64)
	kind := str(in.Key[attrSK])
	f.seq[kind] += n
	return &dynamodb.UpdateItemOutput{Attributes: map[string]types.AttributeValue{
		attrSeq: &types.AttributeValueMemberN{Value: strconv.FormatInt(f.seq[kind], 10)},
	}}, nil
}

func (f *fakeAPI) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = in
	part := f.parts[str(in.ExpressionAttributeValues[":pk"])]
	sks := make([]string, 0, len(part))
	for sk := range part {
		if anc, ok := in.ExpressionAttributeValues[":anc"]; ok && !strings.HasPrefix(sk, str(anc)) {
			continue
		}
		if lo, ok := in.ExpressionAttributeValues[":lo"]; ok && sk < str(lo) {
			continue
		}
		sks = append(sks, sk)
	}
	sort.Strings(sks)
	if in.ScanIndexForward != nil && !*in.ScanIndexForward {
		slices.Reverse(sks)
	}
	if in.ExclusiveStartKey != nil {
		after := str(in.ExclusiveStartKey[attrSK])
		i := slices.Index(sks, after)
		sks = sks[i+1:]
	}
	out := &dynamodb.QueryOutput{}
	for _, sk := range sks {
		if in.Limit != nil && len(out.Items) == int(*in.Limit) {
			break
		}
		out.Items = append(out.Items, part[sk])
	}
	if in.Limit != nil && len(out.Items) == int(*in.Limit) && len(out.Items) > 0 {
		out.LastEvaluatedKey = map[string]types.AttributeValue{
			attrPK: out.Items[len(out.Items)-1][attrPK],
			attrSK: out.Items[len(out.Items)-1][attrSK],
		}
	}
	return out, nil
}

func newTestStore(t *testing.T) (*Store, *fakeAPI) {
	t.Helper()
	f := newFake()
	s, err := New(f, Config{Table: "mardao", Backoff: time.Millisecond})
	require.NoError(t, err)
	return s, f
}

func TestSortKeyOrderMatchesCompareKeys(t *testing.T) {
	acme := store.NameKey("Org", "acme", nil)
	keys := []*store.Key{
		store.IDKey("User", 10, nil),
		store.IDKey("User", 9, nil),
		store.IDKey("User", -3, nil),
		store.NameKey("User", "anna", nil),
		store.NameKey("User", "ann", nil),
		store.IDKey("Users", 1, nil),
		acme,
		store.IDKey("User", 2, acme),
		store.IDKey("User", 1, acme),
		store.NameKey("Org", "acmeb", nil),
		store.IDKey("Org", 1, nil),
	}
	bySK := slices.Clone(keys)
	slices.SortFunc(bySK, func(a, b *store.Key) int { return strings.Compare(sortKey(a), sortKey(b)) })
	byKey := slices.Clone(keys)
	slices.SortFunc(byKey, store.CompareKeys)

	for i := range keys {
		assert.True(t, bySK[i].Equal(byKey[i]), "position %d: %s vs %s", i, bySK[i], byKey[i])
	}
	assert.True(t, strings.HasPrefix(sortKey(store.IDKey("User", 1, acme)), sortKey(acme)))
}

func TestItemConversion(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 5000, time.UTC)
	k := store.IDKey("User", 327, nil)
	item, err := toItem(k, map[string]any{
		"displayName": "Anna",
		"age":         41,
		"score":       1.5,
		"active":      true,
		"tags":        []string{"a", "b"},
		"boxes":       []int64{3, 4},
		"createdDate": at,
		"org":         store.NameKey("Org", "acme", nil),
		"photo":       []byte{1, 2},
		"note":        nil,
	})
	require.NoError(t, err)
	assert.Equal(t, "User", str(item[attrPK]))
	assert.IsType(t, &types.AttributeValueMemberL{}, item["tags"])

	rec, err := fromItem(item)
	require.NoError(t, err)
	assert.True(t, rec.Key.Equal(k))
	assert.Equal(t, map[string]any{
		"displayName": "Anna",
		"age":         int64(41),
		"score":       1.5,
		"active":      true,
		"tags":        []any{"a", "b"},
		"boxes":       []any{int64(3), int64(4)},
		"createdDate": at.Format(time.RFC3339Nano),
		"org":         "Org:nacme",
		"photo":       []byte{1, 2},
		"note":        nil,
	}, rec.Properties)

	_, err = toItem(k, map[string]any{"_sk": "x"})
	assert.ErrorIs(t, err, ErrReservedColumn)
	_, err = toItem(k, map[string]any{"meta": map[string]int{"a": 1}})
	assert.ErrorIs(t, err, ErrUnsupportedValue)

	_, err = fromItem(map[string]types.AttributeValue{"age": &types.AttributeValueMemberN{Value: "1"}})
	assert.Error(t, err)
}

func TestPutAllocatesAndReads(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	recs := []*store.Record{
		store.NewRecord(store.IncompleteKey("User", nil)),
		store.NewRecord(store.IDKey("User", 327, nil)),
		store.NewRecord(store.IncompleteKey("User", nil)),
		{Key: store.IncompleteKey("Tag", nil), AllocName: true, Properties: map[string]any{"label": "go"}},
	}
	recs[1].Properties["displayName"] = "Anna"
	keys, err := s.Put(ctx, recs)
	require.NoError(t, err)
	require.Len(t, keys, 4)
	assert.Equal(t, int64(1), keys[0].ID)
	assert.Equal(t, int64(327), keys[1].ID)
	assert.Equal(t, int64(2), keys[2].ID)
	assert.NotEmpty(t, keys[3].Name)
	assert.True(t, recs[0].Key.Incomplete(), "input keys are not mutated")

	rec, ok, err := s.Get(ctx, store.IDKey("User", 327, nil))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Anna", rec.Properties["displayName"])

	_, ok, err = s.Get(ctx, store.IDKey("User", 999, nil))
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetMulti(ctx, []*store.Key{keys[2], store.IDKey("User", 999, nil), keys[1], keys[2]})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Key.Equal(keys[2]))
	assert.True(t, got[1].Key.Equal(keys[1]))

	n, err := s.Delete(ctx, []*store.Key{keys[1], keys[1]})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, ok, err = s.Get(ctx, keys[1])
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUnprocessedWritesAreRetried(t *testing.T) {
	ctx := context.Background()
	s, f := newTestStore(t)
	f.defer1 = true

	recs := make([]*store.Record, 30)
	for i := range recs {
		recs[i] = store.NewRecord(store.IDKey("User", int64(i+1), nil))
	}
	_, err := s.Put(ctx, recs)
	require.NoError(t, err)
	assert.Equal(t, 3, f.writes)
	assert.Len(t, f.parts["User"], 30)
}

func seedUsers(t *testing.T, s *Store) (acme, beta *store.Key) {
	t.Helper()
	acme = store.NameKey("Org", "acme", nil)
	beta = store.NameKey("Org", "beta", nil)
	var recs []*store.Record
	for i := 1; i <= 5; i++ {
		recs = append(recs, store.NewRecord(store.IDKey("User", int64(i), acme)))
	}
	recs = append(recs,
		store.NewRecord(store.IDKey("User", 1, beta)),
		store.NewRecord(store.IDKey("User", 2, beta)),
	)
	_, err := s.Put(context.Background(), recs)
	require.NoError(t, err)
	return acme, beta
}

func ids(keys []*store.Key) []int64 {
	out := make([]int64, len(keys))
	for i, k := range keys {
		out[i] = k.ID
	}
	return out
}

func TestQueryAncestorPaging(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	acme, _ := seedUsers(t, s)

	q := &store.Query{Kind: "User", Ancestor: acme, Limit: 2}
	var all []int64
	for pages := 0; ; pages++ {
		require.Less(t, pages, 5)
		page, err := s.Query(ctx, q)
		require.NoError(t, err)
		all = append(all, ids(page.Keys)...)
		if page.Next == "" {
			break
		}
		q.Cursor = page.Next
	}
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, all)

	page, err := s.Query(ctx, &store.Query{Kind: "User", Ancestor: acme, Offset: 1, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3}, ids(page.Keys))
	assert.NotEmpty(t, page.Next)

	page, err = s.Query(ctx, &store.Query{Kind: "User", Ancestor: acme, KeyBound: store.IDKey("User", 4, acme)})
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 5}, ids(page.Keys))

	page, err = s.Query(ctx, &store.Query{
		Kind:     "User",
		Orders:   []store.Order{{Column: store.KeyColumn, Descending: true}},
		KeysOnly: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 1, 5, 4, 3, 2, 1}, ids(page.Keys))
	assert.Nil(t, page.Records)
}

func TestQueryInput(t *testing.T) {
	s, _ := newTestStore(t)

	in, _, err := s.queryInput(&store.Query{
		Kind:    "User",
		Filters: []store.Filter{store.Eq("tags", "a"), {Column: "age", Op: store.GreaterOrEqual, Value: 30}},
	})
	require.NoError(t, err)
	assert.Equal(t, "#pk = :pk", *in.KeyConditionExpression)
	assert.Equal(t, "(#f0 = :f0 OR (attribute_type(#f0, :tL) AND contains(#f0, :f0))) AND #f1 >= :f1", *in.FilterExpression)
	assert.Equal(t, "tags", in.ExpressionAttributeNames["#f0"])
	assert.Equal(t, "age", in.ExpressionAttributeNames["#f1"])
	assert.Equal(t, &types.AttributeValueMemberN{Value: "30"}, in.ExpressionAttributeValues[":f1"])

	in, _, err = s.queryInput(&store.Query{Kind: "User", KeyBound: store.IDKey("User", 4, nil)})
	require.NoError(t, err)
	assert.Equal(t, "#pk = :pk AND #sk >= :lo", *in.KeyConditionExpression)
	assert.Nil(t, in.FilterExpression)

	_, _, err = s.queryInput(&store.Query{Kind: "User", Orders: []store.Order{{Column: "age"}}})
	assert.ErrorIs(t, err, store.ErrUnsupported)

	_, _, err = s.queryInput(&store.Query{Kind: "User", Cursor: "***"})
	assert.ErrorIs(t, err, store.ErrInvalidCursor)

	_, _, err = s.queryInput(&store.Query{Kind: "User", Filters: []store.Filter{store.Eq("_pk", "x")}})
	assert.ErrorIs(t, err, store.ErrInvalidFilter)

	_, _, err = s.queryInput(&store.Query{Kind: "User", Filters: []store.Filter{store.Eq(store.KeyColumn, "User:i1")}})
	assert.ErrorIs(t, err, store.ErrInvalidFilter)

	_, keep, err := s.queryInput(&store.Query{
		Kind:    "User",
		Filters: []store.Filter{{Column: store.KeyColumn, Op: store.LessThan, Value: store.IDKey("User", 3, nil)}},
	})
	require.NoError(t, err)
	assert.True(t, keep(store.NewRecord(store.IDKey("User", 2, nil))))
	assert.False(t, keep(store.NewRecord(store.IDKey("User", 3, nil))))
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, Config{Table: "t"})
	assert.Error(t, err)
	_, err = New(newFake(), Config{})
	assert.Error(t, err)
}
