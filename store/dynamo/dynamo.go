// Package dynamo adapts a DynamoDB table to store.Store.
//
// All kinds share one table with a string partition key and a string sort
// key. The partition key is the kind; the sort key encodes the key path so
// that its byte order is store.CompareKeys order:
//
//	<kind> 0x1f ('0' <16 hex digits> | '1' <name>) [0x1e <segment>...]
//
// Ancestor queries are a begins_with on the sort key, KeyBound a >= on it.
// Orders other than the key order are rejected with store.ErrUnsupported.
// Property filters run server side; a filter on a list attribute matches when
// any element matches. Integer IDs are allocated from a per-kind counter item.
package dynamo

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/mattiaslevin/mardao/store"
)

const (
	attrPK  = "_pk"
	attrSK  = "_sk"
	attrKey = "_key"
	attrSeq = "n"

	seqPartition = "_seq"

	maxWriteBatch = 25
	maxGetBatch   = 100
	maxAttempts   = 8
)

var (
	ErrUnsupportedValue = errors.New("dynamo: unsupported property value")
	ErrReservedColumn   = errors.New("dynamo: reserved column name")
	ErrUnprocessed      = errors.New("dynamo: items left unprocessed")
)

// API is the subset of *dynamodb.Client the store calls.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	BatchGetItem(ctx context.Context, in *dynamodb.BatchGetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

var _ API = (*dynamodb.Client)(nil)

type Config struct {
	Table string
	// Backoff is the first wait before retrying unprocessed batch items; it
	// doubles per attempt. Zero means 50ms.
	Backoff time.Duration
}

type Store struct {
	api    API
	config Config
}

var _ store.Store = (*Store)(nil)

func New(api API, config Config) (*Store, error) {
	if api == nil {
		return nil, errors.New("dynamo: nil client")
	}
	if config.Table == "" {
		return nil, errors.New("dynamo: table name required")
	}
	if config.Backoff <= 0 {
		config.Backoff = 50 * time.Millisecond
	}
	return &Store{api: api, config: config}, nil
}

func (s *Store) Put(ctx context.Context, recs []*store.Record) ([]*store.Key, error) {
	keys := make([]*store.Key, len(recs))
	needIDs := make(map[string][]int)
	for i, rec := range recs {
		if rec == nil || rec.Key == nil {
			return nil, fmt.Errorf("dynamo: record %d has no key", i)
		}
		k := *rec.Key
		if k.Incomplete() {
			if rec.AllocName {
				k.Name = uuid.NewString()
			} else {
				needIDs[k.Kind] = append(needIDs[k.Kind], i)
			}
		}
		keys[i] = &k
	}
	for kind, idx := range needIDs {
		hi, err := s.allocate(ctx, kind, len(idx))
		if err != nil {
			return nil, err
		}
		for j, i := range idx {
			keys[i].ID = hi - int64(len(idx)) + int64(j) + 1
		}
	}

	reqs := make([]types.WriteRequest, len(recs))
	for i, rec := range recs {
		item, err := toItem(keys[i], rec.Properties)
		if err != nil {
			return nil, fmt.Errorf("dynamo: %s: %w", keys[i], err)
		}
		reqs[i] = types.WriteRequest{PutRequest: &types.PutRequest{Item: item}}
	}
	if err := s.write(ctx, reqs); err != nil {
		return nil, fmt.Errorf("dynamo: put: %w", err)
	}
	return keys, nil
}

// allocate reserves n IDs for kind and returns the highest.
func (s *Store) allocate(ctx context.Context, kind string, n int) (int64, error) {
	out, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.config.Table),
		Key: map[string]types.AttributeValue{
			attrPK: &types.AttributeValueMemberS{Value: seqPartition},
			attrSK: &types.AttributeValueMemberS{Value: kind},
		},
		UpdateExpression:         aws.String("ADD #n :c"),
		ExpressionAttributeNames: map[string]string{"#n": attrSeq},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":c": &types.AttributeValueMemberN{Value: strconv.Itoa(n)},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, fmt.Errorf("dynamo: allocate %s ids: %w", kind, err)
	}
	nv, ok := out.Attributes[attrSeq].(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("dynamo: allocate %s ids: counter missing", kind)
	}
	return strconv.ParseInt(nv.Value, 10, 64)
}

// write sends reqs in batches, resubmitting unprocessed items with backoff.
func (s *Store) write(ctx context.Context, reqs []types.WriteRequest) error {
	for lo := 0; lo < len(reqs); lo += maxWriteBatch {
		pending := reqs[lo:min(lo+maxWriteBatch, len(reqs))]
		wait := s.config.Backoff
		for attempt := 0; len(pending) > 0; attempt++ {
			if attempt == maxAttempts {
				return fmt.Errorf("%w: %d writes", ErrUnprocessed, len(pending))
			}
			if attempt > 0 {
				if err := sleep(ctx, wait); err != nil {
					return err
				}
				wait *= 2
			}
			out, err := s.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
				RequestItems: map[string][]types.WriteRequest{s.config.Table: pending},
			})
			if err != nil {
				return err
			}
			pending = out.UnprocessedItems[s.config.Table]
		}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key *store.Key) (*store.Record, bool, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.config.Table),
		Key:            primaryKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, false, fmt.Errorf("dynamo: get %s: %w", key, err)
	}
	if out.Item == nil {
		return nil, false, nil
	}
	rec, err := fromItem(out.Item)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// GetMulti returns found records in the order of keys.
func (s *Store) GetMulti(ctx context.Context, keys []*store.Key) ([]*store.Record, error) {
	found := make(map[string]*store.Record, len(keys))
	for lo := 0; lo < len(keys); lo += maxGetBatch {
		var pending []map[string]types.AttributeValue
		seen := make(map[string]bool)
		for _, k := range keys[lo:min(lo+maxGetBatch, len(keys))] {
			if sk := sortKey(k); !seen[sk] {
				seen[sk] = true
				pending = append(pending, primaryKey(k))
			}
		}
		wait := s.config.Backoff
		for attempt := 0; len(pending) > 0; attempt++ {
			if attempt == maxAttempts {
				return nil, fmt.Errorf("dynamo: get multi: %w: %d reads", ErrUnprocessed, len(pending))
			}
			if attempt > 0 {
				if err := sleep(ctx, wait); err != nil {
					return nil, err
				}
				wait *= 2
			}
			out, err := s.api.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{
				RequestItems: map[string]types.KeysAndAttributes{
					s.config.Table: {Keys: pending, ConsistentRead: aws.Bool(true)},
				},
			})
			if err != nil {
				return nil, fmt.Errorf("dynamo: get multi: %w", err)
			}
			for _, item := range out.Responses[s.config.Table] {
				rec, err := fromItem(item)
				if err != nil {
					return nil, err
				}
				found[rec.Key.Encode()] = rec
			}
			pending = out.UnprocessedKeys[s.config.Table].Keys
		}
	}
	out := make([]*store.Record, 0, len(found))
	for _, k := range keys {
		if rec, ok := found[k.Encode()]; ok {
			out = append(out, rec)
			delete(found, k.Encode())
		}
	}
	return out, nil
}

// Delete reports len(keys): BatchWriteItem does not say which keys existed.
func (s *Store) Delete(ctx context.Context, keys []*store.Key) (int, error) {
	reqs := make([]types.WriteRequest, 0, len(keys))
	seen := make(map[string]bool)
	for _, k := range keys {
		if sk := sortKey(k); !seen[sk] {
			seen[sk] = true
			reqs = append(reqs, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: primaryKey(k)}})
		}
	}
	if err := s.write(ctx, reqs); err != nil {
		return 0, fmt.Errorf("dynamo: delete: %w", err)
	}
	return len(keys), nil
}

func (s *Store) Query(ctx context.Context, q *store.Query) (*store.Page, error) {
	in, keep, err := s.queryInput(q)
	if err != nil {
		return nil, err
	}
	skip, need := max(q.Offset, 0), q.Limit
	page := &store.Page{KeysOnly: q.KeysOnly}
	for {
		if need > 0 {
			in.Limit = aws.Int32(int32(skip + need))
		}
		out, err := s.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("dynamo: query %s: %w", q.Kind, err)
		}
		for _, item := range out.Items {
			rec, err := fromItem(item)
			if err != nil {
				return nil, err
			}
			if !keep(rec) {
				continue
			}
			if skip > 0 {
				skip--
				continue
			}
			page.Keys = append(page.Keys, rec.Key)
			if !q.KeysOnly {
				page.Records = append(page.Records, rec)
			}
			if need > 0 {
				need--
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			return page, nil
		}
		if q.Limit > 0 && need == 0 {
			page.Next, err = encodeCursor(out.LastEvaluatedKey)
			return page, err
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// queryInput translates q. keep applies the key conditions DynamoDB cannot
// combine with an ancestor prefix, plus filters on the key column.
func (s *Store) queryInput(q *store.Query) (*dynamodb.QueryInput, func(*store.Record) bool, error) {
	if err := q.Validate(); err != nil {
		return nil, nil, err
	}
	names := map[string]string{"#pk": attrPK}
	values := map[string]types.AttributeValue{":pk": &types.AttributeValueMemberS{Value: q.Kind}}
	cond := "#pk = :pk"
	var keyFilters []store.Filter

	switch {
	case q.Ancestor != nil:
		names["#sk"] = attrSK
		values[":anc"] = &types.AttributeValueMemberS{Value: sortKey(q.Ancestor)}
		cond += " AND begins_with(#sk, :anc)"
		if q.KeyBound != nil {
			keyFilters = append(keyFilters, store.Filter{Column: store.KeyColumn, Op: store.GreaterOrEqual, Value: q.KeyBound})
		}
	case q.KeyBound != nil:
		names["#sk"] = attrSK
		values[":lo"] = &types.AttributeValueMemberS{Value: sortKey(q.KeyBound)}
		cond += " AND #sk >= :lo"
	}

	forward := true
	switch {
	case len(q.Orders) == 0:
	case len(q.Orders) == 1 && q.Orders[0].Column == store.KeyColumn:
		forward = !q.Orders[0].Descending
	default:
		return nil, nil, fmt.Errorf("%w: dynamo orders by key only, got %v", store.ErrUnsupported, q.Orders)
	}

	var exprs []string
	for i, f := range q.Filters {
		if f.Column == store.KeyColumn {
			if _, ok := f.Value.(*store.Key); !ok {
				return nil, nil, fmt.Errorf("%w: key filter needs a key, got %T", store.ErrInvalidFilter, f.Value)
			}
			keyFilters = append(keyFilters, f)
			continue
		}
		if reserved(f.Column) {
			return nil, nil, fmt.Errorf("%w: %w: %s", store.ErrInvalidFilter, ErrReservedColumn, f.Column)
		}
		av, err := toAttr(f.Value)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %s: %w", store.ErrInvalidFilter, f.Column, err)
		}
		n, v := fmt.Sprintf("#f%d", i), fmt.Sprintf(":f%d", i)
		names[n], values[v] = f.Column, av
		if f.Op == store.Equal {
			values[":tL"] = &types.AttributeValueMemberS{Value: "L"}
			exprs = append(exprs, fmt.Sprintf("(%s = %s OR (attribute_type(%s, :tL) AND contains(%s, %s)))", n, v, n, n, v))
		} else {
			exprs = append(exprs, fmt.Sprintf("%s %s %s", n, f.Op, v))
		}
	}

	in := &dynamodb.QueryInput{
		TableName:                 aws.String(s.config.Table),
		KeyConditionExpression:    aws.String(cond),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ScanIndexForward:          aws.Bool(forward),
		ConsistentRead:            aws.Bool(true),
	}
	if len(exprs) > 0 {
		in.FilterExpression = aws.String(strings.Join(exprs, " AND "))
	}
	if q.KeysOnly {
		names["#key"] = attrKey
		in.ProjectionExpression = aws.String("#key")
	}
	if q.Cursor != "" {
		sk, err := decodeCursor(q.Cursor)
		if err != nil {
			return nil, nil, err
		}
		in.ExclusiveStartKey = map[string]types.AttributeValue{
			attrPK: &types.AttributeValueMemberS{Value: q.Kind},
			attrSK: &types.AttributeValueMemberS{Value: sk},
		}
	}

	ancestor := q.Ancestor
	keep := func(rec *store.Record) bool {
		if ancestor != nil && !rec.Key.HasAncestor(ancestor) {
			return false
		}
		return store.Match(rec, keyFilters)
	}
	return in, keep, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func encodeCursor(lek map[string]types.AttributeValue) (store.Cursor, error) {
	sk, ok := lek[attrSK].(*types.AttributeValueMemberS)
	if !ok {
		return "", errors.New("dynamo: last evaluated key has no sort key")
	}
	return store.Cursor(base64.RawURLEncoding.EncodeToString([]byte(sk.Value))), nil
}

func decodeCursor(c store.Cursor) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(string(c))
	if err != nil || len(b) == 0 {
		return "", fmt.Errorf("%w: %q", store.ErrInvalidCursor, c)
	}
	return string(b), nil
}
