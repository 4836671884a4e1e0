package dynamo

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/mattiaslevin/mardao/store"
)

const (
	kindSep    = "\x1f"
	segmentSep = "\x1e"
)

// sortKey renders k root first so that byte order matches store.CompareKeys.
// Integer IDs are offset by 2^63 and written as fixed-width hex.
func sortKey(k *store.Key) string {
	var segs []string
	for p := k; p != nil; p = p.Parent {
		var id string
		if p.Name != "" {
			id = "1" + p.Name
		} else {
			id = fmt.Sprintf("0%016x", uint64(p.ID)^(1<<63))
		}
		segs = append(segs, p.Kind+kindSep+id)
	}
	for i, j := 0, len(segs)-1; i < j; i, j = i+1, j-1 {
		segs[i], segs[j] = segs[j], segs[i]
	}
	return strings.Join(segs, segmentSep)
}

func primaryKey(k *store.Key) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrPK: &types.AttributeValueMemberS{Value: k.Kind},
		attrSK: &types.AttributeValueMemberS{Value: sortKey(k)},
	}
}

func reserved(column string) bool {
	return strings.HasPrefix(column, "_")
}

func toItem(k *store.Key, props map[string]any) (map[string]types.AttributeValue, error) {
	item := primaryKey(k)
	item[attrKey] = &types.AttributeValueMemberS{Value: k.Encode()}
	for name, v := range props {
		if reserved(name) {
			return nil, fmt.Errorf("%w: %s", ErrReservedColumn, name)
		}
		av, err := toAttr(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		item[name] = av
	}
	return item, nil
}

func fromItem(item map[string]types.AttributeValue) (*store.Record, error) {
	ks, ok := item[attrKey].(*types.AttributeValueMemberS)
	if !ok {
		return nil, fmt.Errorf("dynamo: item without %s attribute", attrKey)
	}
	k, err := store.DecodeKey(ks.Value)
	if err != nil {
		return nil, fmt.Errorf("dynamo: %w", err)
	}
	rec := store.NewRecord(k)
	for name, av := range item {
		if reserved(name) {
			continue
		}
		v, err := fromAttr(av)
		if err != nil {
			return nil, fmt.Errorf("dynamo: %s.%s: %w", k, name, err)
		}
		rec.Properties[name] = v
	}
	return rec, nil
}

// toAttr stores keys as their encoded form and times as RFC3339Nano
// strings; everything else goes through attributevalue.Marshal. Slices
// become lists, never sets.
func toAttr(v any) (types.AttributeValue, error) {
	switch v := v.(type) {
	case *store.Key:
		if v == nil {
			return &types.AttributeValueMemberNULL{Value: true}, nil
		}
		return &types.AttributeValueMemberS{Value: v.Encode()}, nil
	case time.Time:
		return &types.AttributeValueMemberS{Value: v.UTC().Format(time.RFC3339Nano)}, nil
	case []byte:
		return &types.AttributeValueMemberB{Value: v}, nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		l := make([]types.AttributeValue, rv.Len())
		for i := range l {
			av, err := toAttr(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			l[i] = av
		}
		return &types.AttributeValueMemberL{Value: l}, nil
	case reflect.Map, reflect.Struct, reflect.Func, reflect.Chan, reflect.Pointer:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
	}
	av, err := attributevalue.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedValue, err)
	}
	return av, nil
}

// fromAttr decodes numbers as int64 when they are integral and fit, float64
// otherwise.
func fromAttr(av types.AttributeValue) (any, error) {
	switch av := av.(type) {
	case *types.AttributeValueMemberS:
		return av.Value, nil
	case *types.AttributeValueMemberN:
		if i, err := strconv.ParseInt(av.Value, 10, 64); err == nil {
			return i, nil
		}
		f, err := strconv.ParseFloat(av.Value, 64)
		if err != nil {
			return nil, err
		}
		if f == math.Trunc(f) && math.Abs(f) < 1<<63 {
			return int64(f), nil
		}
		return f, nil
	case *types.AttributeValueMemberBOOL:
		return av.Value, nil
	case *types.AttributeValueMemberNULL:
		return nil, nil
	case *types.AttributeValueMemberB:
		return av.Value, nil
	case *types.AttributeValueMemberL:
		out := make([]any, len(av.Value))
		for i, e := range av.Value {
			v, err := fromAttr(e)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case *types.AttributeValueMemberSS:
		out := make([]any, len(av.Value))
		for i, s := range av.Value {
			out[i] = s
		}
		return out, nil
	}
	var v any
	if err := attributevalue.Unmarshal(av, &v); err != nil {
		return nil, err
	}
	return v, nil
}
