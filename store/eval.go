package store

import (
	"bytes"
	"reflect"
	"slices"
	"strings"
	"time"
)

// Match reports whether rec satisfies every filter. A filter on a list-valued
// property matches when any element satisfies it; a filter on a missing
// property never matches.
func Match(rec *Record, filters []Filter) bool {
	for _, f := range filters {
		if !matchOne(rec, f) {
			return false
		}
	}
	return true
}

func matchOne(rec *Record, f Filter) bool {
	if f.Column == KeyColumn {
		k, ok := f.Value.(*Key)
		if !ok {
			return false
		}
		return opHolds(f.Op, CompareKeys(rec.Key, k))
	}
	v, ok := rec.Properties[f.Column]
	if !ok {
		return false
	}
	for _, el := range elements(v) {
		if c, ok := Compare(el, f.Value); ok && opHolds(f.Op, c) {
			return true
		}
	}
	return false
}

func opHolds(op Op, c int) bool {
	switch op {
	case Equal:
		return c == 0
	case LessThan:
		return c < 0
	case LessOrEqual:
		return c <= 0
	case GreaterThan:
		return c > 0
	case GreaterOrEqual:
		return c >= 0
	}
	return false
}

// elements flattens a list-valued property; scalars yield themselves.
func elements(v any) []any {
	switch vv := v.(type) {
	case []any:
		return vv
	case []byte:
		return []any{vv}
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return []any{v}
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

type valueClass int

const (
	classNull valueClass = iota
	classBool
	classInt
	classFloat
	classTime
	classString
	classBytes
	classKey
	classOther
)

func classify(v any) valueClass {
	switch v.(type) {
	case nil:
		return classNull
	case bool:
		return classBool
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return classInt
	case float32, float64:
		return classFloat
	case time.Time:
		return classTime
	case string:
		return classString
	case []byte:
		return classBytes
	case *Key:
		return classKey
	}
	return classOther
}

// Compare orders two scalar property values. Integers and floats compare
// numerically with each other; otherwise values of different classes are
// ordered by class. ok is false when the values are not comparable.
func Compare(a, b any) (c int, ok bool) {
	ca, cb := classify(a), classify(b)
	if ca == classOther || cb == classOther {
		return 0, false
	}
	numeric := func(c valueClass) bool { return c == classInt || c == classFloat }
	if numeric(ca) && numeric(cb) {
		if ca == classInt && cb == classInt {
			return cmpOrdered(toInt64(a), toInt64(b)), true
		}
		return cmpOrdered(toFloat64(a), toFloat64(b)), true
	}
	if ca != cb {
		return cmpOrdered(int(ca), int(cb)), true
	}
	switch av := a.(type) {
	case nil:
		return 0, true
	case bool:
		bv := b.(bool)
		switch {
		case av == bv:
			return 0, true
		case !av:
			return -1, true
		}
		return 1, true
	case time.Time:
		return av.Compare(b.(time.Time)), true
	case string:
		return strings.Compare(av, b.(string)), true
	case []byte:
		return bytes.Compare(av, b.([]byte)), true
	case *Key:
		return CompareKeys(av, b.(*Key)), true
	}
	return 0, false
}

func cmpOrdered[T int | int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func toInt64(v any) int64 {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint())
	}
	return rv.Int()
}

func toFloat64(v any) float64 {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint())
	}
	return float64(rv.Int())
}

// sortValue picks the value a record sorts by for a column: the first element
// of a list-valued property, nil when absent.
func sortValue(rec *Record, column string) any {
	if column == KeyColumn {
		return rec.Key
	}
	v, ok := rec.Properties[column]
	if !ok {
		return nil
	}
	if els := elements(v); len(els) > 0 {
		return els[0]
	}
	return nil
}

// CompareRecords applies orders in sequence and falls back to key order, so
// the result is a total order over distinct keys.
func CompareRecords(a, b *Record, orders []Order) int {
	for _, o := range orders {
		c, _ := Compare(sortValue(a, o.Column), sortValue(b, o.Column))
		if o.Descending {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return CompareKeys(a.Key, b.Key)
}

func SortRecords(recs []*Record, orders []Order) {
	slices.SortStableFunc(recs, func(a, b *Record) int {
		return CompareRecords(a, b, orders)
	})
}
