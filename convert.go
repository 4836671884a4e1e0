package mardao

import (
	"fmt"
	"reflect"
	"time"

	"github.com/mattiaslevin/mardao/store"
)

var (
	timeType = reflect.TypeFor[time.Time]()
	keyType  = reflect.TypeFor[*store.Key]()
)

// convert coerces a value read back from a store into V. Stores widen
// integers, turn times into strings and lists into []any; convert undoes that.
func convert[V any](v any) (V, error) {
	if vv, ok := v.(V); ok {
		return vv, nil
	}
	var zero V
	if v == nil {
		return zero, nil
	}
	rv, err := coerce(v, reflect.TypeFor[V]())
	if err != nil {
		return zero, err
	}
	return rv.Interface().(V), nil
}

func coerce(v any, to reflect.Type) (reflect.Value, error) {
	if v == nil {
		return reflect.Zero(to), nil
	}
	from := reflect.ValueOf(v)
	if from.Type() == to {
		return from, nil
	}
	fail := func() (reflect.Value, error) {
		return reflect.Value{}, fmt.Errorf("cannot convert %T to %s", v, to)
	}

	switch {
	case to == timeType:
		s, ok := v.(string)
		if !ok {
			return fail()
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return reflect.Value{}, fmt.Errorf("cannot convert %q to time: %w", s, err)
		}
		return reflect.ValueOf(t), nil
	case to == keyType:
		s, ok := v.(string)
		if !ok {
			return fail()
		}
		k, err := store.DecodeKey(s)
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(k), nil
	}

	switch to.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		if !numeric(from.Kind()) {
			return fail()
		}
		return convertNumber(from, to)
	case reflect.String, reflect.Bool:
		if from.Kind() != to.Kind() {
			return fail()
		}
		return from.Convert(to), nil
	case reflect.Slice:
		if from.Kind() != reflect.Slice {
			return fail()
		}
		out := reflect.MakeSlice(to, from.Len(), from.Len())
		for i := 0; i < from.Len(); i++ {
			el, err := coerce(from.Index(i).Interface(), to.Elem())
			if err != nil {
				return reflect.Value{}, fmt.Errorf("element %d: %w", i, err)
			}
			out.Index(i).Set(el)
		}
		return out, nil
	}
	if from.Type().ConvertibleTo(to) && from.Kind() == to.Kind() {
		return from.Convert(to), nil
	}
	return fail()
}

// convertNumber refuses conversions that would truncate, wrap or flip the
// sign of the value. Float narrowing only checks range.
func convertNumber(from reflect.Value, to reflect.Type) (reflect.Value, error) {
	fk, tk := from.Kind(), to.Kind()
	if isFloat(fk) && isFloat(tk) {
		if reflect.Zero(to).OverflowFloat(from.Float()) {
			return reflect.Value{}, fmt.Errorf("%v overflows %s", from.Interface(), to)
		}
		return from.Convert(to), nil
	}
	if isUnsigned(tk) && (isSigned(fk) && from.Int() < 0 || isFloat(fk) && from.Float() < 0) {
		return reflect.Value{}, fmt.Errorf("negative %v does not fit %s", from.Interface(), to)
	}
	out := from.Convert(to)
	if isUnsigned(fk) && isSigned(tk) && out.Int() < 0 || out.Convert(from.Type()).Interface() != from.Interface() {
		return reflect.Value{}, fmt.Errorf("%v does not fit %s", from.Interface(), to)
	}
	return out, nil
}

func isSigned(k reflect.Kind) bool { return k >= reflect.Int && k <= reflect.Int64 }

func isUnsigned(k reflect.Kind) bool { return k >= reflect.Uint && k <= reflect.Uintptr }

func isFloat(k reflect.Kind) bool { return k == reflect.Float32 || k == reflect.Float64 }

func numeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
