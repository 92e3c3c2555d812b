package flatten

import (
	"cmp"
	"fmt"
	"iter"
	"reflect"
	"slices"
	"strings"

	"github.com/roach88/sift/internal/snapshot"
)

// Iter flattens xs into a single ordered sequence of atomic values.
//
// Slices, arrays, iter.Seq[any] values and nested combinations of them are
// descended into at any depth. Go maps yield their keys, sorted, so the
// order is deterministic. Nil values (typed or untyped) and empty
// containers produce nothing.
//
// Strings, []byte and records are atomic, as is every other value. A
// record is a snapshot.Record, a plain map[string]any, a *snapshot.Map or
// a *snapshot.Draft; any other map type is a container of keys.
//
// The returned sequence is lazy and walks xs again on every range; it
// does not copy them, so mutating xs between ranges changes the result.
func Iter(xs ...any) iter.Seq[any] {
	return func(yield func(any) bool) {
		walk(xs, yield)
	}
}

// Map returns the map-then-flatten operator for fn: every atomic value of
// the inputs is passed through fn and the results are flattened in turn.
func Map(fn func(any) any) func(xs ...any) iter.Seq[any] {
	return func(xs ...any) iter.Seq[any] {
		return func(yield func(any) bool) {
			for x := range Iter(xs...) {
				if !walk(fn(x), yield) {
					return
				}
			}
		}
	}
}

// Slice collects Iter(xs...) into a slice. The result is never nil.
func Slice(xs ...any) []any {
	out := make([]any, 0, len(xs))
	for x := range Iter(xs...) {
		out = append(out, x)
	}
	return out
}

// walk reports false once yield has asked to stop.
func walk(x any, yield func(any) bool) bool {
	switch v := x.(type) {
	case nil:
		return true
	case []any:
		for _, e := range v {
			if !walk(e, yield) {
				return false
			}
		}
		return true
	case iter.Seq[any]:
		if v == nil {
			return true
		}
		for e := range v {
			if !walk(e, yield) {
				return false
			}
		}
		return true
	case string:
		return yield(v)
	case []byte:
		if v == nil {
			return true
		}
		return yield(v)
	case snapshot.Record:
		if v == nil {
			return true
		}
		return yield(v)
	case map[string]any:
		if v == nil {
			return true
		}
		return yield(v)
	case *snapshot.Map:
		if v == nil {
			return true
		}
		return yield(v)
	case *snapshot.Draft:
		if v == nil {
			return true
		}
		return yield(v)
	}

	rv := reflect.ValueOf(x)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Func, reflect.Chan, reflect.Interface, reflect.UnsafePointer:
		if rv.IsNil() {
			return true
		}
	case reflect.Slice:
		if rv.IsNil() {
			return true
		}
		return walkIndexed(rv, yield)
	case reflect.Array:
		return walkIndexed(rv, yield)
	case reflect.Map:
		if rv.IsNil() {
			return true
		}
		keys := rv.MapKeys()
		slices.SortFunc(keys, compareKeys)
		for _, k := range keys {
			if !walk(k.Interface(), yield) {
				return false
			}
		}
		return true
	}
	return yield(x)
}

func walkIndexed(rv reflect.Value, yield func(any) bool) bool {
	for i := 0; i < rv.Len(); i++ {
		if !walk(rv.Index(i).Interface(), yield) {
			return false
		}
	}
	return true
}

func compareKeys(a, b reflect.Value) int {
	switch a.Kind() {
	case reflect.String:
		return strings.Compare(a.String(), b.String())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return cmp.Compare(a.Int(), b.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return cmp.Compare(a.Uint(), b.Uint())
	case reflect.Float32, reflect.Float64:
		return cmp.Compare(a.Float(), b.Float())
	}
	return strings.Compare(fmt.Sprint(a.Interface()), fmt.Sprint(b.Interface()))
}
