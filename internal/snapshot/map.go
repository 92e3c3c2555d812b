package snapshot

import (
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"runtime"
	"slices"
)

// Record is the literal form of a record. Records handed to the store are
// copied into immutable Maps; nested Records and map[string]any values
// become nested Maps.
type Record map[string]any

// Map is an immutable record node. Values are scalars, nested *Map nodes,
// []any lists (treated as whole values) or opaque values such as
// functions. A Map is never modified after it is built, so it may be
// shared freely between snapshots and goroutines.
//
// Lists and other slice or map values are copied when stored and again
// when read. Changing one means building the new value and Setting it.
//
// A nil *Map reads as an empty record.
type Map struct {
	fields map[string]any
}

var empty = &Map{fields: map[string]any{}}

// Empty returns the shared empty record.
func Empty() *Map {
	return empty
}

// FromRecord builds an immutable Map from r.
func FromRecord(r map[string]any) *Map {
	fields := make(map[string]any, len(r))
	for k, v := range r {
		fields[k] = freeze(v)
	}
	return &Map{fields: fields}
}

// Get returns the value stored under key.
func (m *Map) Get(key string) (any, bool) {
	if m == nil {
		return nil, false
	}
	v, ok := m.fields[key]
	return detach(v), ok
}

// Has reports whether key is present.
func (m *Map) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// String returns the value under key if it is a string.
func (m *Map) String(key string) (string, bool) {
	v, _ := m.Get(key)
	s, ok := v.(string)
	return s, ok
}

// Map returns the nested record under key.
func (m *Map) Map(key string) (*Map, bool) {
	v, _ := m.Get(key)
	n, ok := v.(*Map)
	return n, ok
}

// Len returns the number of fields.
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.fields)
}

// Keys returns the field names in sorted order.
func (m *Map) Keys() []string {
	if m == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(m.fields))
}

// Record returns a deep, mutable copy of m.
func (m *Map) Record() Record {
	out := make(Record, m.Len())
	if m == nil {
		return out
	}
	for k, v := range m.fields {
		out[k] = thaw(v)
	}
	return out
}

// MarshalJSON encodes the record with sorted keys. Functions are encoded
// as their symbol name, other unencodable values as their Go syntax.
func (m *Map) MarshalJSON() ([]byte, error) {
	return json.Marshal(jsonValue(m))
}

func jsonValue(v any) any {
	switch x := v.(type) {
	case *Map:
		out := make(map[string]any, x.Len())
		if x != nil {
			for k, e := range x.fields {
				out[k] = jsonValue(e)
			}
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = jsonValue(e)
		}
		return out
	case nil, string, bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64,
		json.Number, json.Marshaler:
		return x
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Func {
		return FuncName(v)
	}
	if _, err := json.Marshal(v); err != nil {
		return fmt.Sprintf("%#v", v)
	}
	return v
}

// FuncName returns the symbol name of a function value, or "" if v is not
// a function.
func FuncName(v any) string {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Func || rv.IsNil() {
		return ""
	}
	if fn := runtime.FuncForPC(rv.Pointer()); fn != nil {
		return fn.Name()
	}
	return "func"
}

// freeze converts literal values to their immutable form.
func freeze(v any) any {
	switch x := v.(type) {
	case Record:
		if x == nil {
			return nil
		}
		return FromRecord(x)
	case map[string]any:
		if x == nil {
			return nil
		}
		return FromRecord(x)
	case *Draft:
		return x.Current()
	case []any:
		if x == nil {
			return nil
		}
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = freeze(e)
		}
		return out
	}
	return detach(v)
}

// detach returns v with every slice and Go map it holds copied, so that
// writes to the result never reach a stored value. Nodes are immutable
// and returned as they are.
func detach(v any) any {
	switch v.(type) {
	case nil, *Map, string, bool, int, int64, float64:
		return v
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map:
		return detachValue(rv).Interface()
	}
	return v
}

func detachValue(rv reflect.Value) reflect.Value {
	switch rv.Kind() {
	case reflect.Slice:
		if rv.IsNil() {
			return rv
		}
		out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		for i := range rv.Len() {
			out.Index(i).Set(detachValue(rv.Index(i)))
		}
		return out
	case reflect.Map:
		if rv.IsNil() {
			return rv
		}
		out := reflect.MakeMapWithSize(rv.Type(), rv.Len())
		for it := rv.MapRange(); it.Next(); {
			out.SetMapIndex(it.Key(), detachValue(it.Value()))
		}
		return out
	case reflect.Interface:
		if rv.IsNil() {
			return rv
		}
		inner := detachValue(rv.Elem())
		out := reflect.New(rv.Type()).Elem()
		out.Set(inner)
		return out
	}
	return rv
}

// thaw is the inverse of freeze.
func thaw(v any) any {
	switch x := v.(type) {
	case *Map:
		return x.Record()
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = thaw(e)
		}
		return out
	}
	return detach(v)
}

// same reports whether assigning b over a would be a no-op. Nodes compare
// by identity, lists element by element, and functions never compare
// equal.
func same(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if reflect.TypeOf(a) != reflect.TypeOf(b) {
		return false
	}
	if la, ok := a.([]any); ok {
		return sameList(la, b.([]any))
	}
	ra, rb := reflect.ValueOf(a), reflect.ValueOf(b)
	switch ra.Kind() {
	case reflect.Func:
		return false
	case reflect.Slice, reflect.Map:
		return reflect.DeepEqual(a, b)
	}
	if !ra.Comparable() || !rb.Comparable() {
		return false
	}
	return ra.Equal(rb)
}

// sameList compares lists held as values. Records inside a list have no
// draft of their own, so they compare by content.
func sameList(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ma, aok := a[i].(*Map)
		mb, bok := b[i].(*Map)
		if aok && bok {
			if !sameMap(ma, mb) {
				return false
			}
			continue
		}
		if !same(a[i], b[i]) {
			return false
		}
	}
	return true
}

func sameMap(a, b *Map) bool {
	if a == b {
		return true
	}
	if a.Len() != b.Len() {
		return false
	}
	for k, av := range a.fields {
		bv, ok := b.fields[k]
		if !ok {
			return false
		}
		ma, aok := av.(*Map)
		mb, bok := bv.(*Map)
		if aok && bok {
			if !sameMap(ma, mb) {
				return false
			}
			continue
		}
		if !same(av, bv) {
			return false
		}
	}
	return true
}
