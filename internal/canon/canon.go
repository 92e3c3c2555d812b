// Package canon produces canonical JSON for snapshot values.
//
// The encoding is deterministic so that equal snapshots always produce
// equal bytes (and equal digests) regardless of Go map iteration order:
//   - object keys sorted by UTF-16 code units (RFC 8785)
//   - strings NFC normalized, only quote, backslash and control
//     characters escaped (no HTML or U+2028/U+2029 escaping)
//   - integers printed in decimal; floats without a fractional part are
//     printed as integers, others in shortest round-trip form
//   - functions encoded as their symbol name
//   - structs encoded by their exported fields, json tags honored
package canon

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/sift/internal/snapshot"
)

// Marshal returns the canonical JSON encoding of v.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalIndent is Marshal followed by json.Indent, for human-facing output
// such as golden files and CLI text mode.
func MarshalIndent(v any, indent string) ([]byte, error) {
	data, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if err := json.Indent(&out, data, "", indent); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func encode(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case string:
		writeString(buf, val)
		return nil
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case int:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
		return nil
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
		return nil
	case float64:
		return writeFloat(buf, val)
	case json.Number:
		buf.WriteString(val.String())
		return nil
	case time.Time:
		writeString(buf, val.UTC().Format(time.RFC3339Nano))
		return nil
	case *snapshot.Draft:
		return encodeMap(buf, val.Current())
	case *snapshot.Map:
		return encodeMap(buf, val)
	case snapshot.Record:
		return encodeMap(buf, snapshot.FromRecord(val))
	case map[string]any:
		return encodeMap(buf, snapshot.FromRecord(val))
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, elem); err != nil {
				return fmt.Errorf("array[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
		return nil
	}

	if m, ok := v.(json.Marshaler); ok {
		return encodeMarshaler(buf, m)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			buf.WriteString("null")
			return nil
		}
		return encode(buf, rv.Elem().Interface())
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("unsupported map key type for canonical JSON: %T", v)
		}
		fields := make(map[string]any, rv.Len())
		for it := rv.MapRange(); it.Next(); {
			fields[it.Key().String()] = it.Value().Interface()
		}
		return encodeFields(buf, fields)
	case reflect.Struct:
		return encodeFields(buf, structFields(rv))
	case reflect.Func:
		writeString(buf, snapshot.FuncName(v))
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		buf.WriteString(strconv.FormatInt(rv.Int(), 10))
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		buf.WriteString(strconv.FormatUint(rv.Uint(), 10))
		return nil
	case reflect.Float32:
		return writeFloat(buf, rv.Float())
	case reflect.String:
		writeString(buf, rv.String())
		return nil
	case reflect.Slice, reflect.Array:
		items := make([]any, rv.Len())
		for i := range items {
			items[i] = rv.Index(i).Interface()
		}
		return encode(buf, items)
	}
	return fmt.Errorf("unsupported type for canonical JSON: %T", v)
}

func encodeMap(buf *bytes.Buffer, m *snapshot.Map) error {
	return encodeObject(buf, m.Keys(), func(k string) any {
		v, _ := m.Get(k)
		return v
	})
}

func encodeFields(buf *bytes.Buffer, fields map[string]any) error {
	return encodeObject(buf, slices.Collect(maps.Keys(fields)), func(k string) any {
		return fields[k]
	})
}

func encodeObject(buf *bytes.Buffer, keys []string, get func(string) any) error {
	slices.SortFunc(keys, compareKeysRFC8785)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeString(buf, k)
		buf.WriteByte(':')
		if err := encode(buf, get(k)); err != nil {
			return fmt.Errorf("object[%q]: %w", k, err)
		}
	}
	buf.WriteByte('}')
	return nil
}

// structFields returns the exported fields of a struct keyed by their json
// name. Fields tagged "-" are skipped, and so are empty omitempty fields.
func structFields(rv reflect.Value) map[string]any {
	t := rv.Type()
	fields := make(map[string]any, t.NumField())
	for i := range t.NumField() {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Name
		fv := rv.Field(i)
		if tag, ok := f.Tag.Lookup("json"); ok {
			n, opts, _ := strings.Cut(tag, ",")
			if n == "-" {
				continue
			}
			if n != "" {
				name = n
			}
			if opts == "omitempty" && isEmpty(fv) {
				continue
			}
		}
		fields[name] = fv.Interface()
	}
	return fields
}

// isEmpty follows encoding/json's omitempty rule.
func isEmpty(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return v.IsNil()
	}
	return v.IsZero()
}

// encodeMarshaler re-encodes the output of a json.Marshaler canonically.
func encodeMarshaler(buf *bytes.Buffer, m json.Marshaler) error {
	data, err := m.MarshalJSON()
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return fmt.Errorf("decode %T: %w", m, err)
	}
	return encode(buf, generic)
}

func writeFloat(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("non-finite number in canonical JSON: %v", f)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		buf.WriteString(strconv.FormatInt(int64(f), 10))
		return nil
	}
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}

const hexDigits = "0123456789abcdef"

// writeString writes s NFC normalized, escaping only what JSON requires.
func writeString(buf *bytes.Buffer, s string) {
	s = norm.NFC.String(s)
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				buf.WriteString(`\u00`)
				buf.WriteByte(hexDigits[r>>4])
				buf.WriteByte(hexDigits[r&0xf])
				continue
			}
			buf.WriteRune(r)
		}
	}
	buf.WriteByte('"')
}

// compareKeysRFC8785 orders keys by UTF-16 code units. Go's native string
// order is by UTF-8 bytes, which differs for characters above U+FFFF.
func compareKeysRFC8785(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	return slices.Compare(a16, b16)
}
