package snapshot

import (
	"errors"
	"maps"
	"slices"
)

// ErrRevoked is the panic value raised when a draft is used after its
// transaction has committed or aborted.
var ErrRevoked = errors.New("snapshot: draft used outside its transaction")

// ErrDone is returned when committing a transaction that already ended.
var ErrDone = errors.New("snapshot: transaction already ended")

// Draft is a copy-on-write view of a Map inside one transaction.
//
// Reads fall through to the base Map until the first write, which copies
// only this node's field table. Nested records are wrapped in child
// drafts lazily, on first access. A write marks the node and all of its
// ancestors as modified; unmodified nodes finalize to their base Map, so
// untouched subtrees stay reference-identical across snapshots.
//
// Drafts are not safe for concurrent use.
type Draft struct {
	txn      *Txn
	base     *Map
	fields   map[string]any
	children map[string]*Draft
	parent   *Draft
	modified bool
}

func (d *Draft) check() {
	if d.txn.done {
		panic(ErrRevoked)
	}
}

func (d *Draft) value(key string) (any, bool) {
	if d.fields != nil {
		v, ok := d.fields[key]
		return detach(v), ok
	}
	return d.base.Get(key)
}

// Lookup returns the value under key. Nested records come back as child
// drafts so that writes through them land in this transaction.
func (d *Draft) Lookup(key string) (any, bool) {
	d.check()
	if c, ok := d.children[key]; ok {
		return c, true
	}
	v, ok := d.value(key)
	if m, isMap := v.(*Map); isMap {
		c := &Draft{txn: d.txn, base: m, parent: d}
		if d.children == nil {
			d.children = make(map[string]*Draft)
		}
		d.children[key] = c
		return c, true
	}
	return v, ok
}

// Get is Lookup without the presence flag.
func (d *Draft) Get(key string) any {
	v, _ := d.Lookup(key)
	return v
}

// Has reports whether key is present.
func (d *Draft) Has(key string) bool {
	d.check()
	_, ok := d.value(key)
	return ok
}

// String returns the value under key if it is a string.
func (d *Draft) String(key string) (string, bool) {
	d.check()
	v, _ := d.value(key)
	s, ok := v.(string)
	return s, ok
}

// Set stores v under key. Records, map[string]any values and drafts are
// frozen into Maps first. Assigning a value equal to the current one is a
// no-op and does not mark the node modified.
func (d *Draft) Set(key string, v any) {
	d.check()
	v = freeze(v)
	if c, ok := d.children[key]; ok {
		if m, isMap := v.(*Map); isMap && m == c.base && !c.modified {
			return
		}
		delete(d.children, key)
	} else if old, ok := d.value(key); ok && same(old, v) {
		return
	}
	d.touch()
	d.fields[key] = v
}

// Delete removes key.
func (d *Draft) Delete(key string) {
	d.check()
	if _, ok := d.value(key); !ok {
		return
	}
	delete(d.children, key)
	d.touch()
	delete(d.fields, key)
}

// Child returns the nested record draft under key, creating an empty
// record there first if the key is absent or holds a non-record value.
func (d *Draft) Child(key string) *Draft {
	if c, ok := d.Get(key).(*Draft); ok {
		return c
	}
	d.Set(key, Empty())
	return d.Get(key).(*Draft)
}

// Keys returns the current field names in sorted order.
func (d *Draft) Keys() []string {
	d.check()
	if d.fields != nil {
		return slices.Sorted(maps.Keys(d.fields))
	}
	return d.base.Keys()
}

// Len returns the current number of fields.
func (d *Draft) Len() int {
	d.check()
	if d.fields != nil {
		return len(d.fields)
	}
	return d.base.Len()
}

// Modified reports whether this node or anything below it was written
// during the current transaction.
func (d *Draft) Modified() bool {
	return d.modified
}

// Current returns an immutable snapshot of the draft as it is now.
func (d *Draft) Current() *Map {
	d.check()
	return d.build()
}

// Original returns the Map the draft started from.
func (d *Draft) Original() *Map {
	return d.base
}

func (d *Draft) touch() {
	if d.fields == nil {
		d.fields = make(map[string]any, d.base.Len()+1)
		if d.base != nil {
			maps.Copy(d.fields, d.base.fields)
		}
	}
	for n := d; n != nil && !n.modified; n = n.parent {
		n.modified = true
	}
}

func (d *Draft) build() *Map {
	if !d.modified {
		return d.base
	}
	src := d.fields
	if src == nil {
		src = d.base.fields
	}
	fields := maps.Clone(src)
	if fields == nil {
		fields = make(map[string]any)
	}
	for k, c := range d.children {
		fields[k] = c.build()
	}
	return &Map{fields: fields}
}

// IsModified reports whether v is a draft that was written during its
// transaction. Non-draft values are never modified.
func IsModified(v any) bool {
	d, ok := v.(*Draft)
	return ok && d.Modified()
}

// Current resolves drafts to their current snapshot and returns any other
// value unchanged.
func Current(v any) any {
	if d, ok := v.(*Draft); ok {
		return d.Current()
	}
	return v
}

// DeepAssign merges every source record into dst field by field. Where
// both sides hold a nested record the merge recurses; otherwise the
// source value replaces the destination value. Non-record sources are
// ignored.
func DeepAssign(dst *Draft, sources ...any) {
	for _, src := range sources {
		m, ok := freeze(src).(*Map)
		if !ok {
			continue
		}
		for _, k := range m.Keys() {
			sv, _ := m.Get(k)
			if sm, isMap := sv.(*Map); isMap {
				if dc, isDraft := dst.Get(k).(*Draft); isDraft {
					DeepAssign(dc, sm)
					continue
				}
			}
			dst.Set(k, sv)
		}
	}
}
