package cache

import (
	"fmt"
	"iter"
	"maps"
	"slices"

	"github.com/roach88/sift/internal/engine"
	"github.com/roach88/sift/internal/flatten"
	"github.com/roach88/sift/internal/snapshot"
)

// acceptIndexers registers the indexers carried by a message's indexers
// field. Re-registering a name replaces its KeyFunc but keeps its
// position in the resolution order.
func acceptIndexers(msg any) any {
	m, ok := msg.(*snapshot.Draft)
	if !ok {
		return nil
	}
	raw, ok := m.Lookup(KeyIndexers)
	if !ok {
		return nil
	}
	var ignored []any
	regs := slices.DeleteFunc(registrations(raw), func(r Index) bool {
		if Reserved(r.Name) {
			ignored = append(ignored, Ignored{Field: KeyIndexers, Name: r.Name})
			return true
		}
		return false
	})
	if len(regs) == 0 {
		return ignored
	}

	return append(ignored, engine.Transition(func(st *snapshot.Draft) any {
		table := st.Child(KeyIndexers)
		order, _ := st.Get(KeyOrder).([]any)
		next := slices.Clone(order)
		for _, r := range regs {
			table.Set(r.Name, r.Keys)
			if !slices.Contains(next, any(r.Name)) {
				next = append(next, r.Name)
			}
		}
		st.Set(KeyOrder, next)
		return nil
	}))
}

// findID resolves the id of a message that has none.
func findID(msg any) any {
	m, ok := msg.(*snapshot.Draft)
	if !ok || hasID(m) {
		return nil
	}
	return engine.Transition(func(st *snapshot.Draft) any {
		if id, ok := resolve(st, m); ok {
			m.Set(FieldID, id)
		}
		return nil
	})
}

// populateFromID merges the message with its cached record, if any.
func populateFromID(msg any) any {
	m, ok := msg.(*snapshot.Draft)
	if !ok {
		return nil
	}
	return engine.Transition(func(st *snapshot.Draft) any {
		if !hasID(m) {
			return nil
		}
		byID, ok := st.Get(KeyByID).(*snapshot.Draft)
		if !ok {
			return nil
		}
		if cached, ok := byID.Get(keyString(m.Get(FieldID))).(*snapshot.Draft); ok {
			merge(cached, m)
		}
		return nil
	})
}

// writeIndexes records key -> id for every key of every indexer, stamping
// the message with an id and createdAt first if it lacks them.
func (c *Cache) writeIndexes(msg any) any {
	m, ok := msg.(*snapshot.Draft)
	if !ok {
		return nil
	}
	return engine.Transition(func(st *snapshot.Draft) any {
		for name, fn := range indexers(st) {
			index := st.Child(name)
			for key := range keys(fn, m) {
				if !hasID(m) {
					m.Set(FieldID, c.ids.Generate())
				}
				if !present(m.Get(FieldCreatedAt)) {
					m.Set(FieldCreatedAt, c.timestamp())
				}
				index.Set(key, m.Get(FieldID))
			}
		}
		return nil
	})
}

// writeToCache upserts the message into byId.
func writeToCache(msg any) any {
	m, ok := msg.(*snapshot.Draft)
	if !ok {
		return nil
	}
	return engine.Transition(func(st *snapshot.Draft) any {
		if !hasID(m) {
			return nil
		}
		cached := st.Child(KeyByID).Child(keyString(m.Get(FieldID)))
		merge(cached, m)
		return nil
	})
}

// merge makes cached a superset of m and copies back into m the fields it
// was missing. Conflicting leaves take m's value.
func merge(cached, m *snapshot.Draft) {
	snapshot.DeepAssign(cached, m.Current())
	snapshot.DeepAssign(m, cached.Current())
}

// resolve returns the id of the first (indexer, key) pair present in that
// indexer's index. Indexers without an index yet are skipped.
func resolve(st, m *snapshot.Draft) (any, bool) {
	for name, fn := range indexers(st) {
		index, ok := st.Get(name).(*snapshot.Draft)
		if !ok {
			continue
		}
		for key := range keys(fn, m) {
			if id, ok := index.Lookup(key); ok && present(id) {
				return id, true
			}
		}
	}
	return nil, false
}

// indexers yields the registered indexers in registration order.
func indexers(st *snapshot.Draft) iter.Seq2[string, KeyFunc] {
	return func(yield func(string, KeyFunc) bool) {
		table, ok := st.Get(KeyIndexers).(*snapshot.Draft)
		if !ok {
			return
		}
		order, _ := st.Get(KeyOrder).([]any)
		for _, n := range order {
			name, ok := n.(string)
			if !ok {
				continue
			}
			fn, ok := asKeyFunc(table.Get(name))
			if !ok {
				continue
			}
			if !yield(name, fn) {
				return
			}
		}
	}
}

// keys yields the lookup keys fn derives from m.
func keys(fn KeyFunc, m *snapshot.Draft) iter.Seq[string] {
	return func(yield func(string) bool) {
		for v := range flatten.Iter(fn(m)) {
			switch v.(type) {
			case *snapshot.Draft, *snapshot.Map, snapshot.Record, map[string]any:
				continue
			}
			if !yield(keyString(v)) {
				return
			}
		}
	}
}

func registrations(raw any) []Index {
	var out []Index
	add := func(name string, v any) {
		if fn, ok := asKeyFunc(v); ok && name != "" {
			out = append(out, Index{Name: name, Keys: fn})
		}
	}

	switch r := raw.(type) {
	case Index:
		add(r.Name, r.Keys)
	case []Index:
		for _, idx := range r {
			add(idx.Name, idx.Keys)
		}
	case Indexers:
		for _, name := range slices.Sorted(maps.Keys(r)) {
			add(name, r[name])
		}
	case map[string]KeyFunc:
		for _, name := range slices.Sorted(maps.Keys(r)) {
			add(name, r[name])
		}
	case *snapshot.Draft:
		for _, name := range r.Keys() {
			add(name, r.Get(name))
		}
	case []any:
		for _, e := range r {
			out = append(out, registrations(e)...)
		}
	}
	return out
}

func asKeyFunc(v any) (KeyFunc, bool) {
	switch f := v.(type) {
	case KeyFunc:
		return f, f != nil
	case func(*snapshot.Draft) any:
		return f, f != nil
	case func(*snapshot.Draft) string:
		if f == nil {
			return nil, false
		}
		return func(m *snapshot.Draft) any {
			if s := f(m); s != "" {
				return s
			}
			return nil
		}, true
	}
	return nil, false
}

func hasID(m *snapshot.Draft) bool {
	return present(m.Get(FieldID))
}

// present reports whether v counts as set: not nil and not "".
func present(v any) bool {
	return v != nil && v != ""
}

func keyString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
