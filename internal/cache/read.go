package cache

import (
	"strings"

	"github.com/roach88/sift/internal/snapshot"
)

// FieldIndexer returns a KeyFunc yielding the value at a dotted field path
// of the message, e.g. "name" or "owner.email". A list value yields each
// element as a key. Missing fields and nested records yield nothing.
func FieldIndexer(path string) KeyFunc {
	parts := strings.Split(path, ".")
	return func(msg *snapshot.Draft) any {
		cur := msg
		for i, p := range parts {
			v, ok := cur.Lookup(p)
			if !ok {
				return nil
			}
			next, isRecord := v.(*snapshot.Draft)
			if i == len(parts)-1 {
				if isRecord {
					return nil
				}
				return v
			}
			if !isRecord {
				return nil
			}
			cur = next
		}
		return nil
	}
}

// Lookup returns the cached record for id in a committed snapshot.
func Lookup(state *snapshot.Map, id any) (*snapshot.Map, bool) {
	byID, ok := state.Map(KeyByID)
	if !ok || !present(id) {
		return nil, false
	}
	return byID.Map(keyString(id))
}

// Resolve returns the cached record that indexer name maps key to.
func Resolve(state *snapshot.Map, name string, key any) (*snapshot.Map, bool) {
	index, ok := state.Map(name)
	if !ok {
		return nil, false
	}
	id, ok := index.Get(keyString(key))
	if !ok {
		return nil, false
	}
	return Lookup(state, id)
}

// Names returns the registered indexer names in resolution order.
func Names(state *snapshot.Map) []string {
	v, _ := state.Get(KeyOrder)
	order, _ := v.([]any)
	names := make([]string, 0, len(order))
	for _, n := range order {
		if s, ok := n.(string); ok {
			names = append(names, s)
		}
	}
	return names
}

// IDs returns the ids of all cached records, sorted.
func IDs(state *snapshot.Map) []string {
	byID, _ := state.Map(KeyByID)
	return byID.Keys()
}
