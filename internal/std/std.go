// Package std holds the standard extension bundle: the resolution cache
// plus the config and alias extensions.
package std

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/roach88/sift/internal/cache"
	"github.com/roach88/sift/internal/engine"
	"github.com/roach88/sift/internal/snapshot"
)

// Message fields and state keys used by this package.
const (
	FieldConfig = "config"
	FieldAlias  = "alias"
	KeyConfig   = "config"
)

// Config deep-merges the config record of a message into state.config.
// Messages whose config field is missing or not a record are ignored.
func Config(msg any) any {
	m, ok := msg.(*snapshot.Draft)
	if !ok {
		return nil
	}
	if _, ok := m.Get(FieldConfig).(*snapshot.Draft); !ok {
		return nil
	}
	return engine.Transition(func(st *snapshot.Draft) any {
		cfg, ok := m.Get(FieldConfig).(*snapshot.Draft)
		if !ok {
			return nil
		}
		snapshot.DeepAssign(st.Child(KeyConfig), cfg.Current())
		return nil
	})
}

// Alias stores a message carrying a string alias under state[alias]. The
// stored value is the message as it stands when the alias transition
// runs, after every extension registered before Alias has updated it.
// Aliases naming a key the cache or config extension owns are ignored.
func Alias(msg any) any {
	m, ok := msg.(*snapshot.Draft)
	if !ok {
		return nil
	}
	if name, ok := m.String(FieldAlias); !ok || name == "" {
		return nil
	}
	return engine.Transition(func(st *snapshot.Draft) any {
		name, _ := m.String(FieldAlias)
		if reserved(st, name) {
			return cache.Ignored{Field: FieldAlias, Name: name}
		}
		st.Set(name, m.Current())
		return nil
	})
}

// reserved reports whether name is a state key owned by the cache, by the
// config extension or by a registered indexer's index.
func reserved(st *snapshot.Draft, name string) bool {
	if cache.Reserved(name) || name == KeyConfig {
		return true
	}
	table, ok := st.Get(cache.KeyIndexers).(*snapshot.Draft)
	return ok && table.Has(name)
}

// Standard returns the standard bundle: the given cache's extensions,
// then Config, then Alias. A nil cache uses cache.New().
func Standard(c *cache.Cache) []engine.Extension {
	if c == nil {
		c = cache.New()
	}
	return append(c.Extensions(), Config, Alias)
}

// DecodeConfig decodes state.config into out, a pointer to a struct or
// map. Fields are matched by their mapstructure tag, or by name. A state
// without config leaves out untouched.
func DecodeConfig(state *snapshot.Map, out any) error {
	cfg, ok := state.Map(KeyConfig)
	if !ok {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("config decoder: %w", err)
	}
	if err := dec.Decode(map[string]any(cfg.Record())); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}
