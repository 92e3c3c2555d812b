// Package cache implements the resolution cache: a set of extensions that
// give record messages a stable identity and merge every message about the
// same entity into one cached record.
//
// Identity comes from indexers. An indexer is a named KeyFunc that derives
// zero or more lookup keys from a message; each indexer owns a key->id
// index in state. A message without an id takes the id of the first key
// found, in indexer registration order and then key order. Messages that
// still lack an id when they are indexed get a fresh one.
//
// State layout, all at the root of the dispatcher's state:
//
//	indexers      name -> KeyFunc
//	indexerOrder  [name...] in registration order
//	<name>        key -> id, one map per indexer
//	byId          id -> cached record
//
// The cache grows without bound; there is no eviction or expiry.
package cache

import (
	"fmt"
	"time"

	"github.com/roach88/sift/internal/engine"
	"github.com/roach88/sift/internal/snapshot"
)

// Well-known state keys and message fields.
const (
	KeyIndexers = "indexers"
	KeyOrder    = "indexerOrder"
	KeyByID     = "byId"

	FieldID        = "id"
	FieldCreatedAt = "createdAt"
)

// TimeLayout is the createdAt format: ISO-8601 UTC with milliseconds.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// KeyFunc derives lookup keys from a message. It may return nil, a single
// key or any nesting of keys. Non-string keys are formatted with fmt.
type KeyFunc func(msg *snapshot.Draft) any

// Index is one named indexer. Registering a []Index keeps its order.
type Index struct {
	Name string
	Keys KeyFunc
}

// Indexers registers several indexers at once; they are applied in sorted
// name order.
type Indexers map[string]KeyFunc

// Reserved reports whether name is a state key the cache itself owns.
// Such names are never accepted as indexer names.
func Reserved(name string) bool {
	switch name {
	case KeyIndexers, KeyOrder, KeyByID:
		return true
	}
	return false
}

// Ignored is returned next to a transition, or by one, when a message
// names a reserved state key. The dispatcher logs it and hands it to
// OnDrop; the rest of the message is processed normally.
type Ignored struct {
	Field string
	Name  string
}

func (i Ignored) String() string {
	return fmt.Sprintf("ignored reserved %s name %q", i.Field, i.Name)
}

// Register returns the registration message for idx.
func Register(idx ...Index) snapshot.Record {
	return snapshot.Record{KeyIndexers: idx}
}

// IDGenerator generates record ids.
// Implemented by UUIDv7Generator (production) and testutil.SequentialIDs.
type IDGenerator interface {
	Generate() string
}

// Cache holds the id and time sources of the cache extensions. The cached
// data itself lives in dispatcher state, never in the Cache.
type Cache struct {
	ids IDGenerator
	now func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithIDs sets the id generator. Default: UUIDv7Generator.
func WithIDs(g IDGenerator) Option {
	return func(c *Cache) {
		if g != nil {
			c.ids = g
		}
	}
}

// WithClock sets the time source for createdAt. Default: time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a Cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		ids: UUIDv7Generator{},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Extensions returns the cache extensions in the order they must run:
// accept indexers, find id, populate from id, write indexes, write to
// cache.
func (c *Cache) Extensions() []engine.Extension {
	return []engine.Extension{
		acceptIndexers,
		findID,
		populateFromID,
		c.writeIndexes,
		writeToCache,
	}
}

// Extensions returns the extensions of a default Cache.
func Extensions() []engine.Extension {
	return New().Extensions()
}

func (c *Cache) timestamp() string {
	return c.now().UTC().Format(TimeLayout)
}
