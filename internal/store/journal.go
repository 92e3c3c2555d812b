package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested commit does not exist.
var ErrNotFound = errors.New("store: commit not found")

// Commit is one journaled transaction.
type Commit struct {
	Seq       int64           `json:"seq"`
	Digest    string          `json:"digest"`
	Messages  json.RawMessage `json:"messages"`
	State     json.RawMessage `json:"state"`
	Duration  time.Duration   `json:"duration_ns"`
	CreatedAt time.Time       `json:"created_at"`
}

// Journal is an append-only log of commits.
//
// Implementations must be safe for concurrent use; the dispatcher appends
// from whichever goroutine committed, and async effects commit from their
// own goroutines.
type Journal interface {
	// Append stores c. Appending an existing seq is a no-op.
	Append(ctx context.Context, c Commit) error

	// Get returns the commit with the given seq, or ErrNotFound.
	Get(ctx context.Context, seq int64) (Commit, error)

	// Latest returns the commit with the highest seq, or ErrNotFound if
	// the journal is empty.
	Latest(ctx context.Context) (Commit, error)

	// List returns up to limit commits with seq >= from, in seq order.
	// A limit <= 0 means no limit.
	List(ctx context.Context, from int64, limit int) ([]Commit, error)

	// FindDigest returns the lowest seq whose state has the given digest,
	// or ErrNotFound.
	FindDigest(ctx context.Context, digest string) (int64, error)

	// Close releases the journal's resources.
	Close() error
}
