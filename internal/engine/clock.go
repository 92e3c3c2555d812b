package engine

import "sync/atomic"

// Clock numbers committed transactions.
//
// Every commit is stamped with a strictly increasing seq from Next. Aborted
// transactions do not consume a number, so the seq of the current state is
// also the count of commits since the clock started.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock starting at a specific sequence number.
// Used when resuming a dispatcher from a journaled snapshot.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number and increments the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Peek returns the number Next would return, without incrementing.
func (c *Clock) Peek() int64 {
	return c.seq.Load() + 1
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
