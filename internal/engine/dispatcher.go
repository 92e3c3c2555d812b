package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/roach88/sift/internal/logging"
	"github.com/roach88/sift/internal/snapshot"
)

// DefaultMaxCascade is the default number of queued batches one Send may
// drain before it stops with a CASCADE_EXCEEDED error.
const DefaultMaxCascade = 10000

// Policy is the send implementation of a dispatcher. It receives the raw
// arguments of Send and returns what Send returns.
type Policy func(ctx context.Context, inputs []any) ([]any, error)

// Meta is a meta-extension: it is applied once to a dispatcher under
// construction and may return a Policy that replaces the current one. A
// nil Policy leaves the current one in place. A meta that wants to wrap
// the previous policy reads it with Dispatcher.Policy.
type Meta func(d *Dispatcher) Policy

// view is what a commit publishes. Readers load it atomically so that
// state, chain and seq are always observed together.
type view struct {
	state *snapshot.Map
	chain Chain
	seq   int64
}

// Dispatcher owns one state snapshot and one extension chain. Distinct
// dispatchers share nothing.
type Dispatcher struct {
	policy  Policy
	current atomic.Pointer[view]
	queue   *batchQueue
	clock   *Clock
	async   sync.WaitGroup

	// reporting is the SendReport of the Send holding the guard, so that
	// sends it triggers with the same context do not mark it queued.
	reporting atomic.Pointer[SendReport]

	logger     *slog.Logger
	hooks      Hooks
	maxCascade int
	metas      []Meta
}

// Option configures a Dispatcher built with New.
type Option func(*Dispatcher)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithHooks adds observers. May be given more than once; hooks run in the
// order they were added.
func WithHooks(h Hooks) Option {
	return func(d *Dispatcher) {
		d.hooks = ComposeHooks(d.hooks, h)
	}
}

// WithMaxCascade sets how many queued batches a single Send may drain.
//
// Default: 10000 (DefaultMaxCascade). Values below 1 are ignored.
func WithMaxCascade(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxCascade = n
		}
	}
}

// WithMeta installs m after the Transactional meta, so a Policy it returns
// substitutes (or wraps) the transactional one.
func WithMeta(m Meta) Option {
	return func(d *Dispatcher) {
		d.metas = append(d.metas, m)
	}
}

// WithState starts the dispatcher from a previously committed snapshot.
// seq is the sequence number of that snapshot; the next commit is seq+1.
func WithState(state *snapshot.Map, seq int64) Option {
	return func(d *Dispatcher) {
		if state == nil {
			state = snapshot.Empty()
		}
		d.current.Store(&view{state: state, chain: d.Chain(), seq: seq})
		d.clock = NewClockAt(seq)
	}
}

func bare() *Dispatcher {
	d := &Dispatcher{
		queue:      newBatchQueue(),
		clock:      NewClock(),
		logger:     logging.NewNop(),
		maxCascade: DefaultMaxCascade,
	}
	d.policy = func(_ context.Context, inputs []any) ([]any, error) {
		return inputs, nil
	}
	d.current.Store(&view{state: snapshot.Empty()})
	return d
}

// Make builds a bare dispatcher, whose Send returns its inputs untouched,
// and applies metas to it in order.
func Make(metas ...Meta) *Dispatcher {
	d := bare()
	d.install(metas...)
	return d
}

// New builds a dispatcher with the Transactional meta installed.
func New(opts ...Option) *Dispatcher {
	d := bare()
	for _, opt := range opts {
		opt(d)
	}
	d.install(Transactional)
	d.install(d.metas...)
	return d
}

func (d *Dispatcher) install(metas ...Meta) {
	for _, m := range metas {
		if m == nil {
			continue
		}
		if p := m(d); p != nil {
			d.policy = p
		}
	}
}

// Send dispatches msgs through the current policy.
func (d *Dispatcher) Send(ctx context.Context, msgs ...any) ([]any, error) {
	return d.policy(ctx, msgs)
}

// Policy returns the policy currently installed.
func (d *Dispatcher) Policy() Policy {
	return d.policy
}

// State returns the current committed snapshot. It never blocks and never
// observes a partially applied transaction.
func (d *Dispatcher) State() *snapshot.Map {
	return d.current.Load().state
}

// Snapshot returns the current state together with its seq, read in one
// atomic load.
func (d *Dispatcher) Snapshot() (*snapshot.Map, int64) {
	v := d.current.Load()
	return v.state, v.seq
}

// Chain returns the committed extension chain.
func (d *Dispatcher) Chain() Chain {
	return d.current.Load().chain
}

// Seq returns the sequence number of the current snapshot, 0 before the
// first commit.
func (d *Dispatcher) Seq() int64 {
	return d.current.Load().seq
}

// Pending returns the number of queued batches.
func (d *Dispatcher) Pending() int {
	return d.queue.Len()
}

// Logger returns the dispatcher's logger, for use by effects.
func (d *Dispatcher) Logger() *slog.Logger {
	return d.logger
}

// Wait blocks until every async effect spawned so far has returned.
// Send itself never waits for async effects.
func (d *Dispatcher) Wait() {
	d.async.Wait()
}
