package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/sift/internal/flatten"
	"github.com/roach88/sift/internal/snapshot"
)

// Transactional is the meta installed by New. Its policy processes every
// Send as one atomic transaction, queueing sends that arrive while a
// transaction is in flight.
func Transactional(d *Dispatcher) Policy {
	return d.transact
}

// SendReport tells the caller of Send what happened to its batch. A
// queued Send returns its inputs and a nil error just like a committed
// one, so callers that answer someone else, such as an HTTP handler, ask
// for a report through WithSendReport.
type SendReport struct {
	// Queued is set when the batch was queued behind a transaction in
	// flight. It commits later, on the goroutine draining the queue.
	Queued bool

	// Seq is the seq the batch committed at; 0 if it was queued or the
	// transaction aborted.
	Seq int64
}

type reportKey struct{}

// WithSendReport returns a context under which the Send it is passed to
// fills in r. Sends nested inside that Send, by transitions or effects,
// do not touch r.
func WithSendReport(ctx context.Context, r *SendReport) context.Context {
	return context.WithValue(ctx, reportKey{}, r)
}

func (d *Dispatcher) transact(ctx context.Context, inputs []any) ([]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	report, _ := ctx.Value(reportKey{}).(*SendReport)

	batch := flatten.Slice(inputs...)
	ok, depth := d.queue.acquire(batch)
	if !ok {
		d.logger.Debug("batch queued", "messages", len(batch), "depth", depth)
		d.hooks.queue(ctx, batch, depth)
		if report != nil && report != d.reporting.Load() {
			report.Queued = true
		}
		return inputs, nil
	}
	if report != nil {
		d.reporting.Store(report)
		defer d.reporting.CompareAndSwap(report, nil)
		ctx = context.WithValue(ctx, reportKey{}, (*SendReport)(nil))
	}

	out, seq, err := d.process(ctx, batch)
	if report != nil {
		report.Seq = seq
	}
	if derr := d.drain(ctx); derr != nil {
		err = errors.Join(err, derr)
	}
	return out, err
}

// process runs one batch while holding the guard and returns the seq it
// committed at, 0 if it aborted. The guard is released before effects
// run.
func (d *Dispatcher) process(ctx context.Context, batch []any) ([]any, int64, error) {
	out, effects, seq, err := d.apply(ctx, batch)
	if err != nil {
		return nil, 0, err
	}
	return out, seq, d.runEffects(ctx, seq, effects)
}

// apply runs the transaction for batch and publishes the result. On every
// path, including a panic in an extension or transition, the transaction
// is closed and the guard released before apply returns.
func (d *Dispatcher) apply(ctx context.Context, batch []any) ([]any, []pendingEffect, int64, error) {
	start := time.Now()
	prev := d.current.Load()
	seq := d.clock.Peek()

	txn := snapshot.Begin()
	settled := false
	defer func() {
		if !settled {
			txn.Abort()
			d.discard(ctx, seq)
		}
	}()

	st := txn.Open(prev.state)
	chain := prev.chain

	msgs := make([]any, len(batch))
	roots := make([]*snapshot.Draft, len(batch))
	for i, m := range batch {
		if base, ok := recordBase(m); ok {
			roots[i] = txn.Open(base)
			msgs[i] = roots[i]
			continue
		}
		msgs[i] = m
	}

	var (
		effects []pendingEffect
		added   []Extension
	)
	fail := func(cause error) ([]any, []pendingEffect, int64, error) {
		settled = true
		txn.Abort()

		err := NewTransitionError(seq, cause)
		d.logger.Warn("transaction aborted", "seq", seq, "error", cause)
		d.discard(ctx, seq)
		d.hooks.abort(ctx, seq, err)
		return nil, nil, seq, err
	}

	for _, m := range msgs {
		if ext, ok := asExtension(m); ok {
			chain = chain.Append(ext)
			added = append(added, ext)
		}

		trs, dropped := chain.ApplyAll(m)
		for _, v := range dropped {
			d.dropped(ctx, "extension", v)
		}

		for _, tr := range trs {
			for v := range flatten.Iter(tr(st)) {
				if e, ok := asEffect(v); ok {
					effects = append(effects, e)
					continue
				}
				if terr, ok := v.(error); ok {
					return fail(terr)
				}
				d.dropped(ctx, "transition", v)
			}
		}
	}

	if err := txn.Commit(); err != nil {
		return fail(fmt.Errorf("commit: %w", err))
	}

	next := &view{state: txn.Committed(st), chain: chain, seq: d.clock.Next()}
	d.current.Store(next)
	settled = true
	d.queue.release()

	out := make([]any, len(msgs))
	for i, m := range msgs {
		if roots[i] != nil {
			out[i] = txn.Committed(roots[i])
			continue
		}
		out[i] = m
	}

	for i, ext := range added {
		d.logger.Debug("extension registered", "extension", snapshot.FuncName(ext), "chain", prev.chain.Len()+i+1)
		d.hooks.extend(ctx, ext, prev.chain.Len()+i+1)
	}

	elapsed := time.Since(start)
	d.logger.Debug("transaction committed",
		"seq", next.seq,
		"messages", len(out),
		"effects", len(effects),
		"duration", elapsed,
	)
	d.hooks.commit(ctx, CommitEvent{
		Seq:      next.seq,
		Messages: out,
		Previous: prev.state,
		State:    next.state,
		Effects:  len(effects),
		Chain:    chain.Len(),
		Duration: elapsed,
	})

	return out, effects, next.seq, nil
}

// recordBase returns the immutable form of a record message.
func recordBase(m any) (*snapshot.Map, bool) {
	switch r := m.(type) {
	case snapshot.Record:
		return snapshot.FromRecord(r), true
	case map[string]any:
		return snapshot.FromRecord(r), true
	case *snapshot.Map:
		return r, true
	case *snapshot.Draft:
		return r.Current(), true
	}
	return nil, false
}

// discard releases the guard after the transaction seq aborted. Batches
// sent while it was in flight go with it; each is reported to OnError.
func (d *Dispatcher) discard(ctx context.Context, seq int64) {
	for _, batch := range d.queue.abort() {
		d.logger.Warn("queued batch discarded", "seq", seq, "messages", len(batch))
		d.hooks.fail(ctx, NewDiscardError(seq, len(batch)))
	}
}

func (d *Dispatcher) dropped(ctx context.Context, from string, v any) {
	attrs := []any{"from", from, "type", fmt.Sprintf("%T", v)}
	if s, ok := v.(fmt.Stringer); ok {
		attrs = append(attrs, "value", s.String())
	}
	d.logger.Debug("dropped non-transition value", attrs...)
	d.hooks.drop(ctx, v)
}

// runEffects runs the effects of a committed transaction in order. Async
// effects are spawned; errors of the others are joined and returned.
func (d *Dispatcher) runEffects(ctx context.Context, seq int64, effects []pendingEffect) error {
	var errs []error
	for i, e := range effects {
		if e.async {
			d.spawn(ctx, seq, i, e.run)
			continue
		}

		err := e.run(ctx, d)
		d.hooks.effect(ctx, false, err)
		if err != nil {
			d.logger.Warn("effect failed", "seq", seq, "index", i, "error", err)
			errs = append(errs, NewEffectError(seq, i, err))
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) spawn(ctx context.Context, seq int64, index int, run Effect) {
	ctx = context.WithoutCancel(ctx)
	d.async.Go(func() {
		err := runRecovered(ctx, d, run)
		d.hooks.effect(ctx, true, err)
		if err != nil {
			d.logger.Warn("async effect failed", "seq", seq, "index", index, "error", err)
			d.hooks.fail(ctx, NewEffectError(seq, index, err))
		}
	})
}

// runRecovered turns a panic in an async effect into an error; there is no
// caller to propagate it to.
func runRecovered(ctx context.Context, d *Dispatcher, run Effect) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return run(ctx, d)
}

// drain processes queued batches until the queue is empty, another holder
// owns the guard, ctx is done or the cascade limit is reached. Failures of
// queued batches are logged and reported to OnError; they do not stop the
// drain.
func (d *Dispatcher) drain(ctx context.Context) error {
	for n := 0; ; n++ {
		if ctx.Err() != nil {
			d.logger.Debug("drain stopped", "reason", ctx.Err(), "pending", d.queue.Len())
			return nil
		}
		if n >= d.maxCascade && d.queue.Len() > 0 && !d.queue.inFlight() {
			err := NewCascadeError(n, d.maxCascade, d.queue.Len())
			d.logger.Error("cascade limit reached", "drained", n, "pending", d.queue.Len())
			d.hooks.fail(ctx, err)
			return err
		}

		batch, ok := d.queue.next()
		if !ok {
			return nil
		}
		if _, _, err := d.process(ctx, batch); err != nil {
			d.logger.Warn("queued batch failed", "messages", len(batch), "error", err)
			d.hooks.fail(ctx, err)
		}
	}
}
