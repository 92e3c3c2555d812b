package engine

import (
	"context"

	"github.com/roach88/sift/internal/snapshot"
)

// Extension inspects a message and returns nil, a Transition, or any
// nesting of transitions (slices, iter.Seq[any]). Other returned values
// are dropped with a diagnostic.
//
// Extensions are registered by sending them as messages: a message of
// extension shape is appended to the chain before the chain is applied to
// it, so an extension always sees the message that registered it.
type Extension func(msg any) any

// Transition receives the state draft of the running transaction. Its
// result is flattened: Effects are collected, a non-nil error aborts the
// transaction, anything else is dropped with a diagnostic.
//
// Besides the named type, transitions may be written as
// func(*snapshot.Draft), func(*snapshot.Draft) error or
// func(*snapshot.Draft) Effect.
type Transition func(st *snapshot.Draft) any

// Effect runs after the transaction that produced it committed. It may
// send further messages through d; those are processed as their own
// transactions. A plain func(*Dispatcher) is accepted as well.
type Effect func(ctx context.Context, d *Dispatcher) error

// AsyncEffect is an Effect that runs on its own goroutine. Send does not
// wait for it; Dispatcher.Wait does.
type AsyncEffect Effect

// Async marks e to run on its own goroutine.
func Async(e Effect) AsyncEffect {
	return AsyncEffect(e)
}

func asExtension(v any) (Extension, bool) {
	switch f := v.(type) {
	case Extension:
		return f, f != nil
	case func(any) any:
		return f, f != nil
	}
	return nil, false
}

func asTransition(v any) (Transition, bool) {
	switch f := v.(type) {
	case Transition:
		return f, f != nil
	case func(*snapshot.Draft) any:
		return f, f != nil
	case func(*snapshot.Draft):
		if f == nil {
			return nil, false
		}
		return func(st *snapshot.Draft) any {
			f(st)
			return nil
		}, true
	case func(*snapshot.Draft) error:
		if f == nil {
			return nil, false
		}
		return func(st *snapshot.Draft) any {
			if err := f(st); err != nil {
				return err
			}
			return nil
		}, true
	case func(*snapshot.Draft) Effect:
		if f == nil {
			return nil, false
		}
		return func(st *snapshot.Draft) any {
			if e := f(st); e != nil {
				return e
			}
			return nil
		}, true
	}
	return nil, false
}

// pendingEffect is an effect waiting for its transaction to commit.
type pendingEffect struct {
	run   Effect
	async bool
}

func asEffect(v any) (pendingEffect, bool) {
	switch f := v.(type) {
	case Effect:
		return pendingEffect{run: f}, f != nil
	case AsyncEffect:
		return pendingEffect{run: Effect(f), async: true}, f != nil
	case func(context.Context, *Dispatcher) error:
		return pendingEffect{run: f}, f != nil
	case func(*Dispatcher):
		if f == nil {
			return pendingEffect{}, false
		}
		return pendingEffect{run: func(_ context.Context, d *Dispatcher) error {
			f(d)
			return nil
		}}, true
	}
	return pendingEffect{}, false
}
