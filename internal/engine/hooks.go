package engine

import (
	"context"
	"time"

	"github.com/roach88/sift/internal/snapshot"
)

// CommitEvent describes one committed transaction.
type CommitEvent struct {
	Seq      int64
	Messages []any
	Previous *snapshot.Map
	State    *snapshot.Map
	Effects  int
	Chain    int
	Duration time.Duration
}

// Hooks observe a dispatcher. Every field is optional. Hooks run on the
// goroutine that triggered them, outside the queue mutex; OnCommit runs
// before the committed transaction's effects.
type Hooks struct {
	OnCommit func(ctx context.Context, ev CommitEvent)
	OnAbort  func(ctx context.Context, seq int64, err error)
	OnQueue  func(ctx context.Context, batch []any, depth int)
	OnExtend func(ctx context.Context, ext Extension, chainLen int)
	OnDrop   func(ctx context.Context, v any)
	OnEffect func(ctx context.Context, async bool, err error)
	OnError  func(ctx context.Context, err error)
}

// ComposeHooks returns hooks that call each of hs in order.
func ComposeHooks(hs ...Hooks) Hooks {
	var out Hooks
	for _, h := range hs {
		out.OnCommit = then2(out.OnCommit, h.OnCommit)
		out.OnAbort = then3(out.OnAbort, h.OnAbort)
		out.OnQueue = then3(out.OnQueue, h.OnQueue)
		out.OnExtend = then3(out.OnExtend, h.OnExtend)
		out.OnDrop = then2(out.OnDrop, h.OnDrop)
		out.OnEffect = then3(out.OnEffect, h.OnEffect)
		out.OnError = then2(out.OnError, h.OnError)
	}
	return out
}

func then2[A, B any](a, b func(A, B)) func(A, B) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(x A, y B) {
		a(x, y)
		b(x, y)
	}
}

func then3[A, B, C any](a, b func(A, B, C)) func(A, B, C) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(x A, y B, z C) {
		a(x, y, z)
		b(x, y, z)
	}
}

func (h *Hooks) commit(ctx context.Context, ev CommitEvent) {
	if h.OnCommit != nil {
		h.OnCommit(ctx, ev)
	}
}

func (h *Hooks) abort(ctx context.Context, seq int64, err error) {
	if h.OnAbort != nil {
		h.OnAbort(ctx, seq, err)
	}
}

func (h *Hooks) queue(ctx context.Context, batch []any, depth int) {
	if h.OnQueue != nil {
		h.OnQueue(ctx, batch, depth)
	}
}

func (h *Hooks) extend(ctx context.Context, ext Extension, n int) {
	if h.OnExtend != nil {
		h.OnExtend(ctx, ext, n)
	}
}

func (h *Hooks) drop(ctx context.Context, v any) {
	if h.OnDrop != nil {
		h.OnDrop(ctx, v)
	}
}

func (h *Hooks) effect(ctx context.Context, async bool, err error) {
	if h.OnEffect != nil {
		h.OnEffect(ctx, async, err)
	}
}

func (h *Hooks) fail(ctx context.Context, err error) {
	if h.OnError != nil {
		h.OnError(ctx, err)
	}
}
