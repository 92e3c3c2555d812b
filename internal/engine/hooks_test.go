package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComposeHooks_CallsInOrder(t *testing.T) {
	var calls []string
	a := Hooks{OnDrop: func(context.Context, any) { calls = append(calls, "a") }}
	b := Hooks{
		OnDrop:  func(context.Context, any) { calls = append(calls, "b") },
		OnError: func(context.Context, error) { calls = append(calls, "b-err") },
	}

	h := ComposeHooks(a, Hooks{}, b)
	h.drop(context.Background(), 1)
	h.fail(context.Background(), nil)
	h.commit(context.Background(), CommitEvent{})

	assert.Equal(t, []string{"a", "b", "b-err"}, calls)
}

func TestHooks_ZeroValueIsSafe(t *testing.T) {
	var h Hooks
	assert.NotPanics(t, func() {
		ctx := context.Background()
		h.commit(ctx, CommitEvent{})
		h.abort(ctx, 1, nil)
		h.queue(ctx, nil, 0)
		h.extend(ctx, nil, 0)
		h.drop(ctx, nil)
		h.effect(ctx, false, nil)
		h.fail(ctx, nil)
	})
}
