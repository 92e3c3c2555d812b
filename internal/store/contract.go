package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sift/internal/engine"
	"github.com/roach88/sift/internal/snapshot"
)

// RunJournalContract runs the behavior every Journal backend must share.
// j must be empty.
func RunJournalContract(t *testing.T, j Journal) {
	t.Helper()
	ctx := context.Background()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	mk := func(seq int64, state snapshot.Record) Commit {
		c, err := NewCommit(engine.CommitEvent{
			Seq:      seq,
			Messages: []any{snapshot.Record{"n": int(seq)}},
			State:    snapshot.FromRecord(state),
			Duration: time.Duration(seq) * time.Millisecond,
		}, at.Add(time.Duration(seq)*time.Second))
		require.NoError(t, err)
		return c
	}

	t.Run("Empty", func(t *testing.T) {
		_, err := j.Latest(ctx)
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = j.Get(ctx, 1)
		assert.ErrorIs(t, err, ErrNotFound)

		list, err := j.List(ctx, 0, 0)
		require.NoError(t, err)
		assert.Empty(t, list)

		state, seq, err := Restore(ctx, j)
		require.NoError(t, err)
		assert.Same(t, snapshot.Empty(), state)
		assert.Zero(t, seq)
	})

	one := mk(1, snapshot.Record{"count": 1})
	two := mk(2, snapshot.Record{"count": 2, "name": "<b>&"})
	three := mk(3, snapshot.Record{"count": 1})

	t.Run("AppendOutOfOrder", func(t *testing.T) {
		for _, c := range []Commit{two, one, three} {
			require.NoError(t, j.Append(ctx, c))
		}

		list, err := j.List(ctx, 0, 0)
		require.NoError(t, err)
		require.Len(t, list, 3)
		for i, want := range []Commit{one, two, three} {
			assertCommit(t, want, list[i])
		}
	})

	t.Run("Get", func(t *testing.T) {
		got, err := j.Get(ctx, 2)
		require.NoError(t, err)
		assertCommit(t, two, got)
	})

	t.Run("Latest", func(t *testing.T) {
		got, err := j.Latest(ctx)
		require.NoError(t, err)
		assertCommit(t, three, got)
	})

	t.Run("ListWindow", func(t *testing.T) {
		list, err := j.List(ctx, 2, 1)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, int64(2), list[0].Seq)

		list, err = j.List(ctx, 4, 0)
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("AppendIsIdempotent", func(t *testing.T) {
		dup := mk(2, snapshot.Record{"count": 99})
		require.NoError(t, j.Append(ctx, dup))

		got, err := j.Get(ctx, 2)
		require.NoError(t, err)
		assertCommit(t, two, got)

		list, err := j.List(ctx, 0, 0)
		require.NoError(t, err)
		assert.Len(t, list, 3)

		_, err = j.FindDigest(ctx, dup.Digest)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("FindDigest", func(t *testing.T) {
		require.Equal(t, one.Digest, three.Digest)

		seq, err := j.FindDigest(ctx, three.Digest)
		require.NoError(t, err)
		assert.Equal(t, int64(1), seq)

		seq, err = j.FindDigest(ctx, two.Digest)
		require.NoError(t, err)
		assert.Equal(t, int64(2), seq)
	})

	t.Run("RestoreAndVerify", func(t *testing.T) {
		state, seq, err := Restore(ctx, j)
		require.NoError(t, err)
		assert.Equal(t, int64(3), seq)
		assert.Equal(t, snapshot.Record{"count": 1}, state.Record())

		n, err := Verify(ctx, j)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})
}

func assertCommit(t *testing.T, want, got Commit) {
	t.Helper()
	assert.Equal(t, want.Seq, got.Seq)
	assert.Equal(t, want.Digest, got.Digest)
	assert.JSONEq(t, string(want.Messages), string(got.Messages))
	assert.Equal(t, string(want.State), string(got.State))
	assert.Equal(t, want.Duration, got.Duration)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt), "created_at: want %v, got %v", want.CreatedAt, got.CreatedAt)
}
