package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchQueue_AcquireWhenIdle(t *testing.T) {
	q := newBatchQueue()

	ok, depth := q.acquire([]any{"a"})
	require.True(t, ok, "idle queue hands out the guard")
	assert.Zero(t, depth)
	assert.True(t, q.inFlight())
	assert.Zero(t, q.Len(), "the acquiring batch is not queued")
}

func TestBatchQueue_QueuesWhileInFlight(t *testing.T) {
	q := newBatchQueue()
	q.acquire([]any{"a"})

	ok, depth := q.acquire([]any{"b"})
	assert.False(t, ok)
	assert.Equal(t, 1, depth)

	ok, depth = q.acquire([]any{"c"})
	assert.False(t, ok)
	assert.Equal(t, 2, depth)
}

func TestBatchQueue_NextIsFIFO(t *testing.T) {
	q := newBatchQueue()
	q.acquire([]any{"a"})
	q.acquire([]any{"b"})
	q.acquire([]any{"c"})

	_, ok := q.next()
	assert.False(t, ok, "next refuses while the guard is held")

	q.release()
	b, ok := q.next()
	require.True(t, ok)
	assert.Equal(t, []any{"b"}, b)
	assert.True(t, q.inFlight(), "next takes the guard")

	q.release()
	c, ok := q.next()
	require.True(t, ok)
	assert.Equal(t, []any{"c"}, c)

	q.release()
	_, ok = q.next()
	assert.False(t, ok)
	assert.False(t, q.inFlight())
}

func TestBatchQueue_NilsOutSlot(t *testing.T) {
	q := newBatchQueue()
	q.acquire(nil)
	q.acquire([]any{"b"})
	q.acquire([]any{"c"})
	backing := q.batches[:2]

	q.release()
	_, ok := q.next()
	require.True(t, ok)
	assert.Nil(t, backing[0].msgs, "dequeued slot must not pin the batch")
}

func TestBatchQueue_AbortDropsBatchesOfItsGeneration(t *testing.T) {
	q := newBatchQueue()
	q.acquire([]any{"a"})
	q.acquire([]any{"b"})
	q.release()

	// "b" runs as the next transaction and queues "c" and "d" meanwhile.
	b, ok := q.next()
	require.True(t, ok)
	assert.Equal(t, []any{"b"}, b)
	q.acquire([]any{"c"})
	q.acquire([]any{"d"})

	dropped := q.abort()
	assert.Equal(t, [][]any{{"c"}, {"d"}}, dropped)
	assert.False(t, q.inFlight())
	assert.Zero(t, q.Len())
}

func TestBatchQueue_AbortKeepsEarlierBatches(t *testing.T) {
	q := newBatchQueue()
	q.acquire([]any{"a"})
	q.acquire([]any{"b"})
	q.acquire([]any{"c"})
	q.release()

	_, ok := q.next()
	require.True(t, ok)
	q.acquire([]any{"d"})

	dropped := q.abort()
	assert.Equal(t, [][]any{{"d"}}, dropped)
	require.Equal(t, 1, q.Len())

	c, ok := q.next()
	require.True(t, ok)
	assert.Equal(t, []any{"c"}, c)
}
