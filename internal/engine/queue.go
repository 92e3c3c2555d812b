package engine

import "sync"

// batchQueue is the in-flight guard and FIFO of deferred batches.
//
// At most one holder owns the guard at a time. Sends that arrive while it
// is held append their batch and return; the holder, or whoever holds the
// guard next, drains the queue one batch per transaction.
//
// Every hold of the guard is a new generation, and a queued batch belongs
// to the generation that was in flight when it arrived. When that
// transaction aborts, its batches are discarded with it.
//
// The mutex is only held for the few instructions of each method, never
// while extensions, transitions or effects run, so goroutines spawned by
// effects may call Send freely.
type batchQueue struct {
	mu      sync.Mutex
	sending bool
	gen     uint64
	batches []queuedBatch
}

type queuedBatch struct {
	msgs []any
	gen  uint64
}

func newBatchQueue() *batchQueue {
	return &batchQueue{
		batches: make([]queuedBatch, 0, 8),
	}
}

// acquire takes the guard for batch. If the guard is already held the
// batch is queued instead and acquire returns false with the new depth.
func (q *batchQueue) acquire(batch []any) (bool, int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.sending {
		q.batches = append(q.batches, queuedBatch{msgs: batch, gen: q.gen})
		return false, len(q.batches)
	}
	q.hold()
	return true, len(q.batches)
}

// hold marks the guard taken. Callers hold q.mu.
func (q *batchQueue) hold() {
	q.sending = true
	q.gen++
}

// release gives up the guard.
func (q *batchQueue) release() {
	q.mu.Lock()
	q.sending = false
	q.mu.Unlock()
}

// abort gives up the guard after a failed transaction and removes the
// batches queued while it was in flight. They are returned in order.
func (q *batchQueue) abort() [][]any {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.sending = false
	var dropped [][]any
	kept := q.batches[:0]
	for _, b := range q.batches {
		if b.gen == q.gen {
			dropped = append(dropped, b.msgs)
			continue
		}
		kept = append(kept, b)
	}
	clear(q.batches[len(kept):])
	q.batches = kept
	return dropped
}

// next takes the guard together with the oldest queued batch. It returns
// false when the queue is empty or another holder owns the guard; that
// holder drains the queue instead.
func (q *batchQueue) next() ([]any, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.sending || len(q.batches) == 0 {
		return nil, false
	}

	b := q.batches[0]
	// Zero the slot so the backing array does not pin the batch.
	q.batches[0] = queuedBatch{}
	if len(q.batches) == 1 {
		q.batches = q.batches[:0]
	} else {
		q.batches = q.batches[1:]
	}

	q.hold()
	return b.msgs, true
}

// inFlight reports whether the guard is held.
func (q *batchQueue) inFlight() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sending
}

// Len returns the number of queued batches.
func (q *batchQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.batches)
}
