// Package engine implements the sift dispatcher.
//
// A Dispatcher accepts arbitrary messages through Send, routes every atomic
// message through an ordered, append-only chain of extensions, and commits
// the resulting state changes as one immutable snapshot.
//
// Message Processing Flow:
//  1. Send flattens its inputs into a batch (see package flatten).
//  2. If a transaction is already in flight the batch is queued and Send
//     returns immediately. Re-entrant sends never block.
//  3. Otherwise one snapshot.Txn is opened over the current state and over
//     every record message of the batch.
//  4. For each message in order: a message that is itself an Extension is
//     appended to the chain first, then every extension of the chain is
//     applied to it and the Transitions they return run against the state
//     draft. Effects returned by transitions are collected.
//  5. The transaction commits; the new state and chain are published
//     together.
//  6. Effects run in collection order. Async effects run on their own
//     goroutines and are not awaited.
//  7. Queued batches are drained one per transaction, FIFO.
//
// A failing or panicking transition aborts the whole transaction: neither
// state writes nor chain growth from the batch become visible. Batches
// queued while it was in flight are discarded with it and reported to
// OnError as BATCH_DISCARDED. A goroutine cannot tell its own sends from
// other goroutines' sends, so this includes batches from concurrent
// senders that arrived during the failed transaction.
//
// A queued Send returns nil just like a committed one. Callers that need
// to tell them apart pass a SendReport with WithSendReport.
//
// The transaction logic above is installed by the Transactional meta. Make
// builds a dispatcher with arbitrary metas instead, each of which may
// substitute the send policy.
//
// Thread-safety: State, Chain, Seq and Send are safe for concurrent use.
// Transactions of one dispatcher never overlap; the queue and in-flight
// flag are guarded by a mutex that is never held while extensions run.
package engine
