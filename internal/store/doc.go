// Package store journals committed dispatcher transactions.
//
// A Journal is an append-only log of Commits, one per committed
// transaction, keyed by the transaction's seq. Two backends implement it:
//   - SQLite: a local file, opened with Open
//   - Redis: a hash of commits plus a sorted set of seqs, for sharing a
//     journal between processes
//
// # Critical Patterns
//
// Logical ordering:
//   - Commits are ordered by seq, never by wall-clock time
//   - Appending a seq that already exists is a no-op (idempotent)
//
// Canonical payloads:
//   - Messages and state are stored as canonical JSON (package canon)
//   - Digest is the domain-separated SHA-256 of the canonical state, so
//     two journals that saw the same transactions hold the same digests
//
// # Database Configuration (SQLite)
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON
package store
