// Package store provides durable content-addressed storage for graph events.
//
// The store is an append-only table keyed by event id:
//   - Events: id -> canonical event bytes (snappy-compressed at rest)
//   - Meta: current genesis id and rotation epoch anchor
//
// # Critical Patterns
//
// Idempotent inserts
//   - Inserting an id already present is a no-op (ON CONFLICT DO NOTHING)
//
// Content addressing
//   - The id column is always the hash of the stored body; Get verifies it
//     and reports ErrCorrupt on mismatch
//
// Deterministic iteration
//   - IterIDs yields ids in ascending byte order on every backend
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//
// Three backends implement EventStore: SQLite (durable, embedded), Memory
// (deterministic unit tests) and Redis (shared deployments).
package store
