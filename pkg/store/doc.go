// Package store implements the durable heart of the runtime: the work
// coordinator batch protocol, the append-only event store, partition
// assignments, perspective checkpoints and the instance registry, all over
// a single relational database.
//
// The central operation is ProcessWorkBatch. Every worker cycle reports the
// outcome of its previous batch and receives its next batch in ONE database
// transaction:
//
//	┌────────────────────── one transaction ──────────────────────┐
//	│ 1. heartbeat the calling instance                           │
//	│ 2. record completions (merge status flags, append events)   │
//	│ 3. record failures (retry schedule or terminal Failed)      │
//	│ 4. store new outbox/inbox messages (dedup by message_id)    │
//	│ 5. claim pending + orphaned work under a lease              │
//	└─────────────────────────────────────────────────────────────┘
//
// Either everything in a cycle happens or nothing does; a conflict rolls
// the whole batch back and surfaces types.ErrCoordinatorConflict, which
// callers treat as "retry the cycle".
//
// Two engines are supported through the Dialect seam: Postgres (pgx) for
// fleets and SQLite (mattn/go-sqlite3) for single-node deployments and
// tests. The SQL in this package is written in the common subset; the
// dialects contribute placeholders, claim locking and error classification.
//
// Ordering guarantees: events in one stream get contiguous versions from 1,
// enforced by UNIQUE(stream_id, version). Claims are ordered by creation
// time then per-stream sequence, so a stream's messages are always handed
// out in the order they were stored. Partition affinity (hash of the stream
// ID modulo the fleet-wide partition count) keeps each stream on a single
// instance at a time.
package store
