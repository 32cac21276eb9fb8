// Package eventstore exposes the append-only event log as a typed API.
//
// Streams are identified by string IDs; each stream's events carry
// contiguous versions starting at 1, and every event also has a global
// sequence number (SeqID) ordering it across all streams. Append supports
// optimistic concurrency against an expected prior version; readers load
// per-stream history or page global history for projections.
//
// The durable representation and its invariants live in pkg/store; this
// package adds multi-event appends, metrics and logging on top.
package eventstore
