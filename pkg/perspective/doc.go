// Package perspective maintains materialized read models over the event log.
//
// A perspective is a named projection: a function applied to every event
// (optionally filtered by type) in global sequence order, writing documents
// into a bolt-backed view store. Progress is tracked with a durable
// checkpoint per perspective, so replay resumes where it left off across
// restarts and a new perspective rebuilds from the beginning of history.
//
// Checkpoint strategies trade cost for replay width: Batched saves once
// per batch and tolerates re-applying up to a batch after a crash; Instant
// saves after every event. A projection error suspends only that
// perspective; Resume retries it from its checkpoint.
package perspective
