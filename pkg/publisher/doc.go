// Package publisher drains claimed outbox work to the transport.
//
// The node hands the worker batches of leased outbox items. For each item
// the worker decodes the stored envelope, runs the pre-distribute hooks,
// publishes to the item's destination, runs the post-distribute hooks, and
// records a completion. Any error before the publish lands becomes a
// failure report classified by reason; the coordinator decides in the next
// cycle whether the row retries with backoff or stays Failed.
//
// Reports accumulate between cycles and are drained with Reports() when
// the node builds its next work batch request. Items whose lease already
// expired are skipped, not failed: the row belongs to another instance.
package publisher
