/*
Package lifecycle registers and invokes per-message-type hooks around the
outbox and inbox boundaries.

The stage set is closed. For one message the ordering is:

	PreInline → PreAsync (scheduled) → boundary op → PostAsync (scheduled) → PostInline

Inline hooks block the worker; the first inline failure becomes the
message's failure. Async hooks are fire-and-forget on a bounded pool:
their completion is not observable to the message's fate, their errors
are logged at warn, and DistributeAsync runs concurrently with the
publish I/O for its message. Between two messages there is no ordering
guarantee on async stages.

Hooks are keyed by (message type, stage); registration order is
invocation order, and Unregister is idempotent.
*/
package lifecycle
