// Package consumer runs claimed inbox work through registered receptors.
//
// The worker has two faces. Listen subscribes to a transport destination
// and stages every delivery as a new inbox message keyed by the envelope's
// message ID; the coordinator's dedup insert makes redelivery harmless.
// Process takes the work the coordinator claimed back out of the inbox,
// decodes the envelope, runs the pre-inbox hooks, invokes the receptor
// (with panic isolation), queues any messages the receptor returned for
// the outbox, runs the post-inbox hooks and records a completion.
//
// Failures are classified by reason; transient ones are retried by the
// coordinator with backoff, permanent ones stay Failed for the operator.
package consumer
