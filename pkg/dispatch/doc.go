/*
Package dispatch routes messages to locally registered receptors.

A receptor handles one message type and returns a Result (Void, Single
or Many outbound messages) which the runtime flattens into outbox rows.
LocalInvoke is the in-process fast path: one map lookup, no persistence,
no transport. Send is the durable path: the message is queued here and
stored by the next coordinator cycle, acknowledged with a receipt.

Receptors are installed at startup (typically from generated registration
code) and replaced wholesale on re-registration.
*/
package dispatch
