/*
Package envelope defines the transport-level wrapper around message
payloads.

An Envelope carries a payload plus its message ID, type tag, and the
ordered list of hops it has taken through the fleet. Exactly one hop is
Current at any time; AddHop demotes the previous Current hop to Causation.
Correlation and causation IDs are read from the Current hop.

Envelopes are value objects compared by full structural contents. They are
never persisted whole: the outbox/inbox tables store payload and metadata
columns, and the envelope is reconstructed at the transport boundary.
*/
package envelope
