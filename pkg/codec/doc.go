/*
Package codec serializes envelopes for the transport boundary.

A Registry holds the message types known to this process, populated from
registration code at startup and read-only afterwards. The JSON codec
round-trips any envelope whose type tag is registered; unknown tags fail
with types.ErrSerialization, registered tags never fail on valid input.

The Codec interface keeps the wire format pluggable: workers depend on
Codec, not on JSONCodec.
*/
package codec
