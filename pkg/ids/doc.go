/*
Package ids generates time-ordered 128-bit identifiers for messages,
correlations, causations and streams.

IDs are UUIDv7: the high 48 bits encode a millisecond timestamp, the rest
is random. Within one process successive IDs are strictly monotone, which
gives lexicographic order ≈ insertion order and makes IDs usable as
coarse-grained sequence hints across the fleet (bounded by clock skew).

	id := ids.New()
	id.String()  // "0190a6b2-56f3-7cc3-9f20-6a1e0e5ca9d4"
	id.Time()    // embedded UTC millisecond timestamp

Parse returns ErrParse for anything that is not the canonical 36-character
form.
*/
package ids
