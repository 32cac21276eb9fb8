/*
Package transport defines the publish/subscribe port between Courier and
an external message transport.

The publisher and consumer workers depend only on the Transport interface.
Destinations are opaque strings the coordinator never interprets. Drivers
declare their guarantees through Capability flags; the runtime assumes
at-least-once delivery and builds exactly-once semantics with the inbox
dedup path, so CapReliable is advisory rather than load-bearing.

The inmem subpackage is the in-process reference driver used by tests and
single-process deployments. Concrete broker drivers live outside this
module.
*/
package transport
