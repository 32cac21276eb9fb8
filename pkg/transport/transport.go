package transport

import (
	"context"

	"github.com/harborline/courier/pkg/envelope"
)

// Capability describes what a transport driver guarantees
type Capability uint32

const (
	CapPubSub   Capability = 1
	CapReliable Capability = 2
	CapOrdered  Capability = 4
)

// Has reports whether all bits of c are present
func (caps Capability) Has(c Capability) bool {
	return caps&c == c
}

// Handler processes one delivered envelope. Returning an error signals the
// driver that delivery was not accepted; at-least-once drivers redeliver.
type Handler func(ctx context.Context, env *envelope.Envelope) error

// Filter restricts a subscription to matching envelopes. A nil filter
// matches everything.
type Filter func(env *envelope.Envelope) bool

// Subscription is a live attachment to a destination
type Subscription interface {
	// Pause stops delivery; envelopes queue at the driver
	Pause()
	// Resume restarts delivery after Pause
	Resume()
	// Close detaches the subscription permanently
	Close() error
}

// Transport is the port consumed by the publisher and consumer workers.
// Concrete drivers (brokers, cloud pub/sub) live outside this module; the
// inmem driver is the in-process reference implementation.
//
// Delivery is at-least-once: the inbox dedup path constructs exactly-once
// semantics on top.
type Transport interface {
	Publish(ctx context.Context, env *envelope.Envelope, destination string) error
	Subscribe(destination string, filter Filter, handler Handler) (Subscription, error)
	Capabilities() Capability
	Close() error
}
