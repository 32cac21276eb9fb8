package inmem

import (
	"context"
	"sync"

	"github.com/harborline/courier/pkg/envelope"
	"github.com/harborline/courier/pkg/transport"
	"github.com/harborline/courier/pkg/types"
)

// Broker is the in-process transport driver. Destinations are opaque
// strings; every subscription to a destination receives every envelope
// published to it, in publish order.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string][]*subscription
	closed bool
}

// New creates an in-memory broker
func New() *Broker {
	return &Broker{subs: make(map[string][]*subscription)}
}

// Capabilities reports pub/sub with reliable ordered in-process delivery
func (b *Broker) Capabilities() transport.Capability {
	return transport.CapPubSub | transport.CapReliable | transport.CapOrdered
}

// Publish delivers the envelope to all subscriptions of the destination.
// Delivery blocks while a subscriber's buffer is full, so back-pressure
// reaches the caller instead of dropping envelopes.
func (b *Broker) Publish(ctx context.Context, env *envelope.Envelope, destination string) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return types.ErrTransportUnavailable
	}
	targets := make([]*subscription, 0, len(b.subs[destination]))
	for _, sub := range b.subs[destination] {
		if sub.filter == nil || sub.filter(env) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.ch <- env:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe attaches a handler to a destination. The handler runs on a
// dedicated goroutine per subscription; handler errors are swallowed here
// because redelivery is the inbox's concern, not the driver's.
func (b *Broker) Subscribe(destination string, filter transport.Filter, handler transport.Handler) (transport.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, types.ErrTransportUnavailable
	}

	sub := &subscription{
		broker:      b,
		destination: destination,
		filter:      filter,
		ch:          make(chan *envelope.Envelope, 64),
		done:        make(chan struct{}),
	}
	sub.resumed = sync.NewCond(&sub.pauseMu)
	b.subs[destination] = append(b.subs[destination], sub)

	go sub.pump(handler)
	return sub, nil
}

// Close shuts down the broker and all subscriptions
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.closeLocked()
		}
	}
	b.subs = make(map[string][]*subscription)
	return nil
}

type subscription struct {
	broker      *Broker
	destination string
	filter      transport.Filter
	ch          chan *envelope.Envelope

	pauseMu sync.Mutex
	paused  bool
	resumed *sync.Cond

	closeOnce sync.Once
	done      chan struct{}
}

func (s *subscription) pump(handler transport.Handler) {
	for {
		select {
		case env := <-s.ch:
			s.waitWhilePaused()
			select {
			case <-s.done:
				return
			default:
			}
			// Best-effort delivery; the inbox path owns retries.
			_ = handler(context.Background(), env)
		case <-s.done:
			return
		}
	}
}

func (s *subscription) waitWhilePaused() {
	s.pauseMu.Lock()
	for s.paused {
		s.resumed.Wait()
	}
	s.pauseMu.Unlock()
}

// Pause holds delivery; published envelopes queue in the buffer
func (s *subscription) Pause() {
	s.pauseMu.Lock()
	s.paused = true
	s.pauseMu.Unlock()
}

// Resume releases a paused subscription
func (s *subscription) Resume() {
	s.pauseMu.Lock()
	s.paused = false
	s.pauseMu.Unlock()
	s.resumed.Broadcast()
}

// Close detaches from the broker
func (s *subscription) Close() error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	s.closeLocked()

	subs := s.broker.subs[s.destination]
	for i, candidate := range subs {
		if candidate == s {
			s.broker.subs[s.destination] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

func (s *subscription) closeLocked() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.Resume() // wake a paused pump so it can observe done
	})
}

var _ transport.Transport = (*Broker)(nil)
