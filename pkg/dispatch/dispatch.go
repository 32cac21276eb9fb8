package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harborline/courier/pkg/envelope"
	"github.com/harborline/courier/pkg/ids"
	"github.com/harborline/courier/pkg/types"
)

// ResultKind discriminates what a receptor produced
type ResultKind int

const (
	KindVoid ResultKind = iota
	KindSingle
	KindMany
)

// Result is the sum of receptor return shapes: nothing, one outbound
// message, or several. The dispatcher flattens Many into individual
// outbound messages.
type Result struct {
	kind     ResultKind
	messages []types.NewOutboxMessage
}

// Void is the result of a receptor with no output
func Void() Result {
	return Result{kind: KindVoid}
}

// Single wraps one outbound message
func Single(msg types.NewOutboxMessage) Result {
	return Result{kind: KindSingle, messages: []types.NewOutboxMessage{msg}}
}

// Many wraps several outbound messages
func Many(msgs []types.NewOutboxMessage) Result {
	return Result{kind: KindMany, messages: msgs}
}

// Kind returns the result discriminator
func (r Result) Kind() ResultKind {
	return r.kind
}

// Messages returns the flattened outbound messages
func (r Result) Messages() []types.NewOutboxMessage {
	return r.messages
}

// Receptor handles one message type locally, producing zero or more
// outbound messages
type Receptor func(ctx context.Context, payload any, env *envelope.Envelope) (Result, error)

// Receipt acknowledges acceptance of a sent message into the outbox path
type Receipt struct {
	MessageID  string
	AcceptedAt time.Time
}

// Dispatcher routes messages to locally registered receptors and queues
// outbound sends for the next coordinator cycle. Receptors are registered
// at startup from generated code; dispatch is a single map lookup.
type Dispatcher struct {
	mu        sync.RWMutex
	receptors map[string]Receptor

	outMu    sync.Mutex
	outbound []types.NewOutboxMessage
}

// New creates an empty dispatcher
func New() *Dispatcher {
	return &Dispatcher{receptors: make(map[string]Receptor)}
}

// Register installs the receptor for a message type, replacing any
// previous registration
func (d *Dispatcher) Register(typeTag string, receptor Receptor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.receptors[typeTag] = receptor
}

// Registered reports whether a receptor exists for the type
func (d *Dispatcher) Registered(typeTag string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.receptors[typeTag]
	return ok
}

// LocalInvoke calls the registered receptor in-process. No persistence,
// no transport. Fails with types.ErrHandlerNotFound when the type has no
// receptor.
func (d *Dispatcher) LocalInvoke(ctx context.Context, payload any, env *envelope.Envelope) (Result, error) {
	d.mu.RLock()
	receptor, ok := d.receptors[env.Type]
	d.mu.RUnlock()
	if !ok {
		return Void(), fmt.Errorf("%w: %q", types.ErrHandlerNotFound, env.Type)
	}
	return receptor(ctx, payload, env)
}

// Send queues the message for durable storage on the next coordinator
// cycle and returns a delivery receipt. Send never requires a local
// receptor.
func (d *Dispatcher) Send(ctx context.Context, msg types.NewOutboxMessage) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	if msg.MessageID == "" {
		msg.MessageID = ids.New().String()
	}
	d.outMu.Lock()
	d.outbound = append(d.outbound, msg)
	d.outMu.Unlock()
	return Receipt{MessageID: msg.MessageID, AcceptedAt: time.Now().UTC()}, nil
}

// Drain removes and returns all queued outbound messages. The node's
// cycle loop calls this once per ProcessWorkBatch invocation.
func (d *Dispatcher) Drain() []types.NewOutboxMessage {
	d.outMu.Lock()
	defer d.outMu.Unlock()
	out := d.outbound
	d.outbound = nil
	return out
}
