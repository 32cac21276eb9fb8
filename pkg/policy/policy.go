package policy

import (
	"sync"
	"time"
)

// Context carries the facts a predicate may inspect when routing an
// outbound message. Evaluation must be side-effect-free.
type Context struct {
	MessageType string
	StreamID    string
	Scope       string
	Metadata    map[string]string
}

// Config describes how a matched message is published
type Config struct {
	// Destination is the opaque transport destination
	Destination string
	// PartitionBy overrides the stream used for partition hashing; empty
	// means the message's own StreamID
	PartitionBy string
	// IsEvent marks the message for event-store append on completion
	IsEvent bool
	// MaxAttempts bounds retries before the row stays Failed
	MaxAttempts int
	// BackoffBase and BackoffCap shape the retry schedule
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Predicate decides whether a rule applies to a message
type Predicate func(ctx Context) bool

type rule struct {
	name      string
	predicate Predicate
	config    Config
}

// Engine evaluates an ordered, append-only list of routing rules.
// Match returns the first rule whose predicate accepts the context.
type Engine struct {
	mu    sync.RWMutex
	rules []rule
}

// New creates an empty policy engine
func New() *Engine {
	return &Engine{}
}

// Add appends a rule. Rules are evaluated in registration order and can
// never be removed or reordered.
func (e *Engine) Add(name string, predicate Predicate, config Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, rule{name: name, predicate: predicate, config: config})
}

// Match returns the first matching rule's name and config, or ok=false
// when no rule matches. Calling Match twice with the same context returns
// the same result.
func (e *Engine) Match(ctx Context) (name string, config Config, ok bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, r := range e.rules {
		if r.predicate(ctx) {
			return r.name, r.config, true
		}
	}
	return "", Config{}, false
}

// Len returns the number of registered rules
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

// TypeIs is a predicate matching an exact message type
func TypeIs(messageType string) Predicate {
	return func(ctx Context) bool { return ctx.MessageType == messageType }
}

// Always matches every message; useful as a trailing catch-all rule
func Always() Predicate {
	return func(Context) bool { return true }
}
