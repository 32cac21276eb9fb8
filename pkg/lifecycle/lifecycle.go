package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/harborline/courier/pkg/envelope"
	"github.com/harborline/courier/pkg/log"
)

// Stage identifies one point in a message's boundary crossing. The set is
// closed: outbox messages pass the Distribute stages, inbox messages the
// Inbox stages.
type Stage int

const (
	PreDistributeInline Stage = iota
	PreDistributeAsync
	DistributeAsync
	PostDistributeAsync
	PostDistributeInline
	PreInboxInline
	PreInboxAsync
	PostInboxAsync
	PostInboxInline
)

// String returns the stage name
func (s Stage) String() string {
	switch s {
	case PreDistributeInline:
		return "PreDistributeInline"
	case PreDistributeAsync:
		return "PreDistributeAsync"
	case DistributeAsync:
		return "DistributeAsync"
	case PostDistributeAsync:
		return "PostDistributeAsync"
	case PostDistributeInline:
		return "PostDistributeInline"
	case PreInboxInline:
		return "PreInboxInline"
	case PreInboxAsync:
		return "PreInboxAsync"
	case PostInboxAsync:
		return "PostInboxAsync"
	case PostInboxInline:
		return "PostInboxInline"
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

// Inline reports whether hooks at this stage block the worker
func (s Stage) Inline() bool {
	switch s {
	case PreDistributeInline, PostDistributeInline, PreInboxInline, PostInboxInline:
		return true
	}
	return false
}

// Hook observes or augments a message at a lifecycle stage
type Hook func(ctx context.Context, env *envelope.Envelope) error

// Registration identifies one registered hook so it can be removed
type Registration struct {
	typeTag string
	stage   Stage
	seq     uint64
	hook    Hook
}

type key struct {
	typeTag string
	stage   Stage
}

// Registry maps (message type, stage) to an ordered list of hooks.
// Registration order is invocation order.
type Registry struct {
	mu    sync.RWMutex
	seq   uint64
	hooks map[key][]*Registration
}

// NewRegistry creates an empty hook registry
func NewRegistry() *Registry {
	return &Registry{hooks: make(map[key][]*Registration)}
}

// Register appends a hook for the message type at the stage
func (r *Registry) Register(typeTag string, stage Stage, hook Hook) *Registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	reg := &Registration{typeTag: typeTag, stage: stage, seq: r.seq, hook: hook}
	k := key{typeTag: typeTag, stage: stage}
	r.hooks[k] = append(r.hooks[k], reg)
	return reg
}

// Unregister removes a previously registered hook. Removing a hook twice,
// or one that was never registered, is a no-op.
func (r *Registry) Unregister(reg *Registration) {
	if reg == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{typeTag: reg.typeTag, stage: reg.stage}
	regs := r.hooks[k]
	for i, candidate := range regs {
		if candidate == reg {
			r.hooks[k] = append(regs[:i], regs[i+1:]...)
			return
		}
	}
}

// hooksFor snapshots the ordered hooks for (typeTag, stage)
func (r *Registry) hooksFor(typeTag string, stage Stage) []Hook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	regs := r.hooks[key{typeTag: typeTag, stage: stage}]
	if len(regs) == 0 {
		return nil
	}
	hooks := make([]Hook, len(regs))
	for i, reg := range regs {
		hooks[i] = reg.hook
	}
	return hooks
}

// Invoker dispatches hooks. Inline stages run on the caller and surface
// the first hook error as the message's failure. Async stages are
// scheduled on a bounded pool and never awaited; their outcome cannot
// affect the message's fate.
type Invoker struct {
	registry *Registry
	logger   zerolog.Logger
	slots    chan struct{}
	wg       sync.WaitGroup
}

// NewInvoker creates an invoker with the given async pool size
func NewInvoker(registry *Registry, poolSize int) *Invoker {
	if poolSize <= 0 {
		poolSize = 16
	}
	return &Invoker{
		registry: registry,
		logger:   log.WithComponent("lifecycle"),
		slots:    make(chan struct{}, poolSize),
	}
}

// RunInline executes all hooks for the stage in order, stopping at the
// first error.
func (inv *Invoker) RunInline(ctx context.Context, stage Stage, env *envelope.Envelope) error {
	for _, hook := range inv.registry.hooksFor(env.Type, stage) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := hook(ctx, env); err != nil {
			return fmt.Errorf("%s hook for %s: %w", stage, env.Type, err)
		}
	}
	return nil
}

// RunAsync schedules all hooks for the stage without awaiting them.
// Cancellation of ctx propagates into running hooks; hooks scheduled but
// not yet started are abandoned when ctx is already cancelled.
func (inv *Invoker) RunAsync(ctx context.Context, stage Stage, env *envelope.Envelope) {
	hooks := inv.registry.hooksFor(env.Type, stage)
	for _, hook := range hooks {
		hook := hook
		inv.wg.Add(1)
		go func() {
			defer inv.wg.Done()
			select {
			case inv.slots <- struct{}{}:
				defer func() { <-inv.slots }()
			case <-ctx.Done():
				return
			}
			if err := hook(ctx, env); err != nil {
				inv.logger.Warn().
					Err(err).
					Str("stage", stage.String()).
					Str("message_id", env.MessageID.String()).
					Msg("async hook failed")
			}
		}()
	}
}

// Drain blocks until scheduled async hooks finish or ctx expires
func (inv *Invoker) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		inv.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
