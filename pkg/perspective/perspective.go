package perspective

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harborline/courier/pkg/log"
	"github.com/harborline/courier/pkg/metrics"
	"github.com/harborline/courier/pkg/store"
	"github.com/harborline/courier/pkg/types"
)

// Strategy controls when a perspective's checkpoint is saved
type Strategy int

const (
	// Batched saves the checkpoint once per applied batch. Cheaper, but a
	// crash replays up to a batch of events; projections must tolerate
	// at-least-once application.
	Batched Strategy = iota
	// Instant saves the checkpoint after every event
	Instant
)

// Projection applies one event to the materialized view
type Projection func(ctx context.Context, views *ViewStore, event types.EventRecord) error

// Perspective is a named, checkpointed projection over the event log
type Perspective struct {
	Name string
	// EventTypes narrows replay to the listed types; empty means all
	EventTypes []string
	Strategy   Strategy
	Apply      Projection
}

// Registry holds the perspectives a node runs
type Registry struct {
	mu           sync.RWMutex
	perspectives []Perspective
}

// NewRegistry creates an empty perspective registry
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a perspective. Registration order is replay order within
// one tick.
func (r *Registry) Register(p Perspective) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.perspectives = append(r.perspectives, p)
}

// All returns a snapshot of the registered perspectives
func (r *Registry) All() []Perspective {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Perspective, len(r.perspectives))
	copy(out, r.perspectives)
	return out
}

// Config holds perspective worker configuration
type Config struct {
	PollInterval time.Duration
	BatchSize    int
}

// Worker replays new events into every registered perspective. A
// projection error suspends that perspective (its checkpoint stays put)
// until Resume is called; the other perspectives keep running.
type Worker struct {
	cfg      Config
	store    store.Store
	views    *ViewStore
	registry *Registry
	logger   zerolog.Logger

	mu        sync.Mutex
	suspended map[string]error

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWorker creates a perspective worker
func NewWorker(cfg Config, st store.Store, views *ViewStore, registry *Registry) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = types.DefaultBatchSize
	}
	return &Worker{
		cfg:       cfg,
		store:     st,
		views:     views,
		registry:  registry,
		logger:    log.WithComponent("perspective"),
		suspended: make(map[string]error),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start begins the replay loop
func (w *Worker) Start() {
	go func() {
		defer close(w.doneCh)
		ticker := time.NewTicker(w.cfg.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				w.Tick(context.Background())
			case <-w.stopCh:
				return
			}
		}
	}()
}

// Stop halts the loop
func (w *Worker) Stop(ctx context.Context) {
	close(w.stopCh)
	select {
	case <-w.doneCh:
	case <-ctx.Done():
	}
}

// Suspended returns the projection error that stopped a perspective,
// nil if it is running.
func (w *Worker) Suspended(name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.suspended[name]
}

// Resume clears a suspension so the next tick retries from the saved
// checkpoint.
func (w *Worker) Resume(name string) {
	w.mu.Lock()
	if _, ok := w.suspended[name]; ok {
		delete(w.suspended, name)
		metrics.PerspectivesSuspended.Dec()
	}
	w.mu.Unlock()
}

// Tick catches every registered perspective up to the event log head.
// The Start loop calls it on the poll interval; callers can also drive
// it directly.
func (w *Worker) Tick(ctx context.Context) {
	for _, p := range w.registry.All() {
		w.mu.Lock()
		_, isSuspended := w.suspended[p.Name]
		w.mu.Unlock()
		if isSuspended {
			continue
		}
		if err := w.catchUp(ctx, p); err != nil {
			w.suspend(p.Name, err)
		}
	}
}

// catchUp applies batches until the perspective reaches the head
func (w *Worker) catchUp(ctx context.Context, p Perspective) error {
	for {
		cp, err := w.store.Checkpoint(ctx, p.Name)
		if err != nil {
			return err
		}
		events, err := w.store.ReadEventsSince(ctx, cp.LastSeqID, p.EventTypes, w.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			metrics.PerspectiveLag.WithLabelValues(p.Name).Set(0)
			return nil
		}

		for _, event := range events {
			if err := p.Apply(ctx, w.views, event); err != nil {
				return fmt.Errorf("applying event seq %d: %w", event.SeqID, err)
			}
			metrics.PerspectiveEventsApplied.WithLabelValues(p.Name).Inc()
			if p.Strategy == Instant {
				if err := w.store.SaveCheckpoint(ctx, p.Name, event.SeqID); err != nil {
					return err
				}
			}
		}
		if p.Strategy == Batched {
			if err := w.store.SaveCheckpoint(ctx, p.Name, events[len(events)-1].SeqID); err != nil {
				return err
			}
		}
		if len(events) < w.cfg.BatchSize {
			metrics.PerspectiveLag.WithLabelValues(p.Name).Set(0)
			return nil
		}
	}
}

func (w *Worker) suspend(name string, err error) {
	w.mu.Lock()
	if _, ok := w.suspended[name]; !ok {
		w.suspended[name] = err
		metrics.PerspectivesSuspended.Inc()
	}
	w.mu.Unlock()
	w.logger.Error().Err(err).Str("perspective", name).Msg("perspective suspended")
}
