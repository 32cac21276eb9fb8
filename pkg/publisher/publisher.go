package publisher

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harborline/courier/pkg/codec"
	"github.com/harborline/courier/pkg/lifecycle"
	"github.com/harborline/courier/pkg/log"
	"github.com/harborline/courier/pkg/metrics"
	"github.com/harborline/courier/pkg/transport"
	"github.com/harborline/courier/pkg/types"
)

// Worker publishes claimed outbox work to the transport and accumulates
// completion/failure reports for the next coordinator cycle.
type Worker struct {
	transport transport.Transport
	codec     *codec.JSONCodec
	invoker   *lifecycle.Invoker
	logger    zerolog.Logger

	mu          sync.Mutex
	completions []types.Completion
	failures    []types.Failure
}

// New creates a publisher worker
func New(tp transport.Transport, c *codec.JSONCodec, inv *lifecycle.Invoker) *Worker {
	return &Worker{
		transport: tp,
		codec:     c,
		invoker:   inv,
		logger:    log.WithComponent("publisher"),
	}
}

// Process publishes a batch of claimed work. Each item ends up as either
// a completion or a failure report; the coordinator applies them in the
// next cycle.
func (w *Worker) Process(ctx context.Context, items []types.OutboxWorkItem) {
	metrics.WorkInFlight.WithLabelValues("outbox").Add(float64(len(items)))
	defer metrics.WorkInFlight.WithLabelValues("outbox").Sub(float64(len(items)))

	for _, item := range items {
		if ctx.Err() != nil {
			return
		}
		w.processOne(ctx, item)
	}
}

func (w *Worker) processOne(ctx context.Context, item types.OutboxWorkItem) {
	m := item.Message
	logger := w.logger.With().
		Str("message_id", m.MessageID).
		Str("destination", m.Destination).
		Str("type", m.Type).
		Logger()

	// A lease that ran out before we got here belongs to someone else now.
	if m.LeaseExpiry != nil && m.LeaseExpiry.Before(time.Now()) {
		logger.Warn().Msg("skipping outbox item with expired lease")
		return
	}
	if item.Flags&types.WorkOrphaned != 0 {
		logger.Info().Msg("recovering orphaned outbox item")
	}

	env, err := w.codec.Deserialize(m.Payload, m.Type)
	if err != nil {
		w.fail(logger, m.MessageID, err)
		return
	}

	if err := w.invoker.RunInline(ctx, lifecycle.PreDistributeInline, env); err != nil {
		w.fail(logger, m.MessageID, err)
		return
	}
	w.invoker.RunAsync(ctx, lifecycle.PreDistributeAsync, env)

	// DistributeAsync hooks run concurrently with the publish I/O itself.
	w.invoker.RunAsync(ctx, lifecycle.DistributeAsync, env)

	timer := metrics.NewTimer()
	pubErr := w.transport.Publish(ctx, env, m.Destination)
	timer.ObserveDuration(metrics.PublishDuration)
	if pubErr != nil {
		w.fail(logger, m.MessageID, pubErr)
	}

	// Post stages fire whether the publish landed or not; the boundary
	// crossing was attempted either way.
	w.invoker.RunAsync(ctx, lifecycle.PostDistributeAsync, env)
	if err := w.invoker.RunInline(ctx, lifecycle.PostDistributeInline, env); err != nil {
		// A post hook failure cannot unsend the message, so the outcome
		// stands and the hook error is logged.
		logger.Warn().Err(err).Msg("post-distribute hook failed")
	}
	if pubErr != nil {
		return
	}

	metrics.MessagesPublished.Inc()
	logger.Debug().Msg("published outbox message")

	w.mu.Lock()
	w.completions = append(w.completions, types.Completion{
		MessageID: m.MessageID,
		Status:    types.FlagPublished,
	})
	w.mu.Unlock()
}

// fail queues a failure report. CompletedStatus is always Stored: a row
// only reaches the publisher after it was durably stored.
func (w *Worker) fail(logger zerolog.Logger, messageID string, err error) {
	reason := types.ClassifyFailure(err)
	metrics.PublishFailures.WithLabelValues(reason.String()).Inc()
	logger.Error().Err(err).Str("reason", reason.String()).Msg("publish failed")

	w.mu.Lock()
	w.failures = append(w.failures, types.Failure{
		MessageID:       messageID,
		CompletedStatus: types.FlagStored,
		Error:           err.Error(),
		FailureReason:   reason,
	})
	w.mu.Unlock()
}

// Reports drains the accumulated completion and failure reports
func (w *Worker) Reports() ([]types.Completion, []types.Failure) {
	w.mu.Lock()
	defer w.mu.Unlock()
	completions, failures := w.completions, w.failures
	w.completions, w.failures = nil, nil
	return completions, failures
}
