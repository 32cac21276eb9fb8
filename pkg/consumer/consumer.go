package consumer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harborline/courier/pkg/codec"
	"github.com/harborline/courier/pkg/dispatch"
	"github.com/harborline/courier/pkg/envelope"
	"github.com/harborline/courier/pkg/lifecycle"
	"github.com/harborline/courier/pkg/log"
	"github.com/harborline/courier/pkg/metrics"
	"github.com/harborline/courier/pkg/transport"
	"github.com/harborline/courier/pkg/types"
)

// Worker processes claimed inbox work through registered receptors and
// accumulates reports for the next coordinator cycle. It also receives
// messages from transport subscriptions and stages them for durable
// inbox storage.
type Worker struct {
	transport  transport.Transport
	codec      *codec.JSONCodec
	dispatcher *dispatch.Dispatcher
	invoker    *lifecycle.Invoker
	logger     zerolog.Logger

	mu            sync.Mutex
	completions   []types.Completion
	failures      []types.Failure
	received      []types.NewInboxMessage
	subscriptions []transport.Subscription
}

// New creates a consumer worker
func New(tp transport.Transport, c *codec.JSONCodec, d *dispatch.Dispatcher, inv *lifecycle.Invoker) *Worker {
	return &Worker{
		transport:  tp,
		codec:      c,
		dispatcher: d,
		invoker:    inv,
		logger:     log.WithComponent("consumer"),
	}
}

// Listen subscribes to a destination. Deliveries are staged as new inbox
// messages keyed by the envelope's message ID, which makes redelivery a
// dedup no-op at the coordinator.
func (w *Worker) Listen(destination, handlerName string) error {
	sub, err := w.transport.Subscribe(destination, nil, func(ctx context.Context, env *envelope.Envelope) error {
		data, err := w.codec.Serialize(env)
		if err != nil {
			return err
		}
		var streamID string
		if hop := env.Current(); hop != nil {
			streamID = hop.Metadata["stream_id"]
		}
		w.mu.Lock()
		w.received = append(w.received, types.NewInboxMessage{
			MessageID:   env.MessageID.String(),
			HandlerName: handlerName,
			Type:        env.Type,
			Payload:     data,
			StreamID:    streamID,
			IsEvent:     streamID != "",
		})
		w.mu.Unlock()
		return nil
	})
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()
	w.logger.Info().
		Str("destination", destination).
		Str("handler", handlerName).
		Msg("listening")
	return nil
}

// Close tears down every subscription
func (w *Worker) Close() {
	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
}

// Process runs a batch of claimed inbox work through receptors
func (w *Worker) Process(ctx context.Context, items []types.InboxWorkItem) {
	metrics.WorkInFlight.WithLabelValues("inbox").Add(float64(len(items)))
	defer metrics.WorkInFlight.WithLabelValues("inbox").Sub(float64(len(items)))

	for _, item := range items {
		if ctx.Err() != nil {
			return
		}
		w.processOne(ctx, item)
	}
}

func (w *Worker) processOne(ctx context.Context, item types.InboxWorkItem) {
	m := item.Message
	logger := w.logger.With().
		Str("message_id", m.MessageID).
		Str("handler", m.HandlerName).
		Str("type", m.Type).
		Logger()

	if m.LeaseExpiry != nil && m.LeaseExpiry.Before(time.Now()) {
		logger.Warn().Msg("skipping inbox item with expired lease")
		return
	}
	if item.Flags&types.WorkOrphaned != 0 {
		logger.Info().Msg("recovering orphaned inbox item")
	}

	env, err := w.codec.Deserialize(m.Payload, m.Type)
	if err != nil {
		w.fail(logger, m.MessageID, err)
		return
	}

	if err := w.invoker.RunInline(ctx, lifecycle.PreInboxInline, env); err != nil {
		w.fail(logger, m.MessageID, err)
		return
	}
	w.invoker.RunAsync(ctx, lifecycle.PreInboxAsync, env)

	payload, err := w.codec.DecodePayload(env)
	if err != nil {
		w.fail(logger, m.MessageID, err)
		return
	}

	result, panicked, err := w.invoke(ctx, payload, env)
	if err != nil {
		if panicked {
			w.failWithReason(logger, m.MessageID, err, types.FailureHandlerException)
		} else {
			w.fail(logger, m.MessageID, err)
		}
	}

	// Post stages fire whether the receptor succeeded or not; the
	// boundary crossing was attempted either way.
	w.invoker.RunAsync(ctx, lifecycle.PostInboxAsync, env)
	if hookErr := w.invoker.RunInline(ctx, lifecycle.PostInboxInline, env); hookErr != nil {
		logger.Warn().Err(hookErr).Msg("post-inbox hook failed")
	}
	if err != nil {
		return
	}

	// Receptor output goes to the outbox in the same coordinator cycle
	// that records this completion.
	outbound := result.Messages()

	metrics.MessagesProcessed.Inc()
	logger.Debug().Int("outbound", len(outbound)).Msg("processed inbox message")

	w.mu.Lock()
	w.completions = append(w.completions, types.Completion{
		MessageID: m.MessageID,
		Status:    types.FlagReceptorProcessed,
	})
	w.mu.Unlock()
	for _, msg := range outbound {
		_, _ = w.dispatcher.Send(ctx, msg)
	}
}

// invoke runs the receptor with panic isolation: a panicking handler
// fails the message instead of the worker.
func (w *Worker) invoke(ctx context.Context, payload any, env *envelope.Envelope) (result dispatch.Result, panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			err = fmt.Errorf("receptor panic: %v", r)
		}
	}()
	result, err = w.dispatcher.LocalInvoke(ctx, payload, env)
	return result, false, err
}

func (w *Worker) fail(logger zerolog.Logger, messageID string, err error) {
	w.failWithReason(logger, messageID, err, types.ClassifyFailure(err))
}

// failWithReason queues a failure report. CompletedStatus is always
// Stored: the row reached the consumer, so it reached storage.
func (w *Worker) failWithReason(logger zerolog.Logger, messageID string, err error, reason types.FailureReason) {
	metrics.ProcessFailures.WithLabelValues(reason.String()).Inc()
	logger.Error().Err(err).Str("reason", reason.String()).Msg("inbox processing failed")

	w.mu.Lock()
	w.failures = append(w.failures, types.Failure{
		MessageID:       messageID,
		CompletedStatus: types.FlagStored,
		Error:           err.Error(),
		FailureReason:   reason,
	})
	w.mu.Unlock()
}

// Reports drains the accumulated completions, failures and received
// messages
func (w *Worker) Reports() ([]types.Completion, []types.Failure, []types.NewInboxMessage) {
	w.mu.Lock()
	defer w.mu.Unlock()
	completions, failures, received := w.completions, w.failures, w.received
	w.completions, w.failures, w.received = nil, nil, nil
	return completions, failures, received
}
