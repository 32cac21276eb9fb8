package consumer_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborline/courier/pkg/codec"
	"github.com/harborline/courier/pkg/consumer"
	"github.com/harborline/courier/pkg/dispatch"
	"github.com/harborline/courier/pkg/envelope"
	"github.com/harborline/courier/pkg/lifecycle"
	"github.com/harborline/courier/pkg/transport/inmem"
	"github.com/harborline/courier/pkg/types"
)

type placeOrder struct {
	Order string `json:"order"`
}

type fixture struct {
	broker     *inmem.Broker
	codec      *codec.JSONCodec
	dispatcher *dispatch.Dispatcher
	worker     *consumer.Worker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	registry := codec.NewRegistry()
	registry.Register("PlaceOrder", func() any { return &placeOrder{} })
	c := codec.NewJSON(registry)
	d := dispatch.New()
	broker := inmem.New()
	t.Cleanup(func() { broker.Close() })
	w := consumer.New(broker, c, d, lifecycle.NewInvoker(lifecycle.NewRegistry(), 4))
	t.Cleanup(w.Close)
	return &fixture{broker: broker, codec: c, dispatcher: d, worker: w}
}

func (f *fixture) inboxItem(t *testing.T, messageID string) types.InboxWorkItem {
	t.Helper()
	payload, err := codec.EncodePayload(placeOrder{Order: "o-1"})
	require.NoError(t, err)
	data, err := f.codec.Serialize(envelope.New("PlaceOrder", payload))
	require.NoError(t, err)
	lease := time.Now().Add(time.Minute)
	return types.InboxWorkItem{
		Message: &types.InboxMessage{
			MessageID:   messageID,
			HandlerName: "PlaceOrderReceptor",
			Type:        "PlaceOrder",
			Payload:     data,
			Status:      types.InboxProcessing,
			LeaseExpiry: &lease,
		},
	}
}

func TestProcessInvokesReceptorAndReportsCompletion(t *testing.T) {
	f := newFixture(t)

	var got *placeOrder
	f.dispatcher.Register("PlaceOrder", func(ctx context.Context, payload any, env *envelope.Envelope) (dispatch.Result, error) {
		got = payload.(*placeOrder)
		return dispatch.Void(), nil
	})

	f.worker.Process(context.Background(), []types.InboxWorkItem{f.inboxItem(t, "in-1")})

	completions, failures, _ := f.worker.Reports()
	require.Len(t, completions, 1)
	assert.Empty(t, failures)
	assert.Equal(t, "in-1", completions[0].MessageID)
	assert.Equal(t, types.FlagReceptorProcessed, completions[0].Status)
	require.NotNil(t, got)
	assert.Equal(t, "o-1", got.Order)
}

func TestProcessQueuesReceptorOutput(t *testing.T) {
	f := newFixture(t)

	f.dispatcher.Register("PlaceOrder", func(ctx context.Context, payload any, env *envelope.Envelope) (dispatch.Result, error) {
		return dispatch.Single(types.NewOutboxMessage{
			Destination: "orders.events",
			Type:        "OrderPlaced",
			Payload:     []byte(`{}`),
			StreamID:    "order/o-1",
			IsEvent:     true,
		}), nil
	})

	f.worker.Process(context.Background(), []types.InboxWorkItem{f.inboxItem(t, "in-1")})

	outbound := f.dispatcher.Drain()
	require.Len(t, outbound, 1)
	assert.Equal(t, "OrderPlaced", outbound[0].Type)
	assert.NotEmpty(t, outbound[0].MessageID)
}

func TestProcessMissingReceptorFails(t *testing.T) {
	f := newFixture(t)

	f.worker.Process(context.Background(), []types.InboxWorkItem{f.inboxItem(t, "in-1")})

	completions, failures, _ := f.worker.Reports()
	assert.Empty(t, completions)
	require.Len(t, failures, 1)
}

func TestProcessReceptorErrorClassified(t *testing.T) {
	f := newFixture(t)

	f.dispatcher.Register("PlaceOrder", func(ctx context.Context, payload any, env *envelope.Envelope) (dispatch.Result, error) {
		return dispatch.Void(), types.ErrBusinessRuleViolation
	})

	f.worker.Process(context.Background(), []types.InboxWorkItem{f.inboxItem(t, "in-1")})

	_, failures, _ := f.worker.Reports()
	require.Len(t, failures, 1)
	assert.Equal(t, types.FailureBusinessRuleViolation, failures[0].FailureReason)
}

func TestProcessFiresPostInboxStagesOnReceptorFailure(t *testing.T) {
	registry := codec.NewRegistry()
	registry.Register("PlaceOrder", func() any { return &placeOrder{} })
	c := codec.NewJSON(registry)
	d := dispatch.New()
	broker := inmem.New()
	t.Cleanup(func() { broker.Close() })

	var postAsync, postInline int32
	hooks := lifecycle.NewRegistry()
	hooks.Register("PlaceOrder", lifecycle.PostInboxAsync,
		func(ctx context.Context, env *envelope.Envelope) error {
			atomic.AddInt32(&postAsync, 1)
			return nil
		})
	hooks.Register("PlaceOrder", lifecycle.PostInboxInline,
		func(ctx context.Context, env *envelope.Envelope) error {
			atomic.AddInt32(&postInline, 1)
			return nil
		})
	invoker := lifecycle.NewInvoker(hooks, 4)

	d.Register("PlaceOrder", func(ctx context.Context, payload any, env *envelope.Envelope) (dispatch.Result, error) {
		return dispatch.Void(), types.ErrBusinessRuleViolation
	})

	w := consumer.New(broker, c, d, invoker)
	t.Cleanup(w.Close)

	payload, err := codec.EncodePayload(placeOrder{Order: "o-1"})
	require.NoError(t, err)
	data, err := c.Serialize(envelope.New("PlaceOrder", payload))
	require.NoError(t, err)
	lease := time.Now().Add(time.Minute)
	w.Process(context.Background(), []types.InboxWorkItem{{
		Message: &types.InboxMessage{
			MessageID:   "in-1",
			HandlerName: "PlaceOrderReceptor",
			Type:        "PlaceOrder",
			Payload:     data,
			Status:      types.InboxProcessing,
			LeaseExpiry: &lease,
		},
	}})
	require.NoError(t, invoker.Drain(context.Background()))

	assert.Equal(t, int32(1), atomic.LoadInt32(&postAsync))
	assert.Equal(t, int32(1), atomic.LoadInt32(&postInline))

	_, failures, _ := w.Reports()
	require.Len(t, failures, 1)
	assert.Equal(t, types.FlagStored, failures[0].CompletedStatus)
}

func TestProcessReceptorPanicIsolated(t *testing.T) {
	f := newFixture(t)

	f.dispatcher.Register("PlaceOrder", func(ctx context.Context, payload any, env *envelope.Envelope) (dispatch.Result, error) {
		panic("receptor bug")
	})

	f.worker.Process(context.Background(), []types.InboxWorkItem{f.inboxItem(t, "in-1")})

	_, failures, _ := f.worker.Reports()
	require.Len(t, failures, 1)
	assert.Equal(t, types.FailureHandlerException, failures[0].FailureReason)
	assert.Contains(t, failures[0].Error, "receptor bug")
}

func TestListenStagesDeliveries(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.worker.Listen("orders.commands", "PlaceOrderReceptor"))

	payload, err := codec.EncodePayload(placeOrder{Order: "o-1"})
	require.NoError(t, err)
	env := envelope.New("PlaceOrder", payload)

	require.NoError(t, f.broker.Publish(context.Background(), env, "orders.commands"))

	require.Eventually(t, func() bool {
		_, _, received := f.worker.Reports()
		if len(received) == 0 {
			return false
		}
		assert.Equal(t, env.MessageID.String(), received[0].MessageID)
		assert.Equal(t, "PlaceOrderReceptor", received[0].HandlerName)
		assert.Equal(t, "PlaceOrder", received[0].Type)
		return true
	}, time.Second, 5*time.Millisecond)
}
