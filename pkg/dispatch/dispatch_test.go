package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborline/courier/pkg/envelope"
	"github.com/harborline/courier/pkg/types"
)

func TestLocalInvokeRoutesToReceptor(t *testing.T) {
	d := New()

	var gotPayload any
	d.Register("OrderPlaced", func(_ context.Context, payload any, _ *envelope.Envelope) (Result, error) {
		gotPayload = payload
		return Single(types.NewOutboxMessage{Type: "OrderConfirmed", Destination: "orders"}), nil
	})

	result, err := d.LocalInvoke(context.Background(), "payload-value", envelope.New("OrderPlaced", nil))
	require.NoError(t, err)
	assert.Equal(t, "payload-value", gotPayload)
	assert.Equal(t, KindSingle, result.Kind())
	require.Len(t, result.Messages(), 1)
	assert.Equal(t, "OrderConfirmed", result.Messages()[0].Type)
}

func TestLocalInvokeHandlerNotFound(t *testing.T) {
	d := New()
	_, err := d.LocalInvoke(context.Background(), nil, envelope.New("Unknown", nil))
	require.ErrorIs(t, err, types.ErrHandlerNotFound)
}

func TestReceptorErrorPropagates(t *testing.T) {
	d := New()
	boom := errors.New("boom")
	d.Register("OrderPlaced", func(context.Context, any, *envelope.Envelope) (Result, error) {
		return Void(), boom
	})
	_, err := d.LocalInvoke(context.Background(), nil, envelope.New("OrderPlaced", nil))
	require.ErrorIs(t, err, boom)
}

func TestResultShapes(t *testing.T) {
	assert.Equal(t, KindVoid, Void().Kind())
	assert.Empty(t, Void().Messages())

	single := Single(types.NewOutboxMessage{Type: "A"})
	assert.Equal(t, KindSingle, single.Kind())
	assert.Len(t, single.Messages(), 1)

	many := Many([]types.NewOutboxMessage{{Type: "A"}, {Type: "B"}, {Type: "C"}})
	assert.Equal(t, KindMany, many.Kind())
	assert.Len(t, many.Messages(), 3)
}

func TestSendQueuesAndAssignsID(t *testing.T) {
	d := New()

	// Send requires no local receptor.
	receipt, err := d.Send(context.Background(), types.NewOutboxMessage{
		Destination: "orders",
		Type:        "OrderPlaced",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.MessageID)
	assert.False(t, receipt.AcceptedAt.IsZero())

	queued := d.Drain()
	require.Len(t, queued, 1)
	assert.Equal(t, receipt.MessageID, queued[0].MessageID)

	// Drain empties the queue.
	assert.Empty(t, d.Drain())
}

func TestSendKeepsCallerID(t *testing.T) {
	d := New()
	receipt, err := d.Send(context.Background(), types.NewOutboxMessage{
		MessageID: "0190a6b2-56f3-7cc3-9f20-6a1e0e5ca9d4",
		Type:      "OrderPlaced",
	})
	require.NoError(t, err)
	assert.Equal(t, "0190a6b2-56f3-7cc3-9f20-6a1e0e5ca9d4", receipt.MessageID)
}

func TestSendHonorsCancelledContext(t *testing.T) {
	d := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.Send(ctx, types.NewOutboxMessage{Type: "OrderPlaced"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, d.Drain())
}
