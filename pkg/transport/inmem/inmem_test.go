package inmem

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborline/courier/pkg/envelope"
	"github.com/harborline/courier/pkg/transport"
	"github.com/harborline/courier/pkg/types"
)

func collect(t *testing.T, b *Broker, destination string, filter transport.Filter) (*[]string, *sync.Mutex, transport.Subscription) {
	t.Helper()
	var mu sync.Mutex
	var got []string
	sub, err := b.Subscribe(destination, filter, func(_ context.Context, env *envelope.Envelope) error {
		mu.Lock()
		got = append(got, env.MessageID.String())
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	return &got, &mu, sub
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := New()
	defer b.Close()

	gotA, muA, _ := collect(t, b, "orders", nil)
	gotB, muB, _ := collect(t, b, "orders", nil)
	gotOther, muOther, _ := collect(t, b, "payments", nil)

	env := envelope.New("OrderPlaced", nil)
	require.NoError(t, b.Publish(context.Background(), env, "orders"))

	waitFor(t, func() bool {
		muA.Lock()
		defer muA.Unlock()
		return len(*gotA) == 1
	})
	waitFor(t, func() bool {
		muB.Lock()
		defer muB.Unlock()
		return len(*gotB) == 1
	})

	muOther.Lock()
	assert.Empty(t, *gotOther, "other destination must not receive")
	muOther.Unlock()
}

func TestFilterRestrictsDelivery(t *testing.T) {
	b := New()
	defer b.Close()

	got, mu, _ := collect(t, b, "orders", func(env *envelope.Envelope) bool {
		return env.Type == "OrderPlaced"
	})

	placed := envelope.New("OrderPlaced", nil)
	cancelled := envelope.New("OrderCancelled", nil)
	require.NoError(t, b.Publish(context.Background(), placed, "orders"))
	require.NoError(t, b.Publish(context.Background(), cancelled, "orders"))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*got) == 1
	})
	mu.Lock()
	assert.Equal(t, []string{placed.MessageID.String()}, *got)
	mu.Unlock()
}

func TestPauseHoldsDelivery(t *testing.T) {
	b := New()
	defer b.Close()

	got, mu, sub := collect(t, b, "orders", nil)
	sub.Pause()

	env := envelope.New("OrderPlaced", nil)
	require.NoError(t, b.Publish(context.Background(), env, "orders"))

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Empty(t, *got, "paused subscription must not deliver")
	mu.Unlock()

	sub.Resume()
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*got) == 1
	})
}

func TestCloseDetaches(t *testing.T) {
	b := New()
	defer b.Close()

	got, mu, sub := collect(t, b, "orders", nil)
	require.NoError(t, sub.Close())

	require.NoError(t, b.Publish(context.Background(), envelope.New("OrderPlaced", nil), "orders"))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	assert.Empty(t, *got)
	mu.Unlock()
}

func TestClosedBrokerRefuses(t *testing.T) {
	b := New()
	require.NoError(t, b.Close())

	err := b.Publish(context.Background(), envelope.New("OrderPlaced", nil), "orders")
	require.ErrorIs(t, err, types.ErrTransportUnavailable)

	_, err = b.Subscribe("orders", nil, func(context.Context, *envelope.Envelope) error { return nil })
	require.ErrorIs(t, err, types.ErrTransportUnavailable)
}

func TestCapabilities(t *testing.T) {
	b := New()
	defer b.Close()
	caps := b.Capabilities()
	assert.True(t, caps.Has(transport.CapPubSub))
	assert.True(t, caps.Has(transport.CapReliable))
	assert.True(t, caps.Has(transport.CapOrdered))
}
