package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborline/courier/pkg/envelope"
)

func TestInlineHooksRunInRegistrationOrder(t *testing.T) {
	reg := NewRegistry()
	inv := NewInvoker(reg, 4)

	var order []int
	for i := 0; i < 4; i++ {
		i := i
		reg.Register("OrderPlaced", PreDistributeInline, func(context.Context, *envelope.Envelope) error {
			order = append(order, i)
			return nil
		})
	}

	env := envelope.New("OrderPlaced", nil)
	require.NoError(t, inv.RunInline(context.Background(), PreDistributeInline, env))
	assert.Equal(t, []int{0, 1, 2, 3}, order)
}

func TestInlineFailureSurfacesAndStops(t *testing.T) {
	reg := NewRegistry()
	inv := NewInvoker(reg, 4)

	boom := errors.New("boom")
	var ran []string
	reg.Register("OrderPlaced", PreInboxInline, func(context.Context, *envelope.Envelope) error {
		ran = append(ran, "first")
		return boom
	})
	reg.Register("OrderPlaced", PreInboxInline, func(context.Context, *envelope.Envelope) error {
		ran = append(ran, "second")
		return nil
	})

	err := inv.RunInline(context.Background(), PreInboxInline, envelope.New("OrderPlaced", nil))
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"first"}, ran, "hooks after the failure must not run")
}

func TestHooksScopedToTypeAndStage(t *testing.T) {
	reg := NewRegistry()
	inv := NewInvoker(reg, 4)

	var calls int32
	reg.Register("OrderPlaced", PostDistributeInline, func(context.Context, *envelope.Envelope) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	// Different type, same stage.
	require.NoError(t, inv.RunInline(context.Background(), PostDistributeInline, envelope.New("Other", nil)))
	// Same type, different stage.
	require.NoError(t, inv.RunInline(context.Background(), PreDistributeInline, envelope.New("OrderPlaced", nil)))
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))

	require.NoError(t, inv.RunInline(context.Background(), PostDistributeInline, envelope.New("OrderPlaced", nil)))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestAsyncHooksDoNotBlockOrFailCaller(t *testing.T) {
	reg := NewRegistry()
	inv := NewInvoker(reg, 2)

	started := make(chan struct{})
	release := make(chan struct{})
	reg.Register("OrderPlaced", PostDistributeAsync, func(context.Context, *envelope.Envelope) error {
		close(started)
		<-release
		return errors.New("async failure is invisible")
	})

	begin := time.Now()
	inv.RunAsync(context.Background(), PostDistributeAsync, envelope.New("OrderPlaced", nil))
	assert.Less(t, time.Since(begin), 100*time.Millisecond, "RunAsync must not await hooks")

	<-started
	close(release)
	require.NoError(t, inv.Drain(context.Background()))
}

func TestAsyncCancellationAbandonsPending(t *testing.T) {
	reg := NewRegistry()
	inv := NewInvoker(reg, 1)

	var ran int32
	var wg sync.WaitGroup
	wg.Add(1)
	blocker := make(chan struct{})
	reg.Register("Slow", DistributeAsync, func(context.Context, *envelope.Envelope) error {
		wg.Done()
		<-blocker
		return nil
	})
	reg.Register("Fast", DistributeAsync, func(context.Context, *envelope.Envelope) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})

	// Occupy the single pool slot.
	inv.RunAsync(context.Background(), DistributeAsync, envelope.New("Slow", nil))
	wg.Wait()

	// Schedule with an already-cancelled context: must be abandoned.
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	inv.RunAsync(cancelled, DistributeAsync, envelope.New("Fast", nil))

	close(blocker)
	require.NoError(t, inv.Drain(context.Background()))
	assert.Equal(t, int32(0), atomic.LoadInt32(&ran))
}

func TestAsyncHookErrorIsLoggedAndSwallowed(t *testing.T) {
	reg := NewRegistry()
	inv := NewInvoker(reg, 2)

	var ran int32
	reg.Register("OrderPlaced", PreDistributeAsync, func(context.Context, *envelope.Envelope) error {
		atomic.AddInt32(&ran, 1)
		return errors.New("hook failed")
	})

	// The failing hook must complete its run (taking the warn-log path)
	// without surfacing anything to the caller.
	inv.RunAsync(context.Background(), PreDistributeAsync, envelope.New("OrderPlaced", nil))
	require.NoError(t, inv.Drain(context.Background()))
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

func TestUnregisterIsIdempotent(t *testing.T) {
	reg := NewRegistry()
	inv := NewInvoker(reg, 4)

	var calls int
	registration := reg.Register("OrderPlaced", PreDistributeInline, func(context.Context, *envelope.Envelope) error {
		calls++
		return nil
	})

	reg.Unregister(registration)
	reg.Unregister(registration)
	reg.Unregister(nil)

	require.NoError(t, inv.RunInline(context.Background(), PreDistributeInline, envelope.New("OrderPlaced", nil)))
	assert.Zero(t, calls)
}

func TestStageClassification(t *testing.T) {
	inline := []Stage{PreDistributeInline, PostDistributeInline, PreInboxInline, PostInboxInline}
	async := []Stage{PreDistributeAsync, DistributeAsync, PostDistributeAsync, PreInboxAsync, PostInboxAsync}

	for _, s := range inline {
		assert.True(t, s.Inline(), s.String())
	}
	for _, s := range async {
		assert.False(t, s.Inline(), s.String())
	}
}
