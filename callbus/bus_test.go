package callbus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/callbridge/types"
)

func started(id string) types.LifecycleEvent {
	return types.LifecycleEvent{Kind: types.CallStarted, CallID: id, Caller: &types.Caller{}}
}

func TestBus_DeliversInOrderToAllSubscribers(t *testing.T) {
	bus := NewBus(zap.NewNop())
	a := bus.Subscribe("a", 16)
	b := bus.Subscribe("b", 16)
	assert.Equal(t, 2, bus.Subscribers())

	for i := 0; i < 10; i++ {
		require.NoError(t, bus.Publish(context.Background(), started(fmt.Sprintf("C%d", i))))
	}

	for _, sub := range []*Subscription{a, b} {
		for i := 0; i < 10; i++ {
			ev := <-sub.Events()
			assert.Equal(t, fmt.Sprintf("C%d", i), ev.CallID)
		}
	}
}

func TestBus_IndependentBuses(t *testing.T) {
	first := NewBus(nil)
	second := NewBus(nil)
	sub := second.Subscribe("only-second", 1)

	require.NoError(t, first.Publish(context.Background(), started("X")))

	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event from another bus: %+v", ev)
	default:
	}
}

func TestBus_SlowSubscriberBoundedByContext(t *testing.T) {
	bus := NewBus(nil)
	_ = bus.Subscribe("slow", 0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := bus.Publish(ctx, started("C1"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubscription_CloseUnblocksPublisher(t *testing.T) {
	bus := NewBus(nil)
	sub := bus.Subscribe("slow", 0)

	published := make(chan error, 1)
	go func() { published <- bus.Publish(context.Background(), started("C1")) }()

	time.Sleep(10 * time.Millisecond)
	sub.Close()
	sub.Close()

	select {
	case err := <-published:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("publisher still blocked after subscription close")
	}
	assert.Equal(t, 0, bus.Subscribers())

	_, ok := <-sub.Events()
	assert.False(t, ok)
}

func TestBus_Close(t *testing.T) {
	bus := NewBus(nil)
	sub := bus.Subscribe("s", 1)

	bus.Close()
	bus.Close()

	_, ok := <-sub.Events()
	assert.False(t, ok)
	<-sub.Done()

	assert.ErrorIs(t, bus.Publish(context.Background(), started("C1")), ErrBusClosed)

	late := bus.Subscribe("late", 1)
	_, ok = <-late.Events()
	assert.False(t, ok)
	assert.NotPanics(t, late.Close)
}
