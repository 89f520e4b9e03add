package relay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/callbridge/callbus"
	"github.com/BaSui01/callbridge/config"
	"github.com/BaSui01/callbridge/types"
)

// =============================================================================
// 🧪 Relay 测试
// =============================================================================

func setupTestRelay(t *testing.T) (*miniredis.Miniredis, *Relay) {
	t.Helper()
	mr := miniredis.RunT(t)

	cfg := config.DefaultRelayConfig()
	cfg.Enabled = true
	cfg.Addr = mr.Addr()

	r, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return mr, r
}

func startedEvent(id string) types.LifecycleEvent {
	return types.LifecycleEvent{
		Kind:      types.CallStarted,
		CallID:    id,
		Caller:    &types.Caller{Name: "Alice", Number: "555-0100"},
		Timestamp: time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC),
	}
}

func TestNew_ConnectionFailure(t *testing.T) {
	cfg := config.DefaultRelayConfig()
	cfg.Addr = "127.0.0.1:1"

	_, err := New(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to redis")
}

func TestRelay_PublishDeliversToSubscribers(t *testing.T) {
	mr, r := setupTestRelay(t)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ps := client.Subscribe(context.Background(), "callbridge:events")
	defer ps.Close()
	_, err := ps.Receive(context.Background())
	require.NoError(t, err)

	require.NoError(t, r.Publish(context.Background(), startedEvent("C1")))

	select {
	case msg := <-ps.Channel():
		var got Message
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, types.CallStarted, got.Kind)
		assert.Equal(t, "C1", got.CallID)
		assert.Equal(t, "Alice", got.CallerName)
		assert.Equal(t, "555-0100", got.CallerNumber)
	case <-time.After(time.Second):
		t.Fatal("no message received")
	}
}

func TestRelay_StoresLatestStateWithTTL(t *testing.T) {
	mr, r := setupTestRelay(t)
	ctx := context.Background()

	require.NoError(t, r.Publish(ctx, startedEvent("C1")))
	require.NoError(t, r.Publish(ctx, types.LifecycleEvent{Kind: types.CallEnded, CallID: "C1"}))

	last, err := r.Last(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, types.CallEnded, last.Kind)
	assert.Equal(t, time.Hour, mr.TTL(StateKey("callbridge:events", "C1")))

	_, err = r.Last(ctx, "unknown")
	assert.ErrorIs(t, err, ErrNoState)
}

func TestRelay_RunConsumesSubscription(t *testing.T) {
	_, r := setupTestRelay(t)
	bus := callbus.NewBus(nil)
	sub := bus.Subscribe("relay", 4)

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background(), sub) }()

	require.NoError(t, bus.Publish(context.Background(), startedEvent("C9")))

	require.Eventually(t, func() bool {
		_, err := r.Last(context.Background(), "C9")
		return err == nil
	}, time.Second, 10*time.Millisecond)

	bus.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after bus close")
	}
}

func TestRelay_Closed(t *testing.T) {
	_, r := setupTestRelay(t)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	assert.Error(t, r.Publish(context.Background(), startedEvent("C1")))
	assert.Error(t, r.Ping(context.Background()))
}
