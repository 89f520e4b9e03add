package ari

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/callbridge/testutil"
	"github.com/BaSui01/callbridge/testutil/fixtures"
	"github.com/BaSui01/callbridge/types"
)

func TestEventsURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://pbx:8088", "ws://pbx:8088/ari/events?app=ivr&subscribeAll=false"},
		{"https://pbx.example.com/", "wss://pbx.example.com/ari/events?app=ivr&subscribeAll=false"},
		{"http://pbx:8088/asterisk", "ws://pbx:8088/asterisk/ari/events?app=ivr&subscribeAll=false"},
	}
	for _, tt := range tests {
		got, err := EventsURL(tt.base, "ivr")
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := EventsURL("ftp://pbx", "ivr")
	assert.Error(t, err)
}

// newEventServer 模拟 /ari/events：校验 basic auth 和 app 参数后推送 frames
func newEventServer(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "asterisk" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/ari/events" || r.URL.Query().Get("app") != "callbridge" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")

		for _, f := range frames {
			if err := conn.Write(r.Context(), websocket.MessageText, []byte(f)); err != nil {
				return
			}
		}
		// 保持连接直到客户端关闭
		_, _, _ = conn.Read(r.Context())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWebsocketDialer_ReadsFrames(t *testing.T) {
	srv := newEventServer(t, []string{
		fixtures.StasisStart("C1", "Alice", "555-0100"),
		fixtures.StasisEnd("C1"),
	})

	d, err := NewWebsocketDialer(testARIConfig(srv.URL))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := d.Dial(ctx)
	require.NoError(t, err)
	defer stream.Close()

	for _, want := range []string{EventStasisStart, EventStasisEnd} {
		data, err := stream.Read(ctx)
		require.NoError(t, err)
		ev, err := ParseEvent(data)
		require.NoError(t, err)
		assert.Equal(t, want, ev.Type)
	}
}

func TestWebsocketDialer_AuthRejected(t *testing.T) {
	srv := newEventServer(t, nil)

	cfg := testARIConfig(srv.URL)
	cfg.Password = "wrong"
	d, err := NewWebsocketDialer(cfg)
	require.NoError(t, err)

	_, err = d.Dial(context.Background())
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrConnection))
	assert.Contains(t, err.Error(), "authentication rejected")
}

func TestLink_WithWebsocketDialer(t *testing.T) {
	srv := newEventServer(t, []string{
		fixtures.StasisStart("C1", "", "555-0100"),
	})
	d, err := NewWebsocketDialer(testARIConfig(srv.URL))
	require.NoError(t, err)

	link := NewLink(d, testARIConfig(srv.URL), zap.NewNop(), WithReconnectDelay(10*time.Millisecond, 50*time.Millisecond))
	got := make(chan Event, 1)
	link.OnNotification(func(ev Event) { got <- ev })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- link.Run(ctx) }()

	ev, ok := testutil.WaitForChannel(got, 5*time.Second)
	require.True(t, ok, "event not delivered")
	assert.Equal(t, "C1", ev.ChannelID())
	assert.Equal(t, "555-0100", ev.Channel.Caller.Number)
	assert.True(t, link.Connected())

	cancel()
	require.NoError(t, <-done)
	assert.False(t, link.Connected())
}
