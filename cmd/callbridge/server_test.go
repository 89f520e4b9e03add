package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/callbridge/api/handlers"
	"github.com/BaSui01/callbridge/config"
	"github.com/BaSui01/callbridge/internal/relay"
	"github.com/BaSui01/callbridge/testutil"
	"github.com/BaSui01/callbridge/testutil/fixtures"
	"github.com/BaSui01/callbridge/types"
)

// =============================================================================
// 🧪 模拟 Asterisk：事件流 + REST
// =============================================================================

type fakePBX struct {
	srv    *httptest.Server
	frames chan string

	mu       sync.Mutex
	requests []string
}

func newFakePBX(t *testing.T) *fakePBX {
	t.Helper()
	p := &fakePBX{frames: make(chan string, 64)}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ari/events", p.events)
	mux.HandleFunc("POST /ari/channels/{id}/answer", func(w http.ResponseWriter, r *http.Request) {
		p.record("answer " + r.PathValue("id"))
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /ari/channels/{id}/play/{pb}", func(w http.ResponseWriter, r *http.Request) {
		id, pb := r.PathValue("id"), r.PathValue("pb")
		p.record("play " + id + " " + r.URL.Query().Get("media"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": pb, "state": "queued"})
		p.frames <- fixtures.PlaybackFinished(pb, id, "done")
	})
	mux.HandleFunc("DELETE /ari/channels/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		p.record("hangup " + id)
		w.WriteHeader(http.StatusNoContent)
		p.frames <- fixtures.StasisEnd(id)
	})

	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakePBX) events(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-p.frames:
			if err := conn.Write(ctx, websocket.MessageText, []byte(f)); err != nil {
				return
			}
		}
	}
}

func (p *fakePBX) record(req string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
}

func (p *fakePBX) Requests() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.requests...)
}

func testAppConfig(ariURL string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.ARI.URL = ariURL
	cfg.ARI.Username = "asterisk"
	cfg.ARI.Password = "secret"
	cfg.ARI.ReconnectInitialDelay = 10 * time.Millisecond
	cfg.ARI.ReconnectMaxDelay = 50 * time.Millisecond
	cfg.Server.HTTPPort = 0
	cfg.Server.MetricsPort = 0
	cfg.Server.ShutdownTimeout = 2 * time.Second
	cfg.Call.Prompts = []string{"sound:hello-world"}
	cfg.Call.AnswerTimeout = 2 * time.Second
	cfg.Call.PlayTimeout = 2 * time.Second
	cfg.Call.HangupTimeout = 2 * time.Second
	cfg.Recording.Enabled = false
	cfg.Pipeline.Enabled = false
	return cfg
}

// startApp 运行 App 并返回 API 地址与停止函数
func startApp(t *testing.T, app *App) (base string, stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	select {
	case <-app.httpManager.Ready():
	case err := <-done:
		t.Fatalf("app stopped early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("api server did not start")
	}

	stopped := false
	stop = func() error {
		if stopped {
			return nil
		}
		stopped = true
		cancel()
		err, ok := testutil.WaitForChannel(done, 10*time.Second)
		require.True(t, ok, "app did not stop")
		return err
	}
	t.Cleanup(func() { _ = stop() })
	return "http://" + app.httpManager.Addr(), stop
}

func getJSON[T any](t *testing.T, url string) (int, T) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

// =============================================================================
// 🧪 端到端
// =============================================================================

func TestApp_CallLifecycleEndToEnd(t *testing.T) {
	pbx := newFakePBX(t)
	mr := miniredis.RunT(t)

	cfg := testAppConfig(pbx.srv.URL)
	cfg.Relay.Enabled = true
	cfg.Relay.Addr = mr.Addr()

	app, err := NewApp(cfg, zap.NewNop(), testCollector())
	require.NoError(t, err)
	require.NotNil(t, app.relay)

	base, stop := startApp(t, app)

	require.True(t, testutil.WaitFor(app.link.Connected, 5*time.Second), "link not connected")
	status, ready := getJSON[handlers.ServiceHealthResponse](t, base+"/ready")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "pass", ready.Checks["ari"].Status)
	assert.Equal(t, "pass", ready.Checks["relay"].Status)

	pbx.frames <- fixtures.StasisStart("C1", "Alice", "555-0100")

	testutil.AssertEventuallyTrue(t, func() bool {
		_, history := getJSON[handlers.CallHistoryResponse](t, base+"/api/v1/calls/history")
		return history.Count == 1
	}, 5*time.Second)

	assert.Equal(t, []string{
		"answer C1",
		"play C1 sound:hello-world",
		"hangup C1",
	}, pbx.Requests())

	status, detail := getJSON[handlers.CallDetailResponse](t, base+"/api/v1/calls/C1")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Alice", detail.Call.CallerName)
	assert.Equal(t, "555-0100", detail.Call.CallerNumber)
	assert.True(t, detail.Call.Ended())

	status, _ = getJSON[handlers.Response](t, base+"/api/v1/calls/unknown")
	assert.Equal(t, http.StatusNotFound, status)

	r, err := relay.New(cfg.Relay, zap.NewNop())
	require.NoError(t, err)
	defer r.Close()
	testutil.AssertEventuallyTrue(t, func() bool {
		last, err := r.Last(context.Background(), "C1")
		return err == nil && last.Kind == types.CallEnded
	}, 5*time.Second)

	require.NoError(t, stop())
	assert.False(t, app.link.Connected())
}

func TestApp_ReadyFailsWhileLinkDown(t *testing.T) {
	// 无人监听的地址：链路持续重连
	cfg := testAppConfig("http://127.0.0.1:1")
	app, err := NewApp(cfg, zap.NewNop(), nil)
	require.NoError(t, err)

	base, stop := startApp(t, app)

	status, ready := getJSON[handlers.ServiceHealthResponse](t, base+"/ready")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "fail", ready.Checks["ari"].Status)

	status, ari := getJSON[handlers.ARIStatusResponse](t, base+"/api/v1/ari/status")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "disconnected", ari.Status)

	status, live := getJSON[handlers.ServiceHealthResponse](t, base+"/health")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", live.Status)

	status, pipe := getJSON[struct {
		Data handlers.PipelineStatusResponse `json:"data"`
	}](t, base+"/api/v1/pipeline")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "disabled", pipe.Data.Status)

	require.NoError(t, stop())
}

func TestApp_RelayUnavailableIsNotFatal(t *testing.T) {
	cfg := testAppConfig("http://127.0.0.1:1")
	cfg.Relay.Enabled = true
	cfg.Relay.Addr = "127.0.0.1:1"

	app, err := NewApp(cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	assert.Nil(t, app.relay)
}

func TestApp_InvalidARIURL(t *testing.T) {
	cfg := testAppConfig("ftp://pbx")
	_, err := NewApp(cfg, zap.NewNop(), nil)
	assert.Error(t, err)
}

func TestApp_UnreadableCAFile(t *testing.T) {
	cfg := testAppConfig("https://pbx:8089")
	cfg.ARI.CAFile = "/nonexistent/pbx-ca.pem"
	_, err := NewApp(cfg, zap.NewNop(), nil)
	assert.ErrorContains(t, err, "read ca file")
}
