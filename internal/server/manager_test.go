package server

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/callbridge/config"
)

func TestFromServerConfig(t *testing.T) {
	sc := config.ServerConfig{
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 20 * time.Second,
	}

	c := FromServerConfig(sc, 9091)
	assert.Equal(t, ":9091", c.Addr)
	assert.Equal(t, 10*time.Second, c.ReadTimeout)
	assert.Equal(t, 20*time.Second, c.WriteTimeout)
	assert.Equal(t, 20*time.Second, c.IdleTimeout)
	assert.Equal(t, 15*time.Second, c.ShutdownTimeout)

	sc.ShutdownTimeout = time.Second
	assert.Equal(t, time.Second, FromServerConfig(sc, 0).ShutdownTimeout)
}

// runManager 在后台运行并等待开始监听
func runManager(t *testing.T, m *Manager) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	select {
	case <-m.Ready():
	case err := <-done:
		t.Fatalf("Run returned early: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not start listening")
	}
	t.Cleanup(cancel)
	return cancel, done
}

func TestManager_ServesUntilCancelled(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	m := NewManager("api", handler, Config{Addr: "127.0.0.1:0", ShutdownTimeout: time.Second}, zap.NewNop())
	assert.Equal(t, "127.0.0.1:0", m.Addr())

	cancel, done := runManager(t, m)
	assert.NotEqual(t, "127.0.0.1:0", m.Addr())

	resp, err := http.Get("http://" + m.Addr() + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestManager_RunTwice(t *testing.T) {
	m := NewManager("metrics", http.NewServeMux(), Config{Addr: "127.0.0.1:0", ShutdownTimeout: time.Second}, nil)
	runManager(t, m)

	err := m.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")
}

func TestManager_ListenError(t *testing.T) {
	m := NewManager("api", http.NewServeMux(), Config{Addr: "256.0.0.1:bad"}, zap.NewNop())

	err := m.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to listen")
}
