package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeLink struct{ connected bool }

func (f fakeLink) Connected() bool { return f.connected }

func passCheck(context.Context) error { return nil }

func decodeHealth(t *testing.T, w *httptest.ResponseRecorder) ServiceHealthResponse {
	t.Helper()
	var status ServiceHealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	return status
}

func TestHealthHandler_LivenessIgnoresChecks(t *testing.T) {
	h := NewHealthHandler(zap.NewNop(), WithActiveCalls(func() int { return 3 }))
	h.RegisterCheck("ari", LinkCheck(fakeLink{}))

	for _, path := range []string{"/health", "/healthz"} {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, path, nil)
		if path == "/health" {
			h.HandleHealth(w, r)
		} else {
			h.HandleHealthz(w, r)
		}

		assert.Equal(t, http.StatusOK, w.Code, path)
		status := decodeHealth(t, w)
		assert.Equal(t, "healthy", status.Status)
		assert.False(t, status.Timestamp.IsZero())
		require.NotNil(t, status.ActiveCalls)
		assert.Equal(t, 3, *status.ActiveCalls)
		assert.Empty(t, status.Checks)
	}
}

func TestHealthHandler_HandleReady(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]CheckFunc
		code   int
		want   map[string]string
	}{
		{
			name: "no checks",
			code: http.StatusOK,
			want: map[string]string{},
		},
		{
			name:   "link up and relay reachable",
			checks: map[string]CheckFunc{"ari": LinkCheck(fakeLink{connected: true}), "relay": passCheck},
			code:   http.StatusOK,
			want:   map[string]string{"ari": "pass", "relay": "pass"},
		},
		{
			name:   "link down",
			checks: map[string]CheckFunc{"ari": LinkCheck(fakeLink{}), "relay": passCheck},
			code:   http.StatusServiceUnavailable,
			want:   map[string]string{"ari": "fail", "relay": "pass"},
		},
		{
			name: "relay unreachable",
			checks: map[string]CheckFunc{
				"ari":   LinkCheck(fakeLink{connected: true}),
				"relay": func(context.Context) error { return errors.New("dial tcp: refused") },
			},
			code: http.StatusServiceUnavailable,
			want: map[string]string{"ari": "pass", "relay": "fail"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(nil)
			for name, check := range tt.checks {
				h.RegisterCheck(name, check)
			}

			w := httptest.NewRecorder()
			h.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

			assert.Equal(t, tt.code, w.Code)
			status := decodeHealth(t, w)
			got := make(map[string]string, len(status.Checks))
			for name, res := range status.Checks {
				got[name] = res.Status
			}
			assert.Equal(t, tt.want, got)
			if tt.code == http.StatusOK {
				assert.Equal(t, "healthy", status.Status)
			} else {
				assert.Equal(t, "unhealthy", status.Status)
			}
		})
	}
}

func TestHealthHandler_LinkDownMessage(t *testing.T) {
	h := NewHealthHandler(zap.NewNop())
	h.RegisterCheck("ari", LinkCheck(fakeLink{}))

	w := httptest.NewRecorder()
	h.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

	status := decodeHealth(t, w)
	assert.Equal(t, ErrLinkDown.Error(), status.Checks["ari"].Message)
	assert.NotEmpty(t, status.Checks["ari"].Latency)
}

func TestHealthHandler_RegisterReplacesSameName(t *testing.T) {
	h := NewHealthHandler(zap.NewNop())
	h.RegisterCheck("relay", func(context.Context) error { return errors.New("down") })
	h.RegisterCheck("relay", passCheck)

	w := httptest.NewRecorder()
	h.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeHealth(t, w).Checks, 1)
}

func TestHealthHandler_ChecksRunConcurrentlyUnderTimeout(t *testing.T) {
	h := NewHealthHandler(zap.NewNop(), WithCheckTimeout(100*time.Millisecond))
	slow := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	h.RegisterCheck("a", slow)
	h.RegisterCheck("b", slow)

	start := time.Now()
	w := httptest.NewRecorder()
	h.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	status := decodeHealth(t, w)
	assert.Equal(t, context.DeadlineExceeded.Error(), status.Checks["a"].Message)
}

func TestHealthHandler_ConcurrentProbes(t *testing.T) {
	h := NewHealthHandler(zap.NewNop())
	h.RegisterCheck("ari", LinkCheck(fakeLink{connected: true}))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := httptest.NewRecorder()
			h.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
			assert.Equal(t, http.StatusOK, w.Code)
		}()
	}
	wg.Wait()
}

func TestHealthHandler_HandleVersion(t *testing.T) {
	h := NewHealthHandler(zap.NewNop())

	w := httptest.NewRecorder()
	h.HandleVersion("1.2.0", "2026-05-04T00:00:00Z", "abc123")(w, httptest.NewRequest(http.MethodGet, "/version", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Success)

	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "1.2.0", data["version"])
	assert.Equal(t, "abc123", data["git_commit"])
}
