package pipeline

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/callbridge/config"
	"github.com/BaSui01/callbridge/internal/metrics"
	"github.com/BaSui01/callbridge/types"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) (*Client, config.PipelineConfig) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.DefaultPipelineConfig()
	cfg.Enabled = true
	cfg.APIKey = "sk-test"
	cfg.BaseURL = srv.URL
	cfg.AudioDir = t.TempDir()
	cfg.Timeout = 5 * time.Second
	return NewClient(cfg, zap.NewNop(), opts...), cfg
}

func TestClient_Transcribe(t *testing.T) {
	audio := filepath.Join(t.TempDir(), "call-C1-1-1.wav")
	require.NoError(t, os.WriteFile(audio, []byte("RIFF....WAVE"), 0o644))

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/audio/transcriptions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "whisper-1", r.FormValue("model"))
		assert.Equal(t, "es", r.FormValue("language"))

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "call-C1-1-1.wav", header.Filename)
		data, _ := io.ReadAll(file)
		assert.Equal(t, "RIFF....WAVE", string(data))

		_ = json.NewEncoder(w).Encode(map[string]any{"text": "  hola, necesito ayuda  "})
	})

	text, err := c.Transcribe(t.Context(), audio, "es")
	require.NoError(t, err)
	assert.Equal(t, "hola, necesito ayuda", text)
}

func TestClient_TranscribeMissingFile(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("request must not be sent")
	})

	_, err := c.Transcribe(t.Context(), "/no/such/file.wav", "")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrPipeline))
}

func TestClient_Complete(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)

		var body chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4", body.Model)
		assert.InDelta(t, 0.7, body.Temperature, 1e-9)
		assert.Equal(t, 500, body.MaxTokens)
		require.Len(t, body.Messages, 2)
		assert.Equal(t, types.RoleSystem, body.Messages[0].Role)
		assert.Equal(t, types.RoleUser, body.Messages[1].Role)

		_, _ = io.WriteString(w, `{"id":"c1","model":"gpt-4","choices":[{"index":0,"message":{"role":"assistant","content":" Claro. "},"finish_reason":"stop"}],"usage":{"total_tokens":12}}`)
	})

	reply, err := c.Complete(t.Context(), []types.ChatMessage{
		{Role: types.RoleSystem, Content: "persona"},
		{Role: types.RoleUser, Content: "hola"},
	}, CompletionOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Claro.", reply)
}

func TestClient_CompleteUpstreamError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"Rate limit reached","type":"requests"}}`)
	})

	_, err := c.Complete(t.Context(), []types.ChatMessage{{Role: types.RoleUser, Content: "hi"}}, CompletionOptions{})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrPipeline))
	assert.Contains(t, err.Error(), "Rate limit reached")

	te, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusTooManyRequests, te.HTTPStatus)
	assert.True(t, te.Retryable)
}

func TestClient_CompleteEmptyChoices(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"choices":[]}`)
	})

	_, err := c.Complete(t.Context(), []types.ChatMessage{{Role: types.RoleUser, Content: "hi"}}, CompletionOptions{})
	assert.True(t, types.IsCode(err, types.ErrPipeline))
}

func TestClient_Synthesize(t *testing.T) {
	fixed := time.UnixMilli(1_700_000_123_456)
	c, cfg := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/audio/speech", r.URL.Path)
		var body speechRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "tts-1", body.Model)
		assert.Equal(t, "nova", body.Voice)
		assert.Equal(t, "wav", body.ResponseFormat)
		assert.Equal(t, "Claro.", body.Input)
		_, _ = io.WriteString(w, "AUDIO")
	}, WithClock(func() time.Time { return fixed }))

	path, err := c.Synthesize(t.Context(), "Claro.", "", "")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(path))
	assert.Equal(t, cfg.AudioDir, filepath.Dir(path))
	assert.Regexp(t, `^tts-1700000123456-[0-9a-f-]{36}\.wav$`, filepath.Base(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "AUDIO", string(data))
}

func TestClient_SynthesizeServerError(t *testing.T) {
	c, cfg := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})

	_, err := c.Synthesize(t.Context(), "hello", "alloy", "mp3")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrPipeline))
	assert.True(t, strings.Contains(err.Error(), "overloaded"))

	entries, _ := os.ReadDir(cfg.AudioDir)
	assert.Empty(t, entries, "no file is written on failure")
}

func TestClient_RecordsMetrics(t *testing.T) {
	m := metrics.NewCollector("pipeline_test", zap.NewNop())
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, WithMetrics(m))

	_, _ = c.Complete(t.Context(), []types.ChatMessage{{Role: types.RoleUser, Content: "x"}}, CompletionOptions{})
	count, err := testutil.GatherAndCount(prometheus.DefaultGatherer, "pipeline_test_pipeline_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestClient_CompleteTemperature(t *testing.T) {
	var mu sync.Mutex
	var got []float64
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		got = append(got, body.Temperature)
		mu.Unlock()
		_, _ = io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`)
	})
	msgs := []types.ChatMessage{{Role: types.RoleUser, Content: "hi"}}

	_, err := c.Complete(t.Context(), msgs, CompletionOptions{Temperature: Temperature(0)})
	require.NoError(t, err)
	_, err = c.Complete(t.Context(), msgs, CompletionOptions{Temperature: Temperature(1.2)})
	require.NoError(t, err)
	_, err = c.Complete(t.Context(), msgs, CompletionOptions{})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []float64{0, 1.2, 0.7}, got)
}

func TestClient_ConfiguredZeroTemperatureIsKept(t *testing.T) {
	got := make(chan float64, 1)
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		got <- body.Temperature
		_, _ = io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`)
	})
	c.cfg.Temperature = 0

	_, err := c.Complete(t.Context(), []types.ChatMessage{{Role: types.RoleUser, Content: "hi"}}, CompletionOptions{})
	require.NoError(t, err)
	assert.Zero(t, <-got)
}

func TestClient_ConcurrentSynthesizeWritesDistinctFiles(t *testing.T) {
	fixed := time.UnixMilli(1_700_000_000_000)
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body speechRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = io.WriteString(w, "AUDIO:"+body.Input)
	}, WithClock(func() time.Time { return fixed }))

	const calls = 8
	paths := make([]string, calls)
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			path, err := c.Synthesize(t.Context(), fmt.Sprintf("reply-%d", i), "", "")
			assert.NoError(t, err)
			paths[i] = path
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, calls)
	for i, path := range paths {
		require.NotEmpty(t, path)
		assert.False(t, seen[path], "file shared between calls: %s", path)
		seen[path] = true

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("AUDIO:reply-%d", i), string(data))
	}
}
