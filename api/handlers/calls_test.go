package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/callbridge/orchestrator"
	"github.com/BaSui01/callbridge/session"
	"github.com/BaSui01/callbridge/testutil"
	"github.com/BaSui01/callbridge/types"
)

// =============================================================================
// 🧪 测试辅助
// =============================================================================

type fakeControl struct {
	mu      sync.Mutex
	played  []string
	hungUp  []string
	playErr error
	hupErr  error
}

func (f *fakeControl) Play(ctx context.Context, callID, media string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.playErr != nil {
		return f.playErr
	}
	f.played = append(f.played, callID+"|"+media)
	return nil
}

func (f *fakeControl) Hangup(ctx context.Context, callID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hupErr != nil {
		return f.hupErr
	}
	f.hungUp = append(f.hungUp, callID)
	return nil
}

type fakeStates map[string]orchestrator.State

func (f fakeStates) CallState(callID string) (orchestrator.State, bool) {
	s, ok := f[callID]
	return s, ok
}

func newTestStore(t *testing.T) *session.Store {
	t.Helper()
	store := session.NewStore(session.WithClock(
		testutil.StepClock(time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC), time.Second)))

	_, err := store.Create("C1", "Alice", "555-0100")
	require.NoError(t, err)
	_, err = store.Create("C2", "Bob", "555-0101")
	require.NoError(t, err)
	_, err = store.Create("C3", "Carol", "555-0102")
	require.NoError(t, err)
	require.NoError(t, store.AppendRecording("C3", "/var/spool/asterisk/recording/c3.wav"))
	_, err = store.End("C3")
	require.NoError(t, err)
	return store
}

func newCallMux(h *CallHandler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/calls", h.HandleList)
	mux.HandleFunc("GET /api/v1/calls/history", h.HandleHistory)
	mux.HandleFunc("GET /api/v1/calls/{callID}", h.HandleGet)
	mux.HandleFunc("POST /api/v1/calls/{callID}/play", h.HandlePlay)
	mux.HandleFunc("POST /api/v1/calls/{callID}/hangup", h.HandleHangup)
	return mux
}

func serve(mux http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	return w
}

// =============================================================================
// 🧪 查询接口
// =============================================================================

func TestCallHandler_ListActive(t *testing.T) {
	mux := newCallMux(NewCallHandler(newTestStore(t), zap.NewNop()))

	w := serve(mux, http.MethodGet, "/api/v1/calls", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp ActiveCallsResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, 2, resp.Count)
	require.Len(t, resp.ActiveCalls, 2)
	assert.Equal(t, "C1", resp.ActiveCalls[0].CallID)
	assert.Equal(t, "C2", resp.ActiveCalls[1].CallID)
}

func TestCallHandler_History(t *testing.T) {
	mux := newCallMux(NewCallHandler(newTestStore(t), zap.NewNop()))

	w := serve(mux, http.MethodGet, "/api/v1/calls/history", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp CallHistoryResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, 1, resp.Count)
	require.Len(t, resp.CallHistory, 1)
	assert.Equal(t, "C3", resp.CallHistory[0].CallID)
	assert.NotNil(t, resp.CallHistory[0].EndedAt)
	assert.Equal(t, []string{"/var/spool/asterisk/recording/c3.wav"}, resp.CallHistory[0].Recordings)
}

func TestCallHandler_EmptyListsEncodeAsArrays(t *testing.T) {
	mux := newCallMux(NewCallHandler(session.NewStore(), zap.NewNop()))

	w := serve(mux, http.MethodGet, "/api/v1/calls", "")
	assert.JSONEq(t, `{"active_calls":[],"count":0}`, w.Body.String())

	w = serve(mux, http.MethodGet, "/api/v1/calls/history", "")
	assert.JSONEq(t, `{"call_history":[],"count":0}`, w.Body.String())
}

func TestCallHandler_Get(t *testing.T) {
	h := NewCallHandler(newTestStore(t), zap.NewNop(), WithCallStates(fakeStates{"C1": orchestrator.StateRecording}))
	mux := newCallMux(h)

	w := serve(mux, http.MethodGet, "/api/v1/calls/C1", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp CallDetailResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "C1", resp.Call.CallID)
	assert.Equal(t, "Alice", resp.Call.CallerName)
	assert.Equal(t, "555-0100", resp.Call.CallerNumber)
	assert.Equal(t, string(orchestrator.StateRecording), resp.State)

	w = serve(mux, http.MethodGet, "/api/v1/calls/C3", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp = CallDetailResponse{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Empty(t, resp.State)
}

func TestCallHandler_GetUnknownReturnsNotFound(t *testing.T) {
	mux := newCallMux(NewCallHandler(newTestStore(t), zap.NewNop()))

	w := serve(mux, http.MethodGet, "/api/v1/calls/nope", "")
	require.Equal(t, http.StatusNotFound, w.Code)

	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(types.ErrNotFound), resp.Error.Code)
	assert.Equal(t, "nope", resp.Error.CallID)
}

// =============================================================================
// 🧪 控制接口
// =============================================================================

func TestCallHandler_Play(t *testing.T) {
	ctrl := &fakeControl{}
	mux := newCallMux(NewCallHandler(newTestStore(t), zap.NewNop(), WithCallControl(ctrl, time.Second)))

	w := serve(mux, http.MethodPost, "/api/v1/calls/C1/play", `{"media":"sound:hello-world"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"C1|sound:hello-world"}, ctrl.played)

	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Success)
}

func TestCallHandler_PlayRejections(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		body     string
		wantCode int
		wantErr  types.ErrorCode
	}{
		{"missing media", "/api/v1/calls/C1/play", `{"media":"  "}`, http.StatusBadRequest, types.ErrInvalidRequest},
		{"unknown field", "/api/v1/calls/C1/play", `{"audioFile":"x"}`, http.StatusBadRequest, types.ErrInvalidRequest},
		{"unknown call", "/api/v1/calls/nope/play", `{"media":"sound:x"}`, http.StatusNotFound, types.ErrNotFound},
		{"ended call", "/api/v1/calls/C3/play", `{"media":"sound:x"}`, http.StatusConflict, types.ErrSessionTerminated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := &fakeControl{}
			mux := newCallMux(NewCallHandler(newTestStore(t), zap.NewNop(), WithCallControl(ctrl, time.Second)))

			w := serve(mux, http.MethodPost, tt.target, tt.body)
			assert.Equal(t, tt.wantCode, w.Code)

			var resp Response
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			require.NotNil(t, resp.Error)
			assert.Equal(t, string(tt.wantErr), resp.Error.Code)
			assert.Empty(t, ctrl.played)
		})
	}
}

func TestCallHandler_PlayRequiresJSON(t *testing.T) {
	mux := newCallMux(NewCallHandler(newTestStore(t), zap.NewNop(), WithCallControl(&fakeControl{}, time.Second)))

	r := httptest.NewRequest(http.MethodPost, "/api/v1/calls/C1/play", strings.NewReader(`media=x`))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCallHandler_PlayActionFailureMapsToBadGateway(t *testing.T) {
	ctrl := &fakeControl{
		playErr: types.NewError(types.ErrTelephonyAction, "play failed").WithHTTPStatus(http.StatusNotFound),
	}
	mux := newCallMux(NewCallHandler(newTestStore(t), zap.NewNop(), WithCallControl(ctrl, time.Second)))

	w := serve(mux, http.MethodPost, "/api/v1/calls/C1/play", `{"media":"sound:x"}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)

	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, string(types.ErrTelephonyAction), resp.Error.Code)
	assert.Equal(t, "C1", resp.Error.CallID)
}

func TestCallHandler_Hangup(t *testing.T) {
	ctrl := &fakeControl{}
	mux := newCallMux(NewCallHandler(newTestStore(t), zap.NewNop(), WithCallControl(ctrl, time.Second)))

	w := serve(mux, http.MethodPost, "/api/v1/calls/C2/hangup", "")
	require.Equal(t, http.StatusOK, w.Code)

	// 已结束的通话再次挂断仍然成功
	w = serve(mux, http.MethodPost, "/api/v1/calls/C3/hangup", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"C2", "C3"}, ctrl.hungUp)

	w = serve(mux, http.MethodPost, "/api/v1/calls/nope/hangup", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCallHandler_HangupPlainError(t *testing.T) {
	ctrl := &fakeControl{hupErr: errors.New("boom")}
	mux := newCallMux(NewCallHandler(newTestStore(t), zap.NewNop(), WithCallControl(ctrl, time.Second)))

	w := serve(mux, http.MethodPost, "/api/v1/calls/C1/hangup", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestCallHandler_ControlDisabled(t *testing.T) {
	mux := newCallMux(NewCallHandler(newTestStore(t), zap.NewNop()))

	w := serve(mux, http.MethodPost, "/api/v1/calls/C1/hangup", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = serve(mux, http.MethodPost, "/api/v1/calls/C1/play", `{"media":"sound:x"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
