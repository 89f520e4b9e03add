package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/callbridge/orchestrator"
	"github.com/BaSui01/callbridge/types"
)

// =============================================================================
// 📞 通话查询与控制 Handler
// =============================================================================

// SessionReader 会话只读视图（由 session.Store 实现）
type SessionReader interface {
	Get(callID string) (types.CallSession, bool)
	ListActive() []types.CallSession
	ListHistory() []types.CallSession
}

// CallControl 人工控制通话（由 telephony.Actions 实现）
type CallControl interface {
	Play(ctx context.Context, callID, media string) error
	Hangup(ctx context.Context, callID string) error
}

// CallStates 运行中通话的阶段（由 orchestrator.Orchestrator 实现）
type CallStates interface {
	CallState(callID string) (orchestrator.State, bool)
}

// CallHandler 通话接口
type CallHandler struct {
	sessions SessionReader
	control  CallControl
	states   CallStates
	timeout  time.Duration
	logger   *zap.Logger
}

// CallHandlerOption 选项
type CallHandlerOption func(*CallHandler)

// WithCallControl 启用 play / hangup 接口
func WithCallControl(c CallControl, timeout time.Duration) CallHandlerOption {
	return func(h *CallHandler) {
		h.control = c
		h.timeout = timeout
	}
}

// WithCallStates 在详情中附带工作协程阶段
func WithCallStates(s CallStates) CallHandlerOption {
	return func(h *CallHandler) { h.states = s }
}

// NewCallHandler 创建通话 Handler
func NewCallHandler(sessions SessionReader, logger *zap.Logger, opts ...CallHandlerOption) *CallHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &CallHandler{
		sessions: sessions,
		timeout:  30 * time.Second,
		logger:   logger.With(zap.String("component", "call_handler")),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.timeout <= 0 {
		h.timeout = 30 * time.Second
	}
	return h
}

// ActiveCallsResponse GET /api/v1/calls
type ActiveCallsResponse struct {
	ActiveCalls []types.CallSession `json:"active_calls"`
	Count       int                 `json:"count"`
}

// CallHistoryResponse GET /api/v1/calls/history
type CallHistoryResponse struct {
	CallHistory []types.CallSession `json:"call_history"`
	Count       int                 `json:"count"`
}

// CallDetailResponse GET /api/v1/calls/{callID}
type CallDetailResponse struct {
	Call  types.CallSession `json:"call"`
	State string            `json:"state,omitempty"`
}

// PlayRequest POST /api/v1/calls/{callID}/play
type PlayRequest struct {
	Media string `json:"media"`
}

// HandleList 进行中的通话
func (h *CallHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	active := h.sessions.ListActive()
	WriteJSON(w, http.StatusOK, ActiveCallsResponse{ActiveCalls: active, Count: len(active)})
}

// HandleHistory 已结束的通话
func (h *CallHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	history := h.sessions.ListHistory()
	WriteJSON(w, http.StatusOK, CallHistoryResponse{CallHistory: history, Count: len(history)})
}

// HandleGet 单通电话详情，未知 callID 返回 404
func (h *CallHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.lookup(w, r)
	if !ok {
		return
	}
	resp := CallDetailResponse{Call: sess}
	if h.states != nil {
		if state, running := h.states.CallState(sess.CallID); running {
			resp.State = string(state)
		}
	}
	WriteJSON(w, http.StatusOK, resp)
}

// HandlePlay 向进行中的通话播放媒体
func (h *CallHandler) HandlePlay(w http.ResponseWriter, r *http.Request) {
	if !h.controlEnabled(w) {
		return
	}
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req PlayRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	req.Media = strings.TrimSpace(req.Media)
	if req.Media == "" {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "media is required"), h.logger)
		return
	}

	sess, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if sess.Ended() {
		WriteError(w, types.NewSessionTerminatedError(sess.CallID), h.logger)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	if err := h.control.Play(ctx, sess.CallID, req.Media); err != nil {
		h.writeActionError(w, err, sess.CallID)
		return
	}
	WriteSuccess(w, map[string]string{"call_id": sess.CallID, "media": req.Media})
}

// HandleHangup 挂断通话。已结束的通话再次挂断视为成功。
func (h *CallHandler) HandleHangup(w http.ResponseWriter, r *http.Request) {
	if !h.controlEnabled(w) {
		return
	}
	sess, ok := h.lookup(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	if err := h.control.Hangup(ctx, sess.CallID); err != nil {
		h.writeActionError(w, err, sess.CallID)
		return
	}
	WriteSuccess(w, map[string]string{"call_id": sess.CallID})
}

func (h *CallHandler) lookup(w http.ResponseWriter, r *http.Request) (types.CallSession, bool) {
	callID := r.PathValue("callID")
	if callID == "" {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "call id is required"), h.logger)
		return types.CallSession{}, false
	}
	sess, ok := h.sessions.Get(callID)
	if !ok {
		WriteError(w, types.NewError(types.ErrNotFound, "call not found").WithCallID(callID), h.logger)
		return types.CallSession{}, false
	}
	return sess, true
}

func (h *CallHandler) controlEnabled(w http.ResponseWriter) bool {
	if h.control == nil {
		WriteErrorMessage(w, http.StatusServiceUnavailable, types.ErrServiceUnavailable, "call control is not available", h.logger)
		return false
	}
	return true
}

func (h *CallHandler) writeActionError(w http.ResponseWriter, err error, callID string) {
	if apiErr, ok := types.AsError(err); ok {
		// ARI 的状态码属于上游，对外统一按错误码映射
		out := *apiErr
		out.HTTPStatus = 0
		if out.CallID == "" {
			out.CallID = callID
		}
		WriteError(w, &out, h.logger)
		return
	}
	WriteError(w, types.NewError(types.ErrInternalError, "call action failed").WithCause(err).WithCallID(callID), h.logger)
}
