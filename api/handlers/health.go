package handlers

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// 🏥 健康检查 Handler
// =============================================================================

// CheckFunc 单项就绪检查，返回 nil 表示通过
type CheckFunc func(ctx context.Context) error

// HealthHandler 存活 / 就绪探针
type HealthHandler struct {
	logger       *zap.Logger
	checkTimeout time.Duration
	activeCalls  func() int

	mu     sync.RWMutex
	names  []string
	checks map[string]CheckFunc
}

// ServiceHealthResponse 健康状态响应
type ServiceHealthResponse struct {
	Status      string                 `json:"status"` // "healthy", "unhealthy"
	Timestamp   time.Time              `json:"timestamp"`
	ActiveCalls *int                   `json:"active_calls,omitempty"`
	Checks      map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult 单个检查结果
type CheckResult struct {
	Status  string `json:"status"` // "pass", "fail"
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// HealthOption 选项
type HealthOption func(*HealthHandler)

// WithActiveCalls 在探针响应中附带进行中的通话数
func WithActiveCalls(fn func() int) HealthOption {
	return func(h *HealthHandler) { h.activeCalls = fn }
}

// WithCheckTimeout 就绪检查的总期限，默认 5s
func WithCheckTimeout(d time.Duration) HealthOption {
	return func(h *HealthHandler) {
		if d > 0 {
			h.checkTimeout = d
		}
	}
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(logger *zap.Logger, opts ...HealthOption) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &HealthHandler{
		logger:       logger.With(zap.String("component", "health")),
		checkTimeout: 5 * time.Second,
		checks:       make(map[string]CheckFunc),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterCheck 注册就绪检查；同名检查被替换
func (h *HealthHandler) RegisterCheck(name string, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.checks[name]; !ok {
		h.names = append(h.names, name)
		sort.Strings(h.names)
	}
	h.checks[name] = check
}

// =============================================================================
// 🎯 HTTP 处理程序
// =============================================================================

// HandleHealth 存活探针：进程能响应即健康，不访问任何外部依赖
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.baseResponse())
}

// HandleHealthz Kubernetes 风格别名
func (h *HealthHandler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	h.HandleHealth(w, r)
}

// HandleReady 就绪探针：并发执行全部检查，任一失败返回 503
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.checkTimeout)
	defer cancel()

	h.mu.RLock()
	names := append([]string(nil), h.names...)
	checks := make([]CheckFunc, len(names))
	for i, name := range names {
		checks[i] = h.checks[name]
	}
	h.mu.RUnlock()

	results := make([]CheckResult, len(names))
	var wg sync.WaitGroup
	for i := range names {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.run(ctx, names[i], checks[i])
		}(i)
	}
	wg.Wait()

	resp := h.baseResponse()
	resp.Checks = make(map[string]CheckResult, len(names))
	code := http.StatusOK
	for i, name := range names {
		resp.Checks[name] = results[i]
		if results[i].Status != "pass" {
			resp.Status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}
	WriteJSON(w, code, resp)
}

func (h *HealthHandler) run(ctx context.Context, name string, check CheckFunc) CheckResult {
	start := time.Now()
	err := check(ctx)
	latency := time.Since(start)

	if err != nil {
		h.logger.Warn("readiness check failed",
			zap.String("check", name),
			zap.Error(err),
			zap.Duration("latency", latency))
		return CheckResult{Status: "fail", Message: err.Error(), Latency: latency.String()}
	}
	return CheckResult{Status: "pass", Latency: latency.String()}
}

func (h *HealthHandler) baseResponse() ServiceHealthResponse {
	resp := ServiceHealthResponse{Status: "healthy", Timestamp: time.Now()}
	if h.activeCalls != nil {
		n := h.activeCalls()
		resp.ActiveCalls = &n
	}
	return resp
}

// HandleVersion 处理 /version 请求
func (h *HealthHandler) HandleVersion(version, buildTime, gitCommit string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteSuccess(w, map[string]string{
			"version":    version,
			"build_time": buildTime,
			"git_commit": gitCommit,
		})
	}
}

// =============================================================================
// 🔧 内置检查
// =============================================================================

// ErrLinkDown 信令链路未连接
var ErrLinkDown = errors.New("ari link not connected")

// LinkState 信令链路的连接状态（由 ari.Link 实现）
type LinkState interface {
	Connected() bool
}

// LinkCheck 链路未连接时失败
func LinkCheck(link LinkState) CheckFunc {
	return func(context.Context) error {
		if !link.Connected() {
			return ErrLinkDown
		}
		return nil
	}
}
