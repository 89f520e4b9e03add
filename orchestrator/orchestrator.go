package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/callbridge/callbus"
	"github.com/BaSui01/callbridge/config"
	"github.com/BaSui01/callbridge/internal/metrics"
	"github.com/BaSui01/callbridge/internal/pool"
	"github.com/BaSui01/callbridge/internal/telemetry"
	"github.com/BaSui01/callbridge/pipeline"
	"github.com/BaSui01/callbridge/session"
	"github.com/BaSui01/callbridge/types"
)

// =============================================================================
// 🔌 能力接口
// =============================================================================

// Telephony 电话指令能力（由 telephony.Actions 实现）
type Telephony interface {
	Answer(ctx context.Context, callID string) error
	Play(ctx context.Context, callID, media string) error
	StartRecording(ctx context.Context, callID, format string) (*types.RecordingHandle, error)
	FinishRecording(ctx context.Context, h *types.RecordingHandle) (*types.RecordingHandle, error)
	Hangup(ctx context.Context, callID string) error
}

// Pipeline 音频流水线能力（由 pipeline.Client 实现）
type Pipeline interface {
	Transcribe(ctx context.Context, path, language string) (string, error)
	Complete(ctx context.Context, messages []types.ChatMessage, opts pipeline.CompletionOptions) (string, error)
	Synthesize(ctx context.Context, text, voice, format string) (string, error)
}

// =============================================================================
// 🎛️ Orchestrator
// =============================================================================

// Orchestrator 消费生命周期事件，为每通电话运行一个工作协程
type Orchestrator struct {
	cfg     *config.Config
	tel     Telephony
	pipe    Pipeline
	store   *session.Store
	pool    *pool.WorkerPool
	metrics *metrics.Collector
	tracer  trace.Tracer
	logger  *zap.Logger

	rootCtx   context.Context
	cancelAll context.CancelFunc

	mu      sync.Mutex
	workers map[string]*callWorker
}

// Option 选项
type Option func(*Orchestrator)

// WithMetrics 设置指标收集器
func WithMetrics(m *metrics.Collector) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer 替换 tracer
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// New 创建编排器。pipe 可以为 nil（未启用流水线）。
func New(cfg *config.Config, tel Telephony, pipe Pipeline, store *session.Store, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		cfg:     cfg,
		tel:     tel,
		pipe:    pipe,
		store:   store,
		tracer:  telemetry.Tracer(),
		logger:  logger.With(zap.String("component", "orchestrator")),
		workers: make(map[string]*callWorker),
	}
	o.rootCtx, o.cancelAll = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(o)
	}
	o.pool = pool.NewWorkerPool(pool.Config{
		MaxWorkers: cfg.Call.MaxConcurrentCalls,
		PanicHandler: func(r any) {
			o.logger.Error("call worker panicked", zap.Any("panic", r))
		},
	})
	return o
}

// Run 处理订阅中的事件，直到 ctx 结束或订阅关闭
func (o *Orchestrator) Run(ctx context.Context, sub *callbus.Subscription) error {
	o.logger.Info("orchestrator started",
		zap.Int("max_concurrent_calls", o.cfg.Call.MaxConcurrentCalls),
		zap.Bool("recording", o.cfg.RecordingActive()),
		zap.Bool("pipeline", o.pipelineEnabled()))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			o.handle(ev)
		}
	}
}

func (o *Orchestrator) handle(ev types.LifecycleEvent) {
	switch ev.Kind {
	case types.CallStarted:
		o.handleStarted(ev)
	case types.CallEnded:
		o.handleEnded(ev)
	default:
		o.logger.Warn("unknown lifecycle event", zap.String("kind", string(ev.Kind)))
	}
}

func (o *Orchestrator) handleStarted(ev types.LifecycleEvent) {
	logger := o.logger.With(zap.String("call_id", ev.CallID))

	o.mu.Lock()
	_, running := o.workers[ev.CallID]
	o.mu.Unlock()
	if running {
		logger.Warn("duplicate CallStarted ignored")
		return
	}

	var name, number string
	if ev.Caller != nil {
		name, number = ev.Caller.Name, ev.Caller.Number
	}
	if _, err := o.store.Create(ev.CallID, name, number); err != nil {
		logger.Warn("session not created", zap.Error(err))
		return
	}
	o.metrics.RecordCallStarted()
	logger.Info("call started", zap.String("caller_name", name), zap.String("caller_number", number))

	ctx, cancel := context.WithCancel(o.rootCtx)
	w := newCallWorker(ev.CallID, cancel)

	o.mu.Lock()
	o.workers[ev.CallID] = w
	o.mu.Unlock()

	if err := o.pool.Submit(ctx, func(ctx context.Context) error { return o.runCall(ctx, w) }); err != nil {
		o.forget(w)
		cancel()
		o.reject(ev.CallID, err)
	}
}

// reject 并发已满或已关闭：立即挂断并结束会话
func (o *Orchestrator) reject(callID string, cause error) {
	logger := o.logger.With(zap.String("call_id", callID))
	logger.Warn("call rejected", zap.Error(cause))
	o.metrics.RecordCallRejected()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.Call.HangupTimeout)
		defer cancel()
		if err := o.tel.Hangup(ctx, callID); err != nil {
			logger.Warn("hangup of rejected call failed", zap.Error(err))
		}
	}()

	if ended, _ := o.store.End(callID); ended {
		o.metrics.RecordCallEnded(endRejected)
	}
}

// handleEnded 远端结束通话。本端挂断过程中收到的 CallEnded 沿用本端的结束原因。
func (o *Orchestrator) handleEnded(ev types.LifecycleEvent) {
	logger := o.logger.With(zap.String("call_id", ev.CallID))

	o.mu.Lock()
	w, ok := o.workers[ev.CallID]
	o.mu.Unlock()

	outcome := endRemoteHangup
	if ok {
		if local := w.localEnd.Load().(string); local != "" {
			outcome = local
		}
	}

	ended, err := o.store.End(ev.CallID)
	if err != nil {
		logger.Debug("CallEnded for unknown session ignored")
		return
	}
	if ended {
		o.metrics.RecordCallEnded(outcome)
		logger.Info("call ended", zap.String("outcome", outcome))
	}

	if ok {
		o.forget(w)
		w.endedRemotely.Store(true)
		w.cancel()
	}
}

func (o *Orchestrator) forget(w *callWorker) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.workers[w.callID] == w {
		delete(o.workers, w.callID)
	}
}

// =============================================================================
// 📊 查询
// =============================================================================

// CallState 返回运行中通话的当前阶段
func (o *Orchestrator) CallState(callID string) (State, bool) {
	o.mu.Lock()
	w, ok := o.workers[callID]
	o.mu.Unlock()
	if !ok {
		return "", false
	}
	return w.State(), true
}

// ActiveWorkers 运行中的工作协程数
func (o *Orchestrator) ActiveWorkers() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.workers)
}

// PoolStats 工作协程池统计
func (o *Orchestrator) PoolStats() pool.Stats {
	return o.pool.Stats()
}

// Shutdown 取消所有通话并等待工作协程退出
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancelAll()
	err := o.pool.Close(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		o.logger.Warn("call workers still running at shutdown deadline", zap.Int("workers", o.ActiveWorkers()))
	}
	return err
}

func (o *Orchestrator) pipelineEnabled() bool {
	return o.cfg.Pipeline.Enabled && o.pipe != nil
}

func (o *Orchestrator) recordingBudget() time.Duration {
	// 确认 + 收听窗口 + 主动停止后的等待
	return o.cfg.Recording.AckTimeout + o.cfg.Recording.ListenWindow + 5*time.Second
}
