package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/callbridge/internal/ctxkeys"
	"github.com/BaSui01/callbridge/internal/telemetry"
	"github.com/BaSui01/callbridge/pipeline"
	"github.com/BaSui01/callbridge/types"
)

// callWorker 一通电话的运行状态
type callWorker struct {
	callID        string
	cancel        context.CancelFunc
	state         atomic.Value
	endedRemotely atomic.Bool
	// localEnd 本端开始挂断时记录的结束原因，为空表示尚未挂断
	localEnd      atomic.Value
}

func newCallWorker(callID string, cancel context.CancelFunc) *callWorker {
	w := &callWorker{callID: callID, cancel: cancel}
	w.state.Store(StateIdle)
	w.localEnd.Store("")
	return w
}

// State 当前阶段
func (w *callWorker) State() State {
	return w.state.Load().(State)
}

// runCall 工作协程入口：对话流程结束（成功或失败）后总是进入挂断
func (o *Orchestrator) runCall(ctx context.Context, w *callWorker) (err error) {
	ctx = ctxkeys.WithCallID(ctx, w.callID)
	ctx, span := o.tracer.Start(ctx, "call", trace.WithAttributes(telemetry.AttrCallID.String(w.callID)))
	defer span.End()

	defer func() {
		o.finish(w, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	return o.converse(ctx, w)
}

func (o *Orchestrator) converse(ctx context.Context, w *callWorker) error {
	id := w.callID

	if err := o.stage(ctx, w, StateAnswering, o.cfg.Call.AnswerTimeout, func(c context.Context) error {
		return o.tel.Answer(c, id)
	}); err != nil {
		return err
	}

	// 提示音严格按顺序逐个播放
	for _, prompt := range o.cfg.Call.Prompts {
		media := prompt
		if err := o.stage(ctx, w, StatePlaying, o.cfg.Call.PlayTimeout, func(c context.Context) error {
			return o.tel.Play(c, id, media)
		}); err != nil {
			return err
		}
	}

	if !o.cfg.RecordingActive() {
		return nil
	}

	turns := 1
	if o.pipelineEnabled() && o.cfg.Pipeline.MaxTurns > 1 {
		turns = o.cfg.Pipeline.MaxTurns
	}
	for turn := 0; turn < turns; turn++ {
		more, err := o.turn(ctx, w)
		if err != nil || !more {
			return err
		}
	}
	return nil
}

// turn 一轮 录音 → 转写 → 生成 → 合成 → 播放；more=false 表示对话结束
func (o *Orchestrator) turn(ctx context.Context, w *callWorker) (more bool, err error) {
	id := w.callID
	logger := o.callLogger(ctx)

	handle, err := runStage(ctx, o, w, StateRecording, o.recordingBudget(), func(c context.Context) (*types.RecordingHandle, error) {
		h, err := o.tel.StartRecording(c, id, o.cfg.Recording.Format)
		if err != nil {
			return nil, err
		}
		return o.tel.FinishRecording(c, h)
	})
	if err != nil {
		return false, err
	}
	if err := o.append(ctx, w, o.store.AppendRecording, handle.Ref()); err != nil {
		return false, err
	}

	if !o.pipelineEnabled() {
		return false, nil
	}
	if !handle.Resolved {
		return false, types.NewError(types.ErrRecordingFailed, "recording file location unknown").WithCallID(id)
	}

	text, err := runStage(ctx, o, w, StateTranscribing, o.cfg.Pipeline.Timeout, func(c context.Context) (string, error) {
		return o.pipe.Transcribe(c, handle.Path, o.cfg.Pipeline.Language)
	})
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(text) == "" {
		logger.Info("no speech detected, ending conversation")
		return false, nil
	}
	if err := o.append(ctx, w, o.store.AppendTranscription, text); err != nil {
		return false, err
	}

	sess, ok := o.store.Get(id)
	if !ok {
		return false, types.NewSessionNotFoundError(id)
	}
	history := BuildHistory(o.cfg.Pipeline.SystemPrompt, sess)

	reply, err := runStage(ctx, o, w, StateGenerating, o.cfg.Pipeline.Timeout, func(c context.Context) (string, error) {
		return o.pipe.Complete(c, history, pipeline.CompletionOptions{
			Temperature: pipeline.Temperature(o.cfg.Pipeline.Temperature),
			MaxTokens:   o.cfg.Pipeline.MaxTokens,
		})
	})
	if err != nil {
		return false, err
	}
	if err := o.append(ctx, w, o.store.AppendResponse, reply); err != nil {
		return false, err
	}

	audio, err := runStage(ctx, o, w, StateSynthesizing, o.cfg.Pipeline.Timeout, func(c context.Context) (string, error) {
		return o.pipe.Synthesize(c, reply, o.cfg.Pipeline.Voice, o.cfg.Pipeline.OutputFormat)
	})
	if err != nil {
		return false, err
	}

	media := MediaRef(o.cfg.Pipeline.MediaBaseURL, audio)
	if err := o.stage(ctx, w, StatePlayingResponse, o.cfg.Call.PlayTimeout, func(c context.Context) error {
		return o.tel.Play(c, id, media)
	}); err != nil {
		return false, err
	}
	return true, nil
}

// append 写入会话日志；通话已被远端结束时不再写入
func (o *Orchestrator) append(ctx context.Context, w *callWorker, fn func(string, string) error, value string) error {
	if ctx.Err() != nil || w.endedRemotely.Load() {
		return types.NewSessionTerminatedError(w.callID)
	}
	return fn(w.callID, value)
}

// finish 挂断（远端已挂断时跳过）并结束会话
func (o *Orchestrator) finish(w *callWorker, runErr error) {
	defer o.forget(w)
	logger := o.logger.With(zap.String("call_id", w.callID))

	if w.endedRemotely.Load() {
		w.state.Store(StateEnded)
		logger.Info("call worker finished", zap.String("outcome", endRemoteHangup))
		return
	}

	outcome := endCompleted
	if runErr != nil {
		outcome = endFailed
		logger.Warn("call flow failed", zap.Error(runErr))
	}

	w.localEnd.Store(outcome)
	w.state.Store(StateHangingUp)
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.Call.HangupTimeout)
	start := time.Now()
	err := o.tel.Hangup(ctx, w.callID)
	cancel()
	o.recordStage(StateHangingUp, err, time.Since(start))
	if err != nil {
		logger.Warn("hangup failed", zap.Error(err))
	}

	// 远端挂断可能在此期间到达，End 只在首次转换时返回 true
	if !w.endedRemotely.Load() {
		if ended, _ := o.store.End(w.callID); ended {
			o.metrics.RecordCallEnded(outcome)
		}
	}
	w.state.Store(StateEnded)
	logger.Info("call worker finished", zap.String("outcome", outcome))
}

// =============================================================================
// ⏱️ 阶段执行
// =============================================================================

func (o *Orchestrator) stage(ctx context.Context, w *callWorker, state State, timeout time.Duration, fn func(context.Context) error) error {
	_, err := runStage(ctx, o, w, state, timeout, func(c context.Context) (struct{}, error) {
		return struct{}{}, fn(c)
	})
	return err
}

type stageResult[T any] struct {
	val T
	err error
}

// runStage 在独立 goroutine 中执行阶段，受阶段超时与通话 ctx 约束。
// 底层调用不响应 ctx 时也会立即返回，遗留的 goroutine 结果被丢弃。
func runStage[T any](ctx context.Context, o *Orchestrator, w *callWorker, state State, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, types.NewSessionTerminatedError(w.callID).WithCause(err)
	}

	w.state.Store(state)
	ctx = ctxkeys.WithState(ctx, string(state))
	o.callLogger(ctx).Debug("call state changed")

	if timeout <= 0 {
		timeout = time.Minute
	}
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	stageCtx, span := o.tracer.Start(stageCtx, string(state), trace.WithAttributes(telemetry.AttrCallState.String(string(state))))
	defer span.End()

	start := time.Now()
	done := make(chan stageResult[T], 1)
	go func() {
		v, err := fn(stageCtx)
		done <- stageResult[T]{val: v, err: err}
	}()

	var res stageResult[T]
	select {
	case res = <-done:
	case <-stageCtx.Done():
		switch {
		case ctx.Err() != nil:
			res.err = types.NewSessionTerminatedError(w.callID).WithCause(ctx.Err())
		default:
			res.err = types.NewError(types.ErrTimeout, string(state)+" timed out").
				WithCause(stageCtx.Err()).
				WithCallID(w.callID)
		}
	}

	o.recordStage(state, res.err, time.Since(start))
	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
		return zero, res.err
	}
	return res.val, nil
}

func (o *Orchestrator) recordStage(state State, err error, d time.Duration) {
	outcome := outcomeOK
	switch {
	case err == nil:
	case types.IsCode(err, types.ErrTimeout), types.IsCode(err, types.ErrRecordingTimeout):
		outcome = outcomeTimeout
	case types.IsCode(err, types.ErrSessionTerminated), errors.Is(err, context.Canceled):
		outcome = outcomeCancelled
	default:
		outcome = outcomeError
	}
	o.metrics.RecordStage(string(state), outcome, d)
}

func (o *Orchestrator) callLogger(ctx context.Context) *zap.Logger {
	logger := o.logger
	if id, ok := ctxkeys.CallID(ctx); ok {
		logger = logger.With(zap.String("call_id", id))
	}
	if state, ok := ctxkeys.State(ctx); ok {
		logger = logger.With(zap.String("state", state))
	}
	return logger
}

// =============================================================================
// 🧩 辅助函数
// =============================================================================

// BuildHistory 系统人设 + 交替的来电方转写 / 助理回复
func BuildHistory(systemPrompt string, sess types.CallSession) []types.ChatMessage {
	msgs := make([]types.ChatMessage, 0, 1+len(sess.Transcriptions)+len(sess.Responses))
	if systemPrompt != "" {
		msgs = append(msgs, types.ChatMessage{Role: types.RoleSystem, Content: systemPrompt})
	}
	for i, text := range sess.Transcriptions {
		msgs = append(msgs, types.ChatMessage{Role: types.RoleUser, Content: text})
		if i < len(sess.Responses) {
			msgs = append(msgs, types.ChatMessage{Role: types.RoleAssistant, Content: sess.Responses[i]})
		}
	}
	return msgs
}

// MediaRef 合成音频的播放引用。
// 配置了 media_base_url 时通过 HTTP 播放，否则引用本地绝对路径（去掉扩展名）。
func MediaRef(mediaBaseURL, audioPath string) string {
	if mediaBaseURL != "" {
		return "sound:" + strings.TrimRight(mediaBaseURL, "/") + "/" + filepath.Base(audioPath)
	}
	return "sound:" + strings.TrimSuffix(audioPath, filepath.Ext(audioPath))
}
