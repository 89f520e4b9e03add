package telephony

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/callbridge/ari"
	"github.com/BaSui01/callbridge/config"
	"github.com/BaSui01/callbridge/internal/metrics"
	"github.com/BaSui01/callbridge/types"
)

// ARI 电话指令所需的 REST 能力
type ARI interface {
	Answer(ctx context.Context, channelID string) error
	Play(ctx context.Context, channelID, playbackID, media string) (*ari.Playback, error)
	Record(ctx context.Context, channelID string, p ari.RecordParams) (*ari.LiveRecording, error)
	StopRecording(ctx context.Context, name string) error
	Hangup(ctx context.Context, channelID, reason string) error
}

// stopGrace 主动停止录音后等待 RecordingFinished 的时间
const stopGrace = 2 * time.Second

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

type recordingWaiter struct {
	callID   string
	ack      chan ari.Event
	finished chan ari.Event
}

// Actions 阻塞式电话指令。
// 播放按 playback ID 关联完成事件，录音按录音名关联确认事件，不会串线。
type Actions struct {
	client  ARI
	cfg     config.RecordingConfig
	logger  *zap.Logger
	metrics *metrics.Collector

	newID func() string
	now   func() time.Time
	seq   atomic.Uint64

	mu         sync.Mutex
	playbacks  map[string]chan ari.Event
	recordings map[string]*recordingWaiter
	active     map[string]string
}

// Option 选项
type Option func(*Actions)

// WithMetrics 设置指标收集器
func WithMetrics(m *metrics.Collector) Option {
	return func(a *Actions) { a.metrics = m }
}

// WithIDGenerator 替换 playback ID 生成器（测试用）
func WithIDGenerator(fn func() string) Option {
	return func(a *Actions) { a.newID = fn }
}

// WithClock 替换时间源（测试用）
func WithClock(now func() time.Time) Option {
	return func(a *Actions) { a.now = now }
}

// NewActions 创建电话指令封装
func NewActions(client ARI, cfg config.RecordingConfig, logger *zap.Logger, opts ...Option) *Actions {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Actions{
		client:     client,
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "telephony")),
		newID:      uuid.NewString,
		now:        time.Now,
		playbacks:  make(map[string]chan ari.Event),
		recordings: make(map[string]*recordingWaiter),
		active:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.cfg.AckTimeout <= 0 {
		a.cfg.AckTimeout = 10 * time.Second
	}
	if a.cfg.Format == "" {
		a.cfg.Format = "wav"
	}
	return a
}

// =============================================================================
// ☎️ 指令
// =============================================================================

// Answer 接听
func (a *Actions) Answer(ctx context.Context, callID string) error {
	start := a.now()
	err := a.client.Answer(ctx, callID)
	a.metrics.RecordTelephonyAction("answer", metrics.StatusLabel(err), time.Since(start))
	if err != nil {
		return actionError("answer", callID, err)
	}
	return nil
}

// Play 播放媒体并等待与本次请求关联的 PlaybackFinished
func (a *Actions) Play(ctx context.Context, callID, media string) error {
	start := a.now()
	err := a.play(ctx, callID, media)
	a.metrics.RecordTelephonyAction("play", metrics.StatusLabel(err), time.Since(start))
	return err
}

func (a *Actions) play(ctx context.Context, callID, media string) error {
	playbackID := a.newID()
	done := make(chan ari.Event, 1)

	// 先登记等待者再发请求，避免完成事件早于登记
	a.mu.Lock()
	a.playbacks[playbackID] = done
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.playbacks, playbackID)
		a.mu.Unlock()
	}()

	if _, err := a.client.Play(ctx, callID, playbackID, media); err != nil {
		return actionError("play", callID, err)
	}

	select {
	case ev := <-done:
		if ev.Playback != nil && ev.Playback.State == "failed" {
			return types.NewError(types.ErrTelephonyAction, "playback failed: "+media).WithCallID(callID)
		}
		return nil
	case <-ctx.Done():
		return actionError("play", callID, ctx.Err())
	}
}

// StartRecording 发起录音并等待 RecordingStarted / RecordingFailed。
// 同一通话同时只允许一个录音，第二个请求返回 RECORDING_IN_PROGRESS。
func (a *Actions) StartRecording(ctx context.Context, callID, format string) (*types.RecordingHandle, error) {
	if format == "" {
		format = a.cfg.Format
	}

	a.mu.Lock()
	if _, busy := a.active[callID]; busy {
		a.mu.Unlock()
		return nil, types.NewError(types.ErrRecordingInProgress, "recording already in progress").WithCallID(callID)
	}
	name := a.recordingName(callID)
	w := &recordingWaiter{
		callID:   callID,
		ack:      make(chan ari.Event, 1),
		finished: make(chan ari.Event, 1),
	}
	a.active[callID] = name
	a.recordings[name] = w
	a.mu.Unlock()

	start := a.now()
	handle, err := a.startRecording(ctx, callID, name, format, w)
	a.metrics.RecordTelephonyAction("record", metrics.StatusLabel(err), time.Since(start))
	if err != nil {
		a.release(callID, name)
		return nil, err
	}
	return handle, nil
}

func (a *Actions) startRecording(ctx context.Context, callID, name, format string, w *recordingWaiter) (*types.RecordingHandle, error) {
	params := ari.RecordParams{
		Name:               name,
		Format:             format,
		MaxDurationSeconds: a.cfg.MaxDurationSeconds,
		MaxSilenceSeconds:  a.cfg.MaxSilenceSeconds,
		Beep:               a.cfg.Beep,
		IfExists:           "overwrite",
	}
	if _, err := a.client.Record(ctx, callID, params); err != nil {
		return nil, types.NewError(types.ErrRecordingFailed, "record request rejected").WithCause(err).WithCallID(callID)
	}

	timer := time.NewTimer(a.cfg.AckTimeout)
	defer timer.Stop()

	select {
	case ev := <-w.ack:
		if ev.Type == ari.EventRecordingFailed {
			cause := "unknown"
			if ev.Recording != nil && ev.Recording.Cause != "" {
				cause = ev.Recording.Cause
			}
			return nil, types.NewError(types.ErrRecordingFailed, "recording failed: "+cause).WithCallID(callID)
		}
		h := &types.RecordingHandle{
			CallID: callID,
			Name:   name,
			Format: format,
			State:  types.RecordingStarted,
		}
		h.Path, h.Resolved = a.resolvePath(ev.Recording, name, format)
		a.logger.Info("录音已开始",
			zap.String("call_id", callID),
			zap.String("recording", name),
			zap.Bool("path_resolved", h.Resolved))
		return h, nil

	case <-timer.C:
		a.stopQuietly(name)
		return nil, types.NewError(types.ErrRecordingTimeout,
			fmt.Sprintf("no recording acknowledgment within %s", a.cfg.AckTimeout)).WithCallID(callID)

	case <-ctx.Done():
		a.stopQuietly(name)
		return nil, types.NewError(types.ErrRecordingFailed, "recording abandoned").WithCause(ctx.Err()).WithCallID(callID)
	}
}

// FinishRecording 等待录音结束（静音或时长上限）；超过 listen_window 主动停止。
// 无论结果如何都会释放该通话的录音占用。
func (a *Actions) FinishRecording(ctx context.Context, h *types.RecordingHandle) (*types.RecordingHandle, error) {
	if h == nil {
		return nil, types.NewError(types.ErrRecordingFailed, "nil recording handle")
	}
	defer a.release(h.CallID, h.Name)

	a.mu.Lock()
	w := a.recordings[h.Name]
	a.mu.Unlock()
	if w == nil {
		return h, nil
	}

	out := *h
	ev, err := a.awaitFinished(ctx, w, h.Name)
	if err != nil {
		return &out, err
	}
	if ev.Type == ari.EventRecordingFailed {
		out.State = types.RecordingFailed
		return &out, types.NewError(types.ErrRecordingFailed, "recording failed: "+ev.Recording.Cause).WithCallID(h.CallID)
	}
	if !out.Resolved {
		out.Path, out.Resolved = a.resolvePath(ev.Recording, h.Name, h.Format)
	}
	return &out, nil
}

func (a *Actions) awaitFinished(ctx context.Context, w *recordingWaiter, name string) (ari.Event, error) {
	window := a.cfg.ListenWindow
	if window <= 0 {
		window = 10 * time.Second
	}
	timer := time.NewTimer(window)
	defer timer.Stop()

	select {
	case ev := <-w.finished:
		return ev, nil
	case <-ctx.Done():
		a.stopQuietly(name)
		return ari.Event{}, types.NewError(types.ErrRecordingFailed, "recording abandoned").WithCause(ctx.Err()).WithCallID(w.callID)
	case <-timer.C:
	}

	if err := a.client.StopRecording(ctx, name); err != nil && !ari.IsNotFound(err) {
		a.logger.Warn("stop recording failed", zap.String("recording", name), zap.Error(err))
	}

	grace := time.NewTimer(stopGrace)
	defer grace.Stop()
	select {
	case ev := <-w.finished:
		return ev, nil
	case <-grace.C:
		// 已停止但未收到事件，按已结束处理
		return ari.Event{Type: ari.EventRecordingFinished}, nil
	case <-ctx.Done():
		return ari.Event{}, types.NewError(types.ErrRecordingFailed, "recording abandoned").WithCause(ctx.Err()).WithCallID(w.callID)
	}
}

// Hangup 挂断。通道已不存在（404）视为成功，重复挂断不报错。
func (a *Actions) Hangup(ctx context.Context, callID string) error {
	start := a.now()
	err := a.client.Hangup(ctx, callID, "normal")
	if ari.IsNotFound(err) {
		a.logger.Debug("channel already gone", zap.String("call_id", callID))
		err = nil
	}
	a.metrics.RecordTelephonyAction("hangup", metrics.StatusLabel(err), time.Since(start))
	a.releaseCall(callID)
	if err != nil {
		return actionError("hangup", callID, err)
	}
	return nil
}

// =============================================================================
// 📥 媒体事件
// =============================================================================

// HandleMediaEvent 把播放/录音事件投递给对应的等待者，未登记的事件直接忽略
func (a *Actions) HandleMediaEvent(ev ari.Event) {
	switch ev.Type {
	case ari.EventPlaybackFinished:
		if ev.Playback == nil {
			return
		}
		a.mu.Lock()
		ch := a.playbacks[ev.Playback.ID]
		a.mu.Unlock()
		if ch != nil {
			offer(ch, ev)
		}

	case ari.EventRecordingStarted, ari.EventRecordingFailed, ari.EventRecordingFinished:
		if ev.Recording == nil {
			return
		}
		a.mu.Lock()
		w := a.recordings[ev.Recording.Name]
		a.mu.Unlock()
		if w == nil {
			return
		}
		switch ev.Type {
		case ari.EventRecordingStarted:
			offer(w.ack, ev)
		case ari.EventRecordingFinished:
			offer(w.finished, ev)
		default:
			offer(w.ack, ev)
			offer(w.finished, ev)
		}
	}
}

// offer 非阻塞投递，重复事件被丢弃
func offer(ch chan ari.Event, ev ari.Event) {
	select {
	case ch <- ev:
	default:
	}
}

// =============================================================================
// 🔧 内部
// =============================================================================

// recordingName call-<callID>-<毫秒>-<序号>，只保留 [A-Za-z0-9_-]
func (a *Actions) recordingName(callID string) string {
	safe := unsafeNameChars.ReplaceAllString(callID, "_")
	return "call-" + safe + "-" + strconv.FormatInt(a.now().UnixMilli(), 10) + "-" + strconv.FormatUint(a.seq.Add(1), 10)
}

// resolvePath 路径解析顺序：事件携带 → 配置目录 → 探测目录 → 未解析
func (a *Actions) resolvePath(rec *ari.LiveRecording, name, format string) (string, bool) {
	if rec != nil && rec.FilePath != "" {
		return rec.FilePath, true
	}
	if rec != nil && rec.Format != "" {
		format = rec.Format
	}
	file := name + "." + format
	if a.cfg.Directory != "" {
		return filepath.Join(a.cfg.Directory, file), true
	}
	for _, dir := range a.cfg.ProbeDirs {
		p := filepath.Join(dir, file)
		if fileExists(p) {
			return p, true
		}
	}
	return "", false
}

func (a *Actions) stopQuietly(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), stopGrace)
	defer cancel()
	if err := a.client.StopRecording(ctx, name); err != nil && !ari.IsNotFound(err) {
		a.logger.Debug("stop recording after abandon failed", zap.String("recording", name), zap.Error(err))
	}
}

func (a *Actions) release(callID, name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.recordings, name)
	if a.active[callID] == name {
		delete(a.active, callID)
	}
}

func (a *Actions) releaseCall(callID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if name, ok := a.active[callID]; ok {
		delete(a.recordings, name)
		delete(a.active, callID)
	}
}

func actionError(action, callID string, err error) error {
	e := types.NewError(types.ErrTelephonyAction, action+" failed").WithCause(err).WithCallID(callID)
	var apiErr *ari.Error
	if errors.As(err, &apiErr) {
		e = e.WithHTTPStatus(apiErr.StatusCode)
	}
	return e
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
