package callbus

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/callbridge/ari"
	"github.com/BaSui01/callbridge/types"
)

// MediaHandler 接收播放/录音事件（由 telephony.Actions 实现）
type MediaHandler interface {
	HandleMediaEvent(ev ari.Event)
}

// Dispatcher 把原始 ARI 事件翻译为生命周期事件。
// Handle 由链路读循环串行调用，因此同一通话的事件天然有序。
type Dispatcher struct {
	bus    *Bus
	media  MediaHandler
	now    func() time.Time
	logger *zap.Logger

	mu      sync.Mutex
	started map[string]struct{}
}

// DispatcherOption 选项
type DispatcherOption func(*Dispatcher)

// WithDispatcherClock 替换时间源（测试用）
func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// WithMediaHandler 设置媒体事件消费者
func WithMediaHandler(h MediaHandler) DispatcherOption {
	return func(d *Dispatcher) { d.media = h }
}

// NewDispatcher 创建事件分发器
func NewDispatcher(bus *Bus, logger *zap.Logger, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		bus:     bus,
		now:     time.Now,
		logger:  logger.With(zap.String("component", "dispatcher")),
		started: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle 处理一条原始事件。任何单条事件的问题只记录日志，不影响后续事件。
func (d *Dispatcher) Handle(ctx context.Context, ev ari.Event) {
	switch ev.Type {
	case ari.EventStasisStart:
		d.handleStart(ctx, ev)
	case ari.EventStasisEnd:
		d.handleEnd(ctx, ev)
	case ari.EventPlaybackStarted, ari.EventPlaybackFinished,
		ari.EventRecordingStarted, ari.EventRecordingFailed, ari.EventRecordingFinished:
		if d.media != nil {
			d.media.HandleMediaEvent(ev)
		}
	default:
		d.logger.Debug("ignoring ari event", zap.String("type", ev.Type))
	}
}

func (d *Dispatcher) handleStart(ctx context.Context, ev ari.Event) {
	callID := ev.ChannelID()
	if callID == "" {
		d.logger.Warn("StasisStart without channel id dropped")
		return
	}

	// 缺失的来电信息用空字符串代替
	caller := &types.Caller{}
	if ev.Channel != nil {
		caller.Name = ev.Channel.Caller.Name
		caller.Number = ev.Channel.Caller.Number
	}

	d.mu.Lock()
	d.started[callID] = struct{}{}
	d.mu.Unlock()

	d.publish(ctx, types.LifecycleEvent{
		Kind:      types.CallStarted,
		CallID:    callID,
		Caller:    caller,
		Timestamp: ev.Time(d.now()),
	})
}

func (d *Dispatcher) handleEnd(ctx context.Context, ev ari.Event) {
	callID := ev.ChannelID()
	if callID == "" {
		d.logger.Warn("StasisEnd without channel id dropped")
		return
	}

	d.mu.Lock()
	_, ok := d.started[callID]
	delete(d.started, callID)
	d.mu.Unlock()

	if !ok {
		d.logger.Debug("StasisEnd without preceding StasisStart dropped", zap.String("call_id", callID))
		return
	}

	d.publish(ctx, types.LifecycleEvent{
		Kind:      types.CallEnded,
		CallID:    callID,
		Timestamp: ev.Time(d.now()),
	})
}

func (d *Dispatcher) publish(ctx context.Context, ev types.LifecycleEvent) {
	if err := d.bus.Publish(ctx, ev); err != nil {
		d.logger.Warn("lifecycle event not delivered",
			zap.String("call_id", ev.CallID),
			zap.String("kind", string(ev.Kind)),
			zap.Error(err))
	}
}
