package ari

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/BaSui01/callbridge/config"
	"github.com/BaSui01/callbridge/internal/metrics"
	"github.com/BaSui01/callbridge/types"
)

// =============================================================================
// 🔌 信令链路
// =============================================================================

// Handler 原始事件的唯一消费者，在读循环中同步调用
type Handler func(Event)

// Status 链路状态快照
type Status struct {
	Connected       bool       `json:"connected"`
	Application     string     `json:"application"`
	ConnectAttempts int64      `json:"connect_attempts"`
	Reconnects      int64      `json:"reconnects"`
	ConnectedSince  *time.Time `json:"connected_since,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
}

// subscription 一次成功连接对应的读循环
type subscription struct {
	stream Stream
	cancel context.CancelFunc
	done   chan struct{}
}

// Link 管理与 Asterisk 的事件流连接。
// 任意时刻最多只有一个订阅；断开后按指数退避无限重连。
type Link struct {
	dialer       Dialer
	application  string
	initialDelay time.Duration
	maxDelay     time.Duration
	logger       *zap.Logger
	metrics      *metrics.Collector

	mu          sync.Mutex
	sub         *subscription
	handler     Handler
	connected   bool
	ready       chan struct{}
	stopRun     context.CancelFunc
	attempts    int64
	reconnects  int64
	connectedAt time.Time
	lastErr     string
}

// LinkOption 链路选项
type LinkOption func(*Link)

// WithLinkMetrics 设置指标收集器
func WithLinkMetrics(m *metrics.Collector) LinkOption {
	return func(l *Link) { l.metrics = m }
}

// WithReconnectDelay 覆盖退避区间
func WithReconnectDelay(initial, max time.Duration) LinkOption {
	return func(l *Link) {
		l.initialDelay = initial
		l.maxDelay = max
	}
}

// NewLink 创建信令链路
func NewLink(dialer Dialer, cfg config.ARIConfig, logger *zap.Logger, opts ...LinkOption) *Link {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Link{
		dialer:       dialer,
		application:  cfg.Application,
		initialDelay: cfg.ReconnectInitialDelay,
		maxDelay:     cfg.ReconnectMaxDelay,
		logger:       logger.With(zap.String("component", "ari_link"), zap.String("application", cfg.Application)),
		ready:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.initialDelay <= 0 {
		l.initialDelay = 5 * time.Second
	}
	if l.maxDelay < l.initialDelay {
		l.maxDelay = l.initialDelay
	}
	return l
}

// OnNotification 注册事件消费者，重复注册会替换旧的消费者
func (l *Link) OnNotification(h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
}

// Connect 建立订阅并启动读循环。
// 已有订阅会先被关闭并等待其读循环退出，保证不会重复订阅。
func (l *Link) Connect(ctx context.Context) error {
	if err := l.closeSubscription(ctx); err != nil {
		return types.NewError(types.ErrConnection, "previous subscription did not stop").WithCause(err)
	}

	l.mu.Lock()
	l.attempts++
	l.mu.Unlock()

	stream, err := l.dialer.Dial(ctx)
	if err != nil {
		l.metrics.RecordLinkConnect(false)
		l.mu.Lock()
		l.lastErr = err.Error()
		l.mu.Unlock()
		if _, ok := types.AsError(err); !ok {
			err = types.NewError(types.ErrConnection, "ari event stream dial failed").WithCause(err).WithRetryable(true)
		}
		return err
	}

	readCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{stream: stream, cancel: cancel, done: make(chan struct{})}

	l.mu.Lock()
	l.sub = sub
	l.connectedAt = time.Now()
	l.lastErr = ""
	l.setConnectedLocked(true)
	l.mu.Unlock()

	l.metrics.RecordLinkConnect(true)
	l.metrics.SetLinkConnected(true)
	l.logger.Info("ARI 事件流已连接")

	go l.readLoop(readCtx, sub)
	return nil
}

// Disconnect 关闭当前订阅并停止 Run（包括退避等待中的 Run）。
// 可重复调用，未连接时也安全。
func (l *Link) Disconnect() {
	l.mu.Lock()
	stop := l.stopRun
	l.stopRun = nil
	l.mu.Unlock()
	if stop != nil {
		stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.closeSubscription(ctx); err != nil {
		l.logger.Warn("subscription close timed out", zap.Error(err))
	}
}

// Run 连接并保持连接，直到 ctx 结束或调用 Disconnect。
// 连接失败或断开后按指数退避重试，成功连接后退避重置。
func (l *Link) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	l.mu.Lock()
	l.stopRun = cancel
	l.mu.Unlock()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.initialDelay
	b.MaxInterval = l.maxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.Reset()

	for {
		if ctx.Err() != nil {
			l.Disconnect()
			return nil
		}

		if err := l.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				l.Disconnect()
				return nil
			}
			delay := b.NextBackOff()
			l.logger.Warn("ARI 连接失败，稍后重试",
				zap.Error(err),
				zap.Duration("delay", delay))
			if !sleepCtx(ctx, delay) {
				l.Disconnect()
				return nil
			}
			continue
		}
		b.Reset()

		done := l.currentDone()
		select {
		case <-ctx.Done():
			l.Disconnect()
			return nil
		case <-done:
		}
		if ctx.Err() != nil {
			l.Disconnect()
			return nil
		}

		l.mu.Lock()
		l.reconnects++
		l.mu.Unlock()

		l.metrics.RecordLinkReconnect()
		delay := b.NextBackOff()
		l.logger.Warn("ARI 事件流断开，准备重连", zap.Duration("delay", delay))
		if !sleepCtx(ctx, delay) {
			l.Disconnect()
			return nil
		}
	}
}

// WaitReady 链路已连接时立即返回，否则阻塞到重连成功或 ctx 结束
func (l *Link) WaitReady(ctx context.Context) error {
	for {
		l.mu.Lock()
		if l.connected {
			l.mu.Unlock()
			return nil
		}
		ready := l.ready
		l.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return types.NewError(types.ErrConnection, "ari link not connected").
				WithCause(ctx.Err()).
				WithRetryable(true)
		}
	}
}

// Connected 当前是否已连接
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// Status 返回链路状态快照
func (l *Link) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := Status{
		Connected:       l.connected,
		Application:     l.application,
		ConnectAttempts: l.attempts,
		Reconnects:      l.reconnects,
		LastError:       l.lastErr,
	}
	if l.connected {
		t := l.connectedAt
		st.ConnectedSince = &t
	}
	return st
}

func (l *Link) readLoop(ctx context.Context, sub *subscription) {
	defer func() {
		l.mu.Lock()
		current := l.sub == sub
		if current {
			l.sub = nil
			l.setConnectedLocked(false)
		}
		l.mu.Unlock()
		if current {
			l.metrics.SetLinkConnected(false)
		}
		sub.cancel()
		_ = sub.stream.Close()
		close(sub.done)
	}()

	for {
		data, err := sub.stream.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				l.mu.Lock()
				l.lastErr = err.Error()
				l.mu.Unlock()
				l.logger.Warn("ARI event stream read failed", zap.Error(err))
			}
			return
		}

		ev, err := ParseEvent(data)
		if err != nil {
			l.logger.Warn("跳过无法解析的 ARI 事件", zap.Error(err), zap.Int("size", len(data)))
			continue
		}
		l.metrics.RecordLinkEvent(ev.Type)

		l.mu.Lock()
		h := l.handler
		l.mu.Unlock()
		if h != nil {
			h(ev)
		}
	}
}

// closeSubscription 关闭当前订阅并等待读循环退出
func (l *Link) closeSubscription(ctx context.Context) error {
	l.mu.Lock()
	sub := l.sub
	l.sub = nil
	l.setConnectedLocked(false)
	l.mu.Unlock()

	if sub == nil {
		return nil
	}
	l.metrics.SetLinkConnected(false)
	sub.cancel()

	select {
	case <-sub.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Link) currentDone() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sub == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return l.sub.done
}

// setConnectedLocked 调用方需持有 l.mu
func (l *Link) setConnectedLocked(connected bool) {
	if connected == l.connected {
		return
	}
	l.connected = connected
	if connected {
		close(l.ready)
	} else {
		l.ready = make(chan struct{})
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
