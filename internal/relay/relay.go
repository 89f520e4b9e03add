// Package relay mirrors call lifecycle events to Redis.
// This package is internal and should not be imported by external projects.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/callbridge/callbus"
	"github.com/BaSui01/callbridge/config"
	"github.com/BaSui01/callbridge/internal/metrics"
	"github.com/BaSui01/callbridge/internal/tlsutil"
	"github.com/BaSui01/callbridge/types"
)

// =============================================================================
// 📡 生命周期事件中继
// =============================================================================

// Message 发布到 Redis 频道的消息体
type Message struct {
	Kind         types.EventKind `json:"kind"`
	CallID       string          `json:"call_id"`
	CallerName   string          `json:"caller_name,omitempty"`
	CallerNumber string          `json:"caller_number,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Relay 把生命周期事件发布到 Redis 频道，并记录每通电话的最新事件
type Relay struct {
	redis   *redis.Client
	config  config.RelayConfig
	logger  *zap.Logger
	metrics *metrics.Collector
	mu      sync.RWMutex
	closed  bool
}

// Option 选项
type Option func(*Relay)

// WithMetrics 设置指标收集器
func WithMetrics(m *metrics.Collector) Option {
	return func(r *Relay) { r.metrics = m }
}

// New 创建中继并验证连接
func New(cfg config.RelayConfig, logger *zap.Logger, opts ...Option) (*Relay, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Channel == "" {
		cfg.Channel = "callbridge:events"
	}

	options := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.TLS {
		options.TLSConfig = tlsutil.DefaultTLSConfig()
	}
	client := redis.NewClient(options)

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	r := &Relay{
		redis:  client,
		config: cfg,
		logger: logger.With(zap.String("component", "relay")),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.logger.Info("event relay initialized",
		zap.String("addr", cfg.Addr),
		zap.String("channel", cfg.Channel))

	return r, nil
}

// =============================================================================
// 🎯 核心方法
// =============================================================================

// Publish 发布一条生命周期事件
func (r *Relay) Publish(ctx context.Context, ev types.LifecycleEvent) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return fmt.Errorf("relay is closed")
	}

	msg := Message{Kind: ev.Kind, CallID: ev.CallID, Timestamp: ev.Timestamp}
	if ev.Caller != nil {
		msg.CallerName = ev.Caller.Name
		msg.CallerNumber = ev.Caller.Number
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	pipe := r.redis.TxPipeline()
	pipe.Publish(ctx, r.config.Channel, data)
	pipe.Set(ctx, StateKey(r.config.Channel, ev.CallID), data, r.config.StateTTL)
	_, err = pipe.Exec(ctx)

	r.metrics.RecordRelayPublish(string(ev.Kind), metrics.StatusLabel(err))
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Run 消费订阅中的事件直到 ctx 结束或订阅关闭。
// 单条发布失败只记录日志，中继不影响通话处理。
func (r *Relay) Run(ctx context.Context, sub *callbus.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := r.Publish(pubCtx, ev); err != nil {
				r.logger.Warn("relay publish failed",
					zap.String("call_id", ev.CallID),
					zap.String("kind", string(ev.Kind)),
					zap.Error(err))
			}
			cancel()
		}
	}
}

// Last 读取某通电话最近一次中继的事件
func (r *Relay) Last(ctx context.Context, callID string) (*Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, fmt.Errorf("relay is closed")
	}

	data, err := r.redis.Get(ctx, StateKey(r.config.Channel, callID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoState
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state: %w", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return &msg, nil
}

// Ping 检查连接
func (r *Relay) Ping(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return fmt.Errorf("relay is closed")
	}

	return r.redis.Ping(ctx).Err()
}

// Close 关闭中继
func (r *Relay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	r.closed = true
	r.logger.Info("closing event relay")

	return r.redis.Close()
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// ErrNoState 没有该通话的中继记录
var ErrNoState = errors.New("no relayed state")

// StateKey 每通电话最新事件的键
func StateKey(channel, callID string) string {
	return channel + ":call:" + callID
}
