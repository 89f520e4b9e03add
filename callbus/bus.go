package callbus

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/callbridge/types"
)

// ErrBusClosed 总线已关闭
var ErrBusClosed = errors.New("call bus closed")

// Bus 生命周期事件的发布/订阅通道。
// 每个订阅者按发布顺序收到全部事件；慢订阅者会阻塞发布方，直到 ctx 结束。
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
	logger *zap.Logger
}

// Subscription 一个订阅者
type Subscription struct {
	id        uint64
	name      string
	ch        chan types.LifecycleEvent
	done      chan struct{}
	closeOnce sync.Once
	bus       *Bus
}

// NewBus 创建事件总线
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[uint64]*Subscription),
		logger: logger.With(zap.String("component", "call_bus")),
	}
}

// Subscribe 注册订阅者。buffer 为 channel 缓冲大小。
// 总线已关闭时返回的订阅立即处于关闭状态。
func (b *Bus) Subscribe(name string, buffer int) *Subscription {
	if buffer < 0 {
		buffer = 0
	}
	s := &Subscription{
		name: name,
		ch:   make(chan types.LifecycleEvent, buffer),
		done: make(chan struct{}),
		bus:  b,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.done)
		close(s.ch)
		return s
	}
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	b.mu.Unlock()

	b.logger.Debug("subscriber registered", zap.String("subscriber", name))
	return s
}

// Publish 依次投递给所有订阅者
func (b *Bus) Publish(ctx context.Context, ev types.LifecycleEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}
	for _, s := range b.subs {
		select {
		case s.ch <- ev:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribers 当前订阅者数量
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close 关闭总线和全部订阅
func (b *Bus) Close() {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	// 先唤醒阻塞中的发布方，再获取写锁
	for _, s := range subs {
		s.closeOnce.Do(func() { close(s.done) })
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		close(s.ch)
	}
}

// Events 有序事件流，订阅关闭后 channel 被关闭
func (s *Subscription) Events() <-chan types.LifecycleEvent {
	return s.ch
}

// Done 订阅关闭信号
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close 取消订阅，可重复调用
func (s *Subscription) Close() {
	s.closeOnce.Do(func() { close(s.done) })

	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s.id]; ok {
		delete(b.subs, s.id)
		close(s.ch)
	}
}
