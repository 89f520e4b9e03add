// Package pool provides a bounded pool for long-running call workers.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool is full")
)

// Task represents a unit of work.
type Task func(ctx context.Context) error

// WorkerPool 为每个任务启动一个 goroutine，并发数上限为 MaxWorkers。
// 任务通常持续一整通电话，因此不排队：满载时 Submit 立即返回 ErrPoolFull。
type WorkerPool struct {
	maxWorkers int
	active     atomic.Int32

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	// Metrics
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
	panicked  atomic.Int64

	panicHandler func(any)
}

// Config configures the pool.
type Config struct {
	MaxWorkers   int       `json:"max_workers"`
	PanicHandler func(any) `json:"-"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{MaxWorkers: 100}
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(config Config) *WorkerPool {
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = DefaultConfig().MaxWorkers
	}
	return &WorkerPool{
		maxWorkers:   config.MaxWorkers,
		panicHandler: config.PanicHandler,
	}
}

// Submit 在独立 goroutine 中运行 task；不阻塞。
func (p *WorkerPool) Submit(ctx context.Context, task Task) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if !p.tryAcquire() {
		p.mu.Unlock()
		p.rejected.Add(1)
		return ErrPoolFull
	}
	p.submitted.Add(1)
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer p.active.Add(-1)

		if err := p.execute(ctx, task); err != nil {
			p.failed.Add(1)
			return
		}
		p.completed.Add(1)
	}()
	return nil
}

func (p *WorkerPool) tryAcquire() bool {
	for {
		current := p.active.Load()
		if current >= int32(p.maxWorkers) {
			return false
		}
		if p.active.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (p *WorkerPool) execute(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			if p.panicHandler != nil {
				p.panicHandler(r)
			}
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	return task(ctx)
}

// Close 拒绝新任务并等待运行中的任务结束，ctx 到期时提前返回。
// 调用方负责先取消任务的 ctx。
func (p *WorkerPool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns pool statistics.
func (p *WorkerPool) Stats() Stats {
	return Stats{
		MaxWorkers: p.maxWorkers,
		Active:     int(p.active.Load()),
		Submitted:  p.submitted.Load(),
		Completed:  p.completed.Load(),
		Failed:     p.failed.Load(),
		Rejected:   p.rejected.Load(),
		Panicked:   p.panicked.Load(),
	}
}

// Stats contains pool statistics.
type Stats struct {
	MaxWorkers int   `json:"max_workers"`
	Active     int   `json:"active"`
	Submitted  int64 `json:"submitted"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Rejected   int64 `json:"rejected"`
	Panicked   int64 `json:"panicked"`
}
