package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_RejectsWhenFull(t *testing.T) {
	p := NewWorkerPool(Config{MaxWorkers: 2})
	release := make(chan struct{})
	block := func(ctx context.Context) error {
		<-release
		return nil
	}

	require.NoError(t, p.Submit(context.Background(), block))
	require.NoError(t, p.Submit(context.Background(), block))
	assert.ErrorIs(t, p.Submit(context.Background(), block), ErrPoolFull)

	stats := p.Stats()
	assert.Equal(t, 2, stats.Active)
	assert.Equal(t, int64(1), stats.Rejected)

	close(release)
	require.NoError(t, p.Close(context.Background()))

	stats = p.Stats()
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, int64(2), stats.Completed)
}

func TestWorkerPool_SlotFreedAfterCompletion(t *testing.T) {
	p := NewWorkerPool(Config{MaxWorkers: 1})
	done := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		close(done)
		return nil
	}))
	<-done

	require.Eventually(t, func() bool {
		return p.Submit(context.Background(), func(ctx context.Context) error { return nil }) == nil
	}, time.Second, 5*time.Millisecond)
}

func TestWorkerPool_RecoversPanics(t *testing.T) {
	var recovered atomic.Value
	p := NewWorkerPool(Config{MaxWorkers: 1, PanicHandler: func(r any) { recovered.Store(r) }})

	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		panic("boom")
	}))
	require.NoError(t, p.Close(context.Background()))

	assert.Equal(t, "boom", recovered.Load())
	stats := p.Stats()
	assert.Equal(t, int64(1), stats.Panicked)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestWorkerPool_CountsFailures(t *testing.T) {
	p := NewWorkerPool(Config{MaxWorkers: 4})
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		return errors.New("hangup failed")
	}))
	require.NoError(t, p.Close(context.Background()))
	assert.Equal(t, int64(1), p.Stats().Failed)
}

func TestWorkerPool_CloseRejectsAndHonoursDeadline(t *testing.T) {
	p := NewWorkerPool(Config{MaxWorkers: 1})
	release := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		<-release
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Close(ctx), context.DeadlineExceeded)
	assert.ErrorIs(t, p.Submit(context.Background(), func(ctx context.Context) error { return nil }), ErrPoolClosed)

	close(release)
	require.NoError(t, p.Close(context.Background()))
}
