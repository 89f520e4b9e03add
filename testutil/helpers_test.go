package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStepClock_StrictlyIncreasingUnderConcurrency(t *testing.T) {
	base := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	clock := StepClock(base, time.Second)

	var mu sync.Mutex
	seen := make(map[time.Time]bool)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ts := clock()
			mu.Lock()
			seen[ts] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 50)
	assert.True(t, clock().Equal(base.Add(51*time.Second)))
}

func TestWaitForChannel(t *testing.T) {
	ch := make(chan string, 1)
	ch <- "C1"
	v, ok := WaitForChannel(ch, time.Second)
	assert.True(t, ok)
	assert.Equal(t, "C1", v)

	_, ok = WaitForChannel(ch, 20*time.Millisecond)
	assert.False(t, ok)

	close(ch)
	_, ok = WaitForChannel(ch, time.Second)
	assert.False(t, ok)
}

func TestWaitFor(t *testing.T) {
	start := time.Now()
	assert.True(t, WaitFor(func() bool { return time.Since(start) > 30*time.Millisecond }, time.Second))
	assert.False(t, WaitFor(func() bool { return false }, 30*time.Millisecond))
}
