package reactor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingLogger struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingLogger) Error(msg string, _ ...any) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
}

func (r *recordingLogger) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func startLoop(t *testing.T) *Loop {
	t.Helper()
	l := New("test")
	l.Start(context.Background())
	t.Cleanup(l.Stop)
	return l
}

func TestLoopRunsTasksInOrder(t *testing.T) {
	l := startLoop(t)

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	require.NoError(t, l.Do(context.Background(), func() {}))

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestLoopPostFromTaskRunsAfterCurrent(t *testing.T) {
	l := startLoop(t)

	var order []string
	err := l.Do(context.Background(), func() {
		l.Next(func() { order = append(order, "next") })
		order = append(order, "current")
	})
	require.NoError(t, err)
	require.NoError(t, l.Do(context.Background(), func() {}))

	assert.Equal(t, []string{"current", "next"}, order)
}

func TestLoopRecoversPanics(t *testing.T) {
	l := New("panicky")
	logger := &recordingLogger{}
	l.SetLogger(logger)
	l.Start(context.Background())
	defer l.Stop()

	l.Post(func() { panic("boom") })
	ran := false
	require.NoError(t, l.Do(context.Background(), func() { ran = true }))

	assert.True(t, ran)
	assert.Equal(t, 1, logger.count())
}

func TestLoopAfter(t *testing.T) {
	l := startLoop(t)

	fired := make(chan struct{})
	l.After(10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestLoopTimerStopFromLoopPreventsFire(t *testing.T) {
	l := startLoop(t)

	var fired atomic.Bool
	var timer Timer
	require.NoError(t, l.Do(context.Background(), func() {
		timer = l.After(time.Millisecond, func() { fired.Store(true) })
		// Let the runtime timer expire while this task still holds the loop.
		time.Sleep(20 * time.Millisecond)
		assert.True(t, timer.Stop())
	}))

	require.NoError(t, l.Do(context.Background(), func() {}))
	assert.False(t, fired.Load())
	assert.False(t, timer.Stop(), "second Stop should report false")
}

func TestLoopEvery(t *testing.T) {
	l := startLoop(t)

	var count atomic.Int32
	timer := l.Every(5*time.Millisecond, func() { count.Add(1) })

	assert.Eventually(t, func() bool { return count.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	timer.Stop()

	require.NoError(t, l.Do(context.Background(), func() {}))
	settled := count.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, settled, count.Load())
}

func TestLoopEveryShortPeriodFromOtherGoroutines(t *testing.T) {
	l := startLoop(t)
	logger := &recordingLogger{}
	l.SetLogger(logger)

	const timers = 8
	counts := make([]atomic.Int32, timers)
	handles := make([]Timer, timers)

	var wg sync.WaitGroup
	for i := range timers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handles[i] = l.Every(time.Microsecond, func() { counts[i].Add(1) })
		}()
	}
	wg.Wait()

	assert.Eventually(t, func() bool {
		for i := range counts {
			if counts[i].Load() < 3 {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)

	for _, h := range handles {
		assert.True(t, h.Stop())
	}
	assert.Zero(t, logger.count(), "no timer task should panic")
}

func TestLoopStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := New("ctx")
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit on context cancel")
	}

	err := l.Do(context.Background(), func() {})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestLoopStopIdempotent(t *testing.T) {
	l := New("idem")
	l.Start(context.Background())
	l.Stop()
	l.Stop()
}

func TestLoopDoContextCancelled(t *testing.T) {
	l := New("never-started")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := l.Do(ctx, func() {})
	assert.ErrorIs(t, err, context.Canceled)
}
