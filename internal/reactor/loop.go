package reactor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ErrStopped is returned by Do when the loop stops before the task ran.
var ErrStopped = errors.New("reactor: loop stopped")

// Timer is a handle to a scheduled one-shot or periodic callback.
type Timer interface {
	// Stop cancels the timer. It returns false if the timer had already
	// fired (one-shot) or been stopped.
	Stop() bool
}

// Scheduler is the subset of loop behaviour the communication core relies on.
type Scheduler interface {
	// Post enqueues fn to run on the loop. Safe for concurrent use.
	Post(fn func())

	// Next defers fn to a later tick of the loop.
	Next(fn func())

	// After runs fn on the loop once d has elapsed.
	After(d time.Duration, fn func()) Timer

	// Every runs fn on the loop every d until the timer is stopped.
	Every(d time.Duration, fn func()) Timer

	// Now returns the scheduler's notion of the current time.
	Now() time.Time
}

// Logger receives panics recovered from loop tasks.
type Logger interface {
	Error(msg string, args ...any)
}

// Loop is a single goroutine executing posted tasks in order.
//
// Thread Safety:
//   - Post, Next, After, Every, Do and Stop are safe from any goroutine.
//   - Tasks themselves run strictly one at a time.
type Loop struct {
	name string

	mu    sync.Mutex
	tasks []func()
	wake  chan struct{}

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	running  atomic.Bool

	logger   Logger
	loggerMu sync.RWMutex
}

// Ensure Loop implements Scheduler.
var _ Scheduler = (*Loop)(nil)

// New creates a loop. It does nothing until Run or Start is called.
func New(name string) *Loop {
	return &Loop{
		name: name,
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// SetLogger sets the logger used to report recovered task panics.
func (l *Loop) SetLogger(logger Logger) {
	l.loggerMu.Lock()
	l.logger = logger
	l.loggerMu.Unlock()
}

// Name returns the loop's name.
func (l *Loop) Name() string {
	return l.name
}

// Start runs the loop in a new goroutine.
func (l *Loop) Start(ctx context.Context) {
	go l.Run(ctx)
}

// Run executes tasks until ctx is cancelled or Stop is called.
// Tasks still queued at that point are discarded.
func (l *Loop) Run(ctx context.Context) {
	if !l.running.CompareAndSwap(false, true) {
		return
	}
	defer close(l.done)

	for {
		select {
		case <-ctx.Done():
			l.stopOnce.Do(func() { close(l.stop) })
			return
		case <-l.stop:
			return
		case <-l.wake:
		}

		for {
			batch := l.take()
			if len(batch) == 0 {
				break
			}
			for _, fn := range batch {
				l.execute(fn)
			}
		}
	}
}

// Stop signals the loop to exit and waits for the running task to finish.
// Safe to call multiple times and before Run, but never from a loop task.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
	if l.running.Load() {
		<-l.done
	}
}

// Post enqueues fn to run on the loop.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Next defers fn to a later tick. Tasks posted from the loop always run
// after the current task returns, so this is the same as Post.
func (l *Loop) Next(fn func()) {
	l.Post(fn)
}

// Now returns the wall clock time.
func (l *Loop) Now() time.Time {
	return time.Now()
}

// After runs fn on the loop once d has elapsed.
func (l *Loop) After(d time.Duration, fn func()) Timer {
	t := &loopTimer{loop: l, fn: fn}
	t.arm(d)
	return t
}

// Every runs fn on the loop every d until stopped.
func (l *Loop) Every(d time.Duration, fn func()) Timer {
	if d <= 0 {
		d = time.Millisecond
	}
	t := &loopTimer{loop: l, fn: fn, period: d}
	t.arm(d)
	return t
}

// Do runs fn on the loop and waits for it to return.
//
// Must not be called from the loop itself.
//
// Returns:
//   - error: ctx.Err() if the context ends first, ErrStopped if the loop exits first
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	l.Post(func() {
		defer close(finished)
		fn()
	})

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stop:
		// The task may still have run if it was already executing.
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	}
}

func (l *Loop) take() []func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	batch := l.tasks
	l.tasks = nil
	return batch
}

func (l *Loop) execute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.loggerMu.RLock()
			logger := l.logger
			l.loggerMu.RUnlock()
			if logger != nil {
				logger.Error("loop task panic recovered", "loop", l.name, "panic", fmt.Sprint(r))
			}
		}
	}()
	fn()
}

// loopTimer bridges a runtime timer onto the loop. The stopped flag is
// checked on the loop so Stop from a task is always authoritative.
type loopTimer struct {
	loop    *Loop
	fn      func()
	period  time.Duration
	stopped atomic.Bool

	// mu guards timer: the runtime timer can fire before AfterFunc returns.
	mu    sync.Mutex
	timer *time.Timer
}

func (t *loopTimer) arm(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timer = time.AfterFunc(d, t.post)
}

func (t *loopTimer) post() {
	t.loop.Post(t.fire)
}

func (t *loopTimer) fire() {
	if t.stopped.Load() {
		return
	}
	if t.period > 0 {
		t.mu.Lock()
		t.timer.Reset(t.period)
		t.mu.Unlock()
	} else {
		t.stopped.Store(true)
	}
	t.fn()
}

func (t *loopTimer) Stop() bool {
	if t.stopped.Swap(true) {
		return false
	}
	t.mu.Lock()
	t.timer.Stop()
	t.mu.Unlock()
	return true
}
