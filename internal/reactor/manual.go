package reactor

import (
	"sort"
	"sync"
	"time"
)

// maxDrainIterations bounds Drain so a task that keeps re-posting itself
// fails a test instead of hanging it.
const maxDrainIterations = 100000

// Manual is a Scheduler driven explicitly by the caller over a fake clock.
//
// Post is safe from any goroutine; Drain and Advance must be called from a
// single goroutine (normally the test).
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	tasks  []func()
	timers []*manualTimer
	seq    uint64
}

// Ensure Manual implements Scheduler.
var _ Scheduler = (*Manual)(nil)

// NewManual creates a manual scheduler whose clock starts at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Post enqueues fn.
func (m *Manual) Post(fn func()) {
	m.mu.Lock()
	m.tasks = append(m.tasks, fn)
	m.mu.Unlock()
}

// Next enqueues fn.
func (m *Manual) Next(fn func()) {
	m.Post(fn)
}

// Now returns the fake clock.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After registers a one-shot timer due at Now()+d.
func (m *Manual) After(d time.Duration, fn func()) Timer {
	return m.addTimer(d, 0, fn)
}

// Every registers a periodic timer.
func (m *Manual) Every(d time.Duration, fn func()) Timer {
	if d <= 0 {
		d = time.Millisecond
	}
	return m.addTimer(d, d, fn)
}

// Pending returns the number of queued tasks.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// ActiveTimers returns the number of timers that have not fired or been stopped.
func (m *Manual) ActiveTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

// Drain runs queued tasks, including ones they post, until none remain.
func (m *Manual) Drain() {
	for i := 0; i < maxDrainIterations; i++ {
		m.mu.Lock()
		if len(m.tasks) == 0 {
			m.mu.Unlock()
			return
		}
		fn := m.tasks[0]
		m.tasks = m.tasks[1:]
		m.mu.Unlock()

		fn()
	}
	panic("reactor: Manual.Drain did not settle")
}

// Advance moves the clock forward by d, firing due timers in order and
// draining tasks between them.
func (m *Manual) Advance(d time.Duration) {
	m.Drain()

	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		t := m.nextDue(target)
		if t == nil {
			break
		}
		t.fn()
		m.Drain()
	}

	m.mu.Lock()
	m.now = target
	m.mu.Unlock()
	m.Drain()
}

// nextDue pops the earliest timer due at or before target and moves the
// clock to its deadline.
func (m *Manual) nextDue(target time.Time) *manualTimer {
	m.mu.Lock()
	defer m.mu.Unlock()

	live := m.timers[:0]
	for _, t := range m.timers {
		if !t.stopped {
			live = append(live, t)
		}
	}
	m.timers = live
	if len(m.timers) == 0 {
		return nil
	}

	sort.SliceStable(m.timers, func(i, j int) bool {
		if m.timers[i].due.Equal(m.timers[j].due) {
			return m.timers[i].seq < m.timers[j].seq
		}
		return m.timers[i].due.Before(m.timers[j].due)
	})

	t := m.timers[0]
	if t.due.After(target) {
		return nil
	}
	if t.due.After(m.now) {
		m.now = t.due
	}
	if t.period > 0 {
		t.due = t.due.Add(t.period)
	} else {
		t.stopped = true
	}
	return t
}

func (m *Manual) addTimer(d, period time.Duration, fn func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{m: m, due: m.now.Add(d), period: period, fn: fn, seq: m.seq}
	m.timers = append(m.timers, t)
	return t
}

type manualTimer struct {
	m       *Manual
	due     time.Time
	period  time.Duration
	fn      func()
	seq     uint64
	stopped bool
}

func (t *manualTimer) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}
