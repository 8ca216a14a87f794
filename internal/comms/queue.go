package comms

import (
	"container/heap"

	"github.com/nerrad567/gray-logic-comms/internal/reactor"
)

// entry is one heap slot: either an unnamed command or a reference to a
// named slot.
type entry struct {
	cmd      *Command
	name     string
	priority int
	seq      uint64
}

type entryHeap []entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = entry{}
	*h = old[:n-1]
	return e
}

// namedSlot tracks the heap entries outstanding for a name and the one
// command retained for it. cmd is nil once consumed and not yet replaced.
type namedSlot struct {
	priorities []int
	cmd        *Command
}

// Queue orders commands for one device.
//
// Highest priority is delivered first; equal priorities are FIFO. A named
// command supersedes any pending command of the same name, and the
// superseded command settles with the new one's outcome.
//
// Thread Safety:
//   - Not safe for concurrent use. All calls must come from the device loop.
type Queue struct {
	sched reactor.Scheduler

	pending entryHeap
	named   map[string]*namedSlot
	seq     uint64
	online  bool

	waiting   *Command
	consumer  func(*Command)
	scheduled bool
}

// NewQueue creates an online, empty queue.
func NewQueue(sched reactor.Scheduler) *Queue {
	return &Queue{
		sched:  sched,
		named:  make(map[string]*namedSlot),
		online: true,
	}
}

// Push adds cmd at priority.
//
// While offline, unnamed commands are rejected with ErrOffline before Push
// returns. Named commands are retained for when the queue comes back.
func (q *Queue) Push(cmd *Command, priority int) {
	if !q.online && cmd.Name == "" {
		cmd.complete(nil, ErrOffline)
		return
	}

	q.seq++
	if cmd.Name == "" {
		heap.Push(&q.pending, entry{cmd: cmd, priority: priority, seq: q.seq})
	} else {
		slot := q.named[cmd.Name]
		if slot == nil {
			slot = &namedSlot{}
			q.named[cmd.Name] = slot
		}
		if slot.cmd != nil && slot.cmd != cmd {
			slot.cmd.completion.follow(cmd.completion)
		}
		slot.cmd = cmd

		n := len(slot.priorities)
		if n == 0 || slot.priorities[n-1] != priority {
			slot.priorities = append(slot.priorities, priority)
			heap.Push(&q.pending, entry{name: cmd.Name, priority: priority, seq: q.seq})
		}
	}

	if q.consumer != nil {
		q.schedule()
	}
}

// Pop registers fn to receive the next command on a later tick. Only one
// consumer is kept; Pop(nil) clears it without delivering anything.
//
// Nothing is delivered while a command is waiting.
func (q *Queue) Pop(fn func(*Command)) {
	q.consumer = fn
	if fn != nil {
		q.schedule()
	}
}

// Online marks the queue online.
func (q *Queue) Online() {
	q.online = true
}

// Offline marks the queue offline.
//
// With clear, every queued command is rejected and all state dropped.
// Otherwise unnamed commands are rejected and named ones are kept, each
// re-entered once at the first priority it was queued with.
func (q *Queue) Offline(clear bool) {
	q.online = false
	if clear {
		q.rejectAll(ErrOffline)
		return
	}

	old := q.pending
	q.pending = nil

	firstSeq := make(map[string]uint64)
	for _, e := range old {
		if e.cmd != nil {
			e.cmd.complete(nil, ErrOffline)
			continue
		}
		if s, ok := firstSeq[e.name]; !ok || e.seq < s {
			firstSeq[e.name] = e.seq
		}
	}

	for name, slot := range q.named {
		if slot.cmd == nil {
			delete(q.named, name)
			continue
		}
		priority := slot.priorities[0]
		slot.priorities = []int{priority}
		seq, ok := firstSeq[name]
		if !ok {
			q.seq++
			seq = q.seq
		}
		q.pending = append(q.pending, entry{name: name, priority: priority, seq: seq})
	}
	heap.Init(&q.pending)
}

// IsOnline reports whether unnamed commands are accepted.
func (q *Queue) IsOnline() bool {
	return q.online
}

// CancelAll rejects every queued command with err and clears the consumer.
// The waiting command is not touched.
func (q *Queue) CancelAll(err error) {
	q.rejectAll(err)
	q.Pop(nil)
}

// Length returns the number of heap entries, including stale named ones.
func (q *Queue) Length() int {
	return len(q.pending)
}

// Waiting returns the command currently dispatched, if any.
func (q *Queue) Waiting() *Command {
	return q.waiting
}

// ClearWaiting releases the in-flight slot.
func (q *Queue) ClearWaiting() {
	q.waiting = nil
}

// Retained returns the pending command for name, if any.
func (q *Queue) Retained(name string) *Command {
	if slot := q.named[name]; slot != nil {
		return slot.cmd
	}
	return nil
}

func (q *Queue) schedule() {
	if q.scheduled {
		return
	}
	q.scheduled = true
	q.sched.Next(q.deliver)
}

func (q *Queue) deliver() {
	q.scheduled = false
	if q.consumer == nil || q.waiting != nil {
		return
	}
	cmd := q.extract()
	if cmd == nil {
		return
	}
	fn := q.consumer
	q.consumer = nil
	q.waiting = cmd
	fn(cmd)
}

// extract pops the next live command, discarding stale named entries.
func (q *Queue) extract() *Command {
	for len(q.pending) > 0 {
		e := heap.Pop(&q.pending).(entry)
		if e.cmd != nil {
			return e.cmd
		}

		slot := q.named[e.name]
		if slot == nil {
			continue
		}
		slot.priorities = removePriority(slot.priorities, e.priority)

		cmd := slot.cmd
		slot.cmd = nil
		if len(slot.priorities) == 0 {
			delete(q.named, e.name)
		}
		if cmd != nil {
			return cmd
		}
	}
	return nil
}

func (q *Queue) rejectAll(err error) {
	for _, e := range q.pending {
		if e.cmd != nil {
			e.cmd.complete(nil, err)
		}
	}
	for _, slot := range q.named {
		if slot.cmd != nil {
			slot.cmd.complete(nil, err)
		}
	}
	q.pending = nil
	q.named = make(map[string]*namedSlot)
}

func removePriority(priorities []int, p int) []int {
	for i, v := range priorities {
		if v == p {
			return append(priorities[:i], priorities[i+1:]...)
		}
	}
	return priorities
}
