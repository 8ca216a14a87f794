package comms

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-comms/internal/framing"
	"github.com/nerrad567/gray-logic-comms/internal/reactor"
)

// Handlers are the hooks a device manager supplies to a processor.
// Every hook runs on the device loop.
type Handlers struct {
	// Receive judges inbound frames. Nil treats every frame as success.
	Receive ReceiveFunc

	OnConnected    func()
	OnDisconnected func()

	// OnStatus is called on connectivity changes when Config.UpdateStatus is set.
	OnStatus func(connected bool)

	// OnOutcome is called for every command the processor settles.
	OnOutcome func(Outcome)
}

// Outcome describes a settled command.
type Outcome struct {
	Command  *Command
	Value    any
	Err      error
	Duration time.Duration
}

// Status returns a short label for metrics and telemetry.
func (o Outcome) Status() string {
	switch {
	case o.Err == nil && o.Value == NotWaiting:
		return "sent"
	case o.Err == nil:
		return "success"
	case errors.Is(o.Err, ErrCanceled):
		return "canceled"
	case errors.Is(o.Err, ErrTimeout):
		return "timeout"
	default:
		return "failed"
	}
}

// Stats is a snapshot of processor counters.
type Stats struct {
	Queued    uint64
	Sent      uint64
	Frames    uint64
	Succeeded uint64
	Failed    uint64
	Retried   uint64
	Timeouts  uint64
}

type processorStats struct {
	queued    atomic.Uint64
	sent      atomic.Uint64
	frames    atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	retried   atomic.Uint64
	timeouts  atomic.Uint64
}

// Processor drives one device's command/response cycle.
//
// It pulls commands from its Queue, transmits them, frames inbound data,
// matches responses to the in-flight command and applies the retry policy.
// Exactly one command is in flight at a time.
//
// Thread Safety:
//   - Stats and SetLogger are safe from any goroutine.
//   - Everything else must be called on the device loop.
type Processor struct {
	sched    reactor.Scheduler
	queue    *Queue
	cfg      Config
	handlers Handlers

	transport Transport
	tokenizer *framing.Tokenizer
	backlog   [][]byte

	// processing is true while a frame is evaluated or an async verdict is pending.
	processing bool
	asyncFor   *Command
	bonus      int

	lastSent     time.Time
	lastReceived time.Time
	connected    bool
	terminated   bool

	timeout    reactor.Timer
	delayTimer reactor.Timer

	stats processorStats

	logger   Logger
	loggerMu sync.RWMutex
}

// Ensure Processor implements Link.
var _ Link = (*Processor)(nil)

// NewProcessor creates a processor bound to sched.
func NewProcessor(sched reactor.Scheduler, cfg Config, handlers Handlers) *Processor {
	p := &Processor{
		sched:    sched,
		queue:    NewQueue(sched),
		cfg:      cfg,
		handlers: handlers,
		logger:   noopLogger{},
	}
	if cfg.Framing.Enabled() {
		// New only fails when no strategy is set.
		p.tokenizer, _ = framing.New(cfg.Framing)
	}
	return p
}

// SetLogger sets the logger for processor diagnostics.
func (p *Processor) SetLogger(logger Logger) {
	p.loggerMu.Lock()
	defer p.loggerMu.Unlock()
	if logger == nil {
		logger = noopLogger{}
	}
	p.logger = logger
}

func (p *Processor) log() Logger {
	p.loggerMu.RLock()
	defer p.loggerMu.RUnlock()
	return p.logger
}

// Scheduler returns the loop the processor runs on.
func (p *Processor) Scheduler() reactor.Scheduler {
	return p.sched
}

// Queue returns the processor's command queue.
func (p *Processor) Queue() *Queue {
	return p.queue
}

// Config returns the processor configuration.
func (p *Processor) Config() Config {
	return p.cfg
}

// IsConnected reports the last connectivity state signalled by the transport.
func (p *Processor) IsConnected() bool {
	return p.connected
}

// Stats returns a snapshot of the processor counters.
func (p *Processor) Stats() Stats {
	return Stats{
		Queued:    p.stats.queued.Load(),
		Sent:      p.stats.sent.Load(),
		Frames:    p.stats.frames.Load(),
		Succeeded: p.stats.succeeded.Load(),
		Failed:    p.stats.failed.Load(),
		Retried:   p.stats.retried.Load(),
		Timeouts:  p.stats.timeouts.Load(),
	}
}

// SetTransport attaches the transport and starts delivery if it accepts.
func (p *Processor) SetTransport(t Transport) {
	p.transport = t
	p.popNext()
}

// QueueCommand submits data for transmission and returns the command.
//
// The command's completion settles with the response value, NotWaiting for
// commands that do not wait, or an error.
func (p *Processor) QueueCommand(data []byte, opts ...Option) *Command {
	cmd := NewCommand(data, p.cfg.Defaults, opts...)
	cmd.queuedAt = p.sched.Now()
	p.stats.queued.Add(1)

	if p.terminated {
		cmd.complete(nil, ErrShutdown)
		return cmd
	}

	// A command that expects an answer keeps the queue path even while the
	// transport is holding writes, so its response is still matched to it.
	if d, ok := p.transport.(Delayer); ok && d.Delaying() && !cmd.Wait {
		p.transmitDirect(cmd)
		return cmd
	}

	if p.transport == nil {
		p.log().Warn("command queued with no transport attached", "command_id", cmd.ID, "name", cmd.Name)
	}

	p.queue.Push(cmd, cmd.Priority+p.bonus)
	if p.queue.Length() > 0 {
		p.popNext()
	}
	return cmd
}

// transmitDirect hands a no-wait command straight to a transport that is
// buffering writes until its device is ready.
func (p *Processor) transmitDirect(cmd *Command) {
	cmd.attempts++
	p.stats.sent.Add(1)
	if err := p.transport.Transmit(cmd); err != nil {
		p.settle(cmd, nil, cmd.failure(err))
		return
	}
	p.lastSent = p.sched.Now()
	p.settle(cmd, NotWaiting, nil)
}

// Buffer accepts inbound bytes from the transport.
func (p *Processor) Buffer(data []byte) {
	if p.terminated || len(data) == 0 {
		return
	}
	p.lastReceived = p.sched.Now()

	if p.tokenizer == nil {
		frame := make([]byte, len(data))
		copy(frame, data)
		p.backlog = append(p.backlog, frame)
	} else {
		frames, err := p.tokenizer.Extract(data)
		if err != nil {
			p.log().Warn("framing error, buffer cleared", "error", err)
		}
		p.backlog = append(p.backlog, frames...)
	}

	p.processBacklog()
}

func (p *Processor) processBacklog() {
	for !p.processing && !p.terminated && len(p.backlog) > 0 {
		frame := p.backlog[0]
		p.backlog[0] = nil
		p.backlog = p.backlog[1:]
		p.checkData(frame)
	}
}

// checkData evaluates one frame against the in-flight command.
func (p *Processor) checkData(frame []byte) {
	p.stats.frames.Add(1)
	p.processing = true

	cmd := p.queue.Waiting()
	if cmd != nil && !cmd.transmitted {
		cmd = nil
	}
	if cmd != nil && cmd.ForceDisconnect && p.transport != nil {
		p.transport.Disconnect()
	}

	receive := p.handlers.Receive
	if cmd != nil && cmd.OnReceive != nil {
		receive = cmd.OnReceive
	}

	p.bonus = p.cfg.PriorityBonus
	res := p.evaluate(receive, frame, cmd)
	p.bonus = 0

	if res.Verdict == VerdictAsync && cmd != nil {
		p.asyncFor = cmd
		return
	}
	if cmd != nil {
		p.apply(cmd, frame, res)
	}
	p.processing = false
}

func (p *Processor) evaluate(receive ReceiveFunc, frame []byte, cmd *Command) (res Result) {
	if receive == nil {
		return Success(nil)
	}
	defer func() {
		if r := recover(); r != nil {
			p.log().Error("receive callback panic recovered", "panic", fmt.Sprint(r))
			res = Fail(fmt.Errorf("receive callback panic: %v", r))
		}
	}()
	return receive(frame, p.resolver(cmd, frame), cmd)
}

// resolver builds the early-resolve hook for one evaluation.
func (p *Processor) resolver(cmd *Command, frame []byte) Resolver {
	if cmd == nil {
		return func(Result) {}
	}
	attempt := cmd.attempts
	return func(res Result) {
		p.sched.Post(func() {
			if res.Verdict == VerdictAsync || p.terminated {
				return
			}
			if p.queue.Waiting() != cmd || cmd.attempts != attempt {
				return
			}
			p.apply(cmd, frame, res)
			p.releaseAsync(cmd)
		})
	}
}

// apply routes a verdict for the in-flight command.
func (p *Processor) apply(cmd *Command, frame []byte, res Result) {
	switch res.Verdict {
	case VerdictSuccess:
		value := res.Value
		if value == nil {
			value = frame
		}
		p.respSuccess(cmd, value)
	case VerdictIgnore:
		cmd.waitCount++
		if cmd.waitCount > cmd.MaxWaits {
			p.respFailure(cmd, ErrMaxWaitsExceeded)
		}
	case VerdictAbort:
		p.stopTimers()
		p.fail(cmd, res.Reason)
		p.queue.ClearWaiting()
		p.releaseAsync(cmd)
		p.popNext()
	case VerdictFail:
		p.respFailure(cmd, res.Reason)
	}
}

// releaseAsync lets buffered frames flow again once cmd is settled.
func (p *Processor) releaseAsync(cmd *Command) {
	if p.asyncFor != cmd {
		return
	}
	p.asyncFor = nil
	p.processing = false
	if len(p.backlog) > 0 {
		p.sched.Next(p.processBacklog)
	}
}

func (p *Processor) respSuccess(cmd *Command, value any) {
	p.stopTimers()
	p.settle(cmd, value, nil)
	if cmd.Emit != nil {
		cmd.Emit(value)
	}
	p.queue.ClearWaiting()
	p.releaseAsync(cmd)

	if cmd.Disconnect && p.transport != nil {
		p.transport.Disconnect()
		p.sched.Next(p.popNext)
		return
	}
	p.popNext()
}

// respFailure fails or retries cmd.
func (p *Processor) respFailure(cmd *Command, reason error) {
	p.stopTimers()
	p.queue.ClearWaiting()

	if cmd.remaining <= 0 {
		p.fail(cmd, reason)
	} else {
		cmd.remaining--
		cmd.waitCount = 0
		cmd.transmitted = false
		p.stats.retried.Add(1)
		p.log().Debug("retrying command", "command_id", cmd.ID, "name", cmd.Name,
			"reason", reason, "retries_left", cmd.remaining)

		if cmd.ForceDisconnect && p.transport != nil {
			p.transport.Disconnect()
		}
		p.requeue(cmd, cmd.Priority+p.cfg.PriorityBonus)
	}

	p.releaseAsync(cmd)
	p.popNext()
}

// requeue pushes cmd back at priority. A newer command with the same name
// takes precedence and cmd settles with its outcome.
func (p *Processor) requeue(cmd *Command, priority int) {
	if cmd.Name != "" {
		if newer := p.queue.Retained(cmd.Name); newer != nil && newer != cmd {
			cmd.completion.follow(newer.completion)
			return
		}
	}
	p.queue.Push(cmd, priority)
}

// fail rejects cmd terminally.
func (p *Processor) fail(cmd *Command, reason error) {
	err := cmd.failure(reason)
	p.log().Warn("command failed", "command_id", cmd.ID, "name", cmd.Name,
		"attempts", cmd.attempts, "reason", reason)
	p.settle(cmd, nil, err)

	if cmd.ClearQueue {
		p.queue.CancelAll(ErrQueueCleared)
	}
}

func (p *Processor) settle(cmd *Command, value any, err error) {
	if !cmd.complete(value, err) {
		return
	}
	if err != nil {
		p.stats.failed.Add(1)
	} else {
		p.stats.succeeded.Add(1)
	}
	if p.handlers.OnOutcome != nil {
		p.handlers.OnOutcome(Outcome{
			Command:  cmd,
			Value:    value,
			Err:      err,
			Duration: p.sched.Now().Sub(cmd.queuedAt),
		})
	}
}

func (p *Processor) accepting() bool {
	return !p.terminated && p.transport != nil && p.transport.Accepting()
}

func (p *Processor) popNext() {
	if p.accepting() && p.queue.Waiting() == nil {
		p.queue.Pop(p.sendNext)
	}
}

// sendNext receives the next command from the queue.
func (p *Processor) sendNext(cmd *Command) {
	now := p.sched.Now()
	var gap time.Duration
	if cmd.Delay > 0 && !p.lastSent.IsZero() {
		gap = max(gap, cmd.Delay-now.Sub(p.lastSent))
	}
	if cmd.DelayOnReceive > 0 && !p.lastReceived.IsZero() {
		gap = max(gap, cmd.DelayOnReceive-now.Sub(p.lastReceived))
	}

	if gap > 0 {
		p.delayTimer = p.sched.After(gap, func() {
			p.delayTimer = nil
			p.transmit(cmd)
		})
		return
	}
	p.transmit(cmd)
}

func (p *Processor) transmit(cmd *Command) {
	if p.queue.Waiting() != cmd || p.terminated {
		return
	}
	if !p.accepting() {
		// Went down between delivery and transmit; wait for the next connect.
		p.queue.ClearWaiting()
		p.requeue(cmd, cmd.Priority)
		return
	}

	cmd.attempts++
	p.stats.sent.Add(1)
	if err := p.transport.Transmit(cmd); err != nil {
		p.log().Warn("transmit failed", "command_id", cmd.ID, "name", cmd.Name, "error", err)
		p.respFailure(cmd, err)
		return
	}
	cmd.transmitted = true
	p.lastSent = p.sched.Now()

	if !cmd.Wait {
		p.settle(cmd, NotWaiting, nil)
		if cmd.Emit != nil {
			cmd.Emit(NotWaiting)
		}
		p.queue.ClearWaiting()
		p.popNext()
		return
	}

	if cmd.Timeout > 0 {
		p.timeout = p.sched.After(cmd.Timeout, func() {
			p.timeout = nil
			if p.queue.Waiting() != cmd {
				return
			}
			p.stats.timeouts.Add(1)
			p.log().Debug("response timeout", "command_id", cmd.ID, "name", cmd.Name)
			p.respFailure(cmd, ErrTimeout)
		})
	}
}

func (p *Processor) stopTimers() {
	if p.timeout != nil {
		p.timeout.Stop()
		p.timeout = nil
	}
	if p.delayTimer != nil {
		p.delayTimer.Stop()
		p.delayTimer = nil
	}
}

// Connected is called by the transport once the link is up.
func (p *Processor) Connected() {
	if p.terminated {
		return
	}
	p.connected = true
	if p.tokenizer != nil {
		p.tokenizer.Reset()
	}
	p.queue.Online()

	if p.handlers.OnConnected != nil {
		p.handlers.OnConnected()
	}
	if p.cfg.UpdateStatus && p.handlers.OnStatus != nil {
		p.handlers.OnStatus(true)
	}
	p.popNext()
}

// Disconnected is called by the transport when the link drops.
// The in-flight command fails immediately with ErrDisconnected.
func (p *Processor) Disconnected() {
	if p.terminated {
		return
	}
	p.connected = false
	p.queue.Pop(nil)

	if p.handlers.OnDisconnected != nil {
		p.handlers.OnDisconnected()
	}
	if p.cfg.UpdateStatus && p.handlers.OnStatus != nil {
		p.handlers.OnStatus(false)
	}

	if p.tokenizer != nil {
		if p.cfg.FlushBufferOnDisconnect {
			if rest := p.tokenizer.Flush(); rest != nil {
				p.backlog = append(p.backlog, rest)
				p.processBacklog()
			}
		} else {
			p.tokenizer.Reset()
		}
	}

	if cmd := p.queue.Waiting(); cmd != nil {
		p.respFailure(cmd, ErrDisconnected)
	}
}

// Idle reports whether no command is in flight or queued.
func (p *Processor) Idle() bool {
	return p.queue.Waiting() == nil && p.queue.Length() == 0
}

// Offline is called by the transport after repeated connection failures.
func (p *Processor) Offline() {
	if p.terminated {
		return
	}
	p.log().Warn("device offline, queue suspended", "clear_queue", p.cfg.ClearQueueOnDisconnect)
	p.queue.Offline(p.cfg.ClearQueueOnDisconnect)
}

// Terminate rejects the in-flight command and everything queued with
// ErrShutdown. Calling it again has no effect.
func (p *Processor) Terminate() {
	if p.terminated {
		return
	}
	p.terminated = true
	p.stopTimers()

	if cmd := p.queue.Waiting(); cmd != nil {
		p.queue.ClearWaiting()
		p.settle(cmd, nil, ErrShutdown)
	}
	p.queue.CancelAll(ErrShutdown)
	p.backlog = nil
	p.asyncFor = nil
	p.processing = false
}
