package transport

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nerrad567/gray-logic-comms/internal/comms"
	"github.com/nerrad567/gray-logic-comms/internal/reactor"
)

// MakeBreakConfig configures a connect-on-demand transport.
type MakeBreakConfig struct {
	Dialer Dialer
	Hooks  Hooks

	// ConnectTimeout bounds each dial. Default: 10 seconds.
	ConnectTimeout time.Duration

	// WriteTimeout bounds each write. Default: 5 seconds.
	WriteTimeout time.Duration

	// WriteQueueSize bounds writes held while connecting. Default: 128.
	WriteQueueSize int

	// WaitReady is a marker the device sends before it accepts commands.
	WaitReady []byte

	// WaitReadyTimeout bounds the wait for WaitReady. Default: 10 seconds.
	WaitReadyTimeout time.Duration

	// InactivityTimeout closes an idle connection. Zero closes it as soon as
	// the in-flight command completes and nothing else is queued.
	InactivityTimeout time.Duration

	// ThrashingThreshold is the window in which a second unexpected drop
	// counts as thrashing. Default: 1.5 seconds.
	ThrashingThreshold time.Duration

	// ReconnectInterval is the first backoff delay. Default: 1 second.
	ReconnectInterval time.Duration

	// MaxReconnectInterval caps the backoff delay. Default: 2 minutes.
	MaxReconnectInterval time.Duration
}

func (c *MakeBreakConfig) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.WriteQueueSize <= 0 {
		c.WriteQueueSize = DefaultWriteQueueSize
	}
	if c.WaitReadyTimeout <= 0 {
		c.WaitReadyTimeout = DefaultWaitReadyTimeout
	}
	if c.ThrashingThreshold <= 0 {
		c.ThrashingThreshold = DefaultThrashingThreshold
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	if c.MaxReconnectInterval <= 0 {
		c.MaxReconnectInterval = DefaultMaxReconnectInterval
	}
}

// MakeBreak connects when there is something to send and disconnects once
// the device is idle.
//
// Writes made while disconnected, connecting, or waiting for the ready
// marker are held (up to WriteQueueSize) and flushed once the device is
// ready. A dial failure or thrashing marks the queue offline at once and
// reconnection backs off until the device answers again.
//
// Thread Safety:
//   - Stats and SetLogger are safe from any goroutine.
//   - All other methods must be called on the device loop.
type MakeBreak struct {
	logHolder

	cfg   MakeBreakConfig
	link  comms.Link
	sched reactor.Scheduler

	state      State
	sess       *session
	gen        uint64
	cancelDial context.CancelFunc

	pending   [][]byte
	ready     bool
	readyBuf  []byte
	announced bool

	readyTimer     reactor.Timer
	idleTimer      reactor.Timer
	reconnectTimer reactor.Timer

	lastRetryAt time.Time
	offline     bool
	requested   bool
	terminated  bool

	backoff backoff.BackOff
	stats   stats
}

// Ensure MakeBreak implements comms.Transport and comms.Delayer.
var (
	_ comms.Transport = (*MakeBreak)(nil)
	_ comms.Delayer   = (*MakeBreak)(nil)
)

// NewMakeBreak creates a make/break transport. It stays disconnected until
// the first write.
func NewMakeBreak(link comms.Link, cfg MakeBreakConfig) *MakeBreak {
	cfg.applyDefaults()
	return &MakeBreak{
		cfg:     cfg,
		link:    link,
		sched:   link.Scheduler(),
		backoff: newBackoff(cfg.ReconnectInterval, cfg.MaxReconnectInterval),
	}
}

// Start is a no-op; connections are made on demand.
func (m *MakeBreak) Start() {}

// State returns the lifecycle state.
func (m *MakeBreak) State() State {
	return m.state
}

// Stats returns a snapshot of connection statistics.
func (m *MakeBreak) Stats() Stats {
	return m.stats.snapshot()
}

// Accepting is true until terminated; writes trigger a connection.
func (m *MakeBreak) Accepting() bool {
	return !m.terminated
}

// Delaying reports whether the device has yet to send its ready marker.
func (m *MakeBreak) Delaying() bool {
	return m.state == StateConnected && !m.ready
}

// Transmit sends the payload, connecting first if needed.
func (m *MakeBreak) Transmit(cmd *comms.Command) error {
	if m.terminated {
		return ErrTerminated
	}
	b, err := m.cfg.Hooks.encode(cmd)
	if err != nil {
		return err
	}

	// No-wait commands settle right after Transmit returns, so they get the
	// same idle check as answered ones.
	if m.cfg.InactivityTimeout <= 0 {
		cmd.Completion().OnComplete(func(any, error) {
			m.sched.Post(m.checkIdle)
		})
	}

	if m.state == StateConnected && m.ready {
		m.touch()
		return m.sess.send(b)
	}

	if len(m.pending) >= m.cfg.WriteQueueSize {
		return ErrWriteQueueFull
	}
	m.pending = append(m.pending, b)
	if m.state == StateDisconnected && m.reconnectTimer == nil {
		m.connect()
	}
	return nil
}

// Disconnect closes the connection after pending writes are flushed.
func (m *MakeBreak) Disconnect() {
	if m.sess == nil || m.state != StateConnected {
		return
	}
	m.requested = true
	m.state = StateDisconnecting
	m.sess.closeAfterWrites()
}

// Terminate closes the connection and drops held writes.
func (m *MakeBreak) Terminate() {
	if m.terminated {
		return
	}
	m.terminated = true
	m.gen++
	m.stopTimers()
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	if m.sess != nil {
		m.sess.close()
		m.sess = nil
	}
	m.pending = nil
	m.state = StateDisconnected
	m.stats.connected.Store(false)
}

func (m *MakeBreak) connect() {
	m.state = StateConnecting
	m.gen++
	gen := m.gen

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	m.cancelDial = cancel
	dialer := m.cfg.Dialer

	go func() {
		rwc, err := dialer.Dial(ctx)
		cancel()
		m.sched.Post(func() { m.dialed(gen, rwc, err) })
	}()
}

func (m *MakeBreak) dialed(gen uint64, rwc io.ReadWriteCloser, err error) {
	if gen != m.gen || m.terminated {
		if rwc != nil {
			_ = rwc.Close()
		}
		return
	}
	m.cancelDial = nil

	if err != nil {
		m.stats.connectFailures.Add(1)
		m.log().Warn("connect failed", "address", m.cfg.Dialer.String(), "error", err)
		m.state = StateDisconnected
		m.pending = nil
		m.goOffline()
		m.link.Disconnected()
		m.scheduleReconnect()
		return
	}

	m.state = StateConnected
	m.stats.connects.Add(1)
	m.stats.connected.Store(true)
	m.sess = startSession(m.sched, gen, rwc, &m.stats, m.cfg.WriteTimeout, m.received, m.closed)

	if len(m.cfg.WaitReady) == 0 {
		m.becomeReady()
		return
	}
	m.ready = false
	m.readyBuf = nil
	m.readyTimer = m.sched.After(m.cfg.WaitReadyTimeout, func() {
		m.readyTimer = nil
		if gen == m.gen && m.state == StateConnected && !m.ready {
			m.log().Warn("device not ready, dropping connection", "address", m.cfg.Dialer.String(), "error", ErrReadyTimeout)
			m.sess.close()
		}
	})
}

// becomeReady announces the connection and flushes held writes.
func (m *MakeBreak) becomeReady() {
	m.ready = true
	m.announced = true
	m.offline = false
	m.backoff.Reset()

	for _, b := range m.pending {
		if err := m.sess.send(b); err != nil {
			m.log().Warn("dropping held write", "error", err)
		}
	}
	m.pending = nil

	m.link.Connected()
	m.touch()
	if m.cfg.InactivityTimeout <= 0 {
		m.sched.Post(m.checkIdle)
	}
}

func (m *MakeBreak) received(gen uint64, data []byte) {
	if gen != m.gen || m.state != StateConnected {
		return
	}
	data = m.cfg.Hooks.decode(data)
	if len(data) == 0 {
		return
	}

	if !m.ready {
		m.readyBuf = append(m.readyBuf, data...)
		marker := m.cfg.WaitReady
		idx := bytes.Index(m.readyBuf, marker)
		if idx < 0 {
			if keep := len(marker) - 1; len(m.readyBuf) > keep {
				m.readyBuf = append(m.readyBuf[:0], m.readyBuf[len(m.readyBuf)-keep:]...)
			}
			return
		}
		rest := m.readyBuf[idx+len(marker):]
		m.readyBuf = nil
		if m.readyTimer != nil {
			m.readyTimer.Stop()
			m.readyTimer = nil
		}
		m.becomeReady()
		if len(rest) > 0 {
			m.link.Buffer(rest)
		}
		return
	}

	m.touch()
	m.link.Buffer(data)
}

func (m *MakeBreak) closed(gen uint64, err error) {
	if gen != m.gen || m.terminated {
		return
	}
	m.stopTimers()
	m.sess = nil
	m.ready = false
	m.readyBuf = nil
	m.state = StateDisconnected
	m.stats.connected.Store(false)

	if m.announced {
		m.announced = false
		m.link.Disconnected()
	}

	if m.requested {
		m.requested = false
		if len(m.pending) > 0 {
			m.connect()
		}
		return
	}

	m.log().Debug("connection closed by peer", "address", m.cfg.Dialer.String(), "error", err)
	now := m.sched.Now()
	if !m.lastRetryAt.IsZero() && now.Sub(m.lastRetryAt) < m.cfg.ThrashingThreshold {
		m.stats.thrashes.Add(1)
		m.log().Warn("connection thrashing, backing off", "address", m.cfg.Dialer.String(), "error", ErrThrashing)
		m.pending = nil
		m.goOffline()
		m.scheduleReconnect()
		return
	}
	m.lastRetryAt = now
	if len(m.pending) > 0 {
		m.connect()
	}
}

// checkIdle disconnects once nothing is in flight, queued or held.
func (m *MakeBreak) checkIdle() {
	if m.state != StateConnected || !m.ready || len(m.pending) > 0 {
		return
	}
	if m.link.Idle() {
		m.Disconnect()
	}
}

// touch restarts the inactivity timer.
func (m *MakeBreak) touch() {
	if m.cfg.InactivityTimeout <= 0 {
		return
	}
	if m.idleTimer != nil {
		m.idleTimer.Stop()
	}
	m.idleTimer = m.sched.After(m.cfg.InactivityTimeout, func() {
		m.idleTimer = nil
		if m.state != StateConnected {
			return
		}
		if m.link.Idle() {
			m.Disconnect()
			return
		}
		m.touch()
	})
}

func (m *MakeBreak) stopTimers() {
	if m.readyTimer != nil {
		m.readyTimer.Stop()
		m.readyTimer = nil
	}
	if m.idleTimer != nil {
		m.idleTimer.Stop()
		m.idleTimer = nil
	}
}

func (m *MakeBreak) goOffline() {
	if m.offline {
		return
	}
	m.offline = true
	m.link.Offline()
}

func (m *MakeBreak) scheduleReconnect() {
	delay := m.backoff.NextBackOff()
	if delay == backoff.Stop {
		delay = m.cfg.MaxReconnectInterval
	}
	m.reconnectTimer = m.sched.After(delay, func() {
		m.reconnectTimer = nil
		if m.terminated || m.state != StateDisconnected {
			return
		}
		// Reconnect to bring an offline queue back even with nothing to send.
		if len(m.pending) > 0 || m.offline {
			m.connect()
		}
	})
}
