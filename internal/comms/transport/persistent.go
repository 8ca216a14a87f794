package transport

import (
	"context"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nerrad567/gray-logic-comms/internal/comms"
	"github.com/nerrad567/gray-logic-comms/internal/reactor"
)

// PersistentConfig configures a long-lived reconnecting connection.
type PersistentConfig struct {
	Dialer Dialer
	Hooks  Hooks

	// ConnectTimeout bounds each dial. Default: 10 seconds.
	ConnectTimeout time.Duration

	// WriteTimeout bounds each write. Default: 5 seconds.
	WriteTimeout time.Duration

	// ThrashingThreshold is the window after a reconnect in which another
	// drop counts as thrashing. Default: 1.5 seconds.
	ThrashingThreshold time.Duration

	// OfflineAfter is the number of consecutive dial failures before the
	// queue goes offline. Default: 3.
	OfflineAfter int

	// ReconnectInterval is the first backoff delay. Default: 1 second.
	ReconnectInterval time.Duration

	// MaxReconnectInterval caps the backoff delay. Default: 2 minutes.
	MaxReconnectInterval time.Duration
}

func (c *PersistentConfig) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.ThrashingThreshold <= 0 {
		c.ThrashingThreshold = DefaultThrashingThreshold
	}
	if c.OfflineAfter <= 0 {
		c.OfflineAfter = DefaultOfflineAfter
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	if c.MaxReconnectInterval <= 0 {
		c.MaxReconnectInterval = DefaultMaxReconnectInterval
	}
}

// Persistent holds one connection open for the life of the device.
//
// Reconnection:
//   - A drop after a stable session reconnects immediately.
//   - A second drop within ThrashingThreshold of that reconnect is thrashing:
//     the queue goes offline and reconnection backs off.
//   - Dial failures back off from ReconnectInterval by 1.5x up to
//     MaxReconnectInterval; the queue goes offline after OfflineAfter of them.
//
// Thread Safety:
//   - Stats and SetLogger are safe from any goroutine.
//   - All other methods must be called on the device loop.
type Persistent struct {
	logHolder

	cfg   PersistentConfig
	link  comms.Link
	sched reactor.Scheduler

	state       State
	sess        *session
	gen         uint64
	cancelDial  context.CancelFunc
	retryCount  int
	lastRetryAt time.Time
	offline     bool
	requested   bool
	terminated  bool

	backoff        backoff.BackOff
	reconnectTimer reactor.Timer

	stats stats
}

// Ensure Persistent implements comms.Transport.
var _ comms.Transport = (*Persistent)(nil)

// NewPersistent creates a persistent transport. Call Start on the loop.
func NewPersistent(link comms.Link, cfg PersistentConfig) *Persistent {
	cfg.applyDefaults()
	return &Persistent{
		cfg:     cfg,
		link:    link,
		sched:   link.Scheduler(),
		backoff: newBackoff(cfg.ReconnectInterval, cfg.MaxReconnectInterval),
	}
}

// Start begins connecting.
func (p *Persistent) Start() {
	if p.terminated || p.state != StateDisconnected {
		return
	}
	p.connect()
}

// State returns the lifecycle state.
func (p *Persistent) State() State {
	return p.state
}

// Stats returns a snapshot of connection statistics.
func (p *Persistent) Stats() Stats {
	return p.stats.snapshot()
}

// Accepting reports whether the link is up.
func (p *Persistent) Accepting() bool {
	return p.state == StateConnected && !p.terminated
}

// Transmit writes the command's payload.
func (p *Persistent) Transmit(cmd *comms.Command) error {
	if p.terminated {
		return ErrTerminated
	}
	if p.state != StateConnected || p.sess == nil {
		return comms.ErrNotConnected
	}
	b, err := p.cfg.Hooks.encode(cmd)
	if err != nil {
		return err
	}
	return p.sess.send(b)
}

// Disconnect closes the connection; it is re-established straight away.
func (p *Persistent) Disconnect() {
	if p.sess == nil || p.state != StateConnected {
		return
	}
	p.requested = true
	p.state = StateDisconnecting
	p.sess.closeAfterWrites()
}

// Terminate closes the connection and stops reconnecting.
func (p *Persistent) Terminate() {
	if p.terminated {
		return
	}
	p.terminated = true
	p.gen++
	if p.reconnectTimer != nil {
		p.reconnectTimer.Stop()
		p.reconnectTimer = nil
	}
	if p.cancelDial != nil {
		p.cancelDial()
		p.cancelDial = nil
	}
	if p.sess != nil {
		p.sess.close()
		p.sess = nil
	}
	p.state = StateDisconnected
	p.stats.connected.Store(false)
}

func (p *Persistent) connect() {
	p.state = StateConnecting
	p.gen++
	gen := p.gen

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ConnectTimeout)
	p.cancelDial = cancel
	dialer := p.cfg.Dialer

	go func() {
		rwc, err := dialer.Dial(ctx)
		cancel()
		p.sched.Post(func() { p.dialed(gen, rwc, err) })
	}()
}

func (p *Persistent) dialed(gen uint64, rwc io.ReadWriteCloser, err error) {
	if gen != p.gen || p.terminated {
		if rwc != nil {
			_ = rwc.Close()
		}
		return
	}
	p.cancelDial = nil

	if err != nil {
		p.stats.connectFailures.Add(1)
		p.retryCount++
		p.log().Warn("connect failed", "address", p.cfg.Dialer.String(), "attempt", p.retryCount, "error", err)
		if p.retryCount >= p.cfg.OfflineAfter {
			p.goOffline()
		}
		p.scheduleReconnect()
		return
	}

	p.state = StateConnected
	p.offline = false
	p.stats.connects.Add(1)
	p.stats.connected.Store(true)
	p.sess = startSession(p.sched, gen, rwc, &p.stats, p.cfg.WriteTimeout, p.received, p.closed)
	p.log().Info("connected", "address", p.cfg.Dialer.String())

	// A session that outlives the thrashing window clears the failure history.
	p.sched.After(p.cfg.ThrashingThreshold, func() {
		if gen == p.gen && p.state == StateConnected {
			p.retryCount = 0
			p.backoff.Reset()
		}
	})

	p.link.Connected()
}

func (p *Persistent) received(gen uint64, data []byte) {
	if gen != p.gen || p.state != StateConnected {
		return
	}
	if data = p.cfg.Hooks.decode(data); len(data) > 0 {
		p.link.Buffer(data)
	}
}

func (p *Persistent) closed(gen uint64, err error) {
	if gen != p.gen || p.terminated {
		return
	}
	p.sess = nil
	p.state = StateDisconnected
	p.stats.connected.Store(false)
	p.log().Info("disconnected", "address", p.cfg.Dialer.String(), "error", err)
	p.link.Disconnected()

	if p.requested {
		p.requested = false
		p.connect()
		return
	}

	now := p.sched.Now()
	if !p.lastRetryAt.IsZero() && now.Sub(p.lastRetryAt) < p.cfg.ThrashingThreshold {
		p.stats.thrashes.Add(1)
		p.retryCount++
		p.log().Warn("connection thrashing, backing off", "address", p.cfg.Dialer.String(), "error", ErrThrashing)
		p.goOffline()
		p.scheduleReconnect()
		return
	}

	p.lastRetryAt = now
	p.connect()
}

func (p *Persistent) goOffline() {
	if p.offline {
		return
	}
	p.offline = true
	p.link.Offline()
}

func (p *Persistent) scheduleReconnect() {
	p.state = StateDisconnected
	delay := p.backoff.NextBackOff()
	if delay == backoff.Stop {
		delay = p.cfg.MaxReconnectInterval
	}
	p.reconnectTimer = p.sched.After(delay, func() {
		p.reconnectTimer = nil
		if !p.terminated && p.state == StateDisconnected {
			p.connect()
		}
	})
}
