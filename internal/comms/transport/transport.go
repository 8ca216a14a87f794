package transport

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nerrad567/gray-logic-comms/internal/comms"
)

// Default connection tunables.
const (
	// DefaultConnectTimeout bounds a single dial attempt.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultWriteTimeout bounds a single socket write.
	DefaultWriteTimeout = 5 * time.Second

	// DefaultThrashingThreshold is the window in which a repeated drop counts as thrashing.
	DefaultThrashingThreshold = 1500 * time.Millisecond

	// DefaultOfflineAfter is the consecutive failures before the queue goes offline.
	DefaultOfflineAfter = 3

	// DefaultReconnectInterval is the first backoff delay.
	DefaultReconnectInterval = time.Second

	// DefaultMaxReconnectInterval caps the backoff delay.
	DefaultMaxReconnectInterval = 2 * time.Minute

	// DefaultWriteQueueSize bounds writes held while connecting.
	DefaultWriteQueueSize = 128

	// DefaultWaitReadyTimeout bounds the wait for a ready marker.
	DefaultWaitReadyTimeout = 10 * time.Second

	// readBufferSize fits the largest UDP datagram.
	readBufferSize = 64 * 1024
)

// Domain-specific errors for the transport package.
var (
	// ErrWriteQueueFull is returned when writes back up faster than they drain.
	ErrWriteQueueFull = errors.New("transport: write queue full")

	// ErrClosed is returned when writing to a closed connection.
	ErrClosed = errors.New("transport: connection closed")

	// ErrTerminated is returned after Terminate.
	ErrTerminated = errors.New("transport: terminated")

	// ErrThrashing marks a connection that dropped again right after reconnecting.
	ErrThrashing = errors.New("transport: connection thrashing")

	// ErrReadyTimeout is logged when a device never sent its ready marker.
	ErrReadyTimeout = errors.New("transport: ready marker timeout")

	// ErrInvalidConfig is returned for unusable transport settings.
	ErrInvalidConfig = errors.New("transport: invalid configuration")
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Hooks transform payloads on their way out and in.
type Hooks struct {
	// PreTransmit rewrites outbound bytes. An error fails the command
	// without anything being written.
	PreTransmit func([]byte) ([]byte, error)

	// PreBuffer rewrites inbound bytes before framing.
	PreBuffer func([]byte) []byte
}

// encode renders a command's wire bytes through the pre-transmit hook.
func (h Hooks) encode(cmd *comms.Command) ([]byte, error) {
	b, err := cmd.Bytes()
	if err != nil {
		return nil, err
	}
	if h.PreTransmit != nil {
		if b, err = h.PreTransmit(b); err != nil {
			return nil, fmt.Errorf("pre-transmit hook: %w", err)
		}
	}
	return b, nil
}

func (h Hooks) decode(b []byte) []byte {
	if h.PreBuffer != nil {
		return h.PreBuffer(b)
	}
	return b
}

// Stats holds operational statistics.
type Stats struct {
	BytesTx         uint64
	BytesRx         uint64
	Connects        uint64
	ConnectFailures uint64
	Thrashes        uint64
	Connected       bool
	LastActivity    time.Time
}

type stats struct {
	bytesTx         atomic.Uint64
	bytesRx         atomic.Uint64
	connects        atomic.Uint64
	connectFailures atomic.Uint64
	thrashes        atomic.Uint64
	connected       atomic.Bool
	lastActivity    atomic.Int64
}

func (s *stats) snapshot() Stats {
	var last time.Time
	if ts := s.lastActivity.Load(); ts != 0 {
		last = time.Unix(0, ts)
	}
	return Stats{
		BytesTx:         s.bytesTx.Load(),
		BytesRx:         s.bytesRx.Load(),
		Connects:        s.connects.Load(),
		ConnectFailures: s.connectFailures.Load(),
		Thrashes:        s.thrashes.Load(),
		Connected:       s.connected.Load(),
		LastActivity:    last,
	}
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// logHolder gives transports a swappable logger.
type logHolder struct {
	mu     sync.RWMutex
	logger Logger
}

// SetLogger sets the logger for connection diagnostics.
func (h *logHolder) SetLogger(logger Logger) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logger = logger
}

func (h *logHolder) log() Logger {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.logger == nil {
		return noopLogger{}
	}
	return h.logger
}

// newBackoff builds the reconnect policy: 1.5x growth with jitter, never giving up.
func newBackoff(initial, maxInterval time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = maxInterval
	b.Multiplier = 1.5
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}
