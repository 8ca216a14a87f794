package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-comms/internal/infrastructure/config"
)

// Client is the graycomms broker connection.
//
// Device managers publish retained link status and command results through
// it, and the supervisor receives device commands from it. Subscriptions are
// remembered and replayed after paho reconnects, since sessions are clean.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Client struct {
	client pahomqtt.Client
	cfg    config.MQTTConfig

	subscriptions map[string]subscription
	subMu         sync.RWMutex

	mu    sync.RWMutex
	link  linkState
	hooks hooks
}

// linkState is the broker link as the client last saw it. Guarded by Client.mu.
type linkState struct {
	connected bool
	connects  int
	drops     int
	lastDrop  time.Time
	lastErr   error
}

// hooks are the optional observers. Guarded by Client.mu.
type hooks struct {
	onConnect    func()
	onDisconnect func(err error)
	logger       Logger
}

// Logger is the subset of logging.Logger the client reports through.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// subscription is replayed on reconnect.
type subscription struct {
	topic   string
	qos     byte
	handler MessageHandler
}

// MessageHandler receives one message. It runs on a paho goroutine, so it
// must not block for long. A returned error is logged and otherwise ignored.
type MessageHandler func(topic string, payload []byte) error

// LinkStats reports broker connection history.
type LinkStats struct {
	Connected bool      `json:"connected"`
	Connects  int       `json:"connects"`
	Drops     int       `json:"drops"`
	LastDrop  time.Time `json:"last_drop,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Connect dials the broker and waits for the first connection.
//
// The will message marks the service offline on the system status topic if
// the process dies; paho then keeps reconnecting with backoff on its own.
//
// Parameters:
//   - cfg: MQTT configuration from config.yaml
//
// Returns:
//   - *Client: Connected client ready for use
//   - error: ErrConnectionFailed if the broker is not reachable in time
func Connect(cfg config.MQTTConfig) (*Client, error) {
	opts := buildClientOptions(cfg)
	configureLWT(opts, cfg.Broker.ClientID)

	c := &Client{
		cfg:           cfg,
		subscriptions: make(map[string]subscription),
	}

	opts.SetOnConnectHandler(func(_ pahomqtt.Client) { c.handleConnect() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.handleDisconnect(err) })
	opts.SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
		if logger := c.getLogger(); logger != nil {
			logger.Warn("MQTT reconnecting", "broker", brokerURL(cfg))
		}
	})

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// The on-connect handler runs asynchronously; callers may publish as
	// soon as Connect returns.
	c.mu.Lock()
	c.link.connected = true
	c.mu.Unlock()

	return c, nil
}

func (c *Client) handleConnect() {
	c.mu.Lock()
	c.link.connected = true
	c.link.connects++
	callback := c.hooks.onConnect
	c.mu.Unlock()

	c.restoreSubscriptions()
	c.publishSystemStatus(buildOnlinePayload(c.cfg.Broker.ClientID), 0)

	if callback != nil {
		callback()
	}
}

func (c *Client) handleDisconnect(err error) {
	c.mu.Lock()
	c.link.connected = false
	c.link.drops++
	c.link.lastDrop = time.Now()
	c.link.lastErr = err
	callback := c.hooks.onDisconnect
	c.mu.Unlock()

	if callback != nil {
		callback(err)
	}
}

func (c *Client) restoreSubscriptions() {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	for _, sub := range c.subscriptions {
		c.client.Subscribe(sub.topic, sub.qos, c.wrapHandler(sub.handler))
	}
}

// publishSystemStatus sends a retained service status. A zero wait means fire and forget.
func (c *Client) publishSystemStatus(payload []byte, wait time.Duration) {
	token := c.client.Publish(Topics{}.SystemStatus(), byte(c.cfg.QoS), true, payload)
	if wait > 0 {
		token.WaitTimeout(wait)
	}
}

// Close publishes a graceful offline status, distinct from the will, and
// disconnects after letting in-flight publishes drain.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}

	if c.IsConnected() {
		c.publishSystemStatus(buildOfflinePayload(c.cfg.Broker.ClientID), defaultPublishTimeout)
	}
	c.client.Disconnect(defaultDisconnectQuiesce)

	c.mu.Lock()
	c.link.connected = false
	c.mu.Unlock()

	return nil
}

// HealthCheck reports ErrNotConnected, with the reason for the last drop
// when there was one.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if c.IsConnected() {
		return nil
	}

	c.mu.RLock()
	lastErr := c.link.lastErr
	c.mu.RUnlock()
	if lastErr != nil {
		return fmt.Errorf("%w: %w", ErrNotConnected, lastErr)
	}
	return ErrNotConnected
}

// IsConnected returns the last known connection state.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.link.connected && c.client != nil && c.client.IsConnected()
}

// Stats returns the connection history.
func (c *Client) Stats() LinkStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := LinkStats{
		Connected: c.link.connected,
		Connects:  c.link.connects,
		Drops:     c.link.drops,
		LastDrop:  c.link.lastDrop,
	}
	if c.link.lastErr != nil {
		s.LastError = c.link.lastErr.Error()
	}
	return s
}

// SetOnConnect is called on the first connect and every reconnect.
func (c *Client) SetOnConnect(callback func()) {
	c.mu.Lock()
	c.hooks.onConnect = callback
	c.mu.Unlock()
}

// SetOnDisconnect is called with the reason whenever the link drops.
func (c *Client) SetOnDisconnect(callback func(err error)) {
	c.mu.Lock()
	c.hooks.onDisconnect = callback
	c.mu.Unlock()
}

// SetLogger sets the logger for handler errors and panics. Without one they are dropped.
func (c *Client) SetLogger(logger Logger) {
	c.mu.Lock()
	c.hooks.logger = logger
	c.mu.Unlock()
}

func (c *Client) getLogger() Logger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hooks.logger
}

func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		c.dispatch(msg.Topic(), msg.Payload(), handler)
	}
}

// dispatch runs handler, recovering panics and logging returned errors.
func (c *Client) dispatch(topic string, payload []byte, handler MessageHandler) {
	defer func() {
		if r := recover(); r != nil {
			if logger := c.getLogger(); logger != nil {
				logger.Error("MQTT handler panic recovered", "topic", topic, "panic", r)
			}
		}
	}()

	if err := handler(topic, payload); err != nil {
		if logger := c.getLogger(); logger != nil {
			logger.Warn("MQTT handler returned error", "topic", topic, "error", err)
		}
	}
}
