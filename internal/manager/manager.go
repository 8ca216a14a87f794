package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-comms/internal/comms"
	"github.com/nerrad567/gray-logic-comms/internal/comms/transport"
	"github.com/nerrad567/gray-logic-comms/internal/device"
	"github.com/nerrad567/gray-logic-comms/internal/driver"
	"github.com/nerrad567/gray-logic-comms/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-comms/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-comms/internal/reactor"
)

// submitTimeout bounds how long an MQTT command waits to be queued.
const submitTimeout = 5 * time.Second

// Publisher is the MQTT surface a manager uses. *mqtt.Client satisfies it.
type Publisher interface {
	PublishJSON(topic string, v any, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Telemetry records command outcomes and link changes. *influxdb.Client satisfies it.
type Telemetry interface {
	WriteCommand(s influxdb.CommandSample)
	WriteConnection(deviceID string, connected bool)
}

// Logger defines the logging interface used by managers.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// deviceLogger tags every entry with the device ID.
type deviceLogger struct {
	Logger
	id string
}

func (l deviceLogger) Debug(msg string, args ...any) { l.Logger.Debug(msg, l.tag(args)...) }
func (l deviceLogger) Info(msg string, args ...any)  { l.Logger.Info(msg, l.tag(args)...) }
func (l deviceLogger) Warn(msg string, args ...any)  { l.Logger.Warn(msg, l.tag(args)...) }
func (l deviceLogger) Error(msg string, args ...any) { l.Logger.Error(msg, l.tag(args)...) }

func (l deviceLogger) tag(args []any) []any {
	return append([]any{"device", l.id}, args...)
}

// Options carries a manager's shared dependencies. Every field is optional.
type Options struct {
	// Comms is the service-wide processor configuration the device overrides.
	Comms comms.Config

	Publisher Publisher
	Telemetry Telemetry
	Metrics   *Metrics
	Logger    Logger

	// Hooks rewrite bytes on the way to and from the wire.
	Hooks transport.Hooks
}

// Manager runs one device.
//
// Thread Safety:
//   - All exported methods are safe for concurrent use.
//   - The processor, transport and driver are only touched on the device loop.
type Manager struct {
	dev      device.Device
	cfg      comms.Config
	loop     *reactor.Loop
	proc     *comms.Processor
	trans    deviceTransport
	drv      driver.Driver
	commands driver.CommandSet
	topics   mqtt.Topics

	telemetry Telemetry
	metrics   *Metrics
	logger    Logger
	outbox    *outbox

	running   atomic.Bool
	stopped   atomic.Bool
	connected atomic.Bool
	everUp    bool // loop only

	mu        sync.Mutex
	startedAt time.Time
	cancel    context.CancelFunc
}

// New builds a manager for dev. Nothing runs until Start.
//
// Parameters:
//   - dev: The device to run; it is copied
//   - opts: Shared dependencies
//
// Returns:
//   - *Manager: Ready to start
//   - error: If the driver, command set or transport cannot be built
func New(dev device.Device, opts Options) (*Manager, error) {
	dev = *dev.DeepCopy()

	drv, err := driver.New(dev.Driver)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", dev.ID, err)
	}
	commands, err := driver.NewCommandSet(dev.Commands)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", dev.ID, err)
	}

	base := opts.Comms
	if base.Defaults.Timeout == 0 {
		base = comms.DefaultConfig()
	}

	var logger Logger = noopLogger{}
	if opts.Logger != nil {
		logger = deviceLogger{Logger: opts.Logger, id: dev.ID}
	}

	m := &Manager{
		dev:       dev,
		cfg:       dev.ProcessorConfig(base),
		loop:      reactor.New(dev.ID),
		drv:       drv,
		commands:  commands,
		telemetry: opts.Telemetry,
		metrics:   opts.Metrics,
		logger:    logger,
		outbox:    newOutbox(opts.Publisher, logger),
	}
	m.loop.SetLogger(logger)

	m.proc = comms.NewProcessor(m.loop, m.cfg, comms.Handlers{
		Receive:        m.receive,
		OnConnected:    m.onConnected,
		OnDisconnected: m.onDisconnected,
		OnStatus:       m.onStatus,
		OnOutcome:      m.onOutcome,
	})
	m.proc.SetLogger(logger)

	m.trans, err = newTransport(dev.Transport, m.proc, opts.Hooks)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", dev.ID, err)
	}
	m.trans.SetLogger(logger)

	return m, nil
}

// ID returns the device ID.
func (m *Manager) ID() string {
	return m.dev.ID
}

// Device returns a copy of the device definition.
func (m *Manager) Device() device.Device {
	return *m.dev.DeepCopy()
}

// Commands returns the device's command templates.
func (m *Manager) Commands() driver.CommandSet {
	return m.commands
}

// Config returns the effective processor configuration.
func (m *Manager) Config() comms.Config {
	return m.cfg
}

// Start launches the device loop and begins connecting.
//
// The loop outlives ctx; it only ends with Stop. ctx bounds the wait for the
// transport to be attached.
func (m *Manager) Start(ctx context.Context) error {
	if m.stopped.Load() {
		return ErrStopped
	}
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.cancel = cancel
	m.startedAt = time.Now()
	m.mu.Unlock()

	m.outbox.start()
	m.loop.Start(runCtx)

	err := m.loop.Do(ctx, func() {
		m.proc.SetTransport(m.trans)
		m.trans.Start()
	})
	if err != nil {
		return fmt.Errorf("starting device %s: %w", m.dev.ID, err)
	}

	m.logger.Info("device started",
		"transport", m.dev.Transport.Kind,
		"mode", m.dev.Transport.Mode,
		"driver", m.dev.Driver.Name,
	)
	return nil
}

// Stop rejects everything queued, closes the link and ends the loop.
// A stopped manager cannot be restarted.
func (m *Manager) Stop(ctx context.Context) error {
	if !m.running.Swap(false) {
		return ErrNotRunning
	}
	m.stopped.Store(true)

	err := m.loop.Do(ctx, func() {
		m.proc.Terminate()
		m.trans.Terminate()
	})
	if err != nil {
		m.logger.Warn("device did not terminate cleanly", "error", err)
	}

	if m.cfg.UpdateStatus {
		m.publishStatus(false)
	}
	m.connected.Store(false)

	m.loop.Stop()
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()
	m.outbox.close()
	m.metrics.forget(m.dev.ID)

	m.logger.Info("device stopped")
	if err != nil {
		return fmt.Errorf("stopping device %s: %w", m.dev.ID, err)
	}
	return nil
}

// IsRunning reports whether the manager has been started and not stopped.
func (m *Manager) IsRunning() bool {
	return m.running.Load()
}

// IsConnected reports whether the device link is up.
func (m *Manager) IsConnected() bool {
	return m.connected.Load()
}

// Send queues data on the device and returns the command.
//
// The command is queued on the device loop. If ctx ends first the command
// may still be queued later.
//
// Returns:
//   - *comms.Command: Use Result or Completion to observe the outcome
//   - error: ErrNotRunning, ErrStopped or ctx.Err()
func (m *Manager) Send(ctx context.Context, data []byte, opts ...comms.Option) (*comms.Command, error) {
	if !m.running.Load() {
		return nil, ErrNotRunning
	}

	var cmd *comms.Command
	err := m.loop.Do(ctx, func() {
		cmd = m.proc.QueueCommand(data, opts...)
		m.metrics.setQueueDepth(m.dev.ID, m.proc.Queue().Length())
	})
	if errors.Is(err, reactor.ErrStopped) {
		return nil, ErrStopped
	}
	if err != nil {
		return nil, err
	}
	return cmd, nil
}

// Request sends data and waits for the command to settle.
func (m *Manager) Request(ctx context.Context, data []byte, opts ...comms.Option) (any, error) {
	cmd, err := m.Send(ctx, data, opts...)
	if err != nil {
		return nil, err
	}
	return cmd.Result(ctx)
}

// SendCommand queues a named template from the device's command set.
// The template's response handling and timeout apply; opts override them.
func (m *Manager) SendCommand(ctx context.Context, name string, args []any, opts ...comms.Option) (*comms.Command, error) {
	call, err := m.commands.Call(name, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	all := append(call.Template.Options(), comms.WithRequest(call))
	return m.Send(ctx, nil, append(all, opts...)...)
}

// Execute queues a decoded CommandRequest.
func (m *Manager) Execute(ctx context.Context, req CommandRequest) (*comms.Command, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.Command != "" {
		return m.SendCommand(ctx, req.Command, templateArgs(req.Args), req.options()...)
	}
	data, err := req.payload()
	if err != nil {
		return nil, err
	}
	return m.Send(ctx, data, req.options()...)
}

// HandleMQTTCommand executes a CommandRequest received over MQTT and
// publishes its CommandResponse once the command settles.
func (m *Manager) HandleMQTTCommand(req CommandRequest) error {
	topic := m.topics.DeviceResponse(m.dev.ID)

	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()

	cmd, err := m.Execute(ctx, req)
	if err != nil {
		m.outbox.publish(topic, CommandResponse{ID: req.ID, Status: "failed", Error: err.Error()}, false)
		return err
	}

	cmd.Completion().OnComplete(func(value any, err error) {
		m.outbox.publish(topic, NewResponse(req.ID, cmd, value, err, time.Since(cmd.QueuedAt())), false)
	})
	return nil
}

// RejectMQTTCommand answers a command payload that could not be decoded.
func (m *Manager) RejectMQTTCommand(cause error) error {
	err := fmt.Errorf("%w: %w", ErrInvalidRequest, cause)
	m.outbox.publish(m.topics.DeviceResponse(m.dev.ID), CommandResponse{Status: "failed", Error: err.Error()}, false)
	return err
}

// CommandStats counts commands through the processor.
type CommandStats struct {
	Queued    uint64 `json:"queued"`
	Sent      uint64 `json:"sent"`
	Frames    uint64 `json:"frames"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	Retried   uint64 `json:"retried"`
	Timeouts  uint64 `json:"timeouts"`
}

// LinkStats describes the transport connection.
type LinkStats struct {
	State           string    `json:"state"`
	BytesTx         uint64    `json:"bytes_tx"`
	BytesRx         uint64    `json:"bytes_rx"`
	Connects        uint64    `json:"connects"`
	ConnectFailures uint64    `json:"connect_failures"`
	Thrashes        uint64    `json:"thrashes"`
	LastActivity    time.Time `json:"last_activity,omitzero"`
}

// Status is a point-in-time view of a device.
type Status struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Running     bool         `json:"running"`
	Connected   bool         `json:"connected"`
	Online      bool         `json:"online"`
	QueueLength int          `json:"queue_length"`
	InFlight    string       `json:"in_flight,omitempty"`
	StartedAt   time.Time    `json:"started_at,omitzero"`
	Commands    CommandStats `json:"commands"`
	Link        LinkStats    `json:"link"`
}

// Status returns a snapshot of the device.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	ps := m.proc.Stats()
	ts := m.trans.Stats()

	m.mu.Lock()
	started := m.startedAt
	m.mu.Unlock()

	st := Status{
		ID:        m.dev.ID,
		Name:      m.dev.Name,
		Running:   m.running.Load(),
		Connected: m.connected.Load(),
		StartedAt: started,
		Commands: CommandStats{
			Queued:    ps.Queued,
			Sent:      ps.Sent,
			Frames:    ps.Frames,
			Succeeded: ps.Succeeded,
			Failed:    ps.Failed,
			Retried:   ps.Retried,
			Timeouts:  ps.Timeouts,
		},
		Link: LinkStats{
			State:           transport.StateDisconnected.String(),
			BytesTx:         ts.BytesTx,
			BytesRx:         ts.BytesRx,
			Connects:        ts.Connects,
			ConnectFailures: ts.ConnectFailures,
			Thrashes:        ts.Thrashes,
			LastActivity:    ts.LastActivity,
		},
	}
	if !st.Running {
		return st, nil
	}

	err := m.loop.Do(ctx, func() {
		q := m.proc.Queue()
		st.Online = q.IsOnline()
		st.QueueLength = q.Length()
		if w := q.Waiting(); w != nil {
			st.InFlight = w.ID
		}
		st.Link.State = m.trans.State().String()
	})
	if errors.Is(err, reactor.ErrStopped) {
		return st, ErrStopped
	}
	return st, err
}

// receive publishes unsolicited frames as events before handing every
// frame to the driver.
func (m *Manager) receive(frame []byte, resolve comms.Resolver, cmd *comms.Command) comms.Result {
	if cmd == nil {
		m.outbox.publish(m.topics.DeviceEvent(m.dev.ID), deviceEvent{
			Data:      string(frame),
			Timestamp: time.Now().UTC(),
		}, false)
	}
	return m.drv.Received(frame, resolve, cmd)
}

func (m *Manager) onConnected() {
	m.connected.Store(true)
	m.metrics.setConnected(m.dev.ID, true, m.everUp)
	m.everUp = true
	if m.telemetry != nil {
		m.telemetry.WriteConnection(m.dev.ID, true)
	}
	m.logger.Info("device connected")

	if c, ok := m.drv.(driver.Connector); ok {
		c.OnConnected(loopQueuer{m.proc})
	}
}

func (m *Manager) onDisconnected() {
	m.connected.Store(false)
	m.metrics.setConnected(m.dev.ID, false, false)
	if m.telemetry != nil {
		m.telemetry.WriteConnection(m.dev.ID, false)
	}
	m.logger.Info("device disconnected")

	if c, ok := m.drv.(driver.Connector); ok {
		c.OnDisconnected()
	}
}

func (m *Manager) onStatus(connected bool) {
	m.publishStatus(connected)
}

func (m *Manager) onOutcome(o comms.Outcome) {
	status := o.Status()
	m.metrics.recordOutcome(m.dev.ID, status, o.Duration)
	m.metrics.setQueueDepth(m.dev.ID, m.proc.Queue().Length())

	if m.telemetry != nil {
		m.telemetry.WriteCommand(influxdb.CommandSample{
			DeviceID: m.dev.ID,
			Name:     o.Command.Name,
			Outcome:  status,
			Attempts: o.Command.Attempts(),
			Duration: o.Duration,
		})
	}
	if o.Err != nil {
		m.logger.Debug("command settled", "command_id", o.Command.ID, "name", o.Command.Name,
			"outcome", status, "error", o.Err)
	}
}

// deviceStatus is the retained status payload.
type deviceStatus struct {
	Connected bool      `json:"connected"`
	Timestamp time.Time `json:"timestamp"`
}

// deviceEvent carries an unsolicited frame.
type deviceEvent struct {
	Data      string    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

func (m *Manager) publishStatus(connected bool) {
	m.outbox.publish(m.topics.DeviceStatus(m.dev.ID), deviceStatus{
		Connected: connected,
		Timestamp: time.Now().UTC(),
	}, true)
}

// loopQueuer lets drivers queue commands from inside loop callbacks.
type loopQueuer struct {
	proc *comms.Processor
}

func (q loopQueuer) Queue(data []byte, opts ...comms.Option) *comms.Command {
	return q.proc.QueueCommand(data, opts...)
}

// Ensure loopQueuer implements driver.Queuer.
var _ driver.Queuer = loopQueuer{}
