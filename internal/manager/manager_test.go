package manager

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-comms/internal/comms"
	"github.com/nerrad567/gray-logic-comms/internal/device"
	"github.com/nerrad567/gray-logic-comms/internal/driver"
	"github.com/nerrad567/gray-logic-comms/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-comms/internal/infrastructure/mqtt"
)

const eventually = 3 * time.Second

// listen starts a TCP server handling each connection with handle.
func listen(t *testing.T, handle func(c net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go handle(c)
		}
	}()
	return ln.Addr().String()
}

func echo(c net.Conn) {
	defer c.Close()
	_, _ = io.Copy(c, c)
}

// silent reads and discards everything without replying.
func silent(c net.Conn) {
	defer c.Close()
	_, _ = io.Copy(io.Discard, c)
}

func testDevice(t *testing.T, id, addr string) device.Device {
	t.Helper()
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)

	return device.Device{
		ID:      id,
		Name:    "Test " + id,
		Enabled: true,
		Transport: device.Transport{
			Kind: device.TransportTCP,
			Host: host,
			Port: p,
		},
		Comms: device.Comms{Delimiter: "\r\n"},
		Commands: []driver.TemplateConfig{
			{Name: "volume", Prototype: "VOL %d\r\n", Response: `^VOL (\d+)$`},
		},
	}
}

type published struct {
	topic    string
	payload  []byte
	retained bool
}

type mockPublisher struct {
	mu       sync.Mutex
	messages []published
	handlers map[string]mqtt.MessageHandler
	unsubs   []string
}

func newMockPublisher() *mockPublisher {
	return &mockPublisher{handlers: make(map[string]mqtt.MessageHandler)}
}

func (p *mockPublisher) PublishJSON(topic string, v any, retained bool) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, published{topic: topic, payload: b, retained: retained})
	return nil
}

func (p *mockPublisher) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[topic] = handler
	return nil
}

func (p *mockPublisher) Unsubscribe(topic string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.handlers, topic)
	p.unsubs = append(p.unsubs, topic)
	return nil
}

func (p *mockPublisher) on(topic string) []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []published
	for _, m := range p.messages {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func (p *mockPublisher) handler(topic string) mqtt.MessageHandler {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handlers[topic]
}

type mockTelemetry struct {
	mu          sync.Mutex
	samples     []influxdb.CommandSample
	connections []bool
}

func (m *mockTelemetry) WriteCommand(s influxdb.CommandSample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, s)
}

func (m *mockTelemetry) WriteConnection(_ string, connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections = append(m.connections, connected)
}

func (m *mockTelemetry) Samples() []influxdb.CommandSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]influxdb.CommandSample(nil), m.samples...)
}

func (m *mockTelemetry) Connections() []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]bool(nil), m.connections...)
}

func startManager(t *testing.T, dev device.Device, opts Options) *Manager {
	t.Helper()
	m, err := New(dev, opts)
	require.NoError(t, err)
	require.NoError(t, m.Start(t.Context()))
	t.Cleanup(func() {
		if m.IsRunning() {
			_ = m.Stop(context.Background())
		}
	})
	require.Eventually(t, m.IsConnected, eventually, 10*time.Millisecond)
	return m
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), eventually)
	t.Cleanup(cancel)
	return ctx
}

func TestNew_UnknownDriver(t *testing.T) {
	dev := testDevice(t, "proj-1", "127.0.0.1:1")
	dev.Driver.Name = "nope"

	_, err := New(dev, Options{})
	assert.ErrorIs(t, err, driver.ErrUnknownDriver)
}

func TestNew_UnknownTransport(t *testing.T) {
	dev := testDevice(t, "proj-1", "127.0.0.1:1")
	dev.Transport.Kind = "pigeon"

	_, err := New(dev, Options{})
	assert.ErrorIs(t, err, ErrTransport)
}

func TestNew_AppliesDeviceOverrides(t *testing.T) {
	dev := testDevice(t, "proj-1", "127.0.0.1:1")
	retries := 7
	dev.Comms.Defaults.Retries = &retries

	m, err := New(dev, Options{})
	require.NoError(t, err)

	cfg := m.Config()
	assert.Equal(t, 7, cfg.Defaults.Retries)
	assert.Equal(t, comms.DefaultTimeout, cfg.Defaults.Timeout)
	assert.Equal(t, []byte("\r\n"), cfg.Framing.Delimiter)
	assert.Equal(t, []string{"volume"}, m.Commands().Names())
}

func TestSend_NotRunning(t *testing.T) {
	m, err := New(testDevice(t, "proj-1", "127.0.0.1:1"), Options{})
	require.NoError(t, err)

	_, err = m.Send(t.Context(), []byte("PING\r\n"))
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.ErrorIs(t, m.Stop(t.Context()), ErrNotRunning)
}

func TestRequest_Echo(t *testing.T) {
	addr := listen(t, echo)
	m := startManager(t, testDevice(t, "proj-1", addr), Options{})

	v, err := m.Request(testCtx(t), []byte("PING\r\n"))
	require.NoError(t, err)
	assert.Equal(t, []byte("PING"), v)
}

func TestSendCommand_Template(t *testing.T) {
	addr := listen(t, echo)
	m := startManager(t, testDevice(t, "proj-1", addr), Options{})

	cmd, err := m.SendCommand(testCtx(t), "volume", []any{42})
	require.NoError(t, err)

	v, err := cmd.Result(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"VOL 42", "42"}, v)
	assert.Equal(t, 1, cmd.Attempts())
}

func TestSendCommand_Unknown(t *testing.T) {
	addr := listen(t, echo)
	m := startManager(t, testDevice(t, "proj-1", addr), Options{})

	_, err := m.SendCommand(testCtx(t), "mute", nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.ErrorIs(t, err, driver.ErrUnknownCommand)
}

func TestExecute(t *testing.T) {
	addr := listen(t, echo)
	m := startManager(t, testDevice(t, "proj-1", addr), Options{})

	t.Run("hex", func(t *testing.T) {
		cmd, err := m.Execute(testCtx(t), CommandRequest{Hex: "50494e470d0a"})
		require.NoError(t, err)
		v, err := cmd.Result(testCtx(t))
		require.NoError(t, err)
		assert.Equal(t, []byte("PING"), v)
	})

	t.Run("template with JSON args", func(t *testing.T) {
		cmd, err := m.Execute(testCtx(t), CommandRequest{Command: "volume", Args: []any{float64(7)}})
		require.NoError(t, err)
		v, err := cmd.Result(testCtx(t))
		require.NoError(t, err)
		assert.Equal(t, []string{"VOL 7", "7"}, v)
	})

	t.Run("no wait", func(t *testing.T) {
		wait := false
		cmd, err := m.Execute(testCtx(t), CommandRequest{Data: "X\r\n", Wait: &wait})
		require.NoError(t, err)
		v, err := cmd.Result(testCtx(t))
		require.NoError(t, err)
		assert.Equal(t, comms.NotWaiting, v)
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := m.Execute(testCtx(t), CommandRequest{Data: "A", Hex: "41"})
		assert.ErrorIs(t, err, ErrInvalidRequest)

		_, err = m.Execute(testCtx(t), CommandRequest{Hex: "zz"})
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})
}

func TestStop_RejectsInFlight(t *testing.T) {
	addr := listen(t, silent)
	m := startManager(t, testDevice(t, "proj-1", addr), Options{})

	cmd, err := m.Send(testCtx(t), []byte("PING\r\n"), comms.WithTimeout(time.Minute))
	require.NoError(t, err)

	require.NoError(t, m.Stop(testCtx(t)))

	_, err = cmd.Result(testCtx(t))
	assert.ErrorIs(t, err, comms.ErrShutdown)
	assert.False(t, m.IsRunning())
	assert.False(t, m.IsConnected())

	_, err = m.Send(testCtx(t), []byte("PING\r\n"))
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.ErrorIs(t, m.Start(testCtx(t)), ErrStopped)
}

func TestStart_Twice(t *testing.T) {
	addr := listen(t, echo)
	m := startManager(t, testDevice(t, "proj-1", addr), Options{})

	assert.ErrorIs(t, m.Start(testCtx(t)), ErrAlreadyRunning)
}

func TestStatus(t *testing.T) {
	addr := listen(t, echo)
	m := startManager(t, testDevice(t, "proj-1", addr), Options{})

	_, err := m.Request(testCtx(t), []byte("PING\r\n"))
	require.NoError(t, err)

	st, err := m.Status(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "proj-1", st.ID)
	assert.True(t, st.Running)
	assert.True(t, st.Connected)
	assert.True(t, st.Online)
	assert.Equal(t, "connected", st.Link.State)
	assert.Equal(t, uint64(1), st.Commands.Succeeded)
	assert.Equal(t, uint64(1), st.Link.Connects)
	assert.Empty(t, st.InFlight)
	assert.False(t, st.StartedAt.IsZero())
}

func TestStatus_NotStarted(t *testing.T) {
	m, err := New(testDevice(t, "proj-1", "127.0.0.1:1"), Options{})
	require.NoError(t, err)

	st, err := m.Status(t.Context())
	require.NoError(t, err)
	assert.False(t, st.Running)
	assert.Equal(t, "disconnected", st.Link.State)
}

func TestPublishesStatus(t *testing.T) {
	addr := listen(t, echo)
	pub := newMockPublisher()
	m := startManager(t, testDevice(t, "proj-1", addr), Options{Publisher: pub})

	topic := mqtt.Topics{}.DeviceStatus("proj-1")
	require.Eventually(t, func() bool { return len(pub.on(topic)) >= 1 }, eventually, 10*time.Millisecond)

	first := pub.on(topic)[0]
	assert.True(t, first.retained)
	assert.JSONEq(t, `true`, jsonField(t, first.payload, "connected"))

	require.NoError(t, m.Stop(testCtx(t)))
	msgs := pub.on(topic)
	last := msgs[len(msgs)-1]
	assert.JSONEq(t, `false`, jsonField(t, last.payload, "connected"))
}

func TestHandleMQTTCommand(t *testing.T) {
	addr := listen(t, echo)
	pub := newMockPublisher()
	m := startManager(t, testDevice(t, "proj-1", addr), Options{Publisher: pub})
	topic := mqtt.Topics{}.DeviceResponse("proj-1")

	require.NoError(t, m.HandleMQTTCommand(CommandRequest{ID: "r1", Command: "volume", Args: []any{float64(12)}}))
	require.Eventually(t, func() bool { return len(pub.on(topic)) == 1 }, eventually, 10*time.Millisecond)

	var resp CommandResponse
	require.NoError(t, json.Unmarshal(pub.on(topic)[0].payload, &resp))
	assert.Equal(t, "r1", resp.ID)
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, []any{"VOL 12", "12"}, resp.Result)
	assert.Equal(t, 1, resp.Attempts)
	assert.NotEmpty(t, resp.CommandID)
	assert.False(t, pub.on(topic)[0].retained)
}

func TestHandleMQTTCommand_Invalid(t *testing.T) {
	addr := listen(t, echo)
	pub := newMockPublisher()
	m := startManager(t, testDevice(t, "proj-1", addr), Options{Publisher: pub})
	topic := mqtt.Topics{}.DeviceResponse("proj-1")

	assert.ErrorIs(t, m.RejectMQTTCommand(errors.New("unexpected end of JSON input")), ErrInvalidRequest)
	assert.ErrorIs(t, m.HandleMQTTCommand(CommandRequest{ID: "r2"}), ErrInvalidRequest)

	require.Eventually(t, func() bool { return len(pub.on(topic)) == 2 }, eventually, 10*time.Millisecond)
	var resp CommandResponse
	require.NoError(t, json.Unmarshal(pub.on(topic)[1].payload, &resp))
	assert.Equal(t, "r2", resp.ID)
	assert.Equal(t, "failed", resp.Status)
	assert.NotEmpty(t, resp.Error)
}

func TestUnsolicitedFramesPublishedAsEvents(t *testing.T) {
	addr := listen(t, func(c net.Conn) {
		_, _ = c.Write([]byte("POWER ON\r\n"))
		silent(c)
	})
	pub := newMockPublisher()
	startManager(t, testDevice(t, "proj-1", addr), Options{Publisher: pub})

	topic := mqtt.Topics{}.DeviceEvent("proj-1")
	require.Eventually(t, func() bool { return len(pub.on(topic)) == 1 }, eventually, 10*time.Millisecond)
	assert.Equal(t, `"POWER ON"`, jsonField(t, pub.on(topic)[0].payload, "data"))
}

func TestTelemetry(t *testing.T) {
	addr := listen(t, echo)
	tel := &mockTelemetry{}
	m := startManager(t, testDevice(t, "proj-1", addr), Options{Telemetry: tel})

	_, err := m.Request(testCtx(t), []byte("PING\r\n"), comms.WithName("ping"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(tel.Samples()) == 1 }, eventually, 10*time.Millisecond)
	s := tel.Samples()[0]
	assert.Equal(t, "proj-1", s.DeviceID)
	assert.Equal(t, "ping", s.Name)
	assert.Equal(t, "success", s.Outcome)
	assert.Equal(t, 1, s.Attempts)
	assert.Equal(t, []bool{true}, tel.Connections())
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)

	addr := listen(t, echo)
	m := startManager(t, testDevice(t, "proj-1", addr), Options{Metrics: metrics})

	_, err = m.Request(testCtx(t), []byte("PING\r\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return counterValue(t, reg, "graycomms_device_commands_total", "success") == 1
	}, eventually, 10*time.Millisecond)
	assert.Equal(t, float64(1), gaugeValue(t, reg, "graycomms_device_connected"))
}

func TestMetrics_Nil(t *testing.T) {
	m, err := NewMetrics(nil)
	require.NoError(t, err)
	assert.Nil(t, m)

	assert.NotPanics(t, func() {
		m.recordOutcome("d", "success", time.Second)
		m.setQueueDepth("d", 3)
		m.setConnected("d", true, true)
		m.forget("d")
	})
}

func TestMetrics_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewMetrics(reg)
	require.NoError(t, err)

	_, err = NewMetrics(reg)
	assert.Error(t, err)
}

func jsonField(t *testing.T, payload []byte, key string) string {
	t.Helper()
	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(payload, &fields))
	return string(fields[key])
}

func family(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

func counterValue(t *testing.T, reg *prometheus.Registry, name, outcome string) float64 {
	t.Helper()
	f := family(t, reg, name)
	if f == nil {
		return 0
	}
	for _, metric := range f.GetMetric() {
		for _, l := range metric.GetLabel() {
			if l.GetName() == "outcome" && l.GetValue() == outcome {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	f := family(t, reg, name)
	require.NotNil(t, f)
	require.NotEmpty(t, f.GetMetric())
	return f.GetMetric()[0].GetGauge().GetValue()
}
