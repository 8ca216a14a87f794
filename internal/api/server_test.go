package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/gray-logic-comms/internal/device"
	"github.com/nerrad567/gray-logic-comms/internal/driver"
	"github.com/nerrad567/gray-logic-comms/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-comms/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-comms/internal/manager"
)

// fakeSource serves device definitions from memory.
type fakeSource struct {
	devices []device.Device
}

func (f *fakeSource) ListDevices(_ context.Context) ([]device.Device, error) {
	return append([]device.Device(nil), f.devices...), nil
}

func (f *fakeSource) ListEnabled(_ context.Context) ([]device.Device, error) {
	var out []device.Device
	for _, d := range f.devices {
		if d.Enabled {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeSource) GetDevice(_ context.Context, id string) (*device.Device, error) {
	for _, d := range f.devices {
		if d.ID == id {
			return &d, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", device.ErrDeviceNotFound, id)
}

type failingCheck struct{}

func (failingCheck) HealthCheck(context.Context) error { return errors.New("broker unreachable") }

// listen starts a TCP server handling each connection with handle.
func listen(t *testing.T, handle func(c net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
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

func silent(c net.Conn) {
	defer c.Close()
	_, _ = io.Copy(io.Discard, c)
}

func testDevice(t *testing.T, id, addr string, enabled bool) device.Device {
	t.Helper()
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split %q: %v", addr, err)
	}
	p, _ := strconv.Atoi(port)
	return device.Device{
		ID:      id,
		Name:    "Device " + id,
		Enabled: enabled,
		Transport: device.Transport{
			Kind:     device.TransportTCP,
			Host:     host,
			Port:     p,
			Password: "secret",
		},
		Comms: device.Comms{Delimiter: "\r\n"},
		Commands: []driver.TemplateConfig{
			{Name: "input", Prototype: "IN %s\r\n", Response: `^IN (\w+)$`},
		},
	}
}

type testEnv struct {
	srv      *Server
	router   http.Handler
	sup      *manager.Supervisor
	registry *prometheus.Registry
}

// testServer starts a supervisor over devices and builds a server in front of it.
func testServer(t *testing.T, cfg config.APIConfig, devices ...device.Device) *testEnv {
	t.Helper()

	reg := prometheus.NewRegistry()
	metrics, err := manager.NewMetrics(reg)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	source := &fakeSource{devices: devices}
	sup := manager.NewSupervisor(source, manager.Options{Metrics: metrics})
	if _, err := sup.Start(context.Background()); err != nil {
		t.Fatalf("supervisor start: %v", err)
	}
	t.Cleanup(func() { _ = sup.Stop(context.Background()) })

	deadline := time.Now().Add(3 * time.Second)
	for _, m := range sup.Managers() {
		for !m.IsConnected() {
			if time.Now().After(deadline) {
				t.Fatalf("device %s never connected", m.ID())
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	srv, err := New(Deps{
		Config:   cfg,
		Metrics:  config.MetricsConfig{Enabled: true, Path: "/metrics"},
		Logger:   logging.Discard(),
		Devices:  source,
		Runner:   sup,
		Gatherer: reg,
		Version:  "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	return &testEnv{srv: srv, router: srv.Handler(), sup: sup, registry: reg}
}

type listResponse struct {
	Devices []DeviceView `json:"devices"`
	Count   int          `json:"count"`
}

func (e *testEnv) do(method, path, body string, header ...string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
	return v
}

// ─── Construction ──────────────────────────────────────────────────

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Error("New() without logger should fail")
	}
	if _, err := New(Deps{Logger: logging.Discard()}); err == nil {
		t.Error("New() without device source should fail")
	}
	if _, err := New(Deps{Logger: logging.Discard(), Devices: &fakeSource{}}); err == nil {
		t.Error("New() without runner should fail")
	}
}

func TestServer_StartAndClose(t *testing.T) {
	env := testServer(t, config.APIConfig{Port: 0, Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5}})
	if env.srv.Addr() != "" {
		t.Errorf("Addr() before Start = %q, want empty", env.srv.Addr())
	}

	if err := env.srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	resp, err := http.Get("http://" + env.srv.Addr() + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	if err := env.srv.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

// ─── Health Endpoint Tests ─────────────────────────────────────────

func TestHealth(t *testing.T) {
	addr := listen(t, echo)
	env := testServer(t, config.APIConfig{}, testDevice(t, "proj-1", addr, true))

	w := env.do(http.MethodGet, "/api/v1/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	h := decode[Health](t, w)
	if h.Status != "ok" {
		t.Errorf("status = %q, want ok", h.Status)
	}
	if h.Version != "test" {
		t.Errorf("version = %q, want test", h.Version)
	}
	if h.Devices.Running != 1 || h.Devices.Connected != 1 {
		t.Errorf("devices = %+v, want 1 running and connected", h.Devices)
	}
	if h.Runtime.Goroutines == 0 {
		t.Error("runtime goroutines should be reported")
	}
}

func TestHealth_Degraded(t *testing.T) {
	env := testServer(t, config.APIConfig{})
	env.srv.checks = map[string]HealthChecker{"mqtt": failingCheck{}}

	h := decode[Health](t, env.do(http.MethodGet, "/api/v1/health", ""))
	if h.Status != "degraded" {
		t.Errorf("status = %q, want degraded", h.Status)
	}
	if h.Checks["mqtt"] != "broker unreachable" {
		t.Errorf("mqtt check = %q", h.Checks["mqtt"])
	}
}

// ─── Middleware Tests ──────────────────────────────────────────────

func TestRequestID_Generated(t *testing.T) {
	env := testServer(t, config.APIConfig{})

	w := env.do(http.MethodGet, "/api/v1/health", "")
	if got := w.Header().Get("X-Request-ID"); len(got) != 36 {
		t.Errorf("X-Request-ID = %q, want a UUID", got)
	}
}

func TestRequestID_PreservesClient(t *testing.T) {
	env := testServer(t, config.APIConfig{})

	w := env.do(http.MethodGet, "/api/v1/health", "", "X-Request-ID", "client-123")
	if got := w.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want %q", got, "client-123")
	}
}

func TestNotFound(t *testing.T) {
	env := testServer(t, config.APIConfig{})

	w := env.do(http.MethodGet, "/api/v1/nonexistent", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// ─── Device Tests ──────────────────────────────────────────────────

func TestListDevices(t *testing.T) {
	addr := listen(t, echo)
	env := testServer(t, config.APIConfig{},
		testDevice(t, "proj-1", addr, true),
		testDevice(t, "amp-1", addr, false),
	)

	w := env.do(http.MethodGet, "/api/v1/devices", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	resp := decode[listResponse](t, w)

	if resp.Count != 2 {
		t.Fatalf("count = %d, want 2", resp.Count)
	}
	for _, v := range resp.Devices {
		if v.Transport.Password != "" {
			t.Errorf("device %s leaks its password", v.ID)
		}
		switch v.ID {
		case "proj-1":
			if v.Status == nil || !v.Status.Running || !v.Status.Connected {
				t.Errorf("proj-1 status = %+v, want running and connected", v.Status)
			}
		case "amp-1":
			if v.Status != nil {
				t.Errorf("amp-1 status = %+v, want none", v.Status)
			}
		}
	}
}

func TestGetDevice(t *testing.T) {
	addr := listen(t, echo)
	env := testServer(t, config.APIConfig{}, testDevice(t, "proj-1", addr, true))

	w := env.do(http.MethodGet, "/api/v1/devices/proj-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	v := decode[DeviceView](t, w)
	if v.ID != "proj-1" || v.Name != "Device proj-1" {
		t.Errorf("device = %s/%s", v.ID, v.Name)
	}
	if len(v.Commands) != 1 || v.Commands[0].Name != "input" {
		t.Errorf("commands = %+v", v.Commands)
	}
	if v.Status == nil || v.Status.Link.State != "connected" {
		t.Errorf("status = %+v, want connected link", v.Status)
	}
}

func TestGetDevice_NotFound(t *testing.T) {
	env := testServer(t, config.APIConfig{})

	w := env.do(http.MethodGet, "/api/v1/devices/ghost", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if e := decode[Error](t, w); e.Code != ErrCodeNotFound {
		t.Errorf("code = %q, want %q", e.Code, ErrCodeNotFound)
	}
}

// ─── Command Tests ─────────────────────────────────────────────────

func TestSendCommand(t *testing.T) {
	addr := listen(t, echo)
	env := testServer(t, config.APIConfig{}, testDevice(t, "proj-1", addr, true))

	tests := []struct {
		name   string
		body   string
		result any
	}{
		{"data", `{"data":"PING\r\n"}`, "PING"},
		{"hex", `{"hex":"50494e470d0a"}`, "PING"},
		{"template", `{"command":"input","args":["hdmi1"]}`, []any{"IN hdmi1", "hdmi1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(http.MethodPost, "/api/v1/devices/proj-1/commands", tt.body, "X-Request-ID", "req-"+tt.name)
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
			}
			resp := decode[manager.CommandResponse](t, w)
			if resp.Status != "success" {
				t.Errorf("outcome = %q, want success", resp.Status)
			}
			if resp.ID != "req-"+tt.name {
				t.Errorf("id = %q, want request ID", resp.ID)
			}
			if fmt.Sprint(resp.Result) != fmt.Sprint(tt.result) {
				t.Errorf("result = %v, want %v", resp.Result, tt.result)
			}
		})
	}
}

func TestSendCommand_BadRequest(t *testing.T) {
	addr := listen(t, echo)
	env := testServer(t, config.APIConfig{}, testDevice(t, "proj-1", addr, true))

	for _, body := range []string{`{not json`, `{}`, `{"data":"A","hex":"41"}`, `{"command":"mute"}`} {
		w := env.do(http.MethodPost, "/api/v1/devices/proj-1/commands", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want %d", body, w.Code, http.StatusBadRequest)
		}
	}
}

func TestSendCommand_DeviceNotRunning(t *testing.T) {
	addr := listen(t, echo)
	env := testServer(t, config.APIConfig{}, testDevice(t, "amp-1", addr, false))

	w := env.do(http.MethodPost, "/api/v1/devices/amp-1/commands", `{"data":"X"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("disabled device: status = %d, want %d", w.Code, http.StatusConflict)
	}

	w = env.do(http.MethodPost, "/api/v1/devices/ghost/commands", `{"data":"X"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown device: status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestSendCommand_Timeout(t *testing.T) {
	addr := listen(t, silent)
	env := testServer(t, config.APIConfig{}, testDevice(t, "proj-1", addr, true))

	w := env.do(http.MethodPost, "/api/v1/devices/proj-1/commands", `{"data":"PING\r\n","timeout_ms":50,"retries":0}`)
	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusGatewayTimeout)
	}
	resp := decode[manager.CommandResponse](t, w)
	if resp.Status != "timeout" || resp.Error == "" {
		t.Errorf("response = %+v, want timeout with error", resp)
	}
}

func TestSendCommand_Pending(t *testing.T) {
	addr := listen(t, silent)
	env := testServer(t, config.APIConfig{CommandTimeout: 50 * time.Millisecond}, testDevice(t, "proj-1", addr, true))

	w := env.do(http.MethodPost, "/api/v1/devices/proj-1/commands", `{"data":"PING\r\n","timeout_ms":60000}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	resp := decode[manager.CommandResponse](t, w)
	if resp.Status != "queued" || resp.CommandID == "" {
		t.Errorf("response = %+v, want queued with command ID", resp)
	}
}

func TestStatusFor(t *testing.T) {
	tests := map[string]int{
		"success":  http.StatusOK,
		"sent":     http.StatusOK,
		"timeout":  http.StatusGatewayTimeout,
		"canceled": http.StatusServiceUnavailable,
		"failed":   http.StatusBadGateway,
	}
	for outcome, want := range tests {
		if got := statusFor(outcome); got != want {
			t.Errorf("statusFor(%q) = %d, want %d", outcome, got, want)
		}
	}
}

// ─── Metrics Endpoint Tests ────────────────────────────────────────

func TestMetricsEndpoint(t *testing.T) {
	addr := listen(t, echo)
	env := testServer(t, config.APIConfig{}, testDevice(t, "proj-1", addr, true))

	w := env.do(http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), `graycomms_device_connected{device="proj-1"} 1`) {
		t.Errorf("metrics missing connected gauge:\n%s", w.Body.String())
	}
}

func TestMetricsEndpoint_Disabled(t *testing.T) {
	env := testServer(t, config.APIConfig{})
	env.srv.metrics.Enabled = false
	router := env.srv.Handler()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}
