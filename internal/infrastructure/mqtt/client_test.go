package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/nerrad567/gray-logic-comms/internal/infrastructure/config"
)

// testConfig returns a valid MQTT configuration for testing.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "graycomms-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

// mockLogger implements Logger interface for testing.
type mockLogger struct {
	errors []string
	warns  []string
	mu     sync.Mutex
}

func (l *mockLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	l.errors = append(l.errors, msg)
	l.mu.Unlock()
}

func (l *mockLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}

// =============================================================================
// Validation Tests (no broker required)
// =============================================================================

func TestIsConnected_InitialState(t *testing.T) {
	client := &Client{}

	if client.IsConnected() {
		t.Error("IsConnected() should be false for uninitialised client")
	}
}

func TestCloseNil(t *testing.T) {
	client := &Client{}
	if err := client.Close(); err != nil {
		t.Errorf("Close() on unconnected client error = %v", err)
	}
}

func TestHealthCheck_ReportsLastDrop(t *testing.T) {
	client := &Client{}

	if err := client.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("HealthCheck() error = %v, want ErrNotConnected", err)
	}

	var notified error
	client.SetOnDisconnect(func(err error) { notified = err })
	drop := errors.New("connection reset by peer")
	client.handleDisconnect(drop)

	err := client.HealthCheck(context.Background())
	if !errors.Is(err, ErrNotConnected) || !errors.Is(err, drop) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected wrapping the drop", err)
	}
	if notified != drop {
		t.Errorf("OnDisconnect got %v, want %v", notified, drop)
	}

	stats := client.Stats()
	if stats.Connected || stats.Drops != 1 || stats.LastError != drop.Error() || stats.LastDrop.IsZero() {
		t.Errorf("Stats() = %+v", stats)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := client.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck(canceled) error = %v", err)
	}
}

func TestPublishValidation(t *testing.T) {
	client := &Client{cfg: testConfig()}

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		wantErr error
	}{
		{"empty topic", "", []byte("x"), 1, ErrInvalidTopic},
		{"invalid qos", "a/b", []byte("x"), 3, ErrInvalidQoS},
		{"payload too large", "a/b", make([]byte, maxPayloadSize+1), 1, ErrPublishFailed},
		{"not connected", "a/b", []byte("x"), 1, ErrNotConnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.Publish(tt.topic, tt.payload, tt.qos, false)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPublishJSON_Unencodable(t *testing.T) {
	client := &Client{cfg: testConfig()}

	err := client.PublishJSON("a/b", make(chan int), false)
	if !errors.Is(err, ErrPublishFailed) {
		t.Errorf("PublishJSON() error = %v, want ErrPublishFailed", err)
	}
}

func TestSubscribeValidation(t *testing.T) {
	client := &Client{cfg: testConfig(), subscriptions: make(map[string]subscription)}
	handler := func(string, []byte) error { return nil }

	if err := client.Subscribe("", 1, handler); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Subscribe() empty topic error = %v", err)
	}
	if err := client.Subscribe("a/b", 3, handler); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("Subscribe() bad qos error = %v", err)
	}
	if err := client.Subscribe("a/b", 1, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("Subscribe() nil handler error = %v", err)
	}
	if err := client.Subscribe("a/b", 1, handler); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe() disconnected error = %v", err)
	}
	if got := client.Subscribed(); len(got) != 0 {
		t.Errorf("Subscribed() = %v, failed subscription should not be tracked", got)
	}
	if err := client.Unsubscribe(""); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Unsubscribe() empty topic error = %v", err)
	}
}

func TestSubscribed_Sorted(t *testing.T) {
	client := &Client{subscriptions: make(map[string]subscription)}
	client.track(subscription{topic: Topics{}.DeviceCommand("b")})
	client.track(subscription{topic: Topics{}.DeviceCommand("a")})
	client.track(subscription{topic: Topics{}.DeviceCommand("c")})
	client.untrack(Topics{}.DeviceCommand("c"))

	got := client.Subscribed()
	want := []string{Topics{}.DeviceCommand("a"), Topics{}.DeviceCommand("b")}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Subscribed() = %v, want %v", got, want)
	}
}

type deviceRequest struct {
	Command string `json:"command"`
	Args    []any  `json:"args"`
}

func TestDeviceCommands(t *testing.T) {
	var (
		gotID  string
		gotReq deviceRequest
	)
	handler := DeviceCommands(func(id string, req deviceRequest) error {
		gotID, gotReq = id, req
		return nil
	}, func(id string, err error) {
		t.Errorf("reject(%s, %v) called for a valid payload", id, err)
	})

	err := handler(Topics{}.DeviceCommand("projector-1"), []byte(`{"command":"volume","args":[12]}`))
	if err != nil {
		t.Fatalf("handler() error = %v", err)
	}
	if gotID != "projector-1" || gotReq.Command != "volume" || len(gotReq.Args) != 1 {
		t.Errorf("handled %q %+v", gotID, gotReq)
	}
}

func TestDeviceCommands_RejectsMalformedPayload(t *testing.T) {
	handled := false
	var rejectedID string
	var rejectErr error
	handler := DeviceCommands(func(string, deviceRequest) error {
		handled = true
		return nil
	}, func(id string, err error) {
		rejectedID, rejectErr = id, err
	})

	err := handler(Topics{}.DeviceCommand("projector-1"), []byte(`{not json`))
	if !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("handler() error = %v, want ErrInvalidPayload", err)
	}
	if handled {
		t.Error("malformed payload reached the command handler")
	}
	if rejectedID != "projector-1" || !errors.Is(rejectErr, ErrInvalidPayload) {
		t.Errorf("reject got %q, %v", rejectedID, rejectErr)
	}
}

func TestDeviceCommands_OtherTopics(t *testing.T) {
	handler := DeviceCommands(func(id string, _ deviceRequest) error {
		t.Errorf("handle(%s) called for a non-command topic", id)
		return nil
	}, nil)

	topics := []string{
		Topics{}.DeviceStatus("projector-1"),
		Topics{}.DeviceResponse("projector-1"),
		Topics{}.SystemStatus(),
		"graylogic/command/device/projector-1/extra",
		"",
	}
	for _, topic := range topics {
		if err := handler(topic, []byte(`{}`)); !errors.Is(err, ErrInvalidTopic) {
			t.Errorf("handler(%q) error = %v, want ErrInvalidTopic", topic, err)
		}
	}
}

func TestDispatch_RecoversAndLogs(t *testing.T) {
	client := &Client{}
	logger := &mockLogger{}
	client.SetLogger(logger)

	client.dispatch("a/b", nil, func(string, []byte) error { panic("boom") })
	client.dispatch("a/b", nil, func(string, []byte) error { return errors.New("bad payload") })

	var got []byte
	client.dispatch("a/b", []byte("ok"), func(_ string, p []byte) error {
		got = p
		return nil
	})

	if len(logger.errors) != 1 || len(logger.warns) != 1 {
		t.Errorf("logged errors=%v warns=%v, want one of each", logger.errors, logger.warns)
	}
	if string(got) != "ok" {
		t.Errorf("handler payload = %q", got)
	}

	// A nil logger must not break dispatch.
	client.SetLogger(nil)
	client.dispatch("a/b", nil, func(string, []byte) error { panic("boom") })
}

// =============================================================================
// Options Tests
// =============================================================================

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Username = "svc"
	cfg.Auth.Password = "secret"

	opts := buildClientOptions(cfg)

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "tcp://127.0.0.1:1883" {
		t.Errorf("Servers = %v", opts.Servers)
	}
	if opts.ClientID != "graycomms-test" {
		t.Errorf("ClientID = %q", opts.ClientID)
	}
	if opts.Username != "svc" || opts.Password != "secret" {
		t.Error("credentials not applied")
	}
	if !opts.AutoReconnect || !opts.CleanSession {
		t.Error("expected auto-reconnect and clean session")
	}

	cfg.Broker.TLS = true
	if got := brokerURL(cfg); got != "ssl://127.0.0.1:1883" {
		t.Errorf("brokerURL() with TLS = %q", got)
	}
	if buildClientOptions(cfg).TLSConfig == nil {
		t.Error("TLS config not set")
	}
}

func TestConfigureLWT(t *testing.T) {
	opts := buildClientOptions(testConfig())
	configureLWT(opts, "graycomms-test")

	if !opts.WillEnabled || !opts.WillRetained {
		t.Error("LWT should be enabled and retained")
	}
	if opts.WillTopic != (Topics{}).SystemStatus() {
		t.Errorf("WillTopic = %q", opts.WillTopic)
	}

	var msg statusMessage
	if err := json.Unmarshal(opts.WillPayload, &msg); err != nil {
		t.Fatalf("will payload not JSON: %v", err)
	}
	if msg.Status != "offline" || msg.Reason != "unexpected_disconnect" || msg.ClientID != "graycomms-test" {
		t.Errorf("will payload = %+v", msg)
	}
}

func TestStatusPayloads(t *testing.T) {
	var online, offline statusMessage
	if err := json.Unmarshal(buildOnlinePayload("c1"), &online); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(buildOfflinePayload("c1"), &offline); err != nil {
		t.Fatal(err)
	}
	if online.Status != "online" || online.Reason != "" {
		t.Errorf("online = %+v", online)
	}
	if offline.Status != "offline" || offline.Reason != "graceful_shutdown" {
		t.Errorf("offline = %+v", offline)
	}
}

// =============================================================================
// Topic Tests
// =============================================================================

func TestTopicBuilders(t *testing.T) {
	topics := Topics{}
	tests := []struct {
		name     string
		got      string
		expected string
	}{
		{"DeviceStatus", topics.DeviceStatus("projector-1"), "graylogic/status/device/projector-1"},
		{"DeviceCommand", topics.DeviceCommand("projector-1"), "graylogic/command/device/projector-1"},
		{"DeviceResponse", topics.DeviceResponse("projector-1"), "graylogic/response/device/projector-1"},
		{"DeviceEvent", topics.DeviceEvent("projector-1"), "graylogic/event/device/projector-1"},
		{"SystemStatus", topics.SystemStatus(), "graylogic/system/graycomms/status"},
		{"AllDeviceCommands", topics.AllDeviceCommands(), "graylogic/command/device/+"},
		{"AllDeviceStatuses", topics.AllDeviceStatuses(), "graylogic/status/device/+"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("got %q, want %q", tt.got, tt.expected)
			}
		})
	}
}

func TestDeviceIDFromTopic(t *testing.T) {
	tests := []struct {
		topic  string
		want   string
		wantOK bool
	}{
		{"graylogic/command/device/projector-1", "projector-1", true},
		{"graylogic/status/device/amp", "amp", true},
		{"graylogic/command/device/", "", false},
		{"graylogic/command/device/a/b", "", false},
		{"graylogic/system/graycomms/status", "", false},
		{"other/command/device/amp", "", false},
		{"graylogic", "", false},
	}
	for _, tt := range tests {
		t.Run(strings.ReplaceAll(tt.topic, "/", "_"), func(t *testing.T) {
			got, ok := Topics{}.DeviceIDFromTopic(tt.topic)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("DeviceIDFromTopic(%q) = %q, %v; want %q, %v", tt.topic, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
