package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-comms/internal/device"
	"github.com/nerrad567/gray-logic-comms/internal/infrastructure/mqtt"
)

type mockSource struct {
	devices map[string]device.Device
}

func newMockSource(devices ...device.Device) *mockSource {
	s := &mockSource{devices: make(map[string]device.Device)}
	for _, d := range devices {
		s.devices[d.ID] = d
	}
	return s
}

func (s *mockSource) ListEnabled(_ context.Context) ([]device.Device, error) {
	var out []device.Device
	for _, d := range s.devices {
		if d.Enabled {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *mockSource) GetDevice(_ context.Context, id string) (*device.Device, error) {
	d, ok := s.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", device.ErrDeviceNotFound, id)
	}
	return &d, nil
}

func TestSupervisor_StartAndStop(t *testing.T) {
	addr := listen(t, echo)
	disabled := testDevice(t, "amp-1", addr)
	disabled.Enabled = false
	broken := testDevice(t, "broken-1", addr)
	broken.Driver.Name = "nope"

	source := newMockSource(
		testDevice(t, "proj-2", addr),
		testDevice(t, "proj-1", addr),
		disabled,
		broken,
	)
	pub := newMockPublisher()
	sup := NewSupervisor(source, Options{Publisher: pub})

	n, err := sup.Start(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	managers := sup.Managers()
	require.Len(t, managers, 2)
	assert.Equal(t, "proj-1", managers[0].ID())
	assert.Equal(t, "proj-2", managers[1].ID())
	assert.NotNil(t, pub.handler(mqtt.Topics{}.AllDeviceCommands()))

	_, err = sup.Get("amp-1")
	assert.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, sup.Stop(testCtx(t)))
	assert.Empty(t, sup.Managers())
	assert.Equal(t, []string{mqtt.Topics{}.AllDeviceCommands()}, pub.unsubs)
	assert.False(t, managers[0].IsRunning())
}

func TestSupervisor_DeviceLifecycle(t *testing.T) {
	addr := listen(t, echo)
	source := newMockSource(testDevice(t, "proj-1", addr))
	sup := NewSupervisor(source, Options{})
	t.Cleanup(func() { _ = sup.Stop(context.Background()) })

	require.NoError(t, sup.StartDevice(testCtx(t), "proj-1"))
	assert.ErrorIs(t, sup.StartDevice(testCtx(t), "proj-1"), ErrAlreadyRunning)
	assert.ErrorIs(t, sup.StartDevice(testCtx(t), "ghost"), device.ErrDeviceNotFound)

	first, err := sup.Get("proj-1")
	require.NoError(t, err)

	require.NoError(t, sup.Restart(testCtx(t), "proj-1"))
	second, err := sup.Get("proj-1")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.False(t, first.IsRunning())
	assert.True(t, second.IsRunning())

	require.NoError(t, sup.StopDevice(testCtx(t), "proj-1"))
	assert.ErrorIs(t, sup.StopDevice(testCtx(t), "proj-1"), ErrNotRunning)
	require.NoError(t, sup.Restart(testCtx(t), "proj-1"))
}

func TestSupervisor_RoutesMQTTCommands(t *testing.T) {
	addr := listen(t, echo)
	source := newMockSource(testDevice(t, "proj-1", addr))
	pub := newMockPublisher()
	sup := NewSupervisor(source, Options{Publisher: pub})
	_, err := sup.Start(testCtx(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sup.Stop(context.Background()) })

	m, err := sup.Get("proj-1")
	require.NoError(t, err)
	require.Eventually(t, m.IsConnected, eventually, 10*time.Millisecond)

	handle := pub.handler(mqtt.Topics{}.AllDeviceCommands())
	require.NotNil(t, handle)

	require.NoError(t, handle(mqtt.Topics{}.DeviceCommand("proj-1"), []byte(`{"id":"a","data":"PING\r\n"}`)))
	assert.ErrorIs(t, handle(mqtt.Topics{}.DeviceCommand("ghost"), []byte(`{}`)), ErrNotRunning)
	assert.ErrorIs(t, handle(mqtt.Topics{}.SystemStatus(), []byte(`{}`)), mqtt.ErrInvalidTopic)

	topic := mqtt.Topics{}.DeviceResponse("proj-1")
	require.Eventually(t, func() bool { return len(pub.on(topic)) == 1 }, eventually, 10*time.Millisecond)

	var resp CommandResponse
	require.NoError(t, json.Unmarshal(pub.on(topic)[0].payload, &resp))
	assert.Equal(t, "a", resp.ID)
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, "PING", resp.Result)
}

func TestSupervisor_AnswersMalformedMQTTCommands(t *testing.T) {
	addr := listen(t, echo)
	source := newMockSource(testDevice(t, "proj-1", addr))
	pub := newMockPublisher()
	sup := NewSupervisor(source, Options{Publisher: pub})
	_, err := sup.Start(testCtx(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sup.Stop(context.Background()) })

	handle := pub.handler(mqtt.Topics{}.AllDeviceCommands())
	require.NotNil(t, handle)

	err = handle(mqtt.Topics{}.DeviceCommand("proj-1"), []byte(`{not json`))
	assert.ErrorIs(t, err, mqtt.ErrInvalidPayload)
	assert.ErrorIs(t, handle(mqtt.Topics{}.DeviceCommand("ghost"), []byte(`{not json`)), mqtt.ErrInvalidPayload)

	topic := mqtt.Topics{}.DeviceResponse("proj-1")
	require.Eventually(t, func() bool { return len(pub.on(topic)) == 1 }, eventually, 10*time.Millisecond)

	var resp CommandResponse
	require.NoError(t, json.Unmarshal(pub.on(topic)[0].payload, &resp))
	assert.Equal(t, "failed", resp.Status)
	assert.Contains(t, resp.Error, "invalid payload")
	assert.Empty(t, pub.on(mqtt.Topics{}.DeviceResponse("ghost")))
}
