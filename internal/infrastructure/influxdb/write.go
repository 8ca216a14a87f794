package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by graycomms.
const (
	MeasurementCommand    = "device_command"
	MeasurementConnection = "device_connection"
)

// CommandSample describes one settled device command.
type CommandSample struct {
	DeviceID string
	Name     string
	Outcome  string
	Attempts int
	Duration time.Duration
	Time     time.Time
}

// WriteCommand records a settled command.
//
// The write is non-blocking; data is batched and sent asynchronously.
// Unnamed commands are tagged "-" to keep series cardinality bounded.
//
// Example:
//
//	client.WriteCommand(influxdb.CommandSample{
//	    DeviceID: "projector-1",
//	    Name:     "power_on",
//	    Outcome:  "success",
//	    Attempts: 1,
//	    Duration: 180 * time.Millisecond,
//	})
func (c *Client) WriteCommand(s CommandSample) {
	if !c.IsConnected() {
		return
	}
	c.points.Add(1)
	c.writeAPI.WritePoint(commandPoint(s))
}

// WriteConnection records a device link going up or down.
func (c *Client) WriteConnection(deviceID string, connected bool) {
	if !c.IsConnected() {
		return
	}
	c.points.Add(1)
	c.writeAPI.WritePoint(connectionPoint(deviceID, connected, time.Now()))
}

func commandPoint(s CommandSample) *write.Point {
	name := s.Name
	if name == "" {
		name = "-"
	}
	ts := s.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return write.NewPoint(
		MeasurementCommand,
		map[string]string{
			"device_id": s.DeviceID,
			"command":   name,
			"outcome":   s.Outcome,
		},
		map[string]interface{}{
			"attempts":    int64(s.Attempts),
			"duration_ms": float64(s.Duration) / float64(time.Millisecond),
		},
		ts,
	)
}

func connectionPoint(deviceID string, connected bool, ts time.Time) *write.Point {
	return write.NewPoint(
		MeasurementConnection,
		map[string]string{
			"device_id": deviceID,
		},
		map[string]interface{}{
			"connected": connected,
		},
		ts,
	)
}
