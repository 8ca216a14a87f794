// Package influxdb provides InfluxDB connectivity for graycomms.
//
// It wraps the official influxdb-client-go v2 library for connection
// management, telemetry writing, and health monitoring.
//
// # Purpose
//
// Every device manager reports here:
//   - device_command: one point per settled command (outcome, attempts, latency)
//   - device_connection: one point per link up/down transition
//
// # Usage
//
//	cfg := config.InfluxDBConfig{
//	    Enabled: true,
//	    URL:     "http://localhost:8086",
//	    Token:   "your-token",
//	    Org:     "graylogic",
//	    Bucket:  "comms",
//	}
//
//	client, err := influxdb.Connect(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.WriteConnection("projector-1", true)
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Write operations are non-blocking and batch errors are reported via a callback.
// Connection and health check errors are returned directly.
package influxdb
