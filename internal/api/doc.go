// Package api implements the operational HTTP surface of graycomms.
//
// This package provides:
//   - Health and device status endpoints
//   - Command submission to a running device
//   - The Prometheus scrape endpoint
//   - Middleware stack (request ID, logging, recovery, body limit)
//
// # Endpoints
//
//	GET  /api/v1/health
//	GET  /api/v1/devices
//	GET  /api/v1/devices/{id}
//	POST /api/v1/devices/{id}/commands
//	GET  /metrics
//
// A POSTed command waits for its result up to APIConfig.CommandTimeout. If
// it is still pending then, the response is 202 with status "queued" and the
// command carries on.
//
// # Graceful Degradation
//
// The server runs without MQTT or Prometheus. Health reports "degraded"
// while a configured MQTT broker is unreachable.
package api
