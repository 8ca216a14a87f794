// Package manager runs devices.
//
// A Manager owns everything one device needs: its reactor loop, its
// comms.Processor, its transport and its driver. It is the only code that
// crosses onto the device loop from outside. API handlers and MQTT
// callbacks call Send, which posts onto the loop and hands back the
// queued command.
//
// # MQTT
//
// When a Publisher is supplied each manager:
//   - publishes {"connected":bool} retained to graylogic/status/device/{id}
//   - accepts CommandRequest JSON on graylogic/command/device/{id}
//   - publishes a CommandResponse to graylogic/response/device/{id}
//   - publishes unsolicited frames to graylogic/event/device/{id}
//
// # Supervisor
//
// Supervisor starts a Manager for every enabled device in the registry and
// stops them all on shutdown. Prometheus metrics and InfluxDB telemetry are
// optional; nil dependencies are skipped.
package manager
