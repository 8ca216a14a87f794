// Package transport provides the concrete connections a comms.Processor
// drives.
//
// Two connection lifecycles are implemented:
//
//   - Persistent keeps one connection open, reconnecting with exponential
//     backoff whenever it drops. The device queue is marked offline after
//     OfflineAfter consecutive failures, or at once when the link thrashes.
//   - MakeBreak connects on demand, holds writes while connecting, and
//     closes the connection again once the device is idle.
//
// Both are built on a Dialer. TCPDialer (optionally TLS), SSHDialer,
// SerialDialer, UDPDialer and MulticastDialer cover the supported media.
//
// Socket reads and writes happen on per-connection goroutines. Their results
// are posted onto the device loop, and all transport state is only touched
// there, so no locking is needed beyond the statistics counters.
package transport
