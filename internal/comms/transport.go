package comms

import "github.com/nerrad567/gray-logic-comms/internal/reactor"

// Transport moves command payloads to a device and inbound bytes back.
//
// All methods are called on the device loop.
type Transport interface {
	// Transmit sends cmd's payload. An error fails the command through the
	// normal failure path without anything reaching the wire.
	Transmit(cmd *Command) error

	// Accepting reports whether Transmit may be called now. Connect-on-demand
	// transports accept while disconnected.
	Accepting() bool

	// Disconnect closes the connection gracefully. Reconnecting transports
	// will reconnect afterwards.
	Disconnect()

	// Terminate closes the connection for good.
	Terminate()
}

// Delayer is implemented by transports that hold writes until the device
// signals it is ready. No-wait commands queued while Delaying reports true
// are handed straight to Transmit; commands that wait still go through the
// queue so their response is matched.
type Delayer interface {
	Delaying() bool
}

// Link is the processor surface a transport drives.
//
// All methods must be called on the device loop, never synchronously from
// within a Transport method.
type Link interface {
	Scheduler() reactor.Scheduler
	Buffer(data []byte)
	Connected()
	Disconnected()
	Offline()

	// Idle reports whether no command is in flight or queued.
	Idle() bool
}
