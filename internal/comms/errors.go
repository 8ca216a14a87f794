package comms

import (
	"errors"
	"fmt"
)

// Domain-specific errors for the comms package.
// Use errors.Is() to check for these error types.
var (
	// ErrCommandFailed is the class of every terminal command failure.
	// The concrete error is a *CommandError carrying the reason.
	ErrCommandFailed = errors.New("comms: command failed")

	// ErrCanceled is the class of errors for commands that never got an answer
	// because the device went away or dropped its queue.
	ErrCanceled = errors.New("comms: command canceled")

	// ErrOffline is returned for commands rejected by an offline queue.
	ErrOffline = fmt.Errorf("%w: device offline", ErrCanceled)

	// ErrShutdown is returned for commands pending when the device was unloaded.
	ErrShutdown = fmt.Errorf("%w: device shutting down", ErrCanceled)

	// ErrQueueCleared is returned for commands dropped by a clear-queue failure.
	ErrQueueCleared = fmt.Errorf("%w: queue cleared", ErrCanceled)

	// ErrDisconnected is the failure reason when the transport drops mid-command.
	ErrDisconnected = errors.New("comms: disconnected")

	// ErrTimeout is the failure reason when no response arrived in time.
	ErrTimeout = errors.New("comms: response timeout")

	// ErrMaxWaitsExceeded is the failure reason after too many ignorable responses.
	ErrMaxWaitsExceeded = errors.New("comms: max waits exceeded")

	// ErrAborted is the default reason for an Abort verdict.
	ErrAborted = errors.New("comms: aborted")

	// ErrRetryRequested is the default reason for a Fail verdict.
	ErrRetryRequested = errors.New("comms: retry requested")

	// ErrNotConnected is returned by transports asked to transmit while down.
	ErrNotConnected = errors.New("comms: not connected")
)

// CommandError describes a command that failed terminally.
//
// It matches both ErrCommandFailed and its Reason with errors.Is.
type CommandError struct {
	ID       string
	Name     string
	Data     []byte
	Attempts int
	Reason   error
}

func (e *CommandError) Error() string {
	name := e.Name
	if name == "" {
		name = "-"
	}
	return fmt.Sprintf("comms: command %s (name %s, data %q) failed after %d attempt(s): %v",
		e.ID, name, e.Data, e.Attempts, e.Reason)
}

// Unwrap exposes both the failure class and the reason.
func (e *CommandError) Unwrap() []error {
	return []error{ErrCommandFailed, e.Reason}
}
