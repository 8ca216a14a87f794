package manager

import "errors"

// Sentinel errors for device management.
var (
	// ErrNotRunning indicates no manager is running for the device.
	ErrNotRunning = errors.New("manager: device not running")

	// ErrAlreadyRunning indicates the device already has a manager.
	ErrAlreadyRunning = errors.New("manager: device already running")

	// ErrStopped indicates the manager has been stopped.
	ErrStopped = errors.New("manager: stopped")

	// ErrInvalidRequest indicates a malformed command request.
	ErrInvalidRequest = errors.New("manager: invalid command request")

	// ErrTransport indicates the device transport settings cannot be used.
	ErrTransport = errors.New("manager: unusable transport")
)
