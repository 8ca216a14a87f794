package driver

import "errors"

// Domain-specific errors for the driver package.
var (
	// ErrTemplateArgs is returned when arguments do not fit the prototype.
	ErrTemplateArgs = errors.New("driver: wrong number or type of template arguments")

	// ErrTemplateFormat is returned when a rendered command fails validation.
	ErrTemplateFormat = errors.New("driver: rendered command does not match validation pattern")

	// ErrUnknownCommand is returned for a name missing from a command set.
	ErrUnknownCommand = errors.New("driver: unknown command")

	// ErrUnknownDriver is returned for an unregistered driver name.
	ErrUnknownDriver = errors.New("driver: unknown driver")

	// ErrInvalidPattern is returned when a regular expression does not compile.
	ErrInvalidPattern = errors.New("driver: invalid pattern")

	// ErrDeviceError is the failure reason when a reply matches an error pattern.
	ErrDeviceError = errors.New("driver: device reported an error")
)
