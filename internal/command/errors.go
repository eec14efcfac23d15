package command

import "errors"

// Domain errors for the command package.
var (
	// ErrUnknownDevice is returned when the target device has never been seen.
	ErrUnknownDevice = errors.New("command: unknown device")

	// ErrInvalidAction is returned for an unrecognised action.
	ErrInvalidAction = errors.New("command: invalid action")

	// ErrInvalidSpeed is returned when a setSpeed value is outside 0-5.
	ErrInvalidSpeed = errors.New("command: invalid speed")

	// ErrInvalidSource is returned for an unrecognised command source.
	ErrInvalidSource = errors.New("command: invalid source")

	// ErrTransport is returned when publishing to the broker fails.
	ErrTransport = errors.New("command: transport failure")
)
