package override

import "errors"

// Domain errors for the override package.
var (
	// ErrOverrideNotFound is returned when an override ID does not exist.
	ErrOverrideNotFound = errors.New("override: not found")

	// ErrNotActive is returned when a terminal transition races with
	// another: the conditional update found the override already ended.
	ErrNotActive = errors.New("override: not active")

	// ErrNoActiveOverride is returned by Cancel when the device has no
	// active override to cancel.
	ErrNoActiveOverride = errors.New("override: no active override")

	// ErrInvalidMode is returned for an unrecognised mode.
	ErrInvalidMode = errors.New("override: invalid mode")

	// ErrInvalidDuration is returned when a duration is zero or negative.
	ErrInvalidDuration = errors.New("override: invalid duration")

	// ErrInvalidSpeed is returned when a manual-mode speed is outside 0-5.
	ErrInvalidSpeed = errors.New("override: invalid speed")
)
