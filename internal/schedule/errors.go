package schedule

import "errors"

// Domain errors for the schedule package.
var (
	// ErrScheduleNotFound is returned when a schedule ID does not exist.
	ErrScheduleNotFound = errors.New("schedule: not found")

	// ErrInvalidSchedule is returned when schedule validation fails.
	ErrInvalidSchedule = errors.New("schedule: invalid")

	// ErrInvalidDay is returned for an unrecognised or duplicate day.
	ErrInvalidDay = errors.New("schedule: invalid day")

	// ErrInvalidTime is returned when a time is not "HH:MM".
	ErrInvalidTime = errors.New("schedule: invalid time")

	// ErrInvalidWindow is returned when end is not strictly after start.
	ErrInvalidWindow = errors.New("schedule: invalid window")

	// ErrInvalidSpeed is returned when a schedule speed is outside 1-5.
	ErrInvalidSpeed = errors.New("schedule: invalid speed")
)
