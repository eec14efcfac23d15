package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Day is a lowercase three-letter day name.
type Day string

// Days of the week.
const (
	DayMon Day = "mon"
	DayTue Day = "tue"
	DayWed Day = "wed"
	DayThu Day = "thu"
	DayFri Day = "fri"
	DaySat Day = "sat"
	DaySun Day = "sun"
)

// weekdayToDay maps time.Weekday onto Day.
var weekdayToDay = map[time.Weekday]Day{
	time.Monday:    DayMon,
	time.Tuesday:   DayTue,
	time.Wednesday: DayWed,
	time.Thursday:  DayThu,
	time.Friday:    DayFri,
	time.Saturday:  DaySat,
	time.Sunday:    DaySun,
}

// Valid reports whether the day is recognised.
func (d Day) Valid() bool {
	switch d {
	case DayMon, DayTue, DayWed, DayThu, DayFri, DaySat, DaySun:
		return true
	default:
		return false
	}
}

// DayOf returns the Day for a wall-clock instant.
func DayOf(t time.Time) Day {
	return weekdayToDay[t.Weekday()]
}

// joinDays serialises a day set for the schedules.days column.
func joinDays(days []Day) string {
	parts := make([]string, len(days))
	for i, d := range days {
		parts[i] = string(d)
	}
	return strings.Join(parts, ",")
}

// splitDays parses the schedules.days column.
func splitDays(s string) []Day {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	days := make([]Day, 0, len(parts))
	for _, p := range parts {
		days = append(days, Day(strings.TrimSpace(p)))
	}
	return days
}

// Minimum schedule speed. A schedule that wants the fan stopped is
// expressed by its window ending, not by speed zero.
const minScheduleSpeed = 1

// maxScheduleSpeed matches the purifier's top fan speed.
const maxScheduleSpeed = 5

// Schedule is a recurring run window: on the listed days, between start
// and end (local wall-clock in the site timezone), run at the given speed.
type Schedule struct {
	ID       string `json:"id"`
	DeviceID string `json:"device_id"`
	Days     []Day  `json:"days"`

	// StartTime and EndTime are "HH:MM" local wall-clock strings.
	// EndTime is strictly after StartTime; windows do not cross midnight.
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`

	Speed   int  `json:"speed"`
	Enabled bool `json:"enabled"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewID returns a fresh schedule identifier.
func NewID() string {
	return "sch-" + uuid.NewString()[:8]
}

// Validate checks that the schedule is well-formed.
func (s *Schedule) Validate() error {
	if s.DeviceID == "" {
		return fmt.Errorf("%w: device_id required", ErrInvalidSchedule)
	}
	if len(s.Days) == 0 {
		return fmt.Errorf("%w: at least one day required", ErrInvalidSchedule)
	}
	seen := make(map[Day]bool, len(s.Days))
	for _, d := range s.Days {
		if !d.Valid() {
			return fmt.Errorf("%w: %q", ErrInvalidDay, d)
		}
		if seen[d] {
			return fmt.Errorf("%w: duplicate day %q", ErrInvalidDay, d)
		}
		seen[d] = true
	}

	start, err := parseClock(s.StartTime)
	if err != nil {
		return fmt.Errorf("%w: start %q", ErrInvalidTime, s.StartTime)
	}
	end, err := parseClock(s.EndTime)
	if err != nil {
		return fmt.Errorf("%w: end %q", ErrInvalidTime, s.EndTime)
	}
	if end <= start {
		return fmt.Errorf("%w: end %q not after start %q", ErrInvalidWindow, s.EndTime, s.StartTime)
	}

	if s.Speed < minScheduleSpeed || s.Speed > maxScheduleSpeed {
		return fmt.Errorf("%w: %d", ErrInvalidSpeed, s.Speed)
	}

	return nil
}

// ActiveAt reports whether the window covers the local instant t.
// The window is half-open: [start, end).
func (s *Schedule) ActiveAt(t time.Time) bool {
	if !s.Enabled {
		return false
	}
	if !s.runsOn(DayOf(t)) {
		return false
	}

	start, err := parseClock(s.StartTime)
	if err != nil {
		return false
	}
	end, err := parseClock(s.EndTime)
	if err != nil {
		return false
	}

	minute := t.Hour()*60 + t.Minute()
	return minute >= start && minute < end
}

func (s *Schedule) runsOn(day Day) bool {
	for _, d := range s.Days {
		if d == day {
			return true
		}
	}
	return false
}

// parseClock converts "HH:MM" to minutes since midnight.
func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%2d:%2d", &h, &m); err != nil {
		return 0, err
	}
	if len(s) != 5 || s[2] != ':' {
		return 0, fmt.Errorf("malformed clock %q", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock out of range %q", s)
	}
	return h*60 + m, nil
}

// Run history events.
const (
	EventWindowStart = "window_start"
	EventWindowEnd   = "window_end"
	EventRemoved     = "removed"
)

// Run history outcomes.
const (
	OutcomeDispatched        = "dispatched"
	OutcomeBlocked           = "blocked"
	OutcomeBlockedByOverride = "blocked_by_override"
	OutcomeFailed            = "failed"
)

// Run is one append-only history row recording what happened at a
// schedule boundary.
type Run struct {
	ID         string `json:"id"`
	ScheduleID string `json:"schedule_id"`
	DeviceID   string `json:"device_id"`
	Event      string `json:"event"`
	Outcome    string `json:"outcome"`
	Speed      int    `json:"speed"`

	// Attempts is how many publish attempts the dispatch used; zero for
	// rows whose outcome never reached the dispatcher.
	Attempts   int       `json:"attempts"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
