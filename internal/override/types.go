package override

import (
	"time"

	"github.com/google/uuid"
)

// Mode is the requested pre-clean behaviour. Each mode maps to a target
// fan speed; manual carries a caller-chosen speed.
type Mode string

// Override modes.
const (
	ModeOff     Mode = "off"
	ModeLowAuto Mode = "low_auto"
	ModeManual  Mode = "manual"
	ModeBoost   Mode = "boost"
)

// Valid reports whether the mode is recognised.
func (m Mode) Valid() bool {
	switch m {
	case ModeOff, ModeLowAuto, ModeManual, ModeBoost:
		return true
	default:
		return false
	}
}

// Fixed mode speeds.
const (
	speedOff     = 0
	speedLowAuto = 3
	speedBoost   = 5
)

// TargetSpeed resolves the mode to a fan speed. manualSpeed is consulted
// only for ModeManual.
func (m Mode) TargetSpeed(manualSpeed int) int {
	switch m {
	case ModeOff:
		return speedOff
	case ModeLowAuto:
		return speedLowAuto
	case ModeBoost:
		return speedBoost
	case ModeManual:
		return manualSpeed
	default:
		return speedOff
	}
}

// Status is the lifecycle state of an override.
type Status string

// Override statuses. Completed and cancelled are terminal.
const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Override is one pre-clean request and the device snapshot taken when it
// started. The snapshot is immutable: nested overrides restore through the
// stack, not through each other's snapshots.
type Override struct {
	ID       string `json:"id"`
	DeviceID string `json:"device_id"`
	Mode     Mode   `json:"mode"`

	// TargetSpeed is the resolved speed the override runs at.
	TargetSpeed int `json:"target_speed"`

	// Snapshot of the device at the moment the override started.
	PreviousSpeed  int    `json:"previous_speed"`
	PreviousPower  bool   `json:"previous_power"`
	SnapshotSource string `json:"snapshot_source"` // "schedule" or "ambient"

	Status         Status     `json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	ScheduledEndAt time.Time  `json:"scheduled_end_at"`
	ActualEndAt    *time.Time `json:"actual_end_at,omitempty"`
}

// Duration returns the requested override length.
func (o *Override) Duration() time.Duration {
	return o.ScheduledEndAt.Sub(o.StartedAt)
}

// Remaining returns how long until the scheduled expiry, which is negative
// once the override is past due.
func (o *Override) Remaining(now time.Time) time.Duration {
	return o.ScheduledEndAt.Sub(now)
}

// NewID returns a fresh override identifier.
func NewID() string {
	return "ovr-" + uuid.NewString()[:8]
}
