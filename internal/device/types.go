package device

import "time"

// Fan speed bounds. Speed 0 means the purifier fan is stopped; the
// device may still be powered with the fan idle.
const (
	MinSpeed = 0
	MaxSpeed = 5
)

// DeviceState represents a purifier and its last known runtime state.
// This matches the devices table in the initial schema migration.
type DeviceState struct {
	// Identity
	ID   string `json:"id"`
	Name string `json:"name"`

	// Runtime state as last reported by the device (telemetry or ack).
	Speed   int  `json:"speed"`
	PowerOn bool `json:"power_on"`

	// Reachability
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`

	// LastKnownSpeed retains the most recent nonzero speed across turnOff
	// so a later turnOn can resume at the previous level.
	LastKnownSpeed int `json:"last_known_speed"`

	// Timestamps
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Copy creates an independent copy of the DeviceState.
// The LastSeen pointer is cloned so modifications to the copy
// do not affect the original. This is essential for cache isolation.
func (d *DeviceState) Copy() *DeviceState {
	if d == nil {
		return nil
	}

	cpy := *d
	if d.LastSeen != nil {
		ls := *d.LastSeen
		cpy.LastSeen = &ls
	}
	return &cpy
}

// Validate checks that the device state is well-formed.
func (d *DeviceState) Validate() error {
	if d.ID == "" {
		return ErrInvalidDevice
	}
	if d.Speed < MinSpeed || d.Speed > MaxSpeed {
		return ErrInvalidSpeed
	}
	if d.LastKnownSpeed < MinSpeed || d.LastKnownSpeed > MaxSpeed {
		return ErrInvalidSpeed
	}
	return nil
}

// ValidSpeed reports whether speed is within the purifier's range.
func ValidSpeed(speed int) bool {
	return speed >= MinSpeed && speed <= MaxSpeed
}
