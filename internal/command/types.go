package command

import "time"

// Action is an operation a purifier can perform.
type Action string

// Supported command actions.
const (
	// ActionSetSpeed sets the fan to an explicit speed (0-5).
	ActionSetSpeed Action = "setSpeed"

	// ActionTurnOn powers the device on, resuming its last known speed.
	ActionTurnOn Action = "turnOn"

	// ActionTurnOff powers the device off.
	ActionTurnOff Action = "turnOff"
)

// Valid reports whether the action is a recognised command action.
func (a Action) Valid() bool {
	switch a {
	case ActionSetSpeed, ActionTurnOn, ActionTurnOff:
		return true
	default:
		return false
	}
}

// RequiresSpeed reports whether the action carries a speed value.
func (a Action) RequiresSpeed() bool {
	return a == ActionSetSpeed
}

// Source identifies which control surface issued a command. It is recorded
// in the audit trail and consulted by the coordination policy.
type Source string

// Command sources.
const (
	SourceSchedule Source = "schedule"
	SourceOverride Source = "override"
	SourceManual   Source = "manual"
	SourceRestore  Source = "restore"
)

// Valid reports whether the source is recognised.
func (s Source) Valid() bool {
	switch s {
	case SourceSchedule, SourceOverride, SourceManual, SourceRestore:
		return true
	default:
		return false
	}
}

// Status is the lifecycle state of a dispatched command.
type Status string

// Command statuses. Acknowledged, failed, and timeout are terminal.
const (
	StatusPending      Status = "pending"
	StatusSent         Status = "sent"
	StatusAcknowledged Status = "acknowledged"
	StatusFailed       Status = "failed"
	StatusTimeout      Status = "timeout"
)

// Envelope is the JSON command payload published to
// purifier/{device}/command. Retries re-publish the identical envelope so
// devices can deduplicate on the command ID.
type Envelope struct {
	ID       string    `json:"id"`
	Action   Action    `json:"action"`
	Speed    *int      `json:"speed,omitempty"`
	Source   Source    `json:"source"`
	IssuedAt time.Time `json:"issued_at"`
}

// AckState is the device state reported inside an acknowledgment.
type AckState struct {
	Speed   int  `json:"speed"`
	PowerOn bool `json:"power_on"`
}

// Ack is the JSON payload devices publish on purifier/{device}/ack after
// applying (or rejecting) a command.
type Ack struct {
	CommandID    string   `json:"command_id"`
	Status       string   `json:"status"` // "ok" or "error"
	CurrentState AckState `json:"current_state"`
	Error        string   `json:"error,omitempty"`
}

// Result is the terminal outcome of a Send call.
type Result struct {
	CommandID string `json:"command_id"`
	Status    Status `json:"status"`
	Attempts  int    `json:"attempts"`

	// State is the device-confirmed state; set only when acknowledged.
	State *AckState `json:"state,omitempty"`
}
