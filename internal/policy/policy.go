// Package policy implements the coordination rules between schedules and
// pre-clean overrides.
//
// The rules are deliberately small:
//
//   - A schedule may not change speed while any override is active on the
//     device. Overrides exist because someone asked for specific behaviour
//     right now; the calendar yields.
//   - A schedule window END always applies, even over active overrides.
//     Window-end dispatches turnOff, which is admitted unconditionally;
//     the arbiter cancels the overrides itself before dispatching.
//   - Manual, override, and restore commands are always admitted.
package policy

import (
	"context"
	"fmt"

	"github.com/aerolink/purifier-core/internal/command"
)

// OverrideChecker is the interface the policy needs from the override package.
type OverrideChecker interface {
	// HasActive reports whether the device has at least one active override.
	HasActive(ctx context.Context, deviceID string) (bool, error)
}

// Decision is the outcome of an admission check. Reason is recorded in
// schedule history when a dispatch is blocked.
type Decision struct {
	Admitted bool   `json:"admitted"`
	Reason   string `json:"reason"`
}

// Policy decides whether a command may be dispatched for a given source.
type Policy struct {
	overrides OverrideChecker
}

// New creates a coordination policy backed by the given override state.
func New(overrides OverrideChecker) *Policy {
	return &Policy{overrides: overrides}
}

// Admit checks whether a command from the given source may proceed.
//
// Only schedule-sourced speed changes can be blocked. turnOff from a
// schedule is always admitted: window-end semantics win over overrides,
// and the arbiter cancels them before calling the dispatcher.
func (p *Policy) Admit(ctx context.Context, deviceID string, source command.Source, action command.Action) (Decision, error) {
	if source != command.SourceSchedule {
		return Decision{Admitted: true, Reason: fmt.Sprintf("source %s always admitted", source)}, nil
	}
	if action == command.ActionTurnOff {
		return Decision{Admitted: true, Reason: "schedule window end always applies"}, nil
	}

	active, err := p.overrides.HasActive(ctx, deviceID)
	if err != nil {
		return Decision{}, fmt.Errorf("checking active overrides for %s: %w", deviceID, err)
	}
	if active {
		return Decision{Admitted: false, Reason: "active override present"}, nil
	}

	return Decision{Admitted: true, Reason: "no active override"}, nil
}
