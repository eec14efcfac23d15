package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/aerolink/purifier-core/internal/command"
	"github.com/aerolink/purifier-core/internal/policy"
)

// Dispatcher is the interface the arbiter needs from the command package.
type Dispatcher interface {
	Send(ctx context.Context, deviceID string, action command.Action, speed int, source command.Source) (*command.Result, error)
}

// AdmissionPolicy decides whether a schedule dispatch may proceed.
type AdmissionPolicy interface {
	Admit(ctx context.Context, deviceID string, source command.Source, action command.Action) (policy.Decision, error)
}

// OverrideManager is the interface the arbiter needs from the override
// package for window-end semantics.
type OverrideManager interface {
	// HasActive reports whether the device has active overrides.
	HasActive(ctx context.Context, deviceID string) (bool, error)

	// CancelAll terminally cancels the device's overrides with no restore.
	CancelAll(ctx context.Context, deviceID string) (int, error)
}

// Logger defines the logging interface used by the Arbiter.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Arbiter resolves concurrent schedule windows and executes boundary
// transitions.
//
// Multiple windows can cover a device at the same instant; whenever a
// boundary fires, the arbiter recomputes the active set from the
// repository (never from a cached notion of "what should be running") and
// the highest target speed wins. Ties go to the earliest-created
// schedule, which keeps the choice stable across recomputation.
//
// Window starts defer to active overrides; window ends do not. A window
// end cancels the whole override stack and turns the device off.
type Arbiter struct {
	repo      Repository
	dispatch  Dispatcher
	admission AdmissionPolicy
	overrides OverrideManager
	loc       *time.Location
	logger    Logger
}

// NewArbiter creates a schedule arbiter.
//
// Parameters:
//   - repo: Schedule persistence and run history
//   - dispatch: Command dispatcher
//   - admission: Coordination policy consulted before window-start dispatches
//   - overrides: Override manager, for window-end stack cancellation
//   - loc: Site timezone for wall-clock window evaluation
//   - logger: Logger instance (may be nil)
func NewArbiter(repo Repository, dispatch Dispatcher, admission AdmissionPolicy, overrides OverrideManager, loc *time.Location, logger Logger) *Arbiter {
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Arbiter{
		repo:      repo,
		dispatch:  dispatch,
		admission: admission,
		overrides: overrides,
		loc:       loc,
		logger:    logger,
	}
}

// ActiveAt returns the device's schedules whose windows cover t,
// recomputed from the repository.
func (a *Arbiter) ActiveAt(ctx context.Context, deviceID string, t time.Time) ([]Schedule, error) {
	schedules, err := a.repo.ListByDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	local := t.In(a.loc)
	var active []Schedule
	for _, s := range schedules {
		if s.ActiveAt(local) {
			active = append(active, s)
		}
	}
	return active, nil
}

// ActiveSpeedAt returns the winning schedule speed at t, with ok false
// when no window covers t. Satisfies the override manager's restore lookup.
func (a *Arbiter) ActiveSpeedAt(ctx context.Context, deviceID string, t time.Time) (int, bool, error) {
	active, err := a.ActiveAt(ctx, deviceID, t)
	if err != nil {
		return 0, false, err
	}
	w := winner(active)
	if w == nil {
		return 0, false, nil
	}
	return w.Speed, true, nil
}

// OnWindowStart handles a schedule's start boundary firing.
//
// The full active set is recomputed; the highest-speed window wins and the
// rest are recorded blocked. The winner's setSpeed goes through the
// coordination policy, so an active override blocks it (recorded
// blocked_by_override), to be picked up by the override's own restore.
func (a *Arbiter) OnWindowStart(ctx context.Context, scheduleID string) error {
	s, err := a.repo.GetByID(ctx, scheduleID)
	if err != nil {
		return err
	}

	now := time.Now()
	active, err := a.ActiveAt(ctx, s.DeviceID, now)
	if err != nil {
		return err
	}
	w := winner(active)
	if w == nil {
		// Boundary raced a CRUD change; nothing is active anymore.
		a.logger.Debug("window start with no active schedules",
			"schedule_id", scheduleID, "device_id", s.DeviceID)
		return nil
	}

	// Losers of the arbitration are history, not dispatches.
	for _, loser := range active {
		if loser.ID == w.ID {
			continue
		}
		a.recordRun(ctx, &Run{
			ScheduleID: loser.ID,
			DeviceID:   loser.DeviceID,
			Event:      EventWindowStart,
			Outcome:    OutcomeBlocked,
			Speed:      loser.Speed,
			Detail:     fmt.Sprintf("superseded by %s at speed %d", w.ID, w.Speed),
		})
	}

	decision, err := a.admission.Admit(ctx, w.DeviceID, command.SourceSchedule, command.ActionSetSpeed)
	if err != nil {
		return fmt.Errorf("admission check: %w", err)
	}
	if !decision.Admitted {
		a.logger.Info("schedule start blocked",
			"schedule_id", w.ID, "device_id", w.DeviceID, "reason", decision.Reason)
		a.recordRun(ctx, &Run{
			ScheduleID: w.ID,
			DeviceID:   w.DeviceID,
			Event:      EventWindowStart,
			Outcome:    OutcomeBlockedByOverride,
			Speed:      w.Speed,
			Detail:     decision.Reason,
		})
		return nil
	}

	a.dispatchAndRecord(ctx, w, EventWindowStart, command.ActionSetSpeed, w.Speed)
	return nil
}

// OnWindowEnd handles a schedule's end boundary firing.
//
// Window end always applies. Active overrides are cancelled outright with
// no restore, then the device switches to the highest-speed window still
// open, or turns off when none remain.
func (a *Arbiter) OnWindowEnd(ctx context.Context, scheduleID string) error {
	s, err := a.repo.GetByID(ctx, scheduleID)
	if err != nil {
		return err
	}
	return a.reconcileEnd(ctx, s, EventWindowEnd)
}

// Remove deletes a schedule. If the schedule is inside its window right
// now, the same reconciliation as a window end runs first, so the device
// is not left running an orphaned speed.
func (a *Arbiter) Remove(ctx context.Context, scheduleID string) error {
	s, err := a.repo.GetByID(ctx, scheduleID)
	if err != nil {
		return err
	}

	if s.ActiveAt(time.Now().In(a.loc)) {
		if err := a.reconcileEnd(ctx, s, EventRemoved); err != nil {
			return err
		}
	} else {
		a.recordRun(ctx, &Run{
			ScheduleID: s.ID,
			DeviceID:   s.DeviceID,
			Event:      EventRemoved,
			Outcome:    OutcomeDispatched,
			Speed:      s.Speed,
			Detail:     "removed outside window",
		})
	}

	return a.repo.Delete(ctx, scheduleID)
}

// reconcileEnd performs end-of-window reconciliation for s.
func (a *Arbiter) reconcileEnd(ctx context.Context, s *Schedule, event string) error {
	hasOverrides, err := a.overrides.HasActive(ctx, s.DeviceID)
	if err != nil {
		return fmt.Errorf("checking overrides: %w", err)
	}

	if hasOverrides {
		// Window end trumps the stack: cancel everything, no restores,
		// then turn off. The device goes quiet regardless of what the
		// overrides wanted.
		n, err := a.overrides.CancelAll(ctx, s.DeviceID)
		if err != nil {
			return fmt.Errorf("cancelling overrides: %w", err)
		}
		a.logger.Info("window end cancelled override stack",
			"schedule_id", s.ID, "device_id", s.DeviceID, "cancelled", n)

		a.dispatchAndRecord(ctx, s, event, command.ActionTurnOff, 0)
		return nil
	}

	// No overrides: hand over to whichever window is still open.
	active, err := a.ActiveAt(ctx, s.DeviceID, time.Now())
	if err != nil {
		return err
	}
	remaining := withoutSchedule(active, s.ID)

	if w := winner(remaining); w != nil {
		a.dispatchAndRecord(ctx, s, event, command.ActionSetSpeed, w.Speed)
		return nil
	}

	a.dispatchAndRecord(ctx, s, event, command.ActionTurnOff, 0)
	return nil
}

// dispatchAndRecord sends a schedule-sourced command and appends the
// matching history row. Dispatch outcomes never propagate as errors;
// a device that is off the network is routine, not exceptional.
func (a *Arbiter) dispatchAndRecord(ctx context.Context, s *Schedule, event string, action command.Action, speed int) {
	result, err := a.dispatch.Send(ctx, s.DeviceID, action, speed, command.SourceSchedule)

	run := &Run{
		ScheduleID: s.ID,
		DeviceID:   s.DeviceID,
		Event:      event,
		Speed:      speed,
	}

	if result != nil {
		run.Attempts = result.Attempts
	}

	switch {
	case err != nil:
		run.Outcome = OutcomeFailed
		run.Detail = err.Error()
		a.logger.Error("schedule dispatch failed",
			"schedule_id", s.ID, "device_id", s.DeviceID, "action", action, "error", err)
	case result.Status != command.StatusAcknowledged:
		run.Outcome = OutcomeFailed
		run.Detail = fmt.Sprintf("%s after %d attempts", result.Status, result.Attempts)
		a.logger.Warn("schedule dispatch not acknowledged",
			"schedule_id", s.ID, "device_id", s.DeviceID, "action", action, "status", result.Status)
	default:
		run.Outcome = OutcomeDispatched
		a.logger.Info("schedule dispatched",
			"schedule_id", s.ID, "device_id", s.DeviceID, "action", action, "speed", speed)
	}

	a.recordRun(ctx, run)
}

// recordRun appends history; failures are logged, never fatal.
func (a *Arbiter) recordRun(ctx context.Context, run *Run) {
	if err := a.repo.RecordRun(ctx, run); err != nil {
		a.logger.Error("recording schedule run failed",
			"schedule_id", run.ScheduleID, "event", run.Event, "error", err)
	}
}

// winner picks the highest-speed schedule; ties go to the earliest created.
func winner(schedules []Schedule) *Schedule {
	var best *Schedule
	for i := range schedules {
		s := &schedules[i]
		switch {
		case best == nil:
			best = s
		case s.Speed > best.Speed:
			best = s
		case s.Speed == best.Speed && s.CreatedAt.Before(best.CreatedAt):
			best = s
		}
	}
	return best
}

func withoutSchedule(schedules []Schedule, id string) []Schedule {
	var out []Schedule
	for _, s := range schedules {
		if s.ID != id {
			out = append(out, s)
		}
	}
	return out
}
