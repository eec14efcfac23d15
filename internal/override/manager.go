package override

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aerolink/purifier-core/internal/command"
	"github.com/aerolink/purifier-core/internal/device"
)

// Dispatcher is the interface the manager needs from the command package.
type Dispatcher interface {
	Send(ctx context.Context, deviceID string, action command.Action, speed int, source command.Source) (*command.Result, error)

	// RetryBudget reports the worst-case duration of a single Send.
	RetryBudget() time.Duration
}

// DeviceRegistry provides the device state snapshotted when an override starts.
type DeviceRegistry interface {
	Get(ctx context.Context, id string) (*device.DeviceState, error)
}

// ScheduleSource answers what speed, if any, the schedule layer wants a
// device running at right now. Consulted during post-override restore.
type ScheduleSource interface {
	// ActiveSpeedAt returns the winning schedule speed at t, with ok false
	// when no schedule window covers t.
	ActiveSpeedAt(ctx context.Context, deviceID string, t time.Time) (speed int, ok bool, err error)
}

// Logger defines the logging interface used by the Manager.
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

// expiryGrace covers the database work around the restore dispatch when an
// override ends from its own expiry timer. The dispatch itself is budgeted
// separately, from the dispatcher's retry parameters.
const expiryGrace = 30 * time.Second

// Manager runs the pre-clean override stack.
//
// Overrides nest: starting a second override on a device pushes it onto
// the stack, and each override ending restores the next layer down. The
// layers, oldest to newest, are: the device's pre-override snapshot, then
// any still-active overrides in start order. Ending the newest override
// reveals the one below it; ending the last one restores the schedule's
// current wish, or the snapshot when no window is open.
//
// Every terminal transition goes through the repository's conditional
// update, so a timer expiry racing a manual cancel resolves to exactly
// one restore.
//
// Thread Safety: all public methods are safe for concurrent use.
type Manager struct {
	repo      Repository
	devices   DeviceRegistry
	dispatch  Dispatcher
	schedules ScheduleSource
	logger    Logger

	// timers maps override ID to its armed expiry timer.
	timers   map[string]*time.Timer
	timersMu sync.Mutex
}

// NewManager creates an override manager.
//
// schedules may be nil early in wiring; set it with SetScheduleSource
// before the first override ends.
func NewManager(repo Repository, devices DeviceRegistry, dispatch Dispatcher, logger Logger) *Manager {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Manager{
		repo:     repo,
		devices:  devices,
		dispatch: dispatch,
		logger:   logger,
		timers:   make(map[string]*time.Timer),
	}
}

// SetScheduleSource wires the schedule layer used for restore decisions.
// The override manager and schedule arbiter reference each other, so one
// side is attached after construction.
func (m *Manager) SetScheduleSource(schedules ScheduleSource) {
	m.schedules = schedules
}

// Start begins a pre-clean override on a device.
//
// The device's current speed and power are snapshotted, the override is
// persisted active, the target speed is dispatched, and an expiry timer is
// armed for the duration. A dispatch timeout does not fail the Start: the
// override is active and the retry already happened inside the dispatcher.
//
// Parameters:
//   - ctx: Context for cancellation
//   - deviceID: Target purifier
//   - mode: off, low_auto, manual, or boost
//   - duration: How long the override runs before auto-restore
//   - manualSpeed: Fan speed for ModeManual; ignored for other modes
func (m *Manager) Start(ctx context.Context, deviceID string, mode Mode, duration time.Duration, manualSpeed int) (*Override, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	if duration <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDuration, duration)
	}
	if mode == ModeManual && !device.ValidSpeed(manualSpeed) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSpeed, manualSpeed)
	}

	state, err := m.devices.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	snapshotSource := "ambient"
	if m.schedules != nil {
		if _, ok, err := m.schedules.ActiveSpeedAt(ctx, deviceID, time.Now()); err == nil && ok {
			snapshotSource = "schedule"
		}
	}

	now := time.Now().UTC()
	o := &Override{
		ID:             NewID(),
		DeviceID:       deviceID,
		Mode:           mode,
		TargetSpeed:    mode.TargetSpeed(manualSpeed),
		PreviousSpeed:  state.Speed,
		PreviousPower:  state.PowerOn,
		SnapshotSource: snapshotSource,
		Status:         StatusActive,
		StartedAt:      now,
		ScheduledEndAt: now.Add(duration),
	}

	if err := m.repo.Create(ctx, o); err != nil {
		return nil, err
	}

	m.logger.Info("override started",
		"override_id", o.ID, "device_id", deviceID, "mode", mode,
		"target_speed", o.TargetSpeed, "duration", duration,
		"snapshot_speed", o.PreviousSpeed, "snapshot_power", o.PreviousPower)

	result, err := m.dispatchSpeed(ctx, deviceID, o.TargetSpeed, command.SourceOverride)
	if err != nil {
		m.logger.Error("override dispatch failed",
			"override_id", o.ID, "device_id", deviceID, "error", err)
	} else if result.Status != command.StatusAcknowledged {
		m.logger.Warn("override dispatch not acknowledged",
			"override_id", o.ID, "device_id", deviceID, "status", result.Status)
	}

	m.armTimer(o.ID, duration)
	return o, nil
}

// Cancel ends the device's most recent active override and restores the
// layer beneath it. Returns ErrNoActiveOverride when the stack is empty.
func (m *Manager) Cancel(ctx context.Context, deviceID string) (*Override, error) {
	active, err := m.repo.ActiveForDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, ErrNoActiveOverride
	}

	top := active[0]
	if err := m.end(ctx, &top, StatusCancelled); err != nil {
		return nil, err
	}
	return &top, nil
}

// CancelAll terminally cancels every active override on a device with no
// restore dispatch. Used by schedule window-end, which always follows with
// its own turnOff; restoring here would fight it.
func (m *Manager) CancelAll(ctx context.Context, deviceID string) (int, error) {
	active, err := m.repo.ActiveForDevice(ctx, deviceID)
	if err != nil {
		return 0, err
	}

	cancelled := 0
	now := time.Now().UTC()
	for i := range active {
		o := &active[i]
		if err := m.repo.MarkTerminal(ctx, o.ID, StatusCancelled, now); err != nil {
			if errors.Is(err, ErrNotActive) {
				continue // lost the race to its own expiry timer
			}
			return cancelled, err
		}
		m.stopTimer(o.ID)
		cancelled++
		m.logger.Info("override cancelled without restore",
			"override_id", o.ID, "device_id", deviceID)
	}

	return cancelled, nil
}

// ActiveForDevice returns the device's active overrides, newest first.
func (m *Manager) ActiveForDevice(ctx context.Context, deviceID string) ([]Override, error) {
	return m.repo.ActiveForDevice(ctx, deviceID)
}

// HasActive reports whether the device has at least one active override.
// Satisfies the coordination policy's override check.
func (m *Manager) HasActive(ctx context.Context, deviceID string) (bool, error) {
	return m.repo.HasActive(ctx, deviceID)
}

// Rearm reconciles persisted overrides against the clock after a restart.
//
// Overrides whose scheduled end is already past are completed through the
// normal restore path; the rest get expiry timers for their remaining
// duration.
func (m *Manager) Rearm(ctx context.Context) error {
	active, err := m.repo.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("loading active overrides: %w", err)
	}

	now := time.Now().UTC()
	rearmed, expired := 0, 0
	for i := range active {
		o := active[i]
		if remaining := o.Remaining(now); remaining > 0 {
			m.armTimer(o.ID, remaining)
			rearmed++
			continue
		}

		if err := m.end(ctx, &o, StatusCompleted); err != nil && !errors.Is(err, ErrNotActive) {
			m.logger.Error("expiring overdue override on startup",
				"override_id", o.ID, "device_id", o.DeviceID, "error", err)
			continue
		}
		expired++
	}

	if rearmed > 0 || expired > 0 {
		m.logger.Info("override timers rearmed", "rearmed", rearmed, "expired", expired)
	}
	return nil
}

// Close stops all armed expiry timers. Persisted state is untouched;
// Rearm picks the overrides back up on the next start.
func (m *Manager) Close() {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	for id, timer := range m.timers {
		timer.Stop()
		delete(m.timers, id)
	}
}

// expire is the timer callback for an override reaching its scheduled end.
// Its context must outlast a full restore dispatch retry cycle, or a slow
// device gets its restore cancelled mid-flight and stays at the expired
// override's speed.
func (m *Manager) expire(overrideID string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.dispatch.RetryBudget()+expiryGrace)
	defer cancel()

	o, err := m.repo.GetByID(ctx, overrideID)
	if err != nil {
		m.logger.Error("loading override for expiry", "override_id", overrideID, "error", err)
		return
	}

	if err := m.end(ctx, o, StatusCompleted); err != nil {
		if errors.Is(err, ErrNotActive) {
			return // cancelled first
		}
		m.logger.Error("completing expired override",
			"override_id", overrideID, "device_id", o.DeviceID, "error", err)
	}
}

// end performs the single terminal transition plus restore.
func (m *Manager) end(ctx context.Context, o *Override, status Status) error {
	if err := m.repo.MarkTerminal(ctx, o.ID, status, time.Now().UTC()); err != nil {
		return err
	}
	m.stopTimer(o.ID)

	m.logger.Info("override ended",
		"override_id", o.ID, "device_id", o.DeviceID, "status", status)

	m.restore(ctx, o)
	return nil
}

// restore dispatches whatever should control the device now that o ended:
// the next override down the stack, else the schedule's current wish, else
// o's own snapshot.
func (m *Manager) restore(ctx context.Context, o *Override) {
	speed, reason := m.restoreTarget(ctx, o)

	result, err := m.dispatchSpeed(ctx, o.DeviceID, speed, command.SourceRestore)
	if err != nil {
		m.logger.Error("restore dispatch failed",
			"override_id", o.ID, "device_id", o.DeviceID, "target", reason, "error", err)
		return
	}
	if result.Status != command.StatusAcknowledged {
		m.logger.Warn("restore dispatch not acknowledged",
			"override_id", o.ID, "device_id", o.DeviceID, "target", reason, "status", result.Status)
		return
	}

	m.logger.Info("device restored",
		"override_id", o.ID, "device_id", o.DeviceID, "target", reason, "speed", speed)
}

func (m *Manager) restoreTarget(ctx context.Context, o *Override) (speed int, reason string) {
	// Next layer down the stack
	remaining, err := m.repo.ActiveForDevice(ctx, o.DeviceID)
	if err != nil {
		m.logger.Error("loading override stack for restore",
			"override_id", o.ID, "device_id", o.DeviceID, "error", err)
	} else if len(remaining) > 0 {
		return remaining[0].TargetSpeed, "override " + remaining[0].ID
	}

	// Schedule's current wish
	if m.schedules != nil {
		if s, ok, err := m.schedules.ActiveSpeedAt(ctx, o.DeviceID, time.Now()); err != nil {
			m.logger.Error("checking schedules for restore",
				"override_id", o.ID, "device_id", o.DeviceID, "error", err)
		} else if ok {
			return s, "schedule"
		}
	}

	// The override's own snapshot
	if o.PreviousPower && o.PreviousSpeed > 0 {
		return o.PreviousSpeed, "snapshot"
	}
	return 0, "snapshot"
}

// dispatchSpeed sends setSpeed, or turnOff when the target speed is zero.
func (m *Manager) dispatchSpeed(ctx context.Context, deviceID string, speed int, source command.Source) (*command.Result, error) {
	if speed == 0 {
		return m.dispatch.Send(ctx, deviceID, command.ActionTurnOff, 0, source)
	}
	return m.dispatch.Send(ctx, deviceID, command.ActionSetSpeed, speed, source)
}

func (m *Manager) armTimer(overrideID string, d time.Duration) {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	if existing, ok := m.timers[overrideID]; ok {
		existing.Stop()
	}
	m.timers[overrideID] = time.AfterFunc(d, func() {
		m.expire(overrideID)
	})
}

func (m *Manager) stopTimer(overrideID string) {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	if timer, ok := m.timers[overrideID]; ok {
		timer.Stop()
		delete(m.timers, overrideID)
	}
}
