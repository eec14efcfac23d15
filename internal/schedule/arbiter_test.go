package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aerolink/purifier-core/internal/command"
	"github.com/aerolink/purifier-core/internal/policy"
)

// ─── Mocks ───────────────────────────────────────────────────────────────────

// memRepo is an in-memory Repository.
type memRepo struct {
	mu        sync.Mutex
	schedules map[string]*Schedule
	runs      []Run
}

func newMemRepo() *memRepo {
	return &memRepo{schedules: make(map[string]*Schedule)}
}

func (m *memRepo) Create(_ context.Context, s *Schedule) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if s.ID == "" {
		s.ID = NewID()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cpy := *s
	m.schedules[s.ID] = &cpy
	return nil
}

func (m *memRepo) GetByID(_ context.Context, id string) (*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, ErrScheduleNotFound
	}
	cpy := *s
	return &cpy, nil
}

func (m *memRepo) Update(_ context.Context, s *Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[s.ID]; !ok {
		return ErrScheduleNotFound
	}
	cpy := *s
	m.schedules[s.ID] = &cpy
	return nil
}

func (m *memRepo) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return ErrScheduleNotFound
	}
	delete(m.schedules, id)
	return nil
}

func (m *memRepo) List(_ context.Context) ([]Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Schedule
	for _, s := range m.schedules {
		out = append(out, *s)
	}
	return out, nil
}

func (m *memRepo) ListByDevice(_ context.Context, deviceID string) ([]Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Schedule
	for _, s := range m.schedules {
		if s.DeviceID == deviceID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *memRepo) RecordRun(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run.OccurredAt.IsZero() {
		run.OccurredAt = time.Now().UTC()
	}
	m.runs = append(m.runs, *run)
	return nil
}

func (m *memRepo) ListRuns(_ context.Context, scheduleID string, _ int) ([]Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Run
	for _, r := range m.runs {
		if r.ScheduleID == scheduleID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memRepo) allRuns() []Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Run(nil), m.runs...)
}

// mockDispatcher records every Send.
type mockDispatcher struct {
	mu    sync.Mutex
	sends []sentCommand
}

type sentCommand struct {
	deviceID string
	action   command.Action
	speed    int
	source   command.Source
}

func (m *mockDispatcher) Send(_ context.Context, deviceID string, action command.Action, speed int, source command.Source) (*command.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sends = append(m.sends, sentCommand{deviceID, action, speed, source})
	return &command.Result{Status: command.StatusAcknowledged, Attempts: 1}, nil
}

func (m *mockDispatcher) sent() []sentCommand {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentCommand(nil), m.sends...)
}

// mockOverrides implements OverrideManager and policy.OverrideChecker.
type mockOverrides struct {
	mu         sync.Mutex
	active     bool
	cancelAlls int
}

func (m *mockOverrides) HasActive(context.Context, string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active, nil
}

func (m *mockOverrides) CancelAll(context.Context, string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelAlls++
	cancelled := 0
	if m.active {
		cancelled = 1
		m.active = false
	}
	return cancelled, nil
}

func newTestArbiter(t *testing.T, overrides *mockOverrides) (*Arbiter, *memRepo, *mockDispatcher) {
	t.Helper()
	repo := newMemRepo()
	dispatch := &mockDispatcher{}
	arbiter := NewArbiter(repo, dispatch, policy.New(overrides), overrides, time.UTC, nil)
	return arbiter, repo, dispatch
}

// allDayWindow returns a schedule active right now on every day, so tests
// do not depend on when they run.
func allDayWindow(id, deviceID string, speed int, createdAt time.Time) *Schedule {
	return &Schedule{
		ID:        id,
		DeviceID:  deviceID,
		Days:      []Day{DayMon, DayTue, DayWed, DayThu, DayFri, DaySat, DaySun},
		StartTime: "00:00",
		EndTime:   "23:59",
		Speed:     speed,
		Enabled:   true,
		CreatedAt: createdAt,
	}
}

// =============================================================================
// Window Start Tests
// =============================================================================

func TestOnWindowStartDispatchesWinner(t *testing.T) {
	overrides := &mockOverrides{}
	arbiter, repo, dispatch := newTestArbiter(t, overrides)
	ctx := context.Background()

	s := allDayWindow("sch-1", "purifier-1", 3, time.Now().UTC())
	if err := repo.Create(ctx, s); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := arbiter.OnWindowStart(ctx, "sch-1"); err != nil {
		t.Fatalf("OnWindowStart() error = %v", err)
	}

	sends := dispatch.sent()
	if len(sends) != 1 {
		t.Fatalf("dispatches = %d, want 1", len(sends))
	}
	if sends[0].action != command.ActionSetSpeed || sends[0].speed != 3 || sends[0].source != command.SourceSchedule {
		t.Errorf("dispatch = %+v", sends[0])
	}

	runs, _ := repo.ListRuns(ctx, "sch-1", 10)
	if len(runs) != 1 || runs[0].Outcome != OutcomeDispatched || runs[0].Event != EventWindowStart {
		t.Errorf("runs = %+v", runs)
	}
	if runs[0].Attempts != 1 {
		t.Errorf("run Attempts = %d, want 1", runs[0].Attempts)
	}
}

func TestOnWindowStartHighestSpeedWins(t *testing.T) {
	overrides := &mockOverrides{}
	arbiter, repo, dispatch := newTestArbiter(t, overrides)
	ctx := context.Background()

	base := time.Now().UTC()
	low := allDayWindow("sch-low", "purifier-1", 2, base)
	high := allDayWindow("sch-high", "purifier-1", 4, base.Add(time.Minute))
	for _, s := range []*Schedule{low, high} {
		if err := repo.Create(ctx, s); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	// The LOW schedule's boundary fires, but the high one still wins:
	// arbitration recomputes the whole active set.
	if err := arbiter.OnWindowStart(ctx, "sch-low"); err != nil {
		t.Fatalf("OnWindowStart() error = %v", err)
	}

	sends := dispatch.sent()
	if len(sends) != 1 || sends[0].speed != 4 {
		t.Fatalf("dispatch = %+v, want setSpeed 4", sends)
	}

	// Loser recorded blocked
	lowRuns, _ := repo.ListRuns(ctx, "sch-low", 10)
	if len(lowRuns) != 1 || lowRuns[0].Outcome != OutcomeBlocked {
		t.Errorf("low runs = %+v, want blocked", lowRuns)
	}
	highRuns, _ := repo.ListRuns(ctx, "sch-high", 10)
	if len(highRuns) != 1 || highRuns[0].Outcome != OutcomeDispatched {
		t.Errorf("high runs = %+v, want dispatched", highRuns)
	}
}

func TestOnWindowStartEqualSpeedTieBreak(t *testing.T) {
	overrides := &mockOverrides{}
	arbiter, repo, dispatch := newTestArbiter(t, overrides)
	ctx := context.Background()

	base := time.Now().UTC()
	older := allDayWindow("sch-older", "purifier-1", 3, base.Add(-time.Hour))
	newer := allDayWindow("sch-newer", "purifier-1", 3, base)
	for _, s := range []*Schedule{newer, older} {
		if err := repo.Create(ctx, s); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	if err := arbiter.OnWindowStart(ctx, "sch-newer"); err != nil {
		t.Fatalf("OnWindowStart() error = %v", err)
	}

	// Earliest created wins the tie
	olderRuns, _ := repo.ListRuns(ctx, "sch-older", 10)
	if len(olderRuns) != 1 || olderRuns[0].Outcome != OutcomeDispatched {
		t.Errorf("older runs = %+v, want dispatched", olderRuns)
	}
	newerRuns, _ := repo.ListRuns(ctx, "sch-newer", 10)
	if len(newerRuns) != 1 || newerRuns[0].Outcome != OutcomeBlocked {
		t.Errorf("newer runs = %+v, want blocked", newerRuns)
	}
	if len(dispatch.sent()) != 1 {
		t.Errorf("dispatches = %d, want 1", len(dispatch.sent()))
	}
}

func TestOnWindowStartBlockedByOverride(t *testing.T) {
	overrides := &mockOverrides{active: true}
	arbiter, repo, dispatch := newTestArbiter(t, overrides)
	ctx := context.Background()

	s := allDayWindow("sch-1", "purifier-1", 3, time.Now().UTC())
	if err := repo.Create(ctx, s); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := arbiter.OnWindowStart(ctx, "sch-1"); err != nil {
		t.Fatalf("OnWindowStart() error = %v", err)
	}

	if len(dispatch.sent()) != 0 {
		t.Errorf("dispatches = %d, want 0 (blocked)", len(dispatch.sent()))
	}
	runs, _ := repo.ListRuns(ctx, "sch-1", 10)
	if len(runs) != 1 || runs[0].Outcome != OutcomeBlockedByOverride {
		t.Errorf("runs = %+v, want blocked_by_override", runs)
	}
}

// =============================================================================
// Window End Tests
// =============================================================================

func TestOnWindowEndCancelsOverridesAndTurnsOff(t *testing.T) {
	overrides := &mockOverrides{active: true}
	arbiter, repo, dispatch := newTestArbiter(t, overrides)
	ctx := context.Background()

	s := allDayWindow("sch-1", "purifier-1", 3, time.Now().UTC())
	if err := repo.Create(ctx, s); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := arbiter.OnWindowEnd(ctx, "sch-1"); err != nil {
		t.Fatalf("OnWindowEnd() error = %v", err)
	}

	overrides.mu.Lock()
	cancelAlls := overrides.cancelAlls
	overrides.mu.Unlock()
	if cancelAlls != 1 {
		t.Errorf("CancelAll calls = %d, want 1", cancelAlls)
	}

	sends := dispatch.sent()
	if len(sends) != 1 || sends[0].action != command.ActionTurnOff {
		t.Fatalf("dispatch = %+v, want turnOff", sends)
	}
	if sends[0].source != command.SourceSchedule {
		t.Errorf("source = %s, want schedule", sends[0].source)
	}
}

func TestOnWindowEndHandsOverToRemainingWindow(t *testing.T) {
	overrides := &mockOverrides{}
	arbiter, repo, dispatch := newTestArbiter(t, overrides)
	ctx := context.Background()

	base := time.Now().UTC()
	ending := allDayWindow("sch-ending", "purifier-1", 5, base)
	remaining := allDayWindow("sch-remaining", "purifier-1", 2, base)
	for _, s := range []*Schedule{ending, remaining} {
		if err := repo.Create(ctx, s); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	if err := arbiter.OnWindowEnd(ctx, "sch-ending"); err != nil {
		t.Fatalf("OnWindowEnd() error = %v", err)
	}

	sends := dispatch.sent()
	if len(sends) != 1 || sends[0].action != command.ActionSetSpeed || sends[0].speed != 2 {
		t.Errorf("dispatch = %+v, want setSpeed 2 (remaining window)", sends)
	}
}

func TestOnWindowEndNoRemainingTurnsOff(t *testing.T) {
	overrides := &mockOverrides{}
	arbiter, repo, dispatch := newTestArbiter(t, overrides)
	ctx := context.Background()

	s := allDayWindow("sch-1", "purifier-1", 3, time.Now().UTC())
	if err := repo.Create(ctx, s); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := arbiter.OnWindowEnd(ctx, "sch-1"); err != nil {
		t.Fatalf("OnWindowEnd() error = %v", err)
	}

	sends := dispatch.sent()
	if len(sends) != 1 || sends[0].action != command.ActionTurnOff {
		t.Errorf("dispatch = %+v, want turnOff", sends)
	}
}

// =============================================================================
// Remove Tests
// =============================================================================

func TestRemoveInsideWindowReconciles(t *testing.T) {
	overrides := &mockOverrides{}
	arbiter, repo, dispatch := newTestArbiter(t, overrides)
	ctx := context.Background()

	s := allDayWindow("sch-1", "purifier-1", 3, time.Now().UTC())
	if err := repo.Create(ctx, s); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := arbiter.Remove(ctx, "sch-1"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	// Reconciled like a window end before deletion
	sends := dispatch.sent()
	if len(sends) != 1 || sends[0].action != command.ActionTurnOff {
		t.Errorf("dispatch = %+v, want turnOff", sends)
	}
	if _, err := repo.GetByID(ctx, "sch-1"); err != ErrScheduleNotFound {
		t.Errorf("schedule still present after Remove: %v", err)
	}

	runs := repo.allRuns()
	if len(runs) != 1 || runs[0].Event != EventRemoved {
		t.Errorf("runs = %+v, want one removed event", runs)
	}
}

func TestRemoveOutsideWindowJustDeletes(t *testing.T) {
	overrides := &mockOverrides{}
	arbiter, repo, dispatch := newTestArbiter(t, overrides)
	ctx := context.Background()

	s := allDayWindow("sch-1", "purifier-1", 3, time.Now().UTC())
	s.Enabled = false // never active
	if err := repo.Create(ctx, s); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := arbiter.Remove(ctx, "sch-1"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	if len(dispatch.sent()) != 0 {
		t.Errorf("dispatches = %d, want 0", len(dispatch.sent()))
	}
	if _, err := repo.GetByID(ctx, "sch-1"); err != ErrScheduleNotFound {
		t.Errorf("schedule still present after Remove: %v", err)
	}
}

// =============================================================================
// ActiveSpeedAt Tests
// =============================================================================

func TestActiveSpeedAt(t *testing.T) {
	overrides := &mockOverrides{}
	arbiter, repo, _ := newTestArbiter(t, overrides)
	ctx := context.Background()

	speed, ok, err := arbiter.ActiveSpeedAt(ctx, "purifier-1", time.Now())
	if err != nil {
		t.Fatalf("ActiveSpeedAt() error = %v", err)
	}
	if ok {
		t.Errorf("ActiveSpeedAt() ok = true with no schedules, speed %d", speed)
	}

	base := time.Now().UTC()
	for _, s := range []*Schedule{
		allDayWindow("sch-a", "purifier-1", 2, base),
		allDayWindow("sch-b", "purifier-1", 4, base),
	} {
		if err := repo.Create(ctx, s); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	speed, ok, err = arbiter.ActiveSpeedAt(ctx, "purifier-1", time.Now())
	if err != nil {
		t.Fatalf("ActiveSpeedAt() error = %v", err)
	}
	if !ok || speed != 4 {
		t.Errorf("ActiveSpeedAt() = %d/%v, want 4/true", speed, ok)
	}
}
