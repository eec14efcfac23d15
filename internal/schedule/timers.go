package schedule

import (
	"context"
	"sync"
	"time"
)

// boundaryTimeout bounds the work done when a window boundary fires.
// It must cover a full dispatcher retry cycle.
const boundaryTimeout = 3 * time.Minute

// searchHorizonDays is how far ahead nextBoundary looks for a matching
// day. Eight days covers every weekly pattern from any starting instant.
const searchHorizonDays = 8

// Timers arms wall-clock timers for schedule window boundaries.
//
// Each enabled schedule gets one goroutine that sleeps until the next
// start or end boundary in the site timezone, fires the arbiter, and
// re-arms for the boundary after that. Computing boundaries from the
// wall clock on every cycle keeps schedules correct across DST changes;
// a fixed tick interval would drift.
//
// Reload after any schedule CRUD so the timer set matches the table.
type Timers struct {
	repo    Repository
	arbiter *Arbiter
	loc     *time.Location
	logger  Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
	ctx     context.Context
}

// NewTimers creates the boundary timer runner.
func NewTimers(repo Repository, arbiter *Arbiter, loc *time.Location, logger Logger) *Timers {
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Timers{
		repo:    repo,
		arbiter: arbiter,
		loc:     loc,
		logger:  logger,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Start loads all schedules and arms their boundary timers. The given
// context bounds every timer goroutine; cancelling it stops them all.
func (t *Timers) Start(ctx context.Context) error {
	t.mu.Lock()
	t.ctx = ctx
	t.mu.Unlock()
	return t.Reload(ctx)
}

// Reload re-arms timers to match the current schedules table.
// Call after every schedule create, update, or delete.
func (t *Timers) Reload(ctx context.Context) error {
	schedules, err := t.repo.List(ctx)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Stop everything and respawn. Boundary timers are cheap and CRUD is
	// rare; diffing the set is not worth the bookkeeping.
	for id, cancel := range t.cancels {
		cancel()
		delete(t.cancels, id)
	}

	armed := 0
	for _, s := range schedules {
		if !s.Enabled {
			continue
		}
		runCtx, cancel := context.WithCancel(t.ctx)
		t.cancels[s.ID] = cancel
		t.wg.Add(1)
		go t.runLoop(runCtx, s)
		armed++
	}

	t.logger.Info("schedule timers armed", "count", armed)
	return nil
}

// Wait blocks until all timer goroutines have exited. Call after the
// root context is cancelled during shutdown.
func (t *Timers) Wait() {
	t.wg.Wait()
}

// runLoop sleeps until s's next boundary, fires it, and repeats.
func (t *Timers) runLoop(ctx context.Context, s Schedule) {
	defer t.wg.Done()

	for {
		now := time.Now().In(t.loc)
		startAt, startOK := nextBoundary(&s, now, s.StartTime)
		endAt, endOK := nextBoundary(&s, now, s.EndTime)
		if !startOK && !endOK {
			t.logger.Warn("schedule has no computable boundary", "schedule_id", s.ID)
			return
		}

		// Fire whichever boundary comes first.
		fireAt, isStart := startAt, true
		if !startOK || (endOK && endAt.Before(startAt)) {
			fireAt, isStart = endAt, false
		}

		timer := time.NewTimer(time.Until(fireAt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		t.fire(s.ID, isStart)
	}
}

// fire invokes the arbiter for one boundary.
func (t *Timers) fire(scheduleID string, isStart bool) {
	ctx, cancel := context.WithTimeout(context.Background(), boundaryTimeout)
	defer cancel()

	var err error
	if isStart {
		err = t.arbiter.OnWindowStart(ctx, scheduleID)
	} else {
		err = t.arbiter.OnWindowEnd(ctx, scheduleID)
	}
	if err != nil {
		t.logger.Error("schedule boundary failed",
			"schedule_id", scheduleID, "start", isStart, "error", err)
	}
}

// nextBoundary returns the next instant, strictly after now, at which the
// schedule reaches the given "HH:MM" clock on one of its days.
func nextBoundary(s *Schedule, now time.Time, clock string) (time.Time, bool) {
	minutes, err := parseClock(clock)
	if err != nil {
		return time.Time{}, false
	}

	for offset := 0; offset < searchHorizonDays; offset++ {
		day := now.AddDate(0, 0, offset)
		if !s.runsOn(DayOf(day)) {
			continue
		}
		candidate := time.Date(day.Year(), day.Month(), day.Day(),
			minutes/60, minutes%60, 0, 0, now.Location())
		if candidate.After(now) {
			return candidate, true
		}
	}
	return time.Time{}, false
}
