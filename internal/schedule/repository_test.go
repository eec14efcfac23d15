package schedule

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// setupTestDB creates an in-memory SQLite database with the schedule tables.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	schema := `
		CREATE TABLE schedules (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			days TEXT NOT NULL,
			start_time TEXT NOT NULL,
			end_time TEXT NOT NULL,
			speed INTEGER NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE TABLE schedule_runs (
			id TEXT PRIMARY KEY,
			schedule_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			event TEXT NOT NULL,
			outcome TEXT NOT NULL,
			speed INTEGER NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			detail TEXT,
			occurred_at TEXT NOT NULL
		);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		t.Fatalf("failed to create test schema: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

// =============================================================================
// CRUD Tests
// =============================================================================

func TestCreateAndGetByID(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	s := validSchedule()
	s.ID = ""
	if err := repo.Create(ctx, s); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if s.ID == "" {
		t.Fatal("Create() did not assign an ID")
	}

	got, err := repo.GetByID(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.DeviceID != "purifier-1" || got.Speed != 3 {
		t.Errorf("schedule = %+v", got)
	}
	if len(got.Days) != 3 || got.Days[0] != DayMon || got.Days[2] != DayFri {
		t.Errorf("Days = %v, want [mon wed fri]", got.Days)
	}
	if got.StartTime != "09:00" || got.EndTime != "17:00" {
		t.Errorf("window = %s-%s", got.StartTime, got.EndTime)
	}
	if !got.Enabled {
		t.Error("Enabled = false")
	}
}

func TestCreateOrdersSubSecondCreations(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	// Two schedules created back to back land in the same wall-clock
	// second; the stored created_at must still order them, because the
	// arbiter breaks equal-speed ties on creation time.
	first := validSchedule()
	first.ID = ""
	second := validSchedule()
	second.ID = ""
	for _, s := range []*Schedule{first, second} {
		if err := repo.Create(ctx, s); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	gotFirst, err := repo.GetByID(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	gotSecond, err := repo.GetByID(ctx, second.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if !gotSecond.CreatedAt.After(gotFirst.CreatedAt) {
		t.Errorf("CreatedAt order lost: first %s, second %s",
			gotFirst.CreatedAt.Format(time.RFC3339Nano),
			gotSecond.CreatedAt.Format(time.RFC3339Nano))
	}
}

func TestCreateRejectsInvalid(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))

	s := validSchedule()
	s.Speed = 0
	if err := repo.Create(context.Background(), s); !errors.Is(err, ErrInvalidSpeed) {
		t.Errorf("Create() error = %v, want ErrInvalidSpeed", err)
	}
}

func TestUpdate(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	s := validSchedule()
	if err := repo.Create(ctx, s); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	s.Speed = 5
	s.Enabled = false
	if err := repo.Update(ctx, s); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, _ := repo.GetByID(ctx, s.ID)
	if got.Speed != 5 || got.Enabled {
		t.Errorf("after update: speed %d enabled %v", got.Speed, got.Enabled)
	}
}

func TestUpdateNotFound(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))

	s := validSchedule()
	s.ID = "sch-missing"
	if err := repo.Update(context.Background(), s); !errors.Is(err, ErrScheduleNotFound) {
		t.Errorf("Update() error = %v, want ErrScheduleNotFound", err)
	}
}

func TestDelete(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	s := validSchedule()
	if err := repo.Create(ctx, s); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := repo.Delete(ctx, s.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := repo.GetByID(ctx, s.ID); !errors.Is(err, ErrScheduleNotFound) {
		t.Errorf("GetByID() after delete = %v, want ErrScheduleNotFound", err)
	}
	if err := repo.Delete(ctx, s.ID); !errors.Is(err, ErrScheduleNotFound) {
		t.Errorf("Delete() missing = %v, want ErrScheduleNotFound", err)
	}
}

func TestListByDevice(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	a := validSchedule()
	a.ID = "sch-a"
	b := validSchedule()
	b.ID = "sch-b"
	b.DeviceID = "purifier-2"

	for _, s := range []*Schedule{a, b} {
		if err := repo.Create(ctx, s); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	got, err := repo.ListByDevice(ctx, "purifier-1")
	if err != nil {
		t.Fatalf("ListByDevice() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "sch-a" {
		t.Errorf("ListByDevice() = %v", got)
	}

	all, _ := repo.List(ctx)
	if len(all) != 2 {
		t.Errorf("List() count = %d, want 2", len(all))
	}
}

// =============================================================================
// Run History Tests
// =============================================================================

func TestRecordAndListRuns(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	runs := []*Run{
		{ScheduleID: "sch-1", DeviceID: "purifier-1", Event: EventWindowStart, Outcome: OutcomeDispatched, Speed: 3, Attempts: 1},
		{ScheduleID: "sch-1", DeviceID: "purifier-1", Event: EventWindowStart, Outcome: OutcomeBlockedByOverride, Speed: 3, Detail: "active override present"},
		{ScheduleID: "sch-2", DeviceID: "purifier-1", Event: EventWindowEnd, Outcome: OutcomeDispatched, Speed: 0, Attempts: 1},
	}
	for _, run := range runs {
		if err := repo.RecordRun(ctx, run); err != nil {
			t.Fatalf("RecordRun() error = %v", err)
		}
	}

	got, err := repo.ListRuns(ctx, "sch-1", 10)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListRuns() count = %d, want 2", len(got))
	}
	for _, run := range got {
		if run.ScheduleID != "sch-1" {
			t.Errorf("run for %s leaked into sch-1 history", run.ScheduleID)
		}
	}

	// Detail and attempt count round-trip; rows that never reached the
	// dispatcher keep zero attempts.
	hasDetail := false
	for _, run := range got {
		switch run.Outcome {
		case OutcomeDispatched:
			if run.Attempts != 1 {
				t.Errorf("dispatched run Attempts = %d, want 1", run.Attempts)
			}
		case OutcomeBlockedByOverride:
			if run.Attempts != 0 {
				t.Errorf("blocked run Attempts = %d, want 0", run.Attempts)
			}
		}
		if run.Detail == "active override present" {
			hasDetail = true
		}
	}
	if !hasDetail {
		t.Error("detail not round-tripped")
	}
}
