package override

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// setupTestDB creates an in-memory SQLite database with the overrides table.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	schema := `
		CREATE TABLE overrides (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			mode TEXT NOT NULL,
			speed INTEGER NOT NULL,
			snapshot_speed INTEGER NOT NULL,
			snapshot_power_on INTEGER NOT NULL,
			snapshot_source TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			scheduled_end_at TEXT NOT NULL,
			actual_end_at TEXT,
			created_at TEXT NOT NULL
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

func testOverride(deviceID string, mode Mode, startedAt time.Time) *Override {
	return &Override{
		DeviceID:       deviceID,
		Mode:           mode,
		TargetSpeed:    mode.TargetSpeed(2),
		PreviousSpeed:  1,
		PreviousPower:  true,
		SnapshotSource: "ambient",
		StartedAt:      startedAt,
		ScheduledEndAt: startedAt.Add(30 * time.Minute),
	}
}

// =============================================================================
// Create / GetByID Tests
// =============================================================================

func TestCreateAndGetByID(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	o := testOverride("purifier-1", ModeBoost, time.Now().UTC())
	if err := repo.Create(ctx, o); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if o.ID == "" {
		t.Fatal("Create() did not assign an ID")
	}

	got, err := repo.GetByID(ctx, o.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Mode != ModeBoost || got.TargetSpeed != 5 {
		t.Errorf("mode/speed = %s/%d, want boost/5", got.Mode, got.TargetSpeed)
	}
	if got.PreviousSpeed != 1 || !got.PreviousPower {
		t.Errorf("snapshot = %d/%v, want 1/true", got.PreviousSpeed, got.PreviousPower)
	}
	if got.Status != StatusActive {
		t.Errorf("Status = %q, want active", got.Status)
	}
	if got.ActualEndAt != nil {
		t.Error("ActualEndAt set on active override")
	}
}

func TestGetByIDNotFound(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))

	_, err := repo.GetByID(context.Background(), "ovr-missing")
	if !errors.Is(err, ErrOverrideNotFound) {
		t.Errorf("GetByID() error = %v, want ErrOverrideNotFound", err)
	}
}

// =============================================================================
// Stack Order Tests
// =============================================================================

func TestActiveForDeviceNewestFirst(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	first := testOverride("purifier-1", ModeManual, base)
	second := testOverride("purifier-1", ModeBoost, base.Add(10*time.Minute))
	other := testOverride("purifier-2", ModeLowAuto, base.Add(5*time.Minute))

	for _, o := range []*Override{first, second, other} {
		if err := repo.Create(ctx, o); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	active, err := repo.ActiveForDevice(ctx, "purifier-1")
	if err != nil {
		t.Fatalf("ActiveForDevice() error = %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("active count = %d, want 2", len(active))
	}
	if active[0].ID != second.ID {
		t.Errorf("top of stack = %s, want most recent %s", active[0].ID, second.ID)
	}
	if active[1].ID != first.ID {
		t.Errorf("bottom of stack = %s, want %s", active[1].ID, first.ID)
	}
}

func TestActiveForDeviceSubSecondStarts(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	// Two overrides started 500ms apart land in the same wall-clock
	// second; stored timestamps must still order them by true start time.
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	first := testOverride("purifier-1", ModeManual, base)
	second := testOverride("purifier-1", ModeBoost, base.Add(500*time.Millisecond))

	for _, o := range []*Override{first, second} {
		if err := repo.Create(ctx, o); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	active, err := repo.ActiveForDevice(ctx, "purifier-1")
	if err != nil {
		t.Fatalf("ActiveForDevice() error = %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("active count = %d, want 2", len(active))
	}
	if active[0].ID != second.ID {
		t.Errorf("top of stack = %s, want most recently started %s", active[0].ID, second.ID)
	}
	if !active[0].StartedAt.Equal(second.StartedAt) {
		t.Errorf("StartedAt round trip = %s, want %s", active[0].StartedAt, second.StartedAt)
	}
}

func TestHasActive(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	has, err := repo.HasActive(ctx, "purifier-1")
	if err != nil {
		t.Fatalf("HasActive() error = %v", err)
	}
	if has {
		t.Error("HasActive() = true on empty table")
	}

	o := testOverride("purifier-1", ModeOff, time.Now().UTC())
	if err := repo.Create(ctx, o); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	has, _ = repo.HasActive(ctx, "purifier-1")
	if !has {
		t.Error("HasActive() = false, want true")
	}

	if err := repo.MarkTerminal(ctx, o.ID, StatusCancelled, time.Now().UTC()); err != nil {
		t.Fatalf("MarkTerminal() error = %v", err)
	}
	has, _ = repo.HasActive(ctx, "purifier-1")
	if has {
		t.Error("HasActive() = true after terminal transition")
	}
}

// =============================================================================
// Terminal Transition Tests
// =============================================================================

func TestMarkTerminalIsCompareAndSwap(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	o := testOverride("purifier-1", ModeBoost, time.Now().UTC())
	if err := repo.Create(ctx, o); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := repo.MarkTerminal(ctx, o.ID, StatusCompleted, time.Now().UTC()); err != nil {
		t.Fatalf("MarkTerminal() first error = %v", err)
	}

	// The losing side of the race gets ErrNotActive, not a second transition.
	err := repo.MarkTerminal(ctx, o.ID, StatusCancelled, time.Now().UTC())
	if !errors.Is(err, ErrNotActive) {
		t.Errorf("MarkTerminal() second error = %v, want ErrNotActive", err)
	}

	got, _ := repo.GetByID(ctx, o.ID)
	if got.Status != StatusCompleted {
		t.Errorf("Status = %q, want completed (first transition wins)", got.Status)
	}
	if got.ActualEndAt == nil {
		t.Error("ActualEndAt = nil, want set")
	}
}

func TestMarkTerminalMissing(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))

	err := repo.MarkTerminal(context.Background(), "ovr-missing", StatusCompleted, time.Now().UTC())
	if !errors.Is(err, ErrNotActive) {
		t.Errorf("MarkTerminal() error = %v, want ErrNotActive", err)
	}
}

func TestListActive(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	a := testOverride("purifier-1", ModeBoost, time.Now().UTC())
	b := testOverride("purifier-2", ModeLowAuto, time.Now().UTC())
	for _, o := range []*Override{a, b} {
		if err := repo.Create(ctx, o); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}
	if err := repo.MarkTerminal(ctx, a.ID, StatusCancelled, time.Now().UTC()); err != nil {
		t.Fatalf("MarkTerminal() error = %v", err)
	}

	active, err := repo.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive() error = %v", err)
	}
	if len(active) != 1 || active[0].ID != b.ID {
		t.Errorf("ListActive() = %v, want just %s", active, b.ID)
	}
}
