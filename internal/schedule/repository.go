package schedule

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository defines the interface for schedule persistence.
type Repository interface {
	// Create inserts a new schedule.
	Create(ctx context.Context, s *Schedule) error

	// GetByID retrieves a schedule.
	// Returns ErrScheduleNotFound if the ID does not exist.
	GetByID(ctx context.Context, id string) (*Schedule, error)

	// Update modifies an existing schedule.
	// Returns ErrScheduleNotFound if the ID does not exist.
	Update(ctx context.Context, s *Schedule) error

	// Delete removes a schedule.
	// Returns ErrScheduleNotFound if the ID does not exist.
	Delete(ctx context.Context, id string) error

	// List retrieves all schedules.
	List(ctx context.Context) ([]Schedule, error)

	// ListByDevice retrieves a device's schedules.
	ListByDevice(ctx context.Context, deviceID string) ([]Schedule, error)

	// RecordRun appends a history row.
	RecordRun(ctx context.Context, run *Run) error

	// ListRuns returns a schedule's history, most recent first.
	ListRuns(ctx context.Context, scheduleID string, limit int) ([]Run, error)
}

// timeLayout is RFC 3339 with fixed-width nanoseconds. The arbiter breaks
// equal-speed ties on created_at, so two schedules created within the same
// second must still order by their true creation instants.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new schedule repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const scheduleColumns = `id, device_id, days, start_time, end_time, speed, enabled, created_at, updated_at`

// Create inserts a new schedule. The ID is generated if empty.
func (r *SQLiteRepository) Create(ctx context.Context, s *Schedule) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if s.ID == "" {
		s.ID = NewID()
	}

	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO schedules (`+scheduleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.DeviceID, joinDays(s.Days), s.StartTime, s.EndTime,
		s.Speed, boolToInt(s.Enabled),
		now.Format(timeLayout), now.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting schedule: %w", err)
	}

	return nil
}

// GetByID retrieves a schedule.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Schedule, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)

	s, err := scanSchedule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrScheduleNotFound
		}
		return nil, fmt.Errorf("querying schedule by id: %w", err)
	}
	return s, nil
}

// Update modifies an existing schedule.
func (r *SQLiteRepository) Update(ctx context.Context, s *Schedule) error {
	if err := s.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx,
		`UPDATE schedules
		 SET device_id = ?, days = ?, start_time = ?, end_time = ?, speed = ?, enabled = ?, updated_at = ?
		 WHERE id = ?`,
		s.DeviceID, joinDays(s.Days), s.StartTime, s.EndTime,
		s.Speed, boolToInt(s.Enabled), now.Format(timeLayout), s.ID,
	)
	if err != nil {
		return fmt.Errorf("updating schedule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrScheduleNotFound
	}

	s.UpdatedAt = now
	return nil
}

// Delete removes a schedule. Its history rows are kept.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM schedules WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting schedule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrScheduleNotFound
	}

	return nil
}

// List retrieves all schedules.
func (r *SQLiteRepository) List(ctx context.Context) ([]Schedule, error) {
	return r.querySchedules(ctx,
		`SELECT `+scheduleColumns+` FROM schedules ORDER BY device_id, start_time`)
}

// ListByDevice retrieves a device's schedules.
func (r *SQLiteRepository) ListByDevice(ctx context.Context, deviceID string) ([]Schedule, error) {
	return r.querySchedules(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE device_id = ? ORDER BY start_time`,
		deviceID)
}

// RecordRun appends a history row. The ID and OccurredAt are generated if empty.
func (r *SQLiteRepository) RecordRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = "run-" + uuid.NewString()[:8]
	}
	if run.OccurredAt.IsZero() {
		run.OccurredAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO schedule_runs (id, schedule_id, device_id, event, outcome, speed, attempts, detail, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ScheduleID, run.DeviceID, run.Event, run.Outcome,
		run.Speed, run.Attempts, nullableDetail(run.Detail),
		run.OccurredAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting schedule run: %w", err)
	}

	return nil
}

// ListRuns returns a schedule's history, most recent first.
func (r *SQLiteRepository) ListRuns(ctx context.Context, scheduleID string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, schedule_id, device_id, event, outcome, speed, attempts, detail, occurred_at
		 FROM schedule_runs WHERE schedule_id = ?
		 ORDER BY occurred_at DESC, id DESC LIMIT ?`,
		scheduleID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying schedule runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		var detail sql.NullString
		var occurredAt string
		if err := rows.Scan(&run.ID, &run.ScheduleID, &run.DeviceID, &run.Event,
			&run.Outcome, &run.Speed, &run.Attempts, &detail, &occurredAt); err != nil {
			return nil, fmt.Errorf("scanning schedule run: %w", err)
		}
		if detail.Valid {
			run.Detail = detail.String
		}
		run.OccurredAt, err = time.Parse(time.RFC3339Nano, occurredAt)
		if err != nil {
			return nil, fmt.Errorf("parsing occurred_at: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating schedule runs: %w", err)
	}

	return runs, nil
}

func (r *SQLiteRepository) querySchedules(ctx context.Context, query string, args ...any) ([]Schedule, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying schedules: %w", err)
	}
	defer rows.Close()

	var schedules []Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning schedule: %w", err)
		}
		schedules = append(schedules, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating schedules: %w", err)
	}

	return schedules, nil
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(scanner rowScanner) (*Schedule, error) {
	var s Schedule
	var days string
	var enabled int
	var createdAt, updatedAt string

	err := scanner.Scan(
		&s.ID,
		&s.DeviceID,
		&days,
		&s.StartTime,
		&s.EndTime,
		&s.Speed,
		&enabled,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.Days = splitDays(days)
	s.Enabled = enabled != 0

	var parseErr error
	s.CreatedAt, parseErr = time.Parse(time.RFC3339Nano, createdAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing created_at: %w", parseErr)
	}
	s.UpdatedAt, parseErr = time.Parse(time.RFC3339Nano, updatedAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", parseErr)
	}

	return &s, nil
}

// nullableDetail returns nil for empty detail strings.
func nullableDetail(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// boolToInt converts a boolean to 0/1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
