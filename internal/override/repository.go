package override

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Repository defines the interface for override persistence.
type Repository interface {
	// Create inserts a new override record.
	Create(ctx context.Context, o *Override) error

	// GetByID retrieves an override.
	// Returns ErrOverrideNotFound if the ID does not exist.
	GetByID(ctx context.Context, id string) (*Override, error)

	// ActiveForDevice returns the device's active overrides, most recently
	// started first (the top of the stack is element zero).
	ActiveForDevice(ctx context.Context, deviceID string) ([]Override, error)

	// ListActive returns every active override across all devices.
	// Used to rearm expiry timers on startup.
	ListActive(ctx context.Context) ([]Override, error)

	// HasActive reports whether the device has at least one active override.
	HasActive(ctx context.Context, deviceID string) (bool, error)

	// MarkTerminal transitions an active override to a terminal status.
	// The update is conditional on status still being active: zero rows
	// affected yields ErrNotActive, so two racing enders cannot both win.
	MarkTerminal(ctx context.Context, id string, status Status, endedAt time.Time) error
}

// timeLayout is RFC 3339 with fixed-width nanoseconds. Stack order is
// resolved by ORDER BY created_at on the stored text, so every timestamp
// must carry the same number of digits; second precision would make two
// overrides started within the same second tie and break LIFO restore.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new override repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const overrideColumns = `id, device_id, mode, speed, snapshot_speed, snapshot_power_on,
	snapshot_source, status, scheduled_end_at, actual_end_at, created_at`

// Create inserts a new override record. ID, StartedAt, and Status are
// generated if empty.
func (r *SQLiteRepository) Create(ctx context.Context, o *Override) error {
	if o.ID == "" {
		o.ID = NewID()
	}
	if o.StartedAt.IsZero() {
		o.StartedAt = time.Now().UTC()
	}
	if o.Status == "" {
		o.Status = StatusActive
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO overrides (`+overrideColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)`,
		o.ID, o.DeviceID, string(o.Mode), o.TargetSpeed,
		o.PreviousSpeed, boolToInt(o.PreviousPower), o.SnapshotSource,
		string(o.Status),
		o.ScheduledEndAt.UTC().Format(timeLayout),
		o.StartedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting override: %w", err)
	}

	return nil
}

// GetByID retrieves an override.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Override, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+overrideColumns+` FROM overrides WHERE id = ?`, id)

	o, err := scanOverride(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOverrideNotFound
		}
		return nil, fmt.Errorf("querying override by id: %w", err)
	}
	return o, nil
}

// ActiveForDevice returns the device's active overrides, newest first.
func (r *SQLiteRepository) ActiveForDevice(ctx context.Context, deviceID string) ([]Override, error) {
	return r.queryOverrides(ctx,
		`SELECT `+overrideColumns+` FROM overrides
		 WHERE device_id = ? AND status = 'active'
		 ORDER BY created_at DESC, id DESC`, deviceID)
}

// ListActive returns every active override across all devices.
func (r *SQLiteRepository) ListActive(ctx context.Context) ([]Override, error) {
	return r.queryOverrides(ctx,
		`SELECT `+overrideColumns+` FROM overrides
		 WHERE status = 'active'
		 ORDER BY created_at ASC`)
}

// HasActive reports whether the device has at least one active override.
func (r *SQLiteRepository) HasActive(ctx context.Context, deviceID string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM overrides WHERE device_id = ? AND status = 'active'`,
		deviceID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("counting active overrides: %w", err)
	}
	return count > 0, nil
}

// MarkTerminal transitions an active override to a terminal status.
//
// The WHERE clause doubles as the compare-and-swap: expiry and cancel can
// race, and only the first transition may perform the restore.
func (r *SQLiteRepository) MarkTerminal(ctx context.Context, id string, status Status, endedAt time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE overrides SET status = ?, actual_end_at = ?
		 WHERE id = ? AND status = 'active'`,
		string(status), endedAt.UTC().Format(timeLayout), id,
	)
	if err != nil {
		return fmt.Errorf("ending override: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotActive
	}

	return nil
}

func (r *SQLiteRepository) queryOverrides(ctx context.Context, query string, args ...any) ([]Override, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying overrides: %w", err)
	}
	defer rows.Close()

	var out []Override
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning override: %w", err)
		}
		out = append(out, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating overrides: %w", err)
	}

	return out, nil
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanOverride(scanner rowScanner) (*Override, error) {
	var o Override
	var mode, status string
	var snapshotPower int
	var actualEndAt sql.NullString
	var scheduledEndAt, createdAt string

	err := scanner.Scan(
		&o.ID,
		&o.DeviceID,
		&mode,
		&o.TargetSpeed,
		&o.PreviousSpeed,
		&snapshotPower,
		&o.SnapshotSource,
		&status,
		&scheduledEndAt,
		&actualEndAt,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	o.Mode = Mode(mode)
	o.Status = Status(status)
	o.PreviousPower = snapshotPower != 0

	var parseErr error
	o.ScheduledEndAt, parseErr = time.Parse(time.RFC3339Nano, scheduledEndAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing scheduled_end_at: %w", parseErr)
	}
	o.StartedAt, parseErr = time.Parse(time.RFC3339Nano, createdAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing created_at: %w", parseErr)
	}
	if actualEndAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, actualEndAt.String)
		if err == nil {
			o.ActualEndAt = &t
		}
	}

	return &o, nil
}

// boolToInt converts a boolean to 0/1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
