package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Repository defines the interface for device persistence operations.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// GetByID retrieves a device by its unique identifier.
	// Returns ErrDeviceNotFound if the device does not exist.
	GetByID(ctx context.Context, id string) (*DeviceState, error)

	// List retrieves all devices ordered by ID.
	List(ctx context.Context) ([]DeviceState, error)

	// Upsert inserts a device or updates it if it already exists.
	// Used by telemetry ingest, where first contact creates the record.
	Upsert(ctx context.Context, state *DeviceState) error

	// UpdateFromAck applies the confirmed state from a command ack.
	// A nonzero speed also updates last_known_speed.
	// Returns ErrDeviceNotFound if the device does not exist.
	UpdateFromAck(ctx context.Context, id string, speed int, powerOn bool) error

	// MarkSeen refreshes online-ness and the last_seen timestamp.
	// Returns ErrDeviceNotFound if the device does not exist.
	MarkSeen(ctx context.Context, id string, seenAt time.Time) error

	// MarkOffline marks every online device silent since before cutoff
	// as offline, returning the affected device IDs.
	MarkOffline(ctx context.Context, cutoff time.Time) ([]string, error)

	// Delete removes a device by ID.
	// Returns ErrDeviceNotFound if the device does not exist.
	Delete(ctx context.Context, id string) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// GetByID retrieves a device by its unique identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*DeviceState, error) {
	query := `
		SELECT id, name, speed, power_on, online, last_seen, last_known_speed,
			created_at, updated_at
		FROM devices
		WHERE id = ?`

	row := r.db.QueryRowContext(ctx, query, id)
	state, err := scanDeviceRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by id: %w", err)
	}
	return state, nil
}

// List retrieves all devices ordered by ID.
func (r *SQLiteRepository) List(ctx context.Context) ([]DeviceState, error) {
	query := `
		SELECT id, name, speed, power_on, online, last_seen, last_known_speed,
			created_at, updated_at
		FROM devices
		ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []DeviceState
	for rows.Next() {
		state, err := scanDeviceRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *state)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}

	return devices, nil
}

// Upsert inserts a device or updates its state if it already exists.
func (r *SQLiteRepository) Upsert(ctx context.Context, state *DeviceState) error {
	if err := state.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	query := `
		INSERT INTO devices (id, name, speed, power_on, online, last_seen,
			last_known_speed, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE devices.name END,
			speed = excluded.speed,
			power_on = excluded.power_on,
			online = excluded.online,
			last_seen = excluded.last_seen,
			last_known_speed = excluded.last_known_speed,
			updated_at = excluded.updated_at`

	_, err := r.db.ExecContext(ctx, query,
		state.ID,
		state.Name,
		state.Speed,
		boolToInt(state.PowerOn),
		boolToInt(state.Online),
		nullableTime(state.LastSeen),
		state.LastKnownSpeed,
		now.Format(time.RFC3339),
		now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting device: %w", err)
	}

	return nil
}

// UpdateFromAck applies the confirmed state from a command ack.
func (r *SQLiteRepository) UpdateFromAck(ctx context.Context, id string, speed int, powerOn bool) error {
	if !ValidSpeed(speed) {
		return ErrInvalidSpeed
	}

	now := time.Now().UTC()
	query := `
		UPDATE devices
		SET speed = ?,
			power_on = ?,
			online = 1,
			last_seen = ?,
			last_known_speed = CASE WHEN ? > 0 THEN ? ELSE last_known_speed END,
			updated_at = ?
		WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query,
		speed,
		boolToInt(powerOn),
		now.Format(time.RFC3339),
		speed, speed,
		now.Format(time.RFC3339),
		id,
	)
	if err != nil {
		return fmt.Errorf("updating device from ack: %w", err)
	}

	return requireRowAffected(result, "checking rows affected")
}

// MarkSeen refreshes online-ness and the last_seen timestamp.
func (r *SQLiteRepository) MarkSeen(ctx context.Context, id string, seenAt time.Time) error {
	now := time.Now().UTC()
	query := `
		UPDATE devices
		SET online = 1, last_seen = ?, updated_at = ?
		WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query,
		seenAt.UTC().Format(time.RFC3339),
		now.Format(time.RFC3339),
		id,
	)
	if err != nil {
		return fmt.Errorf("marking device seen: %w", err)
	}

	return requireRowAffected(result, "checking rows affected")
}

// MarkOffline marks every online device silent since before cutoff as
// offline, returning the affected device IDs.
func (r *SQLiteRepository) MarkOffline(ctx context.Context, cutoff time.Time) ([]string, error) {
	cutoffStr := cutoff.UTC().Format(time.RFC3339)

	// Select first so the caller learns which devices changed.
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM devices WHERE online = 1 AND (last_seen IS NULL OR last_seen < ?)`,
		cutoffStr,
	)
	if err != nil {
		return nil, fmt.Errorf("querying stale devices: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning stale device id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating stale devices: %w", err)
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.db.ExecContext(ctx,
		`UPDATE devices SET online = 0, updated_at = ? WHERE online = 1 AND (last_seen IS NULL OR last_seen < ?)`,
		now, cutoffStr,
	)
	if err != nil {
		return nil, fmt.Errorf("marking devices offline: %w", err)
	}

	return ids, nil
}

// Delete removes a device by ID.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM devices WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}

	return requireRowAffected(result, "checking rows affected")
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanDeviceRow scans a row or rows result into a DeviceState.
func scanDeviceRow(scanner rowScanner) (*DeviceState, error) {
	var d DeviceState
	var powerOn, online int
	var lastSeen sql.NullString
	var createdAt, updatedAt string

	err := scanner.Scan(
		&d.ID,
		&d.Name,
		&d.Speed,
		&powerOn,
		&online,
		&lastSeen,
		&d.LastKnownSpeed,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.PowerOn = powerOn != 0
	d.Online = online != 0

	if lastSeen.Valid {
		t, err := time.Parse(time.RFC3339, lastSeen.String)
		if err == nil {
			d.LastSeen = &t
		}
	}

	var parseErr error
	d.CreatedAt, parseErr = time.Parse(time.RFC3339, createdAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing created_at: %w", parseErr)
	}
	d.UpdatedAt, parseErr = time.Parse(time.RFC3339, updatedAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", parseErr)
	}

	return &d, nil
}

// requireRowAffected maps a zero-row UPDATE/DELETE to ErrDeviceNotFound.
func requireRowAffected(result sql.Result, opDesc string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", opDesc, err)
	}
	if rowsAffected == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// nullableTime returns a sql.NullString for optional time pointers (as RFC3339 strings).
func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

// boolToInt converts a boolean to 0/1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
