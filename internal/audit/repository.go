// Package audit provides access to the command_audit table, the durable
// trail of every command dispatched to a purifier.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Terminal and in-flight command statuses recorded in the audit trail.
const (
	StatusPending      = "pending"
	StatusSent         = "sent"
	StatusAcknowledged = "acknowledged"
	StatusFailed       = "failed"
	StatusTimeout      = "timeout"
)

// ErrCommandNotFound is returned when a command ID does not exist.
var ErrCommandNotFound = errors.New("audit: command not found")

// CommandRecord represents a single dispatched command.
type CommandRecord struct {
	ID          string     `json:"id"`
	DeviceID    string     `json:"device_id"`
	Action      string     `json:"action"`
	Speed       *int       `json:"speed,omitempty"`
	Source      string     `json:"source"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Filter controls which command records to return.
type Filter struct {
	DeviceID string // optional: filter by device
	Status   string // optional: filter by status
	Limit    int    // default 50, max 200
	Offset   int    // pagination offset
}

// ListResult contains the paginated command audit results.
type ListResult struct {
	Commands []CommandRecord `json:"commands"`
	Total    int             `json:"total"`
	Limit    int             `json:"limit"`
	Offset   int             `json:"offset"`
}

// Repository defines the interface for command audit operations.
type Repository interface {
	Create(ctx context.Context, rec *CommandRecord) error
	MarkSent(ctx context.Context, id string, attempts int) error
	MarkTerminal(ctx context.Context, id, status string, attempts int, errMsg string) error
	GetByID(ctx context.Context, id string) (*CommandRecord, error)
	List(ctx context.Context, filter Filter) (*ListResult, error)
}

// NewCommandID returns a fresh audit-trail command identifier.
func NewCommandID() string {
	return "cmd-" + uuid.NewString()
}

// SQLiteRepository stores command records in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new command audit repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create inserts a new command record. The ID and CreatedAt are generated
// if empty; Status defaults to pending.
func (r *SQLiteRepository) Create(ctx context.Context, rec *CommandRecord) error {
	if rec.ID == "" {
		rec.ID = NewCommandID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = StatusPending
	}

	var speed any
	if rec.Speed != nil {
		speed = *rec.Speed
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO command_audit (id, device_id, action, speed, source, status, attempts, error, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		rec.ID, rec.DeviceID, rec.Action, speed, rec.Source,
		rec.Status, rec.Attempts, nullableString(rec.Error),
		rec.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting command record: %w", err)
	}

	return nil
}

// MarkSent records a publish attempt for an in-flight command.
func (r *SQLiteRepository) MarkSent(ctx context.Context, id string, attempts int) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE command_audit SET status = ?, attempts = ? WHERE id = ?`,
		StatusSent, attempts, id,
	)
	if err != nil {
		return fmt.Errorf("marking command sent: %w", err)
	}
	return requireCommandRow(result)
}

// MarkTerminal records the final outcome of a command.
// status must be one of acknowledged, failed, or timeout.
func (r *SQLiteRepository) MarkTerminal(ctx context.Context, id, status string, attempts int, errMsg string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	result, err := r.db.ExecContext(ctx,
		`UPDATE command_audit SET status = ?, attempts = ?, error = ?, completed_at = ? WHERE id = ?`,
		status, attempts, nullableString(errMsg), now, id,
	)
	if err != nil {
		return fmt.Errorf("marking command terminal: %w", err)
	}
	return requireCommandRow(result)
}

// GetByID retrieves a command record.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*CommandRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, device_id, action, speed, source, status, attempts, error, created_at, completed_at
		 FROM command_audit WHERE id = ?`, id)

	rec, err := scanCommandRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCommandNotFound
		}
		return nil, fmt.Errorf("querying command by id: %w", err)
	}
	return rec, nil
}

// List returns command records matching the filter, most recent first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	// Clamp limit.
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > 200 { //nolint:mnd // max page size for audit queries
		filter.Limit = 200
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	// Build WHERE clause dynamically.
	var conditions []string
	var args []any

	if filter.DeviceID != "" {
		conditions = append(conditions, "device_id = ?")
		args = append(args, filter.DeviceID)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	// Total count for pagination
	var total int
	countQuery := "SELECT COUNT(*) FROM command_audit" + where
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting command records: %w", err)
	}

	query := `SELECT id, device_id, action, speed, source, status, attempts, error, created_at, completed_at
		FROM command_audit` + where + ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying command records: %w", err)
	}
	defer rows.Close()

	commands := make([]CommandRecord, 0, filter.Limit)
	for rows.Next() {
		rec, err := scanCommandRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning command record: %w", err)
		}
		commands = append(commands, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating command records: %w", err)
	}

	return &ListResult{
		Commands: commands,
		Total:    total,
		Limit:    filter.Limit,
		Offset:   filter.Offset,
	}, nil
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommandRecord(scanner rowScanner) (*CommandRecord, error) {
	var rec CommandRecord
	var speed sql.NullInt64
	var errMsg, completedAt sql.NullString
	var createdAt string

	err := scanner.Scan(
		&rec.ID,
		&rec.DeviceID,
		&rec.Action,
		&speed,
		&rec.Source,
		&rec.Status,
		&rec.Attempts,
		&errMsg,
		&createdAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	if speed.Valid {
		s := int(speed.Int64)
		rec.Speed = &s
	}
	if errMsg.Valid {
		rec.Error = errMsg.String
	}
	if completedAt.Valid {
		t, err := time.Parse(time.RFC3339, completedAt.String)
		if err == nil {
			rec.CompletedAt = &t
		}
	}

	var parseErr error
	rec.CreatedAt, parseErr = time.Parse(time.RFC3339, createdAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing created_at: %w", parseErr)
	}

	return &rec, nil
}

// requireCommandRow maps a zero-row UPDATE to ErrCommandNotFound.
func requireCommandRow(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrCommandNotFound
	}
	return nil
}

// nullableString returns nil for empty strings, or the string otherwise.
// Used for nullable TEXT columns in SQLite.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
