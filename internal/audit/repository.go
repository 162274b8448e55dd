// Package audit records every command executed against a device in the
// command_audit table and serves the history back to the API.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-pool/internal/bridges/pool"
)

// Page size limits for List.
const (
	defaultLimit = 50
	maxLimit     = 200
)

// timeLayout is fixed width so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// CommandRecord is a single command audit entry.
type CommandRecord struct {
	ID         string         `json:"id"`
	CommandID  string         `json:"command_id"`
	RequestID  string         `json:"request_id,omitempty"`
	DeviceID   string         `json:"device_id"`
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Source     string         `json:"source"`
	UserID     string         `json:"user_id,omitempty"`
	Status     string         `json:"status"`
	Message    string         `json:"message,omitempty"`
	Attempts   int            `json:"attempts"`
	StatusCode int            `json:"status_code,omitempty"`
	DurationMS int64          `json:"duration_ms"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Filter controls which records List returns.
type Filter struct {
	DeviceID string    // optional
	Status   string    // optional: accepted, rejected_input, unreachable, device_error, rate_limited
	Command  string    // optional: set_function, set_target, request
	Since    time.Time // optional: created at or after
	Limit    int       // default 50, max 200
	Offset   int
}

// ListResult contains one page of audit records.
type ListResult struct {
	Records []CommandRecord `json:"records"`
	Total   int             `json:"total"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

// Repository defines the command audit operations.
type Repository interface {
	Create(ctx context.Context, rec *CommandRecord) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
}

// SQLiteRepository stores command audit records in SQLite.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepository creates a new command audit repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

// RecordCommand stores the outcome of an executed command. It satisfies
// pool.CommandAuditor.
func (r *SQLiteRepository) RecordCommand(ctx context.Context, req pool.CommandRequest, res pool.CommandResult) error {
	rec := &CommandRecord{
		CommandID:  res.CommandID,
		RequestID:  res.RequestID,
		DeviceID:   res.DeviceID,
		Command:    req.Command,
		Parameters: req.Parameters,
		Source:     req.Source,
		UserID:     req.UserID,
		Status:     string(res.Status),
		Message:    res.Message,
		Attempts:   res.Attempts,
		StatusCode: res.StatusCode,
		DurationMS: res.Duration.Milliseconds(),
	}
	if rec.CommandID == "" {
		rec.CommandID = req.ID
	}
	return r.Create(ctx, rec)
}

// Create inserts a record. ID and CreatedAt are generated if empty.
func (r *SQLiteRepository) Create(ctx context.Context, rec *CommandRecord) error {
	if rec.ID == "" {
		rec.ID = "cmd-" + uuid.NewString()[:8]
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now().UTC()
	}

	var paramsJSON *string
	if len(rec.Parameters) > 0 {
		b, err := json.Marshal(rec.Parameters)
		if err != nil {
			return fmt.Errorf("marshalling command parameters: %w", err)
		}
		s := string(b)
		paramsJSON = &s
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO command_audit (id, command_id, request_id, device_id, command, parameters,
		    source, user_id, status, message, attempts, status_code, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.CommandID, rec.RequestID, rec.DeviceID, rec.Command, paramsJSON,
		rec.Source, nullableString(rec.UserID), rec.Status, rec.Message,
		rec.Attempts, rec.StatusCode, rec.DurationMS,
		rec.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting command audit: %w", err)
	}
	return nil
}

// nullableString returns nil for empty strings so nullable TEXT columns stay NULL.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// List returns records matching the filter, most recent first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) { //nolint:gocognit // dynamic query builder
	if filter.Limit <= 0 {
		filter.Limit = defaultLimit
	}
	if filter.Limit > maxLimit {
		filter.Limit = maxLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

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
	if filter.Command != "" {
		conditions = append(conditions, "command = ?")
		args = append(args, filter.Command)
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, filter.Since.UTC().Format(timeLayout))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM command_audit %s", where) //nolint:gosec // WHERE built from parameterised conditions
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting command audit: %w", err)
	}

	query := fmt.Sprintf( //nolint:gosec // WHERE built from parameterised conditions
		`SELECT id, command_id, request_id, device_id, command, parameters, source, user_id,
		        status, message, attempts, status_code, duration_ms, created_at
		 FROM command_audit %s ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		where,
	)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying command audit: %w", err)
	}
	defer rows.Close()

	records := []CommandRecord{}
	for rows.Next() {
		var rec CommandRecord
		var paramsJSON, userID sql.NullString
		var createdAt string

		if err := rows.Scan(&rec.ID, &rec.CommandID, &rec.RequestID, &rec.DeviceID, &rec.Command,
			&paramsJSON, &rec.Source, &userID, &rec.Status, &rec.Message,
			&rec.Attempts, &rec.StatusCode, &rec.DurationMS, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning command audit: %w", err)
		}

		rec.UserID = userID.String
		if paramsJSON.Valid && paramsJSON.String != "" {
			var params map[string]any
			if json.Unmarshal([]byte(paramsJSON.String), &params) == nil {
				rec.Parameters = params
			}
		}

		t, err := time.Parse(timeLayout, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing command audit timestamp %q: %w", createdAt, err)
		}
		rec.CreatedAt = t

		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating command audit: %w", err)
	}

	return &ListResult{
		Records: records,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	}, nil
}
