package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/pitabwire/pxm/model"
)

// TimeLayout is the fixed-width text encoding of timestamps in SQLStore
// columns, so that lexical order matches chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteSchema creates the approval tables for the embedded SQL store.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS pxm_approval_requests (
	id                  TEXT PRIMARY KEY,
	title               TEXT NOT NULL,
	requester_id        TEXT NOT NULL,
	status              TEXT NOT NULL,
	flow_process        TEXT NOT NULL,
	form_data           TEXT NOT NULL DEFAULT '{}',
	template_id         TEXT,
	current_approver_id TEXT,
	version             INTEGER NOT NULL DEFAULT 1,
	created_at          TEXT NOT NULL,
	updated_at          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS pxm_approval_requests_requester_idx ON pxm_approval_requests (requester_id);
CREATE INDEX IF NOT EXISTS pxm_approval_requests_approver_idx ON pxm_approval_requests (current_approver_id);

CREATE TABLE IF NOT EXISTS approval_logs (
	id          TEXT PRIMARY KEY,
	approval_id TEXT NOT NULL REFERENCES pxm_approval_requests (id) ON DELETE CASCADE,
	actor_id    TEXT NOT NULL,
	action_type TEXT NOT NULL,
	content     TEXT,
	created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS approval_logs_approval_idx ON approval_logs (approval_id, created_at);
`

const sqlSelectRequest = `SELECT id, title, requester_id, status, flow_process, form_data, template_id, version, created_at, updated_at FROM pxm_approval_requests`

// SQLStore is a database/sql-backed Store. It is used with the embedded
// SQLite driver in lite mode.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a database/sql approval store. It does not create
// tables; call Migrate for that.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Migrate creates the approval tables if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, SQLiteSchema); err != nil {
		return fmt.Errorf("migrate approval tables: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *SQLStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Create inserts a new approval request.
func (s *SQLStore) Create(ctx context.Context, req model.ApprovalRequest) error {
	flowJSON, err := json.Marshal(req.Flow)
	if err != nil {
		return fmt.Errorf("marshal flow: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pxm_approval_requests (id, title, requester_id, status, flow_process, form_data, template_id, current_approver_id, version, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.Title, req.RequesterID, string(req.Status), string(flowJSON), string(formDataOrEmpty(req.FormData)),
		nullString(req.TemplateID), nullString(pendingApprover(req)), req.Version,
		formatTime(req.CreatedAt), formatTime(req.UpdatedAt),
	)
	if isSQLiteUniqueViolation(err) {
		return model.NewConflictError(fmt.Sprintf("approval %q already exists", req.ID))
	}
	if err != nil {
		return fmt.Errorf("insert approval request: %w", err)
	}
	return nil
}

// Get retrieves an approval request by ID.
func (s *SQLStore) Get(ctx context.Context, id string) (model.ApprovalRequest, error) {
	req, err := scanSQLRequest(s.db.QueryRowContext(ctx, sqlSelectRequest+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.ApprovalRequest{}, model.NewNotFoundError(fmt.Sprintf("approval %q not found", id))
	}
	if err != nil {
		return model.ApprovalRequest{}, fmt.Errorf("query approval request: %w", err)
	}
	return req, nil
}

// Update persists an updated request with optimistic locking.
func (s *SQLStore) Update(ctx context.Context, req model.ApprovalRequest) error {
	flowJSON, err := json.Marshal(req.Flow)
	if err != nil {
		return fmt.Errorf("marshal flow: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE pxm_approval_requests SET title = ?, status = ?, flow_process = ?, form_data = ?, current_approver_id = ?, version = ?, updated_at = ? WHERE id = ? AND version = ?`,
		req.Title, string(req.Status), string(flowJSON), string(formDataOrEmpty(req.FormData)),
		nullString(pendingApprover(req)), req.Version+1, formatTime(req.UpdatedAt),
		req.ID, req.Version,
	)
	if err != nil {
		return fmt.Errorf("update approval request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update approval request: %w", err)
	}
	if n == 0 {
		return s.missedUpdate(ctx, req)
	}
	return nil
}

// missedUpdate explains an update that matched no row: the request is gone
// or its version moved on.
func (s *SQLStore) missedUpdate(ctx context.Context, req model.ApprovalRequest) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM pxm_approval_requests WHERE id = ?`, req.ID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return model.NewNotFoundError(fmt.Sprintf("approval %q not found", req.ID))
	}
	if err != nil {
		return fmt.Errorf("query approval request: %w", err)
	}
	return model.NewConflictError(
		fmt.Sprintf("approval %q version conflict (expected %d)", req.ID, req.Version),
	)
}

// List returns requests matching the filters, newest first.
func (s *SQLStore) List(ctx context.Context, filters ListFilters) ([]model.ApprovalRequest, int, error) {
	where, args := listWhere(filters, sqlPlaceholder)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pxm_approval_requests`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count approval requests: %w", err)
	}

	query := sqlSelectRequest + where + ` ORDER BY created_at DESC, id DESC`
	if filters.Limit > 0 || filters.Offset > 0 {
		// SQLite only accepts OFFSET after a LIMIT; -1 means unbounded.
		limit := filters.Limit
		if limit <= 0 {
			limit = -1
		}
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, filters.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query approval requests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []model.ApprovalRequest
	for rows.Next() {
		req, err := scanSQLRequest(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan approval request: %w", err)
		}
		result = append(result, req)
	}
	return result, total, rows.Err()
}

// AppendLog adds an entry to the audit trail.
func (s *SQLStore) AppendLog(ctx context.Context, entry model.ApprovalLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approval_logs (id, approval_id, actor_id, action_type, content, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.ApprovalID, entry.ActorID, string(entry.ActionType), nullString(entry.Content), formatTime(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert approval log: %w", err)
	}
	return nil
}

// GetLogs retrieves the audit trail of a request, oldest first.
func (s *SQLStore) GetLogs(ctx context.Context, approvalID string) ([]model.ApprovalLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, approval_id, actor_id, action_type, content, created_at FROM approval_logs WHERE approval_id = ? ORDER BY created_at ASC, rowid ASC`,
		approvalID,
	)
	if err != nil {
		return nil, fmt.Errorf("query approval logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := []model.ApprovalLog{}
	for rows.Next() {
		var (
			entry     model.ApprovalLog
			action    string
			content   sql.NullString
			createdAt string
		)
		if err := rows.Scan(&entry.ID, &entry.ApprovalID, &entry.ActorID, &action, &content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan approval log: %w", err)
		}
		entry.ActionType = model.LogAction(action)
		if content.Valid {
			entry.Content = &content.String
		}
		if entry.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}

type sqlScanner interface {
	Scan(dest ...any) error
}

func scanSQLRequest(row sqlScanner) (model.ApprovalRequest, error) {
	var (
		req                  model.ApprovalRequest
		status               string
		flowJSON, formJSON   string
		templateID           sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(
		&req.ID, &req.Title, &req.RequesterID, &status, &flowJSON, &formJSON,
		&templateID, &req.Version, &createdAt, &updatedAt,
	); err != nil {
		return model.ApprovalRequest{}, err
	}
	req.Status = model.RequestStatus(status)
	if err := json.Unmarshal([]byte(flowJSON), &req.Flow); err != nil {
		return model.ApprovalRequest{}, fmt.Errorf("unmarshal flow: %w", err)
	}
	req.FormData = json.RawMessage(formJSON)
	if templateID.Valid {
		req.TemplateID = &templateID.String
	}
	var err error
	if req.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.ApprovalRequest{}, err
	}
	if req.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return model.ApprovalRequest{}, err
	}
	return req, nil
}

func sqlPlaceholder(int) string { return "?" }

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// isSQLiteUniqueViolation reports whether err is a primary key or unique
// constraint failure from the embedded SQLite driver.
func isSQLiteUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		// Connections without extended result codes report the base code.
		return strings.Contains(se.Error(), "UNIQUE constraint failed")
	}
	return false
}
