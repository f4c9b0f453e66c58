package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/pxm/model"
)

// PgSchema creates the approval tables in PostgreSQL.
const PgSchema = `
CREATE TABLE IF NOT EXISTS pxm_approval_requests (
	id                  TEXT PRIMARY KEY,
	title               TEXT NOT NULL,
	requester_id        TEXT NOT NULL,
	status              TEXT NOT NULL,
	flow_process        JSONB NOT NULL,
	form_data           JSONB NOT NULL DEFAULT '{}'::jsonb,
	template_id         TEXT,
	current_approver_id TEXT,
	version             INTEGER NOT NULL DEFAULT 1,
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS pxm_approval_requests_requester_idx ON pxm_approval_requests (requester_id, created_at DESC);
CREATE INDEX IF NOT EXISTS pxm_approval_requests_approver_idx ON pxm_approval_requests (current_approver_id) WHERE current_approver_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS approval_logs (
	id          TEXT PRIMARY KEY,
	seq         BIGSERIAL,
	approval_id TEXT NOT NULL REFERENCES pxm_approval_requests (id) ON DELETE CASCADE,
	actor_id    TEXT NOT NULL,
	action_type TEXT NOT NULL,
	content     TEXT,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS approval_logs_approval_idx ON approval_logs (approval_id, created_at);
`

const pgSelectRequest = `SELECT id, title, requester_id, status, flow_process, form_data,
       template_id, version, created_at, updated_at
FROM pxm_approval_requests`

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL approval store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate creates the approval tables if they do not exist.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, PgSchema); err != nil {
		return fmt.Errorf("migrate approval tables: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Create inserts a new approval request.
func (s *PgStore) Create(ctx context.Context, req model.ApprovalRequest) error {
	flowJSON, err := json.Marshal(req.Flow)
	if err != nil {
		return fmt.Errorf("marshal flow: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO pxm_approval_requests (
			id, title, requester_id, status, flow_process, form_data,
			template_id, current_approver_id, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		req.ID, req.Title, req.RequesterID, req.Status, flowJSON, formDataOrEmpty(req.FormData),
		req.TemplateID, pendingApprover(req), req.Version, req.CreatedAt, req.UpdatedAt,
	)
	if isPgUniqueViolation(err) {
		return model.NewConflictError(fmt.Sprintf("approval %q already exists", req.ID))
	}
	if err != nil {
		return fmt.Errorf("insert approval request: %w", err)
	}
	return nil
}

// Get retrieves an approval request by ID.
func (s *PgStore) Get(ctx context.Context, id string) (model.ApprovalRequest, error) {
	req, err := scanRequest(s.pool.QueryRow(ctx, pgSelectRequest+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ApprovalRequest{}, model.NewNotFoundError(fmt.Sprintf("approval %q not found", id))
	}
	if err != nil {
		return model.ApprovalRequest{}, fmt.Errorf("query approval request: %w", err)
	}
	return req, nil
}

// Update persists an updated request with optimistic locking.
func (s *PgStore) Update(ctx context.Context, req model.ApprovalRequest) error {
	flowJSON, err := json.Marshal(req.Flow)
	if err != nil {
		return fmt.Errorf("marshal flow: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE pxm_approval_requests SET
			title = $1,
			status = $2,
			flow_process = $3,
			form_data = $4,
			current_approver_id = $5,
			version = $6,
			updated_at = $7
		WHERE id = $8 AND version = $9`,
		req.Title, req.Status, flowJSON, formDataOrEmpty(req.FormData),
		pendingApprover(req), req.Version+1, req.UpdatedAt,
		req.ID, req.Version,
	)
	if err != nil {
		return fmt.Errorf("update approval request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missedUpdate(ctx, req)
	}
	return nil
}

// missedUpdate explains an update that matched no row: the request is gone
// or its version moved on.
func (s *PgStore) missedUpdate(ctx context.Context, req model.ApprovalRequest) error {
	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM pxm_approval_requests WHERE id = $1`, req.ID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
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
func (s *PgStore) List(ctx context.Context, filters ListFilters) ([]model.ApprovalRequest, int, error) {
	where, args := listWhere(filters, pgPlaceholder)

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM pxm_approval_requests`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count approval requests: %w", err)
	}

	query, args := paginate(pgSelectRequest+where+` ORDER BY created_at DESC, id DESC`, args, filters, pgPlaceholder)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query approval requests: %w", err)
	}
	defer rows.Close()

	var result []model.ApprovalRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan approval request: %w", err)
		}
		result = append(result, req)
	}
	return result, total, rows.Err()
}

// AppendLog adds an entry to the audit trail.
func (s *PgStore) AppendLog(ctx context.Context, entry model.ApprovalLog) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO approval_logs (id, approval_id, actor_id, action_type, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID, entry.ApprovalID, entry.ActorID, entry.ActionType, entry.Content, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert approval log: %w", err)
	}
	return nil
}

// GetLogs retrieves the audit trail of a request, oldest first.
func (s *PgStore) GetLogs(ctx context.Context, approvalID string) ([]model.ApprovalLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, approval_id, actor_id, action_type, content, created_at
		FROM approval_logs
		WHERE approval_id = $1
		ORDER BY created_at ASC, seq ASC`,
		approvalID,
	)
	if err != nil {
		return nil, fmt.Errorf("query approval logs: %w", err)
	}
	defer rows.Close()

	result := []model.ApprovalLog{}
	for rows.Next() {
		var entry model.ApprovalLog
		if err := rows.Scan(
			&entry.ID, &entry.ApprovalID, &entry.ActorID, &entry.ActionType, &entry.Content, &entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan approval log: %w", err)
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}

func scanRequest(row pgx.Row) (model.ApprovalRequest, error) {
	var req model.ApprovalRequest
	var flowJSON, formJSON []byte
	if err := row.Scan(
		&req.ID, &req.Title, &req.RequesterID, &req.Status, &flowJSON, &formJSON,
		&req.TemplateID, &req.Version, &req.CreatedAt, &req.UpdatedAt,
	); err != nil {
		return model.ApprovalRequest{}, err
	}
	if err := json.Unmarshal(flowJSON, &req.Flow); err != nil {
		return model.ApprovalRequest{}, fmt.Errorf("unmarshal flow: %w", err)
	}
	req.FormData = formJSON
	return req, nil
}

// isPgUniqueViolation reports whether err is a unique_violation (23505).
func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func pgPlaceholder(n int) string { return fmt.Sprintf("$%d", n) }

// listWhere builds the WHERE clause shared by the SQL stores.
func listWhere(filters ListFilters, ph func(int) string) (string, []any) {
	var clauses []string
	var args []any
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, ph(len(args))))
	}
	if filters.RequesterID != "" {
		add("requester_id = %s", filters.RequesterID)
	}
	if filters.ApproverID != "" {
		add("current_approver_id = %s", filters.ApproverID)
	}
	if filters.Status != "" {
		add("status = %s", string(filters.Status))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	where := " WHERE " + clauses[0]
	for _, c := range clauses[1:] {
		where += " AND " + c
	}
	return where, args
}

func paginate(query string, args []any, filters ListFilters, ph func(int) string) (string, []any) {
	if filters.Limit > 0 {
		args = append(args, filters.Limit)
		query += " LIMIT " + ph(len(args))
	}
	if filters.Offset > 0 {
		args = append(args, filters.Offset)
		query += " OFFSET " + ph(len(args))
	}
	return query, args
}

func formDataOrEmpty(data json.RawMessage) []byte {
	if len(data) == 0 {
		return []byte("{}")
	}
	return data
}
