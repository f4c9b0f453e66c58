package template

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

// PgSchema creates the template table in PostgreSQL.
const PgSchema = `
CREATE TABLE IF NOT EXISTS approval_templates (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	description       TEXT,
	form_schema       JSONB,
	workflow_snapshot JSONB NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL
);
`

const pgSelectTemplate = `SELECT id, name, description, form_schema, workflow_snapshot, created_at, updated_at
FROM approval_templates`

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL template store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate creates the template table if it does not exist.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, PgSchema); err != nil {
		return fmt.Errorf("migrate template table: %w", err)
	}
	return nil
}

// Create inserts a new template.
func (s *PgStore) Create(ctx context.Context, tpl model.Template) error {
	snapshot, err := json.Marshal(tpl.WorkflowSnapshot)
	if err != nil {
		return fmt.Errorf("marshal workflow snapshot: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO approval_templates (id, name, description, form_schema, workflow_snapshot, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		tpl.ID, tpl.Name, tpl.Description, nullJSON(tpl.FormSchema), snapshot, tpl.CreatedAt, tpl.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return model.NewConflictError(fmt.Sprintf("template %q already exists", tpl.ID))
	}
	if err != nil {
		return fmt.Errorf("insert template: %w", err)
	}
	return nil
}

// Get retrieves a template by ID.
func (s *PgStore) Get(ctx context.Context, id string) (model.Template, error) {
	tpl, err := scanTemplate(s.pool.QueryRow(ctx, pgSelectTemplate+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Template{}, model.NewNotFoundError(fmt.Sprintf("template %q not found", id))
	}
	if err != nil {
		return model.Template{}, fmt.Errorf("query template: %w", err)
	}
	return tpl, nil
}

// List returns all templates, newest first.
func (s *PgStore) List(ctx context.Context) ([]model.Template, error) {
	rows, err := s.pool.Query(ctx, pgSelectTemplate+` ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	defer rows.Close()

	result := []model.Template{}
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		result = append(result, tpl)
	}
	return result, rows.Err()
}

func scanTemplate(row pgx.Row) (model.Template, error) {
	var tpl model.Template
	var formSchema, snapshot []byte
	if err := row.Scan(
		&tpl.ID, &tpl.Name, &tpl.Description, &formSchema, &snapshot, &tpl.CreatedAt, &tpl.UpdatedAt,
	); err != nil {
		return model.Template{}, err
	}
	if err := json.Unmarshal(snapshot, &tpl.WorkflowSnapshot); err != nil {
		return model.Template{}, fmt.Errorf("unmarshal workflow snapshot: %w", err)
	}
	if len(formSchema) > 0 {
		tpl.FormSchema = formSchema
	}
	return tpl, nil
}

func nullJSON(data json.RawMessage) []byte {
	if len(data) == 0 {
		return nil
	}
	return data
}
