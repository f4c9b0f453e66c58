package template

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pitabwire/pxm/model"
)

// timeLayout matches the approval SQL store so timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteSchema creates the template table for the embedded SQL store.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS approval_templates (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	description       TEXT,
	form_schema       TEXT,
	workflow_snapshot TEXT NOT NULL,
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL
);
`

const sqlSelectTemplate = `SELECT id, name, description, form_schema, workflow_snapshot, created_at, updated_at FROM approval_templates`

// SQLStore is a database/sql-backed Store.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a database/sql template store.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Migrate creates the template table if it does not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, SQLiteSchema); err != nil {
		return fmt.Errorf("migrate template table: %w", err)
	}
	return nil
}

// Create inserts a new template.
func (s *SQLStore) Create(ctx context.Context, tpl model.Template) error {
	snapshot, err := json.Marshal(tpl.WorkflowSnapshot)
	if err != nil {
		return fmt.Errorf("marshal workflow snapshot: %w", err)
	}

	var formSchema sql.NullString
	if len(tpl.FormSchema) > 0 {
		formSchema = sql.NullString{String: string(tpl.FormSchema), Valid: true}
	}
	var description sql.NullString
	if tpl.Description != nil {
		description = sql.NullString{String: *tpl.Description, Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO approval_templates (id, name, description, form_schema, workflow_snapshot, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tpl.ID, tpl.Name, description, formSchema, string(snapshot),
		tpl.CreatedAt.UTC().Format(timeLayout), tpl.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return model.NewConflictError(fmt.Sprintf("template %q already exists", tpl.ID))
	}
	if err != nil {
		return fmt.Errorf("insert template: %w", err)
	}
	return nil
}

// Get retrieves a template by ID.
func (s *SQLStore) Get(ctx context.Context, id string) (model.Template, error) {
	tpl, err := scanSQLTemplate(s.db.QueryRowContext(ctx, sqlSelectTemplate+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Template{}, model.NewNotFoundError(fmt.Sprintf("template %q not found", id))
	}
	if err != nil {
		return model.Template{}, fmt.Errorf("query template: %w", err)
	}
	return tpl, nil
}

// List returns all templates, newest first.
func (s *SQLStore) List(ctx context.Context) ([]model.Template, error) {
	rows, err := s.db.QueryContext(ctx, sqlSelectTemplate+` ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := []model.Template{}
	for rows.Next() {
		tpl, err := scanSQLTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		result = append(result, tpl)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLTemplate(row rowScanner) (model.Template, error) {
	var (
		tpl                     model.Template
		description, formSchema sql.NullString
		snapshot                string
		createdAt, updatedAt    string
	)
	if err := row.Scan(&tpl.ID, &tpl.Name, &description, &formSchema, &snapshot, &createdAt, &updatedAt); err != nil {
		return model.Template{}, err
	}
	if description.Valid {
		tpl.Description = &description.String
	}
	if formSchema.Valid {
		tpl.FormSchema = json.RawMessage(formSchema.String)
	}
	if err := json.Unmarshal([]byte(snapshot), &tpl.WorkflowSnapshot); err != nil {
		return model.Template{}, fmt.Errorf("unmarshal workflow snapshot: %w", err)
	}
	var err error
	if tpl.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return model.Template{}, fmt.Errorf("parse created_at: %w", err)
	}
	if tpl.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return model.Template{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return tpl, nil
}
