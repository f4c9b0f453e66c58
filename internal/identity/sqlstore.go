package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pitabwire/pxm/model"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteSchema creates the identity tables for the embedded SQL store.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS pxm_departments (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	manager_id TEXT
);

CREATE TABLE IF NOT EXISTS pxm_users (
	id            TEXT PRIMARY KEY,
	email         TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	full_name     TEXT NOT NULL,
	position      TEXT,
	department_id TEXT REFERENCES pxm_departments (id),
	status        TEXT NOT NULL DEFAULT 'ACTIVE',
	last_login_at TEXT,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);
`

const sqlSelectUser = `SELECT id, email, password_hash, full_name, position, department_id, status, last_login_at, created_at, updated_at FROM pxm_users`

// SQLStore is a database/sql-backed Store.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a database/sql identity store.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Migrate creates the identity tables if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, SQLiteSchema); err != nil {
		return fmt.Errorf("migrate identity tables: %w", err)
	}
	return nil
}

// CreateUser inserts a new user.
func (s *SQLStore) CreateUser(ctx context.Context, user model.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pxm_users (id, email, password_hash, full_name, position, department_id, status, last_login_at, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		user.ID, user.Email, user.PasswordHash, user.FullName,
		nullString(user.Position), nullString(user.DepartmentID), user.Status,
		nullTime(user.LastLoginAt), formatTime(user.CreatedAt), formatTime(user.UpdatedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return model.NewConflictError("email already registered")
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID.
func (s *SQLStore) GetUser(ctx context.Context, id string) (model.User, error) {
	u, err := scanSQLUser(s.db.QueryRowContext(ctx, sqlSelectUser+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, model.NewNotFoundError(fmt.Sprintf("user %q not found", id))
	}
	if err != nil {
		return model.User{}, fmt.Errorf("query user: %w", err)
	}
	return u, nil
}

// GetUserByEmail retrieves a user by email.
func (s *SQLStore) GetUserByEmail(ctx context.Context, email string) (model.User, error) {
	u, err := scanSQLUser(s.db.QueryRowContext(ctx, sqlSelectUser+` WHERE email = ?`, email))
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, model.NewNotFoundError("user not found")
	}
	if err != nil {
		return model.User{}, fmt.Errorf("query user by email: %w", err)
	}
	return u, nil
}

// TouchLastLogin records a successful sign-in.
func (s *SQLStore) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	ts := formatTime(at)
	res, err := s.db.ExecContext(ctx,
		`UPDATE pxm_users SET last_login_at = ?, updated_at = ? WHERE id = ?`, ts, ts, id)
	if err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	return requireRow(res, fmt.Sprintf("user %q not found", id))
}

// ListActiveUsers returns active users ordered by full name.
func (s *SQLStore) ListActiveUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.db.QueryContext(ctx,
		sqlSelectUser+` WHERE status = ? ORDER BY full_name ASC, id ASC`, model.UserStatusActive)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := []model.User{}
	for rows.Next() {
		u, err := scanSQLUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		result = append(result, u)
	}
	return result, rows.Err()
}

// CreateDepartment inserts a new department.
func (s *SQLStore) CreateDepartment(ctx context.Context, dept model.Department) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pxm_departments (id, name, manager_id) VALUES (?, ?, ?)`,
		dept.ID, dept.Name, nullString(dept.ManagerID))
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return model.NewConflictError(fmt.Sprintf("department %q already exists", dept.ID))
	}
	if err != nil {
		return fmt.Errorf("insert department: %w", err)
	}
	return nil
}

// GetDepartment retrieves a department by ID.
func (s *SQLStore) GetDepartment(ctx context.Context, id string) (model.Department, error) {
	var (
		d       model.Department
		manager sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, manager_id FROM pxm_departments WHERE id = ?`, id,
	).Scan(&d.ID, &d.Name, &manager)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Department{}, model.NewNotFoundError(fmt.Sprintf("department %q not found", id))
	}
	if err != nil {
		return model.Department{}, fmt.Errorf("query department: %w", err)
	}
	if manager.Valid {
		d.ManagerID = &manager.String
	}
	return d, nil
}

// SetDepartmentManager assigns a department's manager.
func (s *SQLStore) SetDepartmentManager(ctx context.Context, deptID string, managerID *string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pxm_departments SET manager_id = ? WHERE id = ?`, nullString(managerID), deptID)
	if err != nil {
		return fmt.Errorf("update department manager: %w", err)
	}
	return requireRow(res, fmt.Sprintf("department %q not found", deptID))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLUser(row rowScanner) (model.User, error) {
	var (
		u                    model.User
		position, department sql.NullString
		lastLogin            sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.FullName, &position, &department,
		&u.Status, &lastLogin, &createdAt, &updatedAt,
	); err != nil {
		return model.User{}, err
	}
	if position.Valid {
		u.Position = &position.String
	}
	if department.Valid {
		u.DepartmentID = &department.String
	}
	if lastLogin.Valid {
		t, err := time.Parse(timeLayout, lastLogin.String)
		if err != nil {
			return model.User{}, fmt.Errorf("parse last_login_at: %w", err)
		}
		u.LastLoginAt = &t
	}
	var err error
	if u.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return model.User{}, fmt.Errorf("parse created_at: %w", err)
	}
	if u.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return model.User{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return u, nil
}

func requireRow(res sql.Result, notFound string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return model.NewNotFoundError(notFound)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
