package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/pxm/model"
)

// PgSchema creates the identity tables in PostgreSQL.
const PgSchema = `
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
	last_login_at TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS pxm_users_status_name_idx ON pxm_users (status, full_name);
`

const pgSelectUser = `SELECT id, email, password_hash, full_name, position, department_id,
       status, last_login_at, created_at, updated_at
FROM pxm_users`

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL identity store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate creates the identity tables if they do not exist.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, PgSchema); err != nil {
		return fmt.Errorf("migrate identity tables: %w", err)
	}
	return nil
}

// CreateUser inserts a new user.
func (s *PgStore) CreateUser(ctx context.Context, user model.User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pxm_users (
			id, email, password_hash, full_name, position, department_id,
			status, last_login_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		user.ID, user.Email, user.PasswordHash, user.FullName, user.Position, user.DepartmentID,
		user.Status, user.LastLoginAt, user.CreatedAt, user.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return model.NewConflictError("email already registered")
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID.
func (s *PgStore) GetUser(ctx context.Context, id string) (model.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, pgSelectUser+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.User{}, model.NewNotFoundError(fmt.Sprintf("user %q not found", id))
	}
	if err != nil {
		return model.User{}, fmt.Errorf("query user: %w", err)
	}
	return u, nil
}

// GetUserByEmail retrieves a user by email.
func (s *PgStore) GetUserByEmail(ctx context.Context, email string) (model.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, pgSelectUser+` WHERE email = $1`, email))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.User{}, model.NewNotFoundError("user not found")
	}
	if err != nil {
		return model.User{}, fmt.Errorf("query user by email: %w", err)
	}
	return u, nil
}

// TouchLastLogin records a successful sign-in.
func (s *PgStore) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pxm_users SET last_login_at = $1, updated_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("user %q not found", id))
	}
	return nil
}

// ListActiveUsers returns active users ordered by full name.
func (s *PgStore) ListActiveUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.pool.Query(ctx, pgSelectUser+` WHERE status = $1 ORDER BY full_name ASC, id ASC`,
		model.UserStatusActive)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	result := []model.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		result = append(result, u)
	}
	return result, rows.Err()
}

// CreateDepartment inserts a new department.
func (s *PgStore) CreateDepartment(ctx context.Context, dept model.Department) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pxm_departments (id, name, manager_id) VALUES ($1, $2, $3)`,
		dept.ID, dept.Name, dept.ManagerID)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return model.NewConflictError(fmt.Sprintf("department %q already exists", dept.ID))
	}
	if err != nil {
		return fmt.Errorf("insert department: %w", err)
	}
	return nil
}

// GetDepartment retrieves a department by ID.
func (s *PgStore) GetDepartment(ctx context.Context, id string) (model.Department, error) {
	var d model.Department
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, manager_id FROM pxm_departments WHERE id = $1`, id,
	).Scan(&d.ID, &d.Name, &d.ManagerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Department{}, model.NewNotFoundError(fmt.Sprintf("department %q not found", id))
	}
	if err != nil {
		return model.Department{}, fmt.Errorf("query department: %w", err)
	}
	return d, nil
}

// SetDepartmentManager assigns a department's manager.
func (s *PgStore) SetDepartmentManager(ctx context.Context, deptID string, managerID *string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pxm_departments SET manager_id = $1 WHERE id = $2`, managerID, deptID)
	if err != nil {
		return fmt.Errorf("update department manager: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("department %q not found", deptID))
	}
	return nil
}

func scanUser(row pgx.Row) (model.User, error) {
	var u model.User
	err := row.Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.FullName, &u.Position, &u.DepartmentID,
		&u.Status, &u.LastLoginAt, &u.CreatedAt, &u.UpdatedAt,
	)
	return u, err
}
