// Package identity manages user accounts, departments and the tokens that
// authenticate API callers.
package identity

import (
	"context"
	"time"

	"github.com/pitabwire/pxm/model"
)

// Store persists users and departments.
type Store interface {
	// CreateUser persists a new user. Returns CONFLICT if the ID or the
	// email is already taken.
	CreateUser(ctx context.Context, user model.User) error

	// GetUser retrieves a user by ID. Returns NOT_FOUND if absent.
	GetUser(ctx context.Context, id string) (model.User, error)

	// GetUserByEmail retrieves a user by normalised email. Returns NOT_FOUND
	// if absent.
	GetUserByEmail(ctx context.Context, email string) (model.User, error)

	// TouchLastLogin records a successful sign-in.
	TouchLastLogin(ctx context.Context, id string, at time.Time) error

	// ListActiveUsers returns users with status ACTIVE ordered by full name.
	ListActiveUsers(ctx context.Context) ([]model.User, error)

	CreateDepartment(ctx context.Context, dept model.Department) error
	GetDepartment(ctx context.Context, id string) (model.Department, error)

	// SetDepartmentManager assigns (or clears, with nil) a department's
	// manager.
	SetDepartmentManager(ctx context.Context, deptID string, managerID *string) error
}
