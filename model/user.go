package model

import "time"

// UserStatusActive marks an account that can sign in and receive approvals.
const UserStatusActive = "ACTIVE"

// User is an account that can request and approve.
type User struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	FullName     string     `json:"full_name"`
	Position     *string    `json:"position"`
	DepartmentID *string    `json:"department_id"`
	Status       string     `json:"status"`
	LastLoginAt  *time.Time `json:"last_login_at"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// UserSummary is the directory projection of a user.
type UserSummary struct {
	ID       string  `json:"id"`
	FullName string  `json:"full_name"`
	Email    string  `json:"email"`
	Position *string `json:"position"`
}

// Summarize projects a user into its directory form.
func (u User) Summarize() UserSummary {
	return UserSummary{ID: u.ID, FullName: u.FullName, Email: u.Email, Position: u.Position}
}

// Department groups users under a manager.
type Department struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	ManagerID *string `json:"manager_id"`
}
