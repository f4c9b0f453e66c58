package identity

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/pxm/model"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	users       map[string]model.User
	byEmail     map[string]string
	departments map[string]model.Department
}

// NewMemoryStore creates an empty in-memory identity store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[string]model.User),
		byEmail:     make(map[string]string),
		departments: make(map[string]model.Department),
	}
}

// CreateUser persists a new user.
func (s *MemoryStore) CreateUser(_ context.Context, user model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[user.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("user %q already exists", user.ID))
	}
	if _, exists := s.byEmail[user.Email]; exists {
		return model.NewConflictError("email already registered")
	}
	s.users[user.ID] = cloneUser(user)
	s.byEmail[user.Email] = user.ID
	return nil
}

// GetUser retrieves a user by ID.
func (s *MemoryStore) GetUser(_ context.Context, id string) (model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return model.User{}, model.NewNotFoundError(fmt.Sprintf("user %q not found", id))
	}
	return cloneUser(u), nil
}

// GetUserByEmail retrieves a user by email.
func (s *MemoryStore) GetUserByEmail(_ context.Context, email string) (model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[email]
	if !ok {
		return model.User{}, model.NewNotFoundError("user not found")
	}
	return cloneUser(s.users[id]), nil
}

// TouchLastLogin records a successful sign-in.
func (s *MemoryStore) TouchLastLogin(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("user %q not found", id))
	}
	u.LastLoginAt = &at
	u.UpdatedAt = at
	s.users[id] = u
	return nil
}

// ListActiveUsers returns active users ordered by full name.
func (s *MemoryStore) ListActiveUsers(_ context.Context) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.User{}
	for _, u := range s.users {
		if u.Status == model.UserStatusActive {
			result = append(result, cloneUser(u))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].FullName == result[j].FullName {
			return result[i].ID < result[j].ID
		}
		return result[i].FullName < result[j].FullName
	})
	return result, nil
}

// CreateDepartment persists a new department.
func (s *MemoryStore) CreateDepartment(_ context.Context, dept model.Department) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.departments[dept.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("department %q already exists", dept.ID))
	}
	s.departments[dept.ID] = cloneDepartment(dept)
	return nil
}

// GetDepartment retrieves a department by ID.
func (s *MemoryStore) GetDepartment(_ context.Context, id string) (model.Department, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.departments[id]
	if !ok {
		return model.Department{}, model.NewNotFoundError(fmt.Sprintf("department %q not found", id))
	}
	return cloneDepartment(d), nil
}

// SetDepartmentManager assigns a department's manager.
func (s *MemoryStore) SetDepartmentManager(_ context.Context, deptID string, managerID *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.departments[deptID]
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("department %q not found", deptID))
	}
	d.ManagerID = copyString(managerID)
	s.departments[deptID] = d
	return nil
}

func cloneUser(u model.User) model.User {
	u.Position = copyString(u.Position)
	u.DepartmentID = copyString(u.DepartmentID)
	if u.LastLoginAt != nil {
		t := *u.LastLoginAt
		u.LastLoginAt = &t
	}
	return u
}

func cloneDepartment(d model.Department) model.Department {
	d.ManagerID = copyString(d.ManagerID)
	return d
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
