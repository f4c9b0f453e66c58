package identity

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/pxm/internal/observability"
	"github.com/pitabwire/pxm/internal/validation"
	"github.com/pitabwire/pxm/model"
)

const errInvalidCredentials = "invalid credentials"

// RegisterInput is the payload for creating an account.
type RegisterInput struct {
	Email        string  `json:"email" validate:"required,email,max=254"`
	Password     string  `json:"password" validate:"required,min=6,max=72"`
	FullName     string  `json:"full_name" validate:"required,min=2,max=100"`
	Position     *string `json:"position,omitempty" validate:"omitempty,max=100"`
	DepartmentID *string `json:"department_id,omitempty"`
}

// LoginInput is the payload for signing in.
type LoginInput struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// AuthResponse is returned by Register and Login.
type AuthResponse struct {
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expires_at"`
	User      model.User `json:"user"`
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides identifier generation.
func WithIDGenerator(gen func() string) Option {
	return func(s *Service) { s.newID = gen }
}

// Service manages accounts and the organisation chart.
type Service struct {
	store   Store
	tokens  *TokenIssuer
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
	newID   func() string
}

// NewService creates an identity service.
func NewService(store Store, tokens *TokenIssuer, opts ...Option) *Service {
	s := &Service{
		store:  store,
		tokens: tokens,
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register creates an active account and signs the caller in.
func (s *Service) Register(ctx context.Context, in RegisterInput) (resp AuthResponse, err error) {
	defer func() { s.metrics.RecordAuthAttempt("register", authResult(err)) }()

	// 1. Validate input.
	in.Email = normalizeEmail(in.Email)
	in.FullName = strings.TrimSpace(in.FullName)
	if err = validation.Struct(in); err != nil {
		return AuthResponse{}, err
	}
	if in.DepartmentID != nil {
		if _, derr := s.store.GetDepartment(ctx, *in.DepartmentID); derr != nil {
			if model.CodeOf(derr) != model.ErrNotFound {
				return AuthResponse{}, derr
			}
			err = model.NewValidationError([]model.FieldError{{
				Field: "department_id", Code: validation.CodeInvalid, Message: "department does not exist",
			}})
			return AuthResponse{}, err
		}
	}

	// 2. Reject taken emails before paying for the hash.
	if _, lookupErr := s.store.GetUserByEmail(ctx, in.Email); lookupErr == nil {
		err = model.NewConflictError("email already registered")
		return AuthResponse{}, err
	} else if model.CodeOf(lookupErr) != model.ErrNotFound {
		err = lookupErr
		return AuthResponse{}, err
	}

	// 3. Persist.
	hash, err := HashPassword(in.Password)
	if err != nil {
		return AuthResponse{}, err
	}
	now := s.now()
	user := model.User{
		ID:           s.newID(),
		Email:        in.Email,
		PasswordHash: hash,
		FullName:     in.FullName,
		Position:     in.Position,
		DepartmentID: in.DepartmentID,
		Status:       model.UserStatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err = s.store.CreateUser(ctx, user); err != nil {
		return AuthResponse{}, err
	}

	s.logger.Info("user registered", zap.String("user_id", user.ID))

	// 4. Sign in.
	return s.issue(user)
}

// Login verifies credentials and returns a fresh token. Unknown emails, wrong
// passwords and inactive accounts all yield the same UNAUTHORIZED error.
func (s *Service) Login(ctx context.Context, in LoginInput) (resp AuthResponse, err error) {
	defer func() { s.metrics.RecordAuthAttempt("login", authResult(err)) }()

	if err = validation.Struct(in); err != nil {
		return AuthResponse{}, err
	}

	user, err := s.store.GetUserByEmail(ctx, normalizeEmail(in.Email))
	if model.CodeOf(err) == model.ErrNotFound {
		err = model.NewUnauthorizedError(errInvalidCredentials)
		return AuthResponse{}, err
	}
	if err != nil {
		return AuthResponse{}, err
	}

	ok, err := CheckPassword(user.PasswordHash, in.Password)
	if err != nil {
		s.logger.Error("stored password hash is unusable", zap.String("user_id", user.ID), zap.Error(err))
		err = model.NewUnauthorizedError(errInvalidCredentials)
		return AuthResponse{}, err
	}
	if !ok || user.Status != model.UserStatusActive {
		s.logger.Warn("login rejected", zap.String("user_id", user.ID))
		err = model.NewUnauthorizedError(errInvalidCredentials)
		return AuthResponse{}, err
	}

	now := s.now()
	if err = s.store.TouchLastLogin(ctx, user.ID, now); err != nil {
		return AuthResponse{}, err
	}
	user.LastLoginAt = &now
	user.UpdatedAt = now

	s.logger.Debug("user signed in", zap.String("user_id", user.ID))
	return s.issue(user)
}

// GetUser returns an account by ID.
func (s *Service) GetUser(ctx context.Context, id string) (model.User, error) {
	return s.store.GetUser(ctx, id)
}

// ListActive returns the directory of active users ordered by full name.
func (s *Service) ListActive(ctx context.Context) ([]model.UserSummary, error) {
	users, err := s.store.ListActiveUsers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.UserSummary, len(users))
	for i, u := range users {
		out[i] = u.Summarize()
	}
	return out, nil
}

// ManagerOf returns the manager of the user's department.
func (s *Service) ManagerOf(ctx context.Context, userID string) (model.UserSummary, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return model.UserSummary{}, err
	}
	if user.DepartmentID == nil {
		return model.UserSummary{}, model.NewNotFoundError("user has no department")
	}
	dept, err := s.store.GetDepartment(ctx, *user.DepartmentID)
	if err != nil {
		return model.UserSummary{}, err
	}
	if dept.ManagerID == nil {
		return model.UserSummary{}, model.NewNotFoundError("department has no manager")
	}
	manager, err := s.store.GetUser(ctx, *dept.ManagerID)
	if err != nil {
		return model.UserSummary{}, err
	}
	return manager.Summarize(), nil
}

// CreateDepartment adds a department, optionally with a manager.
func (s *Service) CreateDepartment(ctx context.Context, name string, managerID *string) (model.Department, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.Department{}, model.NewValidationError([]model.FieldError{{
			Field: "name", Code: validation.CodeRequired, Message: "name is required",
		}})
	}
	dept := model.Department{ID: s.newID(), Name: name, ManagerID: managerID}
	if err := s.store.CreateDepartment(ctx, dept); err != nil {
		return model.Department{}, err
	}
	s.logger.Info("department created", zap.String("department_id", dept.ID), zap.String("name", name))
	return dept, nil
}

// AssignManager makes userID the manager of deptID.
func (s *Service) AssignManager(ctx context.Context, deptID, userID string) error {
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return err
	}
	return s.store.SetDepartmentManager(ctx, deptID, &userID)
}

func (s *Service) issue(user model.User) (AuthResponse, error) {
	token, exp, err := s.tokens.Issue(user)
	if err != nil {
		return AuthResponse{}, err
	}
	return AuthResponse{Token: token, ExpiresAt: exp, User: user}, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func authResult(err error) string {
	if err == nil {
		return "success"
	}
	if code := model.CodeOf(err); code != "" {
		return strings.ToLower(code)
	}
	return "error"
}
