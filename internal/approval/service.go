package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/pxm/internal/flow"
	"github.com/pitabwire/pxm/internal/observability"
	"github.com/pitabwire/pxm/internal/validation"
	"github.com/pitabwire/pxm/model"
)

// TemplateSource resolves templates for CreateFromTemplate.
type TemplateSource interface {
	Get(ctx context.Context, id string) (model.Template, error)
	ValidateForm(ctx context.Context, tpl model.Template, data json.RawMessage) error
}

// CreateInput is the payload for creating an approval request directly.
type CreateInput struct {
	Title    string            `json:"title" validate:"required,max=200"`
	FormData json.RawMessage   `json:"form_data"`
	Flow     model.FlowProcess `json:"flow_process"`
}

// TemplateInput is the payload for creating an approval request from a
// template. An empty title is replaced by "<template name> - <timestamp>".
type TemplateInput struct {
	Title    string          `json:"title" validate:"max=200"`
	FormData json.RawMessage `json:"form_data"`
}

// ActionResult is the outcome of an approver decision.
type ActionResult struct {
	Request model.ApprovalRequest
	Outcome flow.Outcome
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

// Service manages approval requests.
type Service struct {
	store     Store
	templates TemplateSource
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
	newID     func() string
}

// NewService creates an approval service. templates may be nil, in which
// case CreateFromTemplate reports NOT_FOUND.
func NewService(store Store, templates TemplateSource, opts ...Option) *Service {
	s := &Service{
		store:     tracedStore{Store: store},
		templates: templates,
		logger:    zap.NewNop(),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create opens a new approval request raised by actorID. The flow is reset so
// that every step is pending and the pointer is at step 1.
func (s *Service) Create(ctx context.Context, actorID string, in CreateInput) (model.ApprovalRequest, error) {
	ctx, span := observability.StartSpan(ctx, "approval.create",
		observability.AttrSubjectID.String(actorID),
	)
	var err error
	defer func() { observability.EndSpanWithError(span, err) }()

	// 1. Validate input.
	in.Title = strings.TrimSpace(in.Title)
	details := validation.Fields(in)
	details = append(details, in.Flow.Validate()...)
	formData, formErr := normalizeFormData(in.FormData)
	if formErr != nil {
		details = append(details, *formErr)
	}
	if len(details) > 0 {
		err = model.NewValidationError(details)
		return model.ApprovalRequest{}, err
	}

	// 2. Build and persist.
	req := s.newRequest(actorID, in.Title, formData, in.Flow, nil)
	if err = s.store.Create(ctx, req); err != nil {
		return model.ApprovalRequest{}, err
	}

	span.SetAttributes(observability.AttrApprovalID.String(req.ID))
	s.logger.Info("approval request created",
		zap.String("approval_id", req.ID),
		zap.String("requester_id", actorID),
		zap.Int("steps", len(req.Flow.Steps)),
	)
	s.metrics.RecordApprovalCreated("direct")

	// 3. Audit entry.
	s.appendLog(ctx, req.ID, actorID, model.LogCreated, nil)
	return req, nil
}

// CreateFromTemplate opens a new approval request whose flow is a fresh copy
// of the template's workflow snapshot. The form data is validated against
// the template's form schema.
func (s *Service) CreateFromTemplate(ctx context.Context, actorID, templateID string, in TemplateInput) (model.ApprovalRequest, error) {
	ctx, span := observability.StartSpan(ctx, "approval.create_from_template",
		observability.AttrSubjectID.String(actorID),
		observability.AttrTemplateID.String(templateID),
	)
	var err error
	defer func() { observability.EndSpanWithError(span, err) }()

	if s.templates == nil {
		err = model.NewNotFoundError(fmt.Sprintf("template %q not found", templateID))
		return model.ApprovalRequest{}, err
	}

	// 1. Resolve template.
	tpl, err := s.templates.Get(ctx, templateID)
	if err != nil {
		return model.ApprovalRequest{}, err
	}

	// 2. Validate input.
	in.Title = strings.TrimSpace(in.Title)
	if err = validation.Struct(in); err != nil {
		return model.ApprovalRequest{}, err
	}
	formData, formErr := normalizeFormData(in.FormData)
	if formErr != nil {
		err = model.NewValidationError([]model.FieldError{*formErr})
		return model.ApprovalRequest{}, err
	}
	if err = s.templates.ValidateForm(ctx, tpl, formData); err != nil {
		return model.ApprovalRequest{}, err
	}

	title := in.Title
	if title == "" {
		title = fmt.Sprintf("%s - %s", tpl.Name, s.now().UTC().Format("2006-01-02 15:04"))
	}

	// 3. Build and persist.
	tplID := tpl.ID
	req := s.newRequest(actorID, title, formData, tpl.WorkflowSnapshot, &tplID)
	if err = s.store.Create(ctx, req); err != nil {
		return model.ApprovalRequest{}, err
	}

	span.SetAttributes(observability.AttrApprovalID.String(req.ID))
	s.logger.Info("approval request created from template",
		zap.String("approval_id", req.ID),
		zap.String("template_id", tpl.ID),
		zap.String("requester_id", actorID),
	)
	s.metrics.RecordApprovalCreated("template")

	// 4. Audit entry.
	s.appendLog(ctx, req.ID, actorID, model.LogCreated, nil)
	return req, nil
}

// Get returns an approval request by ID.
func (s *Service) Get(ctx context.Context, id string) (model.ApprovalRequest, error) {
	return s.store.Get(ctx, id)
}

// List returns summaries of requests matching the filters, newest first,
// together with the total number of matches.
func (s *Service) List(ctx context.Context, filters ListFilters) ([]model.ApprovalSummary, int, error) {
	if filters.Status != "" && !filters.Status.Valid() {
		return nil, 0, model.NewBadRequestError(fmt.Sprintf("unknown status %q", filters.Status))
	}
	if filters.Limit < 0 || filters.Offset < 0 {
		return nil, 0, model.NewBadRequestError("limit and offset must not be negative")
	}

	reqs, total, err := s.store.List(ctx, filters)
	if err != nil {
		return nil, 0, err
	}
	out := make([]model.ApprovalSummary, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, r.Summarize())
	}
	return out, total, nil
}

// Approve records actorID's approval of the current step.
func (s *Service) Approve(ctx context.Context, actorID, id string) (ActionResult, error) {
	return s.act(ctx, actorID, id, model.ActionApprove, nil)
}

// Reject records actorID's rejection of the current step. A non-blank reason
// becomes the content of the audit entry; a blank one leaves it null.
func (s *Service) Reject(ctx context.Context, actorID, id, reason string) (ActionResult, error) {
	var content *string
	if reason = strings.TrimSpace(reason); reason != "" {
		content = &reason
	}
	return s.act(ctx, actorID, id, model.ActionReject, content)
}

func (s *Service) act(ctx context.Context, actorID, id string, action model.Action, reason *string) (ActionResult, error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "approval.act",
		observability.AttrApprovalID.String(id),
		observability.AttrAction.String(string(action)),
		observability.AttrSubjectID.String(actorID),
	)
	var err error
	defer func() { observability.EndSpanWithError(span, err) }()

	fail := func(e error) (ActionResult, error) {
		err = e
		s.metrics.RecordApprovalActionFailure(string(action), codeLabel(e))
		return ActionResult{}, e
	}

	// 1. Load request.
	req, err := s.store.Get(ctx, id)
	if err != nil {
		return fail(err)
	}

	// 2. Apply the decision to a copy of the flow.
	now := s.now()
	next, outcome, err := flow.Apply(req.Flow, action, actorID, now)
	if err != nil {
		expected, _ := req.Flow.CurrentApprover()
		s.logger.Warn("approval decision refused",
			zap.String("approval_id", id),
			zap.String("action", string(action)),
			zap.String("actor_id", actorID),
			zap.String("expected_approver_id", expected),
			zap.Int("current_step", req.Flow.CurrentStep),
			zap.String("code", model.CodeOf(err)),
		)
		return fail(err)
	}

	// 3. Persist with optimistic locking on the version read in step 1.
	updated := req.Clone()
	updated.Flow = next
	updated.Status = flow.OverallStatus(outcome)
	updated.UpdatedAt = now
	if err = s.store.Update(ctx, updated); err != nil {
		if model.CodeOf(err) == model.ErrConflict {
			s.logger.Warn("approval decision lost a concurrent update",
				zap.String("approval_id", id),
				zap.String("actor_id", actorID),
				zap.Int("version", req.Version),
			)
		}
		return fail(err)
	}
	updated.Version++

	span.SetAttributes(
		observability.AttrOutcome.String(outcome.String()),
		observability.AttrStepSeq.Int(req.Flow.CurrentStep),
	)
	s.logger.Info("approval decision recorded",
		zap.String("approval_id", id),
		zap.String("action", string(action)),
		zap.String("actor_id", actorID),
		zap.String("outcome", outcome.String()),
		zap.String("status", string(updated.Status)),
		zap.Int("current_step", updated.Flow.CurrentStep),
	)
	s.metrics.RecordApprovalAction(string(action), outcome.String(), time.Since(start))

	// 4. Audit entry.
	logAction := model.LogApproved
	if action == model.ActionReject {
		logAction = model.LogRejected
	}
	s.appendLog(ctx, id, actorID, logAction, reason)

	return ActionResult{Request: updated, Outcome: outcome}, nil
}

// Comment appends a comment to the request's audit trail. The flow is never
// touched.
func (s *Service) Comment(ctx context.Context, actorID, id, content string) (model.ApprovalLog, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return model.ApprovalLog{}, model.NewValidationError([]model.FieldError{
			{Field: "content", Code: validation.CodeRequired, Message: "content is required"},
		})
	}
	if _, err := s.store.Get(ctx, id); err != nil {
		return model.ApprovalLog{}, err
	}

	entry := model.ApprovalLog{
		ID:         s.newID(),
		ApprovalID: id,
		ActorID:    actorID,
		ActionType: model.LogComment,
		Content:    &content,
		CreatedAt:  s.now(),
	}
	if err := s.store.AppendLog(ctx, entry); err != nil {
		s.metrics.RecordLogAppendFailure(string(model.LogComment))
		return model.ApprovalLog{}, err
	}
	s.metrics.RecordApprovalComment()
	return entry, nil
}

// Logs returns the audit trail of a request, oldest first.
func (s *Service) Logs(ctx context.Context, id string) ([]model.ApprovalLog, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.GetLogs(ctx, id)
}

func (s *Service) newRequest(actorID, title string, formData json.RawMessage, f model.FlowProcess, templateID *string) model.ApprovalRequest {
	now := s.now()
	return model.ApprovalRequest{
		ID:          s.newID(),
		Title:       title,
		RequesterID: actorID,
		Status:      model.RequestPending,
		Flow:        f.Reset(),
		FormData:    formData,
		TemplateID:  templateID,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// appendLog writes an audit entry after a successful state change. Failures
// are logged and counted; the state change stands.
func (s *Service) appendLog(ctx context.Context, approvalID, actorID string, action model.LogAction, content *string) {
	entry := model.ApprovalLog{
		ID:         s.newID(),
		ApprovalID: approvalID,
		ActorID:    actorID,
		ActionType: action,
		Content:    content,
		CreatedAt:  s.now(),
	}
	if err := s.store.AppendLog(ctx, entry); err != nil {
		s.logger.Warn("failed to append approval log",
			zap.String("approval_id", approvalID),
			zap.String("action_type", string(action)),
			zap.Error(err),
		)
		s.metrics.RecordLogAppendFailure(string(action))
	}
}

// normalizeFormData defaults absent form data to an empty object and rejects
// malformed JSON.
func normalizeFormData(data json.RawMessage) (json.RawMessage, *model.FieldError) {
	if len(strings.TrimSpace(string(data))) == 0 || string(data) == "null" {
		return json.RawMessage(`{}`), nil
	}
	if !json.Valid(data) {
		return nil, &model.FieldError{Field: "form_data", Code: validation.CodeInvalidFormat, Message: "form_data must be valid JSON"}
	}
	return append(json.RawMessage(nil), data...), nil
}

func codeLabel(err error) string {
	if code := model.CodeOf(err); code != "" {
		return code
	}
	return model.ErrInternalError
}
