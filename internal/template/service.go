package template

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/pxm/internal/validation"
	"github.com/pitabwire/pxm/model"
)

const schemaURLPrefix = "https://pxm.schemas.local/templates/"

// CreateInput is the payload for creating a template.
type CreateInput struct {
	Name             string            `json:"name" validate:"required,max=200"`
	Description      *string           `json:"description,omitempty" validate:"omitempty,max=2000"`
	FormSchema       json.RawMessage   `json:"form_schema"`
	WorkflowSnapshot model.FlowProcess `json:"workflow_snapshot"`
}

// Service manages templates and validates form data against their schemas.
// Compiled schemas are cached per template ID; templates are immutable once
// created.
type Service struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
	newID  func() string

	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewService creates a template service.
func NewService(store Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:   store,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Create validates and stores a new template. The workflow snapshot is stored
// with every step pending and the pointer at step 1.
func (s *Service) Create(ctx context.Context, in CreateInput) (model.Template, error) {
	in.Name = strings.TrimSpace(in.Name)

	details := validation.Fields(in)
	for _, fe := range in.WorkflowSnapshot.Validate() {
		fe.Field = strings.Replace(fe.Field, "flow_process", "workflow_snapshot", 1)
		details = append(details, fe)
	}

	tpl := model.Template{
		ID:               s.newID(),
		Name:             in.Name,
		Description:      in.Description,
		WorkflowSnapshot: in.WorkflowSnapshot.Reset(),
	}

	var compiled *jsonschema.Schema
	if hasSchema(in.FormSchema) {
		var err error
		compiled, err = compileSchema(tpl.ID, in.FormSchema)
		if err != nil {
			details = append(details, model.FieldError{
				Field:   "form_schema",
				Code:    validation.CodeInvalid,
				Message: err.Error(),
			})
		}
		tpl.FormSchema = append(json.RawMessage(nil), in.FormSchema...)
	}

	if len(details) > 0 {
		return model.Template{}, model.NewValidationError(details)
	}

	now := s.now()
	tpl.CreatedAt = now
	tpl.UpdatedAt = now
	if err := s.store.Create(ctx, tpl); err != nil {
		return model.Template{}, err
	}

	if compiled != nil {
		s.mu.Lock()
		s.schemas[tpl.ID] = compiled
		s.mu.Unlock()
	}

	s.logger.Info("template created",
		zap.String("template_id", tpl.ID),
		zap.String("name", tpl.Name),
		zap.Int("steps", len(tpl.WorkflowSnapshot.Steps)),
		zap.Bool("has_form_schema", compiled != nil),
	)
	return tpl, nil
}

// Get returns a template by ID.
func (s *Service) Get(ctx context.Context, id string) (model.Template, error) {
	return s.store.Get(ctx, id)
}

// List returns all templates, newest first.
func (s *Service) List(ctx context.Context) ([]model.Template, error) {
	return s.store.List(ctx)
}

// ValidateForm checks data against the template's form schema. Templates
// without a schema accept any JSON object.
func (s *Service) ValidateForm(_ context.Context, tpl model.Template, data json.RawMessage) error {
	if !hasSchema(tpl.FormSchema) {
		return nil
	}

	schema, err := s.schemaFor(tpl)
	if err != nil {
		return err
	}

	var doc any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return model.NewValidationError([]model.FieldError{{
			Field: "form_data", Code: validation.CodeInvalidFormat, Message: "form_data must be valid JSON",
		}})
	}

	if err := schema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return model.NewValidationError(schemaDetails(ve))
		}
		return fmt.Errorf("validate form data: %w", err)
	}
	return nil
}

func (s *Service) schemaFor(tpl model.Template) (*jsonschema.Schema, error) {
	s.mu.RLock()
	schema, ok := s.schemas[tpl.ID]
	s.mu.RUnlock()
	if ok {
		return schema, nil
	}

	schema, err := compileSchema(tpl.ID, tpl.FormSchema)
	if err != nil {
		return nil, fmt.Errorf("compile stored schema for template %q: %w", tpl.ID, err)
	}
	s.logger.Debug("compiled template form schema", zap.String("template_id", tpl.ID))

	s.mu.Lock()
	s.schemas[tpl.ID] = schema
	s.mu.Unlock()
	return schema, nil
}

func compileSchema(id string, raw json.RawMessage) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := schemaURLPrefix + id + ".schema.json"
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("load form schema: %w", err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile form schema: %w", err)
	}
	return schema, nil
}

func hasSchema(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed != "" && trimmed != "null"
}

// schemaDetails flattens a validation error tree into one FieldError per
// leaf failure.
func schemaDetails(ve *jsonschema.ValidationError) []model.FieldError {
	if len(ve.Causes) == 0 {
		return []model.FieldError{{
			Field:   instanceField(ve.InstanceLocation),
			Code:    validation.CodeInvalid,
			Message: ve.Message,
		}}
	}
	var out []model.FieldError
	for _, cause := range ve.Causes {
		out = append(out, schemaDetails(cause)...)
	}
	return out
}

// instanceField turns a JSON pointer such as "/items/0/qty" into
// "form_data.items.0.qty".
func instanceField(pointer string) string {
	pointer = strings.Trim(pointer, "/")
	if pointer == "" {
		return "form_data"
	}
	return "form_data." + strings.ReplaceAll(pointer, "/", ".")
}
