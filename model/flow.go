package model

import (
	"fmt"
	"time"
)

// StepStatus is the decision state of a single approval step.
type StepStatus string

// Step status constants.
const (
	StepPending  StepStatus = "pending"
	StepApproved StepStatus = "approved"
	StepRejected StepStatus = "rejected"
)

// Action is a decision an approver takes on the current step.
type Action string

// Action constants.
const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
)

// ParseAction converts the wire form of an action.
func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionApprove, ActionReject:
		return Action(s), nil
	default:
		return "", NewBadRequestError(fmt.Sprintf("unknown action %q", s))
	}
}

// ApprovalStep is one gate in a FlowProcess owned by exactly one approver.
// Status and Timestamp are written once, when the step is decided.
type ApprovalStep struct {
	Seq        int        `json:"seq"`
	Name       string     `json:"name"`
	ApproverID string     `json:"approver_id"`
	Status     StepStatus `json:"status"`
	Timestamp  *time.Time `json:"timestamp"`
}

// FlowProcess is an ordered approval chain plus a 1-based pointer to the
// active step.
//
// While a flow is active, steps before CurrentStep are approved and steps after
// it are pending with no timestamp.
type FlowProcess struct {
	CurrentStep int            `json:"current_step"`
	Steps       []ApprovalStep `json:"steps"`
}

// Clone returns a deep copy that shares no memory with f.
func (f FlowProcess) Clone() FlowProcess {
	out := FlowProcess{CurrentStep: f.CurrentStep}
	if f.Steps == nil {
		return out
	}
	out.Steps = make([]ApprovalStep, len(f.Steps))
	for i, s := range f.Steps {
		if s.Timestamp != nil {
			ts := *s.Timestamp
			s.Timestamp = &ts
		}
		out.Steps[i] = s
	}
	return out
}

// Reset returns a copy positioned at the first step with every step pending.
func (f FlowProcess) Reset() FlowProcess {
	out := f.Clone()
	out.CurrentStep = 1
	for i := range out.Steps {
		out.Steps[i].Status = StepPending
		out.Steps[i].Timestamp = nil
	}
	return out
}

// CurrentApprover returns the approver of the step the pointer addresses.
// It reports false when the pointer is out of range.
func (f FlowProcess) CurrentApprover() (string, bool) {
	if f.CurrentStep < 1 || f.CurrentStep > len(f.Steps) {
		return "", false
	}
	return f.Steps[f.CurrentStep-1].ApproverID, true
}

// PendingApprover returns the approver whose decision the flow is waiting on,
// or false when the flow has been decided.
func (f FlowProcess) PendingApprover() (string, bool) {
	id, ok := f.CurrentApprover()
	if !ok || f.Steps[f.CurrentStep-1].Status != StepPending {
		return "", false
	}
	return id, true
}

// Validate checks the shape of a flow submitted for a new request or template.
// Seq values must run 1..N in order.
func (f FlowProcess) Validate() []FieldError {
	var errs []FieldError
	if len(f.Steps) == 0 {
		return []FieldError{{Field: "flow_process.steps", Code: "REQUIRED", Message: "at least one approval step is required"}}
	}
	for i, s := range f.Steps {
		field := fmt.Sprintf("flow_process.steps[%d]", i)
		if s.Seq != i+1 {
			errs = append(errs, FieldError{
				Field:   field + ".seq",
				Code:    "OUT_OF_SEQUENCE",
				Message: fmt.Sprintf("seq must be %d", i+1),
			})
		}
		if s.Name == "" {
			errs = append(errs, FieldError{Field: field + ".name", Code: "REQUIRED", Message: "step name is required"})
		}
		if s.ApproverID == "" {
			errs = append(errs, FieldError{Field: field + ".approver_id", Code: "REQUIRED", Message: "approver is required"})
		}
	}
	return errs
}
