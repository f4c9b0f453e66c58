package model

import (
	"encoding/json"
	"time"
)

// RequestStatus is the overall status of an approval request.
type RequestStatus string

// Request status constants.
const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestRejected RequestStatus = "rejected"
)

// Valid reports whether s is a known request status.
func (s RequestStatus) Valid() bool {
	switch s {
	case RequestPending, RequestApproved, RequestRejected:
		return true
	}
	return false
}

// LogAction is the kind of entry recorded in an approval's audit trail.
type LogAction string

// Log action constants.
const (
	LogCreated  LogAction = "CREATED"
	LogApproved LogAction = "APPROVED"
	LogRejected LogAction = "REJECTED"
	LogComment  LogAction = "COMMENT"
)

// ApprovalRequest is a document moving through a FlowProcess. The request owns
// its flow; it never aliases a template's snapshot.
type ApprovalRequest struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	RequesterID string          `json:"requester_id"`
	Status      RequestStatus   `json:"status"`
	Flow        FlowProcess     `json:"flow_process"`
	FormData    json.RawMessage `json:"form_data"`
	TemplateID  *string         `json:"template_id,omitempty"`
	Version     int             `json:"version"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// ApprovalLog is an append-only audit entry for an approval request.
type ApprovalLog struct {
	ID         string    `json:"id"`
	ApprovalID string    `json:"approval_id"`
	ActorID    string    `json:"actor_id"`
	ActionType LogAction `json:"action_type"`
	Content    *string   `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// ApprovalSummary is the list-view projection of an approval request.
type ApprovalSummary struct {
	ID                string        `json:"id"`
	Title             string        `json:"title"`
	RequesterID       string        `json:"requester_id"`
	Status            RequestStatus `json:"status"`
	CurrentStep       int           `json:"current_step"`
	TotalSteps        int           `json:"total_steps"`
	CurrentApproverID *string       `json:"current_approver_id"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Summarize projects a request into its list-view form.
func (r ApprovalRequest) Summarize() ApprovalSummary {
	s := ApprovalSummary{
		ID:          r.ID,
		Title:       r.Title,
		RequesterID: r.RequesterID,
		Status:      r.Status,
		CurrentStep: r.Flow.CurrentStep,
		TotalSteps:  len(r.Flow.Steps),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if id, ok := r.Flow.PendingApprover(); ok && r.Status == RequestPending {
		s.CurrentApproverID = &id
	}
	return s
}

// Clone returns a deep copy of the request.
func (r ApprovalRequest) Clone() ApprovalRequest {
	out := r
	out.Flow = r.Flow.Clone()
	if r.FormData != nil {
		out.FormData = append(json.RawMessage(nil), r.FormData...)
	}
	if r.TemplateID != nil {
		id := *r.TemplateID
		out.TemplateID = &id
	}
	return out
}
