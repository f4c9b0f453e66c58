// Package approval orchestrates the lifecycle of approval requests: creation,
// approver decisions, comments and the audit trail.
package approval

import (
	"context"

	"github.com/pitabwire/pxm/model"
)

// Store persists approval requests and their audit logs.
type Store interface {
	// Create persists a new approval request.
	Create(ctx context.Context, req model.ApprovalRequest) error

	// Get retrieves an approval request by ID. Returns NOT_FOUND if it does
	// not exist.
	Get(ctx context.Context, id string) (model.ApprovalRequest, error)

	// Update persists an updated request with optimistic locking. req.Version
	// must equal the stored version; the stored version is then incremented.
	// Returns CONFLICT if the version has moved.
	Update(ctx context.Context, req model.ApprovalRequest) error

	// List returns requests matching the filters, newest first, along with
	// the total number of matches ignoring Limit and Offset.
	List(ctx context.Context, filters ListFilters) ([]model.ApprovalRequest, int, error)

	// AppendLog adds an entry to a request's audit trail.
	AppendLog(ctx context.Context, entry model.ApprovalLog) error

	// GetLogs retrieves the audit trail of a request, oldest first.
	GetLogs(ctx context.Context, approvalID string) ([]model.ApprovalLog, error)
}

// ListFilters are optional filters for listing approval requests.
type ListFilters struct {
	// RequesterID restricts to requests raised by this user.
	RequesterID string
	// ApproverID restricts to pending requests waiting on this user.
	ApproverID string
	Status     model.RequestStatus
	Limit      int
	Offset     int
}

// pendingApprover returns the value stored in the current_approver_id column.
func pendingApprover(req model.ApprovalRequest) *string {
	if req.Status != model.RequestPending {
		return nil
	}
	id, ok := req.Flow.PendingApprover()
	if !ok {
		return nil
	}
	return &id
}
