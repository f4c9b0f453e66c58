package approval

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/pxm/model"
)

// MemoryStore is an in-memory Store for tests and single-process deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]model.ApprovalRequest // key: request ID
	logs     map[string][]model.ApprovalLog   // key: request ID
}

// NewMemoryStore creates a new in-memory approval store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]model.ApprovalRequest),
		logs:     make(map[string][]model.ApprovalLog),
	}
}

// Create persists a new approval request.
func (s *MemoryStore) Create(_ context.Context, req model.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.requests[req.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("approval %q already exists", req.ID))
	}

	s.requests[req.ID] = req.Clone()
	return nil
}

// Get retrieves an approval request by ID.
func (s *MemoryStore) Get(_ context.Context, id string) (model.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, exists := s.requests[id]
	if !exists {
		return model.ApprovalRequest{}, model.NewNotFoundError(fmt.Sprintf("approval %q not found", id))
	}
	return req.Clone(), nil
}

// Update persists an updated request with optimistic locking.
func (s *MemoryStore) Update(_ context.Context, req model.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.requests[req.ID]
	if !exists {
		return model.NewNotFoundError(fmt.Sprintf("approval %q not found", req.ID))
	}

	if existing.Version != req.Version {
		return model.NewConflictError(
			fmt.Sprintf("approval %q version conflict (expected %d, got %d)", req.ID, req.Version, existing.Version),
		)
	}

	stored := req.Clone()
	stored.Version++
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = time.Now().UTC()
	}
	s.requests[req.ID] = stored
	return nil
}

// List returns requests matching the filters, newest first.
func (s *MemoryStore) List(_ context.Context, filters ListFilters) ([]model.ApprovalRequest, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.ApprovalRequest
	for _, req := range s.requests {
		if filters.RequesterID != "" && req.RequesterID != filters.RequesterID {
			continue
		}
		if filters.Status != "" && req.Status != filters.Status {
			continue
		}
		if filters.ApproverID != "" {
			approver := pendingApprover(req)
			if approver == nil || *approver != filters.ApproverID {
				continue
			}
		}
		result = append(result, req.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	total := len(result)
	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.ApprovalRequest{}, total, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}

	return result, total, nil
}

// AppendLog adds an entry to the audit trail.
func (s *MemoryStore) AppendLog(_ context.Context, entry model.ApprovalLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logs[entry.ApprovalID] = append(s.logs[entry.ApprovalID], entry)
	return nil
}

// GetLogs retrieves the audit trail of a request ordered by creation time.
// Entries with equal timestamps keep their append order.
func (s *MemoryStore) GetLogs(_ context.Context, approvalID string) ([]model.ApprovalLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.logs[approvalID]
	result := make([]model.ApprovalLog, len(entries))
	copy(result, entries)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// Len returns the total number of requests. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.requests)
}

// HealthCheck always succeeds; the store has no external dependency.
func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}
