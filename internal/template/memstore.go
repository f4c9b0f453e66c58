package template

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/pxm/model"
)

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu        sync.RWMutex
	templates map[string]model.Template
}

// NewMemoryStore creates a new in-memory template store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{templates: make(map[string]model.Template)}
}

// Create persists a new template.
func (s *MemoryStore) Create(_ context.Context, tpl model.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.templates[tpl.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("template %q already exists", tpl.ID))
	}
	s.templates[tpl.ID] = tpl.Clone()
	return nil
}

// Get retrieves a template by ID.
func (s *MemoryStore) Get(_ context.Context, id string) (model.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tpl, exists := s.templates[id]
	if !exists {
		return model.Template{}, model.NewNotFoundError(fmt.Sprintf("template %q not found", id))
	}
	return tpl.Clone(), nil
}

// List returns all templates, newest first.
func (s *MemoryStore) List(_ context.Context) ([]model.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Template, 0, len(s.templates))
	for _, tpl := range s.templates {
		result = append(result, tpl.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}
