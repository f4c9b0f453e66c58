// Package template manages reusable approval templates: a JSON Schema for the
// request form plus a snapshot of the approval chain.
package template

import (
	"context"

	"github.com/pitabwire/pxm/model"
)

// Store persists templates.
type Store interface {
	// Create persists a new template. Returns CONFLICT if the ID exists.
	Create(ctx context.Context, tpl model.Template) error

	// Get retrieves a template by ID. Returns NOT_FOUND if it does not exist.
	Get(ctx context.Context, id string) (model.Template, error)

	// List returns all templates, newest first.
	List(ctx context.Context) ([]model.Template, error)
}
