package model

import (
	"encoding/json"
	"time"
)

// Template is a reusable pairing of a form schema and an approval chain used to
// seed new requests.
type Template struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Description      *string         `json:"description"`
	FormSchema       json.RawMessage `json:"form_schema"`
	WorkflowSnapshot FlowProcess     `json:"workflow_snapshot"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Clone returns a deep copy of the template.
func (t Template) Clone() Template {
	out := t
	out.WorkflowSnapshot = t.WorkflowSnapshot.Clone()
	if t.FormSchema != nil {
		out.FormSchema = append(json.RawMessage(nil), t.FormSchema...)
	}
	if t.Description != nil {
		d := *t.Description
		out.Description = &d
	}
	return out
}
