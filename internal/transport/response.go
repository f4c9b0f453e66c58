// Package transport contains the HTTP router, middleware chain, and all
// request handlers for the approval API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/pitabwire/pxm/internal/observability"
	"github.com/pitabwire/pxm/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:       http.StatusBadRequest,
	model.ErrInvalidState:     http.StatusBadRequest,
	model.ErrAlreadyProcessed: http.StatusBadRequest,
	model.ErrUnauthorized:     http.StatusUnauthorized,
	model.ErrForbidden:        http.StatusForbidden,
	model.ErrNotFound:         http.StatusNotFound,
	model.ErrConflict:         http.StatusConflict,
	model.ErrValidationError:  http.StatusUnprocessableEntity,
	model.ErrRateLimited:      http.StatusTooManyRequests,
	model.ErrInternalError:    http.StatusInternalServerError,
}

// StatusForCode returns the HTTP status for an error code, defaulting to 500.
func StatusForCode(code string) int {
	if status, ok := statusForCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteError writes an ErrorEnvelope as a JSON response with the correct
// HTTP status code. If err is not an *ErrorEnvelope, a generic 500 is returned.
func WriteError(w http.ResponseWriter, err error) {
	ee := model.AsEnvelope(err)
	WriteJSON(w, StatusForCode(ee.Code), errorResponse{Error: ee})
}

// writeRequestError writes err stamped with the request's trace ID. Errors
// that are not envelopes are logged before being masked as INTERNAL_ERROR.
func writeRequestError(w http.ResponseWriter, r *http.Request, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		observability.LoggerFrom(r.Context(), zap.NewNop()).Error("request failed", zap.Error(err))
		ee = model.NewInternalError()
	}
	out := *ee
	out.TraceID = observability.TraceIDFromContext(r.Context())
	WriteJSON(w, StatusForCode(out.Code), errorResponse{Error: &out})
}

// WriteValidationError writes a 422 error response with field-level details.
func WriteValidationError(w http.ResponseWriter, details []model.FieldError) {
	WriteError(w, model.NewValidationError(details))
}
