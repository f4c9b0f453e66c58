package transport

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/pxm/internal/identity"
	"github.com/pitabwire/pxm/internal/observability"
	"github.com/pitabwire/pxm/model"
)

func handleRegister(svc *identity.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := readBody(w, r)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		if logger.Core().Enabled(zap.DebugLevel) {
			var fields map[string]any
			if json.Unmarshal(raw, &fields) == nil {
				logger.Debug("register request",
					zap.String("correlation_id", CorrelationIDFrom(r.Context())),
					zap.Any("body", observability.RedactBody(fields, nil)),
				)
			}
		}

		var in identity.RegisterInput
		if err := json.Unmarshal(raw, &in); err != nil {
			writeRequestError(w, r, model.NewBadRequestError("invalid JSON body"))
			return
		}
		resp, err := svc.Register(r.Context(), in)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, resp)
	}
}

func handleLogin(svc *identity.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in identity.LoginInput
		if err := decodeJSON(w, r, &in); err != nil {
			writeRequestError(w, r, err)
			return
		}
		resp, err := svc.Login(r.Context(), in)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func handleMe(svc *identity.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requireActor(w, r)
		if !ok {
			return
		}
		user, err := svc.GetUser(r.Context(), rctx.SubjectID)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, user)
	}
}

func handleUserList(svc *identity.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		users, err := svc.ListActive(r.Context())
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, users)
	}
}

func handleManagerOf(svc *identity.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mgr, err := svc.ManagerOf(r.Context(), chi.URLParam(r, "userId"))
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, mgr)
	}
}

// --- request helpers ---

const maxBodyBytes = 1 << 20

// requireActor returns the authenticated caller or writes 401.
func requireActor(w http.ResponseWriter, r *http.Request) (*model.RequestContext, bool) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil || rctx.SubjectID == "" {
		writeRequestError(w, r, model.NewUnauthorizedError("missing request context"))
		return nil, false
	}
	return rctx, true
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, model.NewBadRequestError("request body too large or unreadable")
	}
	return raw, nil
}

// decodeJSON decodes the request body into v. An empty body leaves v at its
// zero value.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	raw, err := readBody(w, r)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return model.NewBadRequestError("invalid JSON body")
	}
	return nil
}
