package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/pxm/internal/template"
)

func handleTemplateCreate(svc *template.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireActor(w, r); !ok {
			return
		}
		var in template.CreateInput
		if err := decodeJSON(w, r, &in); err != nil {
			writeRequestError(w, r, err)
			return
		}

		tpl, err := svc.Create(r.Context(), in)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, tpl)
	}
}

func handleTemplateList(svc *template.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tpls, err := svc.List(r.Context())
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, tpls)
	}
}

func handleTemplateGet(svc *template.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tpl, err := svc.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, tpl)
	}
}
