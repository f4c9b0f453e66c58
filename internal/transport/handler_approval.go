package transport

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/pxm/internal/approval"
	"github.com/pitabwire/pxm/model"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type actionResponse struct {
	Approval model.ApprovalRequest `json:"approval"`
	Outcome  string                `json:"outcome"`
}

type listResponse struct {
	Items    []model.ApprovalSummary `json:"items"`
	Total    int                     `json:"total"`
	Page     int                     `json:"page"`
	PageSize int                     `json:"page_size"`
}

func handleApprovalCreate(svc *approval.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requireActor(w, r)
		if !ok {
			return
		}
		var in approval.CreateInput
		if err := decodeJSON(w, r, &in); err != nil {
			writeRequestError(w, r, err)
			return
		}

		req, err := svc.Create(r.Context(), rctx.SubjectID, in)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, req)
	}
}

func handleApprovalCreateFromTemplate(svc *approval.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requireActor(w, r)
		if !ok {
			return
		}
		var in approval.TemplateInput
		if err := decodeJSON(w, r, &in); err != nil {
			writeRequestError(w, r, err)
			return
		}

		req, err := svc.CreateFromTemplate(r.Context(), rctx.SubjectID, chi.URLParam(r, "templateId"), in)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, req)
	}
}

func handleApprovalList(svc *approval.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requireActor(w, r)
		if !ok {
			return
		}
		q := r.URL.Query()

		page, err := intParam(q.Get("page"), 1)
		if err != nil || page < 1 {
			writeRequestError(w, r, model.NewBadRequestError("page must be a positive integer"))
			return
		}
		pageSize, err := intParam(q.Get("page_size"), defaultPageSize)
		if err != nil || pageSize < 1 || pageSize > maxPageSize {
			writeRequestError(w, r, model.NewBadRequestError("page_size must be between 1 and 100"))
			return
		}

		filters := approval.ListFilters{
			Status: model.RequestStatus(q.Get("status")),
			Limit:  pageSize,
			Offset: (page - 1) * pageSize,
		}
		switch requester := q.Get("requester"); requester {
		case "":
		case "me":
			filters.RequesterID = rctx.SubjectID
		default:
			filters.RequesterID = requester
		}
		if inbox, _ := strconv.ParseBool(q.Get("inbox")); inbox {
			filters.ApproverID = rctx.SubjectID
		}

		items, total, err := svc.List(r.Context(), filters)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, listResponse{Items: items, Total: total, Page: page, PageSize: pageSize})
	}
}

func handleApprovalGet(svc *approval.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireActor(w, r); !ok {
			return
		}
		req, err := svc.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, req)
	}
}

func handleApprovalApprove(svc *approval.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requireActor(w, r)
		if !ok {
			return
		}
		res, err := svc.Approve(r.Context(), rctx.SubjectID, chi.URLParam(r, "id"))
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, actionResponse{Approval: res.Request, Outcome: res.Outcome.String()})
	}
}

func handleApprovalReject(svc *approval.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requireActor(w, r)
		if !ok {
			return
		}
		var body struct {
			Reason string `json:"reason"`
		}
		if err := decodeJSON(w, r, &body); err != nil {
			writeRequestError(w, r, err)
			return
		}

		res, err := svc.Reject(r.Context(), rctx.SubjectID, chi.URLParam(r, "id"), body.Reason)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, actionResponse{Approval: res.Request, Outcome: res.Outcome.String()})
	}
}

func handleApprovalComment(svc *approval.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requireActor(w, r)
		if !ok {
			return
		}
		var body struct {
			Content string `json:"content"`
		}
		if err := decodeJSON(w, r, &body); err != nil {
			writeRequestError(w, r, err)
			return
		}

		entry, err := svc.Comment(r.Context(), rctx.SubjectID, chi.URLParam(r, "id"), body.Content)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, entry)
	}
}

func handleApprovalLogs(svc *approval.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireActor(w, r); !ok {
			return
		}
		logs, err := svc.Logs(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, logs)
	}
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
