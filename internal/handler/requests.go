package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/dukerupert/hapo/internal/apperr"
	"github.com/dukerupert/hapo/internal/auth"
	"github.com/dukerupert/hapo/internal/model"
	"github.com/dukerupert/hapo/internal/requests"
)

type RequestHandler struct {
	workflow *requests.Workflow
	logger   *slog.Logger
}

func NewRequestHandler(workflow *requests.Workflow, logger *slog.Logger) *RequestHandler {
	return &RequestHandler{workflow: workflow, logger: logger}
}

// List returns a parent's requests filtered by ?status= (pending when
// absent, "all" for every status), or a child's own requests.
func (h *RequestHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var reqs []model.MoneyRequest
	var err error
	if auth.IsParent(ctx) {
		status := model.RequestStatus(r.URL.Query().Get("status"))
		switch status {
		case "":
			status = model.RequestPending
		case "all":
			status = ""
		}
		reqs, err = h.workflow.ListByParent(ctx, auth.AccountID(ctx), status)
	} else {
		reqs, err = h.workflow.ListByStudent(ctx, auth.AccountID(ctx))
	}
	if err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}
	writeOK(w, http.StatusOK, reqs)
}

type createRequest struct {
	Amount decimal.Decimal   `json:"amount"`
	Reason string            `json:"reason"`
	Type   model.RequestType `json:"type"`
}

// Create files a request from the signed-in child to their parent.
func (h *RequestHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ac, _ := auth.FromContext(ctx)
	if ac.Role != model.RoleChild {
		writeError(w, r, h.logger, apperr.ErrForbidden, nil)
		return
	}

	var req createRequest
	if err := decode(w, r, "request_create", &req); err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}

	mr, err := h.workflow.Create(ctx, ac.AccountID, auth.FamilyID(ctx), req.Amount, req.Reason, req.Type)
	if err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}
	writeOK(w, http.StatusCreated, mr)
}

// owned checks that the request in the path belongs to the signed-in parent.
func (h *RequestHandler) owned(ctx context.Context, id string) error {
	mr, err := h.workflow.Get(ctx, id)
	if err != nil {
		return err
	}
	if mr.ParentID != auth.AccountID(ctx) {
		return apperr.ErrNotFound
	}
	return nil
}

func (h *RequestHandler) Approve(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.owned(r.Context(), id); err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}
	mr, err := h.workflow.Approve(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}
	writeOK(w, http.StatusOK, mr)
}

func (h *RequestHandler) Decline(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.owned(r.Context(), id); err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}
	mr, err := h.workflow.Decline(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}
	writeOK(w, http.StatusOK, mr)
}
