package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/dukerupert/hapo/internal/account"
	"github.com/dukerupert/hapo/internal/apperr"
	"github.com/dukerupert/hapo/internal/auth"
	"github.com/dukerupert/hapo/internal/ledger"
	"github.com/dukerupert/hapo/internal/model"
)

const IdempotencyKeyHeader = "Idempotency-Key"

type ChildrenHandler struct {
	accounts *account.Service
	ledger   *ledger.Service
	logger   *slog.Logger
}

func NewChildrenHandler(accounts *account.Service, ledger *ledger.Service, logger *slog.Logger) *ChildrenHandler {
	return &ChildrenHandler{accounts: accounts, ledger: ledger, logger: logger}
}

// student resolves the child named in the path. Parents may reach their own
// children; children only themselves.
func (h *ChildrenHandler) student(ctx context.Context, id string) (*model.Account, error) {
	ac, _ := auth.FromContext(ctx)
	if ac.Role == model.RoleChild {
		if id != ac.AccountID {
			return nil, apperr.ErrStudentNotFound
		}
		return h.accounts.GetAccount(ctx, id)
	}
	return h.accounts.Child(ctx, ac.AccountID, id)
}

func (h *ChildrenHandler) List(w http.ResponseWriter, r *http.Request) {
	children, err := h.accounts.ListChildren(r.Context(), auth.AccountID(r.Context()))
	if err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}
	writeOK(w, http.StatusOK, children)
}

func (h *ChildrenHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req account.ChildInput
	if err := decode(w, r, "child_create", &req); err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}

	child, err := h.accounts.AddChild(r.Context(), auth.AccountID(r.Context()), req)
	if err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}
	writeOK(w, http.StatusCreated, child)
}

type limitsRequest struct {
	WeeklyLimit decimal.Decimal `json:"weekly_limit"`
	DailyLimit  decimal.Decimal `json:"daily_limit"`
}

func (h *ChildrenHandler) SetLimits(w http.ResponseWriter, r *http.Request) {
	var req limitsRequest
	if err := decode(w, r, "limits", &req); err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}

	child, err := h.accounts.SetLimits(r.Context(), auth.AccountID(r.Context()), r.PathValue("id"), req.WeeklyLimit, req.DailyLimit)
	if err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}
	writeOK(w, http.StatusOK, child)
}

func (h *ChildrenHandler) Balance(w http.ResponseWriter, r *http.Request) {
	child, err := h.student(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}
	snap, err := h.ledger.Balance(r.Context(), child.ID)
	if err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}
	writeOK(w, http.StatusOK, snap)
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, apperr.Validation("limit must be a positive integer")
	}
	return n, nil
}

func (h *ChildrenHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}
	child, err := h.student(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}
	txns, err := h.ledger.ListTransactions(r.Context(), child.ID, limit)
	if err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}
	writeOK(w, http.StatusOK, txns)
}

// AllTransactions lists every transaction of the caller's family: all
// children for a parent, the caller's own for a child.
func (h *ChildrenHandler) AllTransactions(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}
	ctx := r.Context()
	var txns []model.Transaction
	if auth.IsParent(ctx) {
		txns, err = h.ledger.ListTransactionsByParent(ctx, auth.AccountID(ctx), limit)
	} else {
		txns, err = h.ledger.ListTransactions(ctx, auth.AccountID(ctx), limit)
	}
	if err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}
	writeOK(w, http.StatusOK, txns)
}

type transferRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Kind        model.TxnType   `json:"kind"`
	Description string          `json:"description"`
}

func (h *ChildrenHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := decode(w, r, "transfer", &req); err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}

	ctx := r.Context()
	parentID := auth.AccountID(ctx)
	studentID := r.PathValue("id")
	key := r.Header.Get(IdempotencyKeyHeader)

	var res *ledger.Result
	var err error
	switch req.Kind {
	case "", model.TxnTransfer:
		res, err = h.ledger.Transfer(ctx, studentID, parentID, req.Amount, key, req.Description)
	default:
		res, err = h.ledger.ApplyEmergencyOrTopUp(ctx, req.Kind, studentID, parentID, req.Amount, key, req.Description)
	}
	if err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeOK(w, status, res)
}
