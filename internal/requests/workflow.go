// Package requests handles money and emergency requests that children send
// to their parent, and their approval into ledger credits.
package requests

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dukerupert/hapo/internal/apperr"
	"github.com/dukerupert/hapo/internal/feed"
	"github.com/dukerupert/hapo/internal/ledger"
	"github.com/dukerupert/hapo/internal/model"
)

const maxReasonLength = 500

type Repo interface {
	CreateRequest(ctx context.Context, r *model.MoneyRequest) error
	GetRequest(ctx context.Context, id string) (*model.MoneyRequest, error)
	TransitionRequest(ctx context.Context, id string, from, to model.RequestStatus, now time.Time) (bool, error)
	SetRequestTransaction(ctx context.Context, id, transactionID string, now time.Time) error
	ListRequestsByParent(ctx context.Context, parentID string, status model.RequestStatus) ([]model.MoneyRequest, error)
	ListRequestsByStudent(ctx context.Context, studentID string) ([]model.MoneyRequest, error)
}

type Accounts interface {
	GetAccount(ctx context.Context, id string) (*model.Account, error)
}

// Crediter applies the ledger credit of an approved request.
type Crediter interface {
	Credit(ctx context.Context, in ledger.CreditInput) (*ledger.Result, error)
}

type Workflow struct {
	repo     Repo
	accounts Accounts
	ledger   Crediter
	events   feed.Publisher
	now      func() time.Time
	logger   *slog.Logger
}

type Option func(*Workflow)

func WithClock(now func() time.Time) Option {
	return func(w *Workflow) { w.now = now }
}

func NewWorkflow(repo Repo, accounts Accounts, credits Crediter, events feed.Publisher, logger *slog.Logger, opts ...Option) *Workflow {
	w := &Workflow{
		repo:     repo,
		accounts: accounts,
		ledger:   credits,
		events:   events,
		now:      time.Now,
		logger:   logger.With("component", "requests"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// IdempotencyKey is the ledger key used when request id is approved, so an
// approval is credited at most once.
func IdempotencyKey(requestID string) string {
	return "money-request:" + requestID
}

// Create files a pending request from studentID to parentID.
func (w *Workflow) Create(ctx context.Context, studentID, parentID string, amount decimal.Decimal, reason string, typ model.RequestType) (*model.MoneyRequest, error) {
	if typ == "" {
		typ = model.RequestMoney
	}
	if typ != model.RequestMoney && typ != model.RequestEmergency {
		return nil, apperr.Validation("request type must be %q or %q", model.RequestMoney, model.RequestEmergency)
	}
	if !amount.IsPositive() || !model.WholeCents(amount) {
		return nil, apperr.ErrInvalidAmount
	}
	reason = strings.TrimSpace(reason)
	if len(reason) > maxReasonLength {
		return nil, apperr.Validation("reason must be at most %d characters", maxReasonLength)
	}

	student, err := w.accounts.GetAccount(ctx, studentID)
	if err != nil {
		return nil, apperr.Storage(err)
	}
	if student == nil || !student.IsChildOf(parentID) {
		return nil, apperr.ErrStudentNotFound
	}

	now := w.now().UTC()
	r := &model.MoneyRequest{
		ID:        uuid.NewString(),
		StudentID: studentID,
		ParentID:  parentID,
		Amount:    amount,
		Reason:    reason,
		Type:      typ,
		Status:    model.RequestPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := w.repo.CreateRequest(ctx, r); err != nil {
		return nil, apperr.Storage(err)
	}
	w.logger.Info("request created", "request_id", r.ID, "student_id", studentID, "type", typ, "amount", amount.StringFixed(2))
	w.publish(feed.TypeInsert, r)
	return r, nil
}

func (w *Workflow) Get(ctx context.Context, id string) (*model.MoneyRequest, error) {
	r, err := w.repo.GetRequest(ctx, id)
	if err != nil {
		return nil, apperr.Storage(err)
	}
	if r == nil {
		return nil, apperr.ErrNotFound
	}
	return r, nil
}

// Approve moves a pending request to approved and credits the student.
// Only one of concurrent Approve and Decline calls wins; the rest get
// ErrNotPending. If the credit fails the request returns to pending.
func (w *Workflow) Approve(ctx context.Context, id string) (*model.MoneyRequest, error) {
	r, err := w.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := w.transition(ctx, r, model.RequestApproved); err != nil {
		return nil, err
	}

	kind := model.TxnTransfer
	if r.Type == model.RequestEmergency {
		kind = model.TxnEmergency
	}
	desc := r.Reason
	if desc == "" {
		desc = fmt.Sprintf("Approved %s request", r.Type)
	}
	res, err := w.ledger.Credit(ctx, ledger.CreditInput{
		StudentID:      r.StudentID,
		ParentID:       r.ParentID,
		Amount:         r.Amount,
		Kind:           kind,
		IdempotencyKey: IdempotencyKey(r.ID),
		Description:    desc,
	})
	if err != nil {
		w.logger.Error("credit approved request", "request_id", id, "error", err)
		if _, cerr := w.repo.TransitionRequest(ctx, id, model.RequestApproved, model.RequestPending, w.now().UTC()); cerr != nil {
			w.logger.Error("restore pending request", "request_id", id, "error", cerr)
		}
		return nil, err
	}

	now := w.now().UTC()
	txnID := res.Transaction.ID
	if err := w.repo.SetRequestTransaction(ctx, id, txnID, now); err != nil {
		w.logger.Warn("link request transaction", "request_id", id, "transaction_id", txnID, "error", err)
	}
	r.TransactionID = &txnID
	r.UpdatedAt = now

	w.logger.Info("request approved", "request_id", id, "transaction_id", txnID)
	w.publish(feed.TypeUpdate, r)
	return r, nil
}

// Decline moves a pending request to declined.
func (w *Workflow) Decline(ctx context.Context, id string) (*model.MoneyRequest, error) {
	r, err := w.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := w.transition(ctx, r, model.RequestDeclined); err != nil {
		return nil, err
	}
	w.logger.Info("request declined", "request_id", id)
	w.publish(feed.TypeUpdate, r)
	return r, nil
}

func (w *Workflow) transition(ctx context.Context, r *model.MoneyRequest, to model.RequestStatus) error {
	if r.Status != model.RequestPending {
		return apperr.ErrNotPending
	}
	now := w.now().UTC()
	ok, err := w.repo.TransitionRequest(ctx, r.ID, model.RequestPending, to, now)
	if err != nil {
		return apperr.Storage(err)
	}
	if !ok {
		return apperr.ErrNotPending
	}
	r.Status = to
	r.UpdatedAt = now
	return nil
}

// ListPending returns the parent's pending requests, newest first.
func (w *Workflow) ListPending(ctx context.Context, parentID string) ([]model.MoneyRequest, error) {
	return w.ListByParent(ctx, parentID, model.RequestPending)
}

// ListByParent filters by status; an empty status returns all of them.
func (w *Workflow) ListByParent(ctx context.Context, parentID string, status model.RequestStatus) ([]model.MoneyRequest, error) {
	switch status {
	case "", model.RequestPending, model.RequestApproved, model.RequestDeclined:
	default:
		return nil, apperr.Validation("unknown request status %q", status)
	}
	reqs, err := w.repo.ListRequestsByParent(ctx, parentID, status)
	if err != nil {
		return nil, apperr.Storage(err)
	}
	if reqs == nil {
		reqs = []model.MoneyRequest{}
	}
	return reqs, nil
}

func (w *Workflow) ListByStudent(ctx context.Context, studentID string) ([]model.MoneyRequest, error) {
	reqs, err := w.repo.ListRequestsByStudent(ctx, studentID)
	if err != nil {
		return nil, apperr.Storage(err)
	}
	if reqs == nil {
		reqs = []model.MoneyRequest{}
	}
	return reqs, nil
}

func (w *Workflow) publish(typ string, r *model.MoneyRequest) {
	if w.events == nil {
		return
	}
	w.events.Publish(feed.Event{
		Table:    feed.TableMoneyRequests,
		Type:     typ,
		EntityID: r.ID,
		Record:   *r,
		At:       r.UpdatedAt,
		Audience: []string{r.StudentID, r.ParentID},
	})
}
