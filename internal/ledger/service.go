// Package ledger moves money from parents to their children. It is the only
// writer of child balances.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"github.com/dukerupert/hapo/internal/apperr"
	"github.com/dukerupert/hapo/internal/database"
	"github.com/dukerupert/hapo/internal/feed"
	"github.com/dukerupert/hapo/internal/model"
)

const (
	DefaultListLimit = 50
	maxListLimit     = 500

	defaultAttempts = 5
	defaultBackoff  = 10 * time.Millisecond
	maxBackoff      = 500 * time.Millisecond
)

type Repo interface {
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	ApplyCredit(ctx context.Context, c model.Credit) (*model.Transaction, bool, error)
	ListTransactions(ctx context.Context, studentID string, limit int) ([]model.Transaction, error)
	ListTransactionsByParent(ctx context.Context, parentID string, limit int) ([]model.Transaction, error)
}

type Service struct {
	repo     Repo
	events   feed.Publisher
	attempts uint64
	backoff  time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRetry bounds how often a credit is attempted when it loses a version
// race or hits a busy database, and the first backoff delay.
func WithRetry(attempts uint64, backoff time.Duration) Option {
	return func(s *Service) {
		if attempts > 0 {
			s.attempts = attempts
		}
		if backoff > 0 {
			s.backoff = backoff
		}
	}
}

func NewService(repo Repo, events feed.Publisher, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		events:   events,
		attempts: defaultAttempts,
		backoff:  defaultBackoff,
		now:      time.Now,
		logger:   logger.With("component", "ledger"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreditInput describes one credit to a child's balance.
type CreditInput struct {
	StudentID      string
	ParentID       string
	Amount         decimal.Decimal
	Kind           model.TxnType
	IdempotencyKey string
	Description    string
}

// Result is a committed (or replayed) credit.
type Result struct {
	Transaction model.Transaction `json:"transaction"`
	NewBalance  decimal.Decimal   `json:"new_balance"`
	Version     int64             `json:"version"`
	Replayed    bool              `json:"replayed"`
}

// Transfer credits amount to the student's balance on behalf of parentID.
func (s *Service) Transfer(ctx context.Context, studentID, parentID string, amount decimal.Decimal, idempotencyKey, description string) (*Result, error) {
	return s.Credit(ctx, CreditInput{
		StudentID:      studentID,
		ParentID:       parentID,
		Amount:         amount,
		Kind:           model.TxnTransfer,
		IdempotencyKey: idempotencyKey,
		Description:    description,
	})
}

// ApplyEmergencyOrTopUp is Transfer tagged as an emergency or top-up credit.
func (s *Service) ApplyEmergencyOrTopUp(ctx context.Context, kind model.TxnType, studentID, parentID string, amount decimal.Decimal, idempotencyKey, description string) (*Result, error) {
	if kind != model.TxnEmergency && kind != model.TxnTopUp {
		return nil, apperr.Validation("kind must be %q or %q", model.TxnEmergency, model.TxnTopUp)
	}
	return s.Credit(ctx, CreditInput{
		StudentID:      studentID,
		ParentID:       parentID,
		Amount:         amount,
		Kind:           kind,
		IdempotencyKey: idempotencyKey,
		Description:    description,
	})
}

func defaultDescription(kind model.TxnType) string {
	switch kind {
	case model.TxnEmergency:
		return "Emergency funds"
	case model.TxnTopUp:
		return "Balance top-up"
	default:
		return "Transfer from parent"
	}
}

func validKind(kind model.TxnType) bool {
	return kind == model.TxnTransfer || kind == model.TxnEmergency || kind == model.TxnTopUp
}

// Credit adds in.Amount to the student's balance and appends the
// transaction in one commit. A repeated idempotency key returns the
// original transaction without crediting again.
func (s *Service) Credit(ctx context.Context, in CreditInput) (*Result, error) {
	if !in.Amount.IsPositive() || !model.WholeCents(in.Amount) {
		return nil, apperr.ErrInvalidAmount
	}
	key := strings.TrimSpace(in.IdempotencyKey)
	if key == "" {
		return nil, apperr.Validation("idempotency key is required")
	}
	if !validKind(in.Kind) {
		return nil, apperr.Validation("unknown transaction type %q", in.Kind)
	}
	desc := strings.TrimSpace(in.Description)
	if desc == "" {
		desc = defaultDescription(in.Kind)
	}

	backoff := retry.NewExponential(s.backoff)
	backoff = retry.WithJitterPercent(20, backoff)
	backoff = retry.WithCappedDuration(maxBackoff, backoff)
	backoff = retry.WithMaxRetries(s.attempts-1, backoff)
	result, err := retry.DoValue(ctx, backoff, func(ctx context.Context) (*Result, error) {
		r, err := s.credit(ctx, in, key, desc)
		if errors.Is(err, apperr.ErrVersionConflict) || database.IsBusy(err) {
			s.logger.Debug("credit retry", "student_id", in.StudentID, "error", err)
			return nil, retry.RetryableError(err)
		}
		return r, err
	})
	if err != nil {
		return nil, apperr.Storage(err)
	}

	if result.Replayed {
		s.logger.Info("credit replayed", "student_id", in.StudentID, "transaction_id", result.Transaction.ID)
		return result, nil
	}
	s.logger.Info("credit applied",
		"student_id", in.StudentID,
		"parent_id", in.ParentID,
		"type", in.Kind,
		"amount", in.Amount.StringFixed(2),
		"version", result.Version,
	)
	s.publish(result)
	return result, nil
}

func (s *Service) credit(ctx context.Context, in CreditInput, key, desc string) (*Result, error) {
	acct, err := s.repo.GetAccount(ctx, in.StudentID)
	if err != nil {
		return nil, fmt.Errorf("get student: %w", err)
	}
	if acct == nil || !acct.IsChildOf(in.ParentID) {
		return nil, apperr.ErrStudentNotFound
	}

	now := s.now().UTC()
	next := acct.Balance.Add(in.Amount)
	txn, replayed, err := s.repo.ApplyCredit(ctx, model.Credit{
		AccountID:       acct.ID,
		ExpectedVersion: acct.Version,
		NewBalance:      next,
		Transaction: model.Transaction{
			ID:             uuid.NewString(),
			StudentID:      acct.ID,
			ParentID:       in.ParentID,
			Amount:         in.Amount,
			Type:           in.Kind,
			Category:       string(in.Kind),
			Description:    desc,
			Status:         model.TxnStatusCompleted,
			IdempotencyKey: key,
			CreatedAt:      now,
		},
	})
	if err != nil {
		return nil, err
	}
	if replayed {
		return &Result{Transaction: *txn, NewBalance: acct.Balance, Version: acct.Version, Replayed: true}, nil
	}
	return &Result{Transaction: *txn, NewBalance: next, Version: acct.Version + 1}, nil
}

func (s *Service) publish(r *Result) {
	if s.events == nil {
		return
	}
	t := r.Transaction
	audience := []string{t.StudentID, t.ParentID}
	s.events.Publish(feed.Event{
		Table:    feed.TableAccounts,
		Type:     feed.TypeUpdate,
		EntityID: t.StudentID,
		Version:  r.Version,
		Record: model.BalanceSnapshot{
			AccountID: t.StudentID,
			Balance:   r.NewBalance,
			Version:   r.Version,
			ReadAt:    t.CreatedAt,
		},
		At:       t.CreatedAt,
		Audience: audience,
	})
	s.events.Publish(feed.Event{
		Table:    feed.TableTransactions,
		Type:     feed.TypeInsert,
		EntityID: t.ID,
		Record:   t,
		At:       t.CreatedAt,
		Audience: audience,
	})
}

// Balance reads a child's current balance and version.
func (s *Service) Balance(ctx context.Context, studentID string) (*model.BalanceSnapshot, error) {
	acct, err := s.repo.GetAccount(ctx, studentID)
	if err != nil {
		return nil, apperr.Storage(err)
	}
	if acct == nil || acct.Role != model.RoleChild {
		return nil, apperr.ErrStudentNotFound
	}
	return &model.BalanceSnapshot{
		AccountID: acct.ID,
		Balance:   acct.Balance,
		Version:   acct.Version,
		ReadAt:    s.now().UTC(),
	}, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return min(limit, maxListLimit)
}

// ListTransactions returns a child's transactions, newest first.
func (s *Service) ListTransactions(ctx context.Context, studentID string, limit int) ([]model.Transaction, error) {
	txns, err := s.repo.ListTransactions(ctx, studentID, clampLimit(limit))
	if err != nil {
		return nil, apperr.Storage(err)
	}
	if txns == nil {
		txns = []model.Transaction{}
	}
	return txns, nil
}

// ListTransactionsByParent returns transactions across all of a parent's
// children, newest first.
func (s *Service) ListTransactionsByParent(ctx context.Context, parentID string, limit int) ([]model.Transaction, error) {
	txns, err := s.repo.ListTransactionsByParent(ctx, parentID, clampLimit(limit))
	if err != nil {
		return nil, apperr.Storage(err)
	}
	if txns == nil {
		txns = []model.Transaction{}
	}
	return txns, nil
}
