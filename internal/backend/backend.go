// Package backend opens the configured credential store.
package backend

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukerupert/hapo/internal/config"
	"github.com/dukerupert/hapo/internal/database"
	"github.com/dukerupert/hapo/internal/kvstore"
	"github.com/dukerupert/hapo/internal/model"
	"github.com/dukerupert/hapo/internal/store"
)

type Accounts interface {
	CreateAccount(ctx context.Context, a *model.Account) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	GetAccountByIdentifier(ctx context.Context, identifier string) (*model.Account, error)
	UpdateAccount(ctx context.Context, a *model.Account) error
	ListChildren(ctx context.Context, parentID string) ([]model.Account, error)
}

type Codes interface {
	PutCode(ctx context.Context, c *model.PendingCode) error
	GetCode(ctx context.Context, accountID string, purpose model.CodePurpose) (*model.PendingCode, error)
	IncrementAttempts(ctx context.Context, accountID string, purpose model.CodePurpose) (int, error)
	DeleteCode(ctx context.Context, accountID string, purpose model.CodePurpose) error
	DeleteExpiredCodes(ctx context.Context, now time.Time) (int64, error)
}

type Sessions interface {
	CreateSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
	GetSessionByRefreshHash(ctx context.Context, hash string) (*model.Session, error)
	RotateSession(ctx context.Context, id, oldHash string, next *model.Session) (bool, error)
	DeleteSession(ctx context.Context, id string) error
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

type Ledger interface {
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	ApplyCredit(ctx context.Context, c model.Credit) (*model.Transaction, bool, error)
	ListTransactions(ctx context.Context, studentID string, limit int) ([]model.Transaction, error)
	ListTransactionsByParent(ctx context.Context, parentID string, limit int) ([]model.Transaction, error)
}

type Requests interface {
	CreateRequest(ctx context.Context, r *model.MoneyRequest) error
	GetRequest(ctx context.Context, id string) (*model.MoneyRequest, error)
	TransitionRequest(ctx context.Context, id string, from, to model.RequestStatus, now time.Time) (bool, error)
	SetRequestTransaction(ctx context.Context, id, transactionID string, now time.Time) error
	ListRequestsByParent(ctx context.Context, parentID string, status model.RequestStatus) ([]model.MoneyRequest, error)
	ListRequestsByStudent(ctx context.Context, studentID string) ([]model.MoneyRequest, error)
}

// Backend bundles the repositories of one storage backend.
type Backend struct {
	Name     string
	Accounts Accounts
	Codes    Codes
	Sessions Sessions
	Ledger   Ledger
	Requests Requests

	db *sql.DB
}

// Open opens the backend named by cfg.Backend. When cfg.CachePath is set,
// account reads fall back to a local cache on storage errors.
func Open(cfg *config.Config, logger *slog.Logger) (*Backend, error) {
	var b *Backend
	switch cfg.Backend {
	case config.BackendLocal:
		db, err := kvstore.Open(cfg.KVPath)
		if err != nil {
			return nil, fmt.Errorf("open local store: %w", err)
		}
		b = NewLocal(db)
	default:
		db, err := database.Open(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		b = NewSQLite(db)
	}

	if cfg.CachePath != "" {
		cacheDB, err := kvstore.Open(cfg.CachePath)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("open account cache: %w", err)
		}
		b.Accounts = NewCachedAccounts(b.Accounts, kvstore.NewStore(cacheDB), logger)
	}
	return b, nil
}

func NewSQLite(db *sql.DB) *Backend {
	return &Backend{
		Name:     config.BackendSQLite,
		Accounts: store.NewAccountStore(db),
		Codes:    store.NewCodeStore(db),
		Sessions: store.NewSessionStore(db),
		Ledger:   store.NewLedgerStore(db),
		Requests: store.NewRequestStore(db),
		db:       db,
	}
}

func NewLocal(db *kvstore.DB) *Backend {
	s := kvstore.NewStore(db)
	return &Backend{
		Name:     config.BackendLocal,
		Accounts: s,
		Codes:    s,
		Sessions: s,
		Ledger:   s,
		Requests: s,
	}
}

// Cleanup removes expired sessions and codes.
func (b *Backend) Cleanup(ctx context.Context, now time.Time) (sessions, codes int64, err error) {
	if sessions, err = b.Sessions.DeleteExpiredSessions(ctx, now); err != nil {
		return 0, 0, err
	}
	if codes, err = b.Codes.DeleteExpiredCodes(ctx, now); err != nil {
		return sessions, 0, err
	}
	return sessions, codes, nil
}

func (b *Backend) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}
