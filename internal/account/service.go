// Package account implements sign-up, email verification, sign-in with an
// MFA step, and the session lifecycle for parent and child accounts.
package account

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/dukerupert/hapo/internal/model"
	"github.com/dukerupert/hapo/internal/token"
)

const (
	EmailCodeTTL      = 10 * time.Minute
	MFACodeTTL        = 5 * time.Minute
	DefaultRefreshTTL = 30 * 24 * time.Hour
	maxCodeAttempts   = 5
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
}

type Sessions interface {
	CreateSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
	GetSessionByRefreshHash(ctx context.Context, hash string) (*model.Session, error)
	RotateSession(ctx context.Context, id, oldHash string, next *model.Session) (bool, error)
	DeleteSession(ctx context.Context, id string) error
}

// Deliverer sends a verification or MFA code to its destination.
type Deliverer interface {
	Deliver(ctx context.Context, destination, code string, purpose model.CodePurpose) error
}

type Service struct {
	accounts   Accounts
	codes      Codes
	sessions   Sessions
	deliverer  Deliverer
	issuer     *token.Issuer
	params     token.PasswordParams
	codeCost   int
	refreshTTL time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

type Option func(*Service)

// WithClock must match the clock given to the token issuer.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithPasswordParams(p token.PasswordParams) Option {
	return func(s *Service) { s.params = p }
}

// WithCodeCost sets the bcrypt cost used for stored codes.
func WithCodeCost(cost int) Option {
	return func(s *Service) { s.codeCost = cost }
}

func WithRefreshTTL(ttl time.Duration) Option {
	return func(s *Service) { s.refreshTTL = ttl }
}

func NewService(accounts Accounts, codes Codes, sessions Sessions, deliverer Deliverer, issuer *token.Issuer, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		accounts:   accounts,
		codes:      codes,
		sessions:   sessions,
		deliverer:  deliverer,
		issuer:     issuer,
		params:     token.DefaultParams,
		codeCost:   bcrypt.DefaultCost,
		refreshTTL: DefaultRefreshTTL,
		now:        time.Now,
		logger:     logger.With("component", "account"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

func newID() string {
	return uuid.NewString()
}
