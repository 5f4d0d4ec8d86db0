package account

import (
	"context"
	"net/mail"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/dukerupert/hapo/internal/apperr"
	"github.com/dukerupert/hapo/internal/model"
	"github.com/dukerupert/hapo/internal/token"
)

const (
	StatusPendingVerification = "pending_email_verification"
	StatusRequiresMFA         = "requires_mfa"
	StatusAuthenticated       = "authenticated"
)

const minPasswordScore = 4

type SignUpInput struct {
	FullName string            `json:"full_name"`
	Email    string            `json:"email"`
	Password string            `json:"password"`
	Profile  map[string]string `json:"profile,omitempty"`
}

type SignUpResult struct {
	Status      string `json:"status"`
	AccountID   string `json:"account_id"`
	Destination string `json:"destination"`
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", apperr.Validation("email %q is not a valid address", email)
	}
	return email, nil
}

func checkPassword(password string) error {
	st := token.CheckStrength(password)
	if len(password) < token.MinPasswordLength || st.Score < minPasswordScore {
		return apperr.Validation("password is too weak: %s", strings.Join(st.Feedback, ", "))
	}
	return nil
}

// SignUp creates an unverified parent account and sends an email
// verification code. No session is created. If delivery fails the account
// still exists; the result is returned alongside the error so the caller
// can resend.
func (s *Service) SignUp(ctx context.Context, in SignUpInput) (*SignUpResult, error) {
	fullName := strings.TrimSpace(in.FullName)
	if fullName == "" {
		return nil, apperr.Validation("full name is required")
	}
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}
	if err := checkPassword(in.Password); err != nil {
		return nil, err
	}

	digest, err := token.HashPassword(in.Password, s.params)
	if err != nil {
		return nil, apperr.Storage(err)
	}

	now := s.clock()
	acct := &model.Account{
		ID:           newID(),
		Role:         model.RoleParent,
		FullName:     fullName,
		Email:        email,
		Profile:      in.Profile,
		PasswordHash: digest,
		MFAEnabled:   true,
		Balance:      decimal.Zero,
		WeeklyLimit:  decimal.Zero,
		DailyLimit:   decimal.Zero,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.accounts.CreateAccount(ctx, acct); err != nil {
		return nil, apperr.Storage(err)
	}
	s.logger.Info("account created", "account_id", acct.ID, "role", acct.Role)

	result := &SignUpResult{Status: StatusPendingVerification, AccountID: acct.ID, Destination: email}
	if err := s.issueCode(ctx, acct.ID, email, model.PurposeEmailVerification, EmailCodeTTL); err != nil {
		return result, err
	}
	return result, nil
}

// VerifyEmail checks the pending email code and marks the account verified.
func (s *Service) VerifyEmail(ctx context.Context, accountID, code string) error {
	if err := s.checkCode(ctx, accountID, model.PurposeEmailVerification, strings.TrimSpace(code), apperr.ErrNoPendingVerification); err != nil {
		return err
	}

	acct, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return apperr.Storage(err)
	}
	if acct == nil {
		return apperr.ErrNotFound
	}
	acct.EmailVerified = true
	acct.UpdatedAt = s.clock()
	if err := s.accounts.UpdateAccount(ctx, acct); err != nil {
		return apperr.Storage(err)
	}
	s.logger.Info("email verified", "account_id", accountID)
	return nil
}

// ResendEmailVerification replaces the pending code and resets its expiry.
func (s *Service) ResendEmailVerification(ctx context.Context, accountID string) error {
	return s.reissueCode(ctx, accountID, model.PurposeEmailVerification, EmailCodeTTL, apperr.ErrNoPendingVerification)
}
