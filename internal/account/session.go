package account

import (
	"context"
	"errors"
	"strings"

	"github.com/dukerupert/hapo/internal/apperr"
	"github.com/dukerupert/hapo/internal/model"
	"github.com/dukerupert/hapo/internal/token"
)

type SignInResult struct {
	Status      string        `json:"status"`
	AccountID   string        `json:"account_id,omitempty"`
	Destination string        `json:"destination,omitempty"`
	Tokens      *model.Tokens `json:"tokens,omitempty"`
}

// dummyDigest keeps the cost of a failed lookup close to a real check.
var dummyDigest = token.HashPasswordWithSalt("hapo-dummy", []byte("hapo-dummy-salt!"), token.PasswordParams{Time: 1, Memory: 8 * 1024, Threads: 1, KeyLen: 32})

// SignIn checks credentials. Accounts with MFA enabled get a code and a
// challenge result; the rest are signed in directly.
func (s *Service) SignIn(ctx context.Context, identifier, password string) (*SignInResult, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		return nil, apperr.Validation("identifier and password are required")
	}

	acct, err := s.accounts.GetAccountByIdentifier(ctx, identifier)
	if err != nil {
		return nil, apperr.Storage(err)
	}
	if acct == nil {
		token.VerifyPassword(password, dummyDigest)
		return nil, apperr.ErrInvalidCredentials
	}
	if !token.VerifyPassword(password, acct.PasswordHash) || !acct.Active {
		s.logger.Info("sign-in rejected", "account_id", acct.ID)
		return nil, apperr.ErrInvalidCredentials
	}
	if !acct.EmailVerified {
		// The password proves ownership, so a fresh code is sent even when
		// the previous one expired or ran out of attempts.
		result := &SignInResult{Status: StatusPendingVerification, AccountID: acct.ID, Destination: acct.Email}
		if err := s.issueCode(ctx, acct.ID, acct.Email, model.PurposeEmailVerification, EmailCodeTTL); err != nil {
			return result, err
		}
		s.logger.Info("verification code reissued on sign-in", "account_id", acct.ID)
		return result, apperr.ErrEmailNotVerified
	}

	if acct.MFAEnabled {
		dest := acct.Identifier()
		result := &SignInResult{Status: StatusRequiresMFA, AccountID: acct.ID, Destination: dest}
		if err := s.issueCode(ctx, acct.ID, dest, model.PurposeMFA, MFACodeTTL); err != nil {
			return result, err
		}
		return result, nil
	}

	tokens, err := s.CompleteLogin(ctx, acct)
	if err != nil {
		return nil, err
	}
	return &SignInResult{Status: StatusAuthenticated, AccountID: acct.ID, Tokens: tokens}, nil
}

// VerifyMFA checks the pending challenge and, on success, signs the
// account in.
func (s *Service) VerifyMFA(ctx context.Context, accountID, code string) (*model.Tokens, error) {
	if err := s.checkCode(ctx, accountID, model.PurposeMFA, strings.TrimSpace(code), apperr.ErrNoPendingChallenge); err != nil {
		return nil, err
	}
	acct, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, apperr.Storage(err)
	}
	if acct == nil {
		return nil, apperr.ErrNotFound
	}
	return s.CompleteLogin(ctx, acct)
}

// ResendMFA replaces the pending challenge code, keeping its destination.
func (s *Service) ResendMFA(ctx context.Context, accountID string) error {
	return s.reissueCode(ctx, accountID, model.PurposeMFA, MFACodeTTL, apperr.ErrNoPendingChallenge)
}

// CompleteLogin creates a session and issues its access and refresh tokens.
func (s *Service) CompleteLogin(ctx context.Context, acct *model.Account) (*model.Tokens, error) {
	refresh, err := token.IssueRefreshToken()
	if err != nil {
		return nil, apperr.Storage(err)
	}
	sessionID := newID()
	access, accessExp, err := s.issuer.IssueAccessToken(acct, sessionID)
	if err != nil {
		return nil, apperr.Storage(err)
	}

	now := s.clock()
	sess := &model.Session{
		ID:               sessionID,
		AccountID:        acct.ID,
		RefreshTokenHash: token.HashRefreshToken(refresh),
		RefreshExpiresAt: now.Add(s.refreshTTL),
		AccessExpiresAt:  accessExp,
		CreatedAt:        now,
	}
	if err := s.sessions.CreateSession(ctx, sess); err != nil {
		return nil, apperr.Storage(err)
	}
	s.logger.Info("session created", "account_id", acct.ID, "session_id", sessionID)

	return &model.Tokens{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    accessExp,
		SessionID:    sessionID,
		AccountID:    acct.ID,
	}, nil
}

// Logout deletes the session and any pending MFA challenge of its account.
// Unknown sessions are not an error.
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	sess, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return apperr.Storage(err)
	}
	if sess == nil {
		return nil
	}
	if err := s.sessions.DeleteSession(ctx, sessionID); err != nil {
		return apperr.Storage(err)
	}
	if err := s.codes.DeleteCode(ctx, sess.AccountID, model.PurposeMFA); err != nil {
		return apperr.Storage(err)
	}
	s.logger.Info("session ended", "account_id", sess.AccountID, "session_id", sessionID)
	return nil
}

// Authenticate resolves an access token to its account and live session.
// Expired tokens, revoked sessions and inactive accounts are rejected.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (*model.Account, *model.Session, error) {
	claims, err := s.issuer.Parse(accessToken)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.ErrInvalidToken, err)
	}
	sess, err := s.sessions.GetSession(ctx, claims.SessionID)
	if err != nil {
		return nil, nil, apperr.Storage(err)
	}
	if sess == nil || sess.AccountID != claims.Subject {
		return nil, nil, apperr.ErrInvalidToken
	}
	acct, err := s.accounts.GetAccount(ctx, claims.Subject)
	if err != nil {
		return nil, nil, apperr.Storage(err)
	}
	if acct == nil || !acct.Active {
		return nil, nil, apperr.ErrInvalidToken
	}
	return acct, sess, nil
}

// IsAuthenticated reports whether accessToken is signed, unexpired, bound
// to a live session, and resolves to an account.
func (s *Service) IsAuthenticated(ctx context.Context, accessToken string) bool {
	_, _, err := s.Authenticate(ctx, accessToken)
	return err == nil
}

// ValidateToken checks an access token. An expired one is refreshed
// silently and refreshed reports true. A token that cannot be decoded
// forces logout of the session bound to refreshToken.
func (s *Service) ValidateToken(ctx context.Context, accessToken, refreshToken string) (*model.Tokens, bool, error) {
	claims, err := s.issuer.Parse(accessToken)
	switch {
	case err == nil:
		if _, _, err := s.Authenticate(ctx, accessToken); err != nil {
			return nil, false, err
		}
		return &model.Tokens{
			AccessToken:  accessToken,
			RefreshToken: refreshToken,
			ExpiresAt:    claims.ExpiresAt.Time,
			SessionID:    claims.SessionID,
			AccountID:    claims.Subject,
		}, false, nil
	case errors.Is(err, token.ErrExpired):
		tokens, err := s.refresh(ctx, refreshToken, claims.SessionID)
		if err != nil {
			return nil, false, err
		}
		return tokens, true, nil
	default:
		s.forceLogout(ctx, refreshToken)
		return nil, false, apperr.Wrap(apperr.ErrInvalidToken, err)
	}
}

func (s *Service) forceLogout(ctx context.Context, refreshToken string) {
	if refreshToken == "" {
		return
	}
	sess, err := s.sessions.GetSessionByRefreshHash(ctx, token.HashRefreshToken(refreshToken))
	if err != nil || sess == nil {
		return
	}
	if err := s.Logout(ctx, sess.ID); err != nil {
		s.logger.Warn("forced logout", "session_id", sess.ID, "error", err)
	}
}

// Refresh rotates the refresh token of a session and issues a new access
// token. Expired, unknown or already-rotated refresh tokens are rejected.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*model.Tokens, error) {
	return s.refresh(ctx, refreshToken, "")
}

// refresh rotates the session bound to refreshToken. A non-empty
// sessionID must name that same session.
func (s *Service) refresh(ctx context.Context, refreshToken, sessionID string) (*model.Tokens, error) {
	if refreshToken == "" {
		return nil, apperr.ErrInvalidToken
	}
	oldHash := token.HashRefreshToken(refreshToken)
	sess, err := s.sessions.GetSessionByRefreshHash(ctx, oldHash)
	if err != nil {
		return nil, apperr.Storage(err)
	}
	if sess == nil {
		return nil, apperr.ErrInvalidToken
	}
	if sessionID != "" && sess.ID != sessionID {
		s.logger.Warn("refresh token from another session", "session_id", sessionID, "refresh_session_id", sess.ID)
		return nil, apperr.ErrInvalidToken
	}
	now := s.clock()
	if !now.Before(sess.RefreshExpiresAt) {
		if err := s.sessions.DeleteSession(ctx, sess.ID); err != nil {
			return nil, apperr.Storage(err)
		}
		return nil, apperr.ErrInvalidToken
	}

	acct, err := s.accounts.GetAccount(ctx, sess.AccountID)
	if err != nil {
		return nil, apperr.Storage(err)
	}
	if acct == nil || !acct.Active {
		return nil, apperr.ErrInvalidToken
	}

	next, err := token.IssueRefreshToken()
	if err != nil {
		return nil, apperr.Storage(err)
	}
	access, accessExp, err := s.issuer.IssueAccessToken(acct, sess.ID)
	if err != nil {
		return nil, apperr.Storage(err)
	}
	rotated, err := s.sessions.RotateSession(ctx, sess.ID, oldHash, &model.Session{
		RefreshTokenHash: token.HashRefreshToken(next),
		RefreshExpiresAt: now.Add(s.refreshTTL),
		AccessExpiresAt:  accessExp,
	})
	if err != nil {
		return nil, apperr.Storage(err)
	}
	if !rotated {
		return nil, apperr.ErrInvalidToken
	}
	s.logger.Debug("session refreshed", "account_id", acct.ID, "session_id", sess.ID)

	return &model.Tokens{
		AccessToken:  access,
		RefreshToken: next,
		ExpiresAt:    accessExp,
		SessionID:    sess.ID,
		AccountID:    acct.ID,
	}, nil
}
