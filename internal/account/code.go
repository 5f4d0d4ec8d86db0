package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/dukerupert/hapo/internal/apperr"
	"github.com/dukerupert/hapo/internal/model"
	"github.com/dukerupert/hapo/internal/token"
)

// issueCode stores a fresh code for (account, purpose), replacing any
// previous one, and delivers it. The stored code survives a delivery
// failure so the caller can ask for a resend.
func (s *Service) issueCode(ctx context.Context, accountID, destination string, purpose model.CodePurpose, ttl time.Duration) error {
	code, err := token.GenerateCode()
	if err != nil {
		return apperr.Storage(err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), s.codeCost)
	if err != nil {
		return apperr.Storage(fmt.Errorf("hash code: %w", err))
	}

	now := s.clock()
	rec := &model.PendingCode{
		AccountID:   accountID,
		Purpose:     purpose,
		CodeHash:    string(hash),
		Destination: destination,
		ExpiresAt:   now.Add(ttl),
		CreatedAt:   now,
	}
	if err := s.codes.PutCode(ctx, rec); err != nil {
		return apperr.Storage(err)
	}

	if err := s.deliverer.Deliver(ctx, destination, code, purpose); err != nil {
		s.logger.Error("deliver code", "account_id", accountID, "purpose", purpose, "error", err)
		return apperr.Wrap(apperr.ErrDeliveryFailed, err)
	}
	s.logger.Info("code issued", "account_id", accountID, "purpose", purpose)
	return nil
}

// reissueCode replaces an outstanding code, keeping its destination.
func (s *Service) reissueCode(ctx context.Context, accountID string, purpose model.CodePurpose, ttl time.Duration, none *apperr.Error) error {
	rec, err := s.codes.GetCode(ctx, accountID, purpose)
	if err != nil {
		return apperr.Storage(err)
	}
	if rec == nil {
		return none
	}
	return s.issueCode(ctx, accountID, rec.Destination, purpose, ttl)
}

// checkCode consumes the pending code on success or expiry. A mismatch
// counts an attempt; after maxCodeAttempts the code is consumed too.
func (s *Service) checkCode(ctx context.Context, accountID string, purpose model.CodePurpose, code string, none *apperr.Error) error {
	rec, err := s.codes.GetCode(ctx, accountID, purpose)
	if err != nil {
		return apperr.Storage(err)
	}
	if rec == nil {
		return none
	}

	if s.clock().After(rec.ExpiresAt) {
		if err := s.codes.DeleteCode(ctx, accountID, purpose); err != nil {
			return apperr.Storage(err)
		}
		return apperr.ErrExpired
	}

	err = bcrypt.CompareHashAndPassword([]byte(rec.CodeHash), []byte(code))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		attempts, err := s.codes.IncrementAttempts(ctx, accountID, purpose)
		if err != nil {
			return apperr.Storage(err)
		}
		if attempts >= maxCodeAttempts {
			s.logger.Warn("code attempts exhausted", "account_id", accountID, "purpose", purpose)
			if err := s.codes.DeleteCode(ctx, accountID, purpose); err != nil {
				return apperr.Storage(err)
			}
		}
		return apperr.ErrCodeMismatch
	}
	if err != nil {
		return apperr.Storage(fmt.Errorf("compare code: %w", err))
	}

	if err := s.codes.DeleteCode(ctx, accountID, purpose); err != nil {
		return apperr.Storage(err)
	}
	return nil
}
