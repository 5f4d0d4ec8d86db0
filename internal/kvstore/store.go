package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dukerupert/hapo/internal/apperr"
	"github.com/dukerupert/hapo/internal/model"
)

// Store implements the account, code, session, ledger and request
// repositories on top of a DB.
type Store struct {
	db *DB
}

func NewStore(db *DB) *Store {
	return &Store{db: db}
}

const (
	accountPrefix = "account/"
	identPrefix   = "ident/"
	codePrefix    = "code/"
	sessionPrefix = "session/"
	refreshPrefix = "refresh/"
	txnPrefix     = "txn/"
	txnKeyPrefix  = "txnkey/"
	requestPrefix = "request/"
)

// accountRecord persists the password hash, which Account hides from JSON.
type accountRecord struct {
	Seq int64 `json:"seq"`
	model.Account
	PasswordHash string `json:"password_hash"`
}

func (r *accountRecord) account() *model.Account {
	a := r.Account
	a.PasswordHash = r.PasswordHash
	return &a
}

type sessionRecord struct {
	model.Session
	RefreshTokenHash string `json:"refresh_token_hash"`
}

func (r *sessionRecord) session() *model.Session {
	s := r.Session
	s.RefreshTokenHash = r.RefreshTokenHash
	return &s
}

type txnRecord struct {
	Seq int64 `json:"seq"`
	model.Transaction
}

type requestRecord struct {
	Seq int64 `json:"seq"`
	model.MoneyRequest
}

func identKey(identifier string) string {
	return identPrefix + strings.ToLower(strings.TrimSpace(identifier))
}

func codeKey(accountID string, purpose model.CodePurpose) string {
	return codePrefix + accountID + "/" + string(purpose)
}

// Accounts

func (s *Store) CreateAccount(ctx context.Context, a *model.Account) error {
	return s.db.Update(ctx, func(tx *Tx) error {
		var existing accountRecord
		if ok, err := tx.Get(accountPrefix+a.ID, &existing); err != nil {
			return err
		} else if ok {
			return fmt.Errorf("account %s exists", a.ID)
		}
		if a.ParentID != nil {
			var parent accountRecord
			ok, err := tx.Get(accountPrefix+*a.ParentID, &parent)
			if err != nil {
				return err
			}
			if !ok || parent.Role != model.RoleParent {
				return apperr.Validation("parent account %s does not exist", *a.ParentID)
			}
		}

		rec := accountRecord{Seq: tx.NextSeq(), Account: *a, PasswordHash: a.PasswordHash}
		rec.Email = strings.ToLower(a.Email)
		rec.Username = strings.ToLower(a.Username)
		for _, ident := range []string{rec.Email, rec.Username} {
			if ident == "" {
				continue
			}
			var id string
			if ok, err := tx.Get(identKey(ident), &id); err != nil {
				return err
			} else if ok {
				return apperr.ErrDuplicateEmail
			}
			if err := tx.Put(identKey(ident), a.ID); err != nil {
				return err
			}
		}
		return tx.Put(accountPrefix+a.ID, rec)
	})
}

func (s *Store) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var rec accountRecord
	ok, err := s.db.Get(accountPrefix+id, &rec)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return rec.account(), nil
}

func (s *Store) GetAccountByIdentifier(ctx context.Context, identifier string) (*model.Account, error) {
	var id string
	ok, err := s.db.Get(identKey(identifier), &id)
	if err != nil {
		return nil, fmt.Errorf("get identifier: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return s.GetAccount(ctx, id)
}

// UpdateAccount writes profile fields and keeps the stored balance and
// version, which only ApplyCredit may change.
func (s *Store) UpdateAccount(ctx context.Context, a *model.Account) error {
	return s.db.Update(ctx, func(tx *Tx) error {
		var rec accountRecord
		ok, err := tx.Get(accountPrefix+a.ID, &rec)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.ErrNotFound
		}
		rec.FullName = a.FullName
		rec.Profile = a.Profile
		rec.PasswordHash = a.PasswordHash
		rec.EmailVerified = a.EmailVerified
		rec.MFAEnabled = a.MFAEnabled
		rec.WeeklyLimit = a.WeeklyLimit
		rec.DailyLimit = a.DailyLimit
		rec.Active = a.Active
		rec.UpdatedAt = a.UpdatedAt
		return tx.Put(accountPrefix+a.ID, rec)
	})
}

func (s *Store) ListChildren(ctx context.Context, parentID string) ([]model.Account, error) {
	var recs []accountRecord
	err := s.db.Scan(accountPrefix, func(_ string, raw json.RawMessage) error {
		var rec accountRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		if rec.IsChildOf(parentID) {
			recs = append(recs, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Seq < recs[j].Seq })

	var children []model.Account
	for i := range recs {
		children = append(children, *recs[i].account())
	}
	return children, nil
}

// Codes

func (s *Store) PutCode(ctx context.Context, c *model.PendingCode) error {
	return s.db.Put(ctx, codeKey(c.AccountID, c.Purpose), c)
}

func (s *Store) GetCode(ctx context.Context, accountID string, purpose model.CodePurpose) (*model.PendingCode, error) {
	var c model.PendingCode
	ok, err := s.db.Get(codeKey(accountID, purpose), &c)
	if err != nil {
		return nil, fmt.Errorf("get code: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *Store) IncrementAttempts(ctx context.Context, accountID string, purpose model.CodePurpose) (int, error) {
	var attempts int
	err := s.db.Update(ctx, func(tx *Tx) error {
		var c model.PendingCode
		ok, err := tx.Get(codeKey(accountID, purpose), &c)
		if err != nil || !ok {
			return err
		}
		c.Attempts++
		attempts = c.Attempts
		return tx.Put(codeKey(accountID, purpose), c)
	})
	return attempts, err
}

func (s *Store) DeleteCode(ctx context.Context, accountID string, purpose model.CodePurpose) error {
	return s.db.Delete(ctx, codeKey(accountID, purpose))
}

func (s *Store) DeleteExpiredCodes(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	err := s.db.Update(ctx, func(tx *Tx) error {
		return tx.Scan(codePrefix, func(key string, raw json.RawMessage) error {
			var c model.PendingCode
			if err := json.Unmarshal(raw, &c); err != nil {
				return err
			}
			if !now.Before(c.ExpiresAt) {
				tx.Delete(key)
				count++
			}
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("delete expired codes: %w", err)
	}
	return count, nil
}

// Sessions

func (s *Store) CreateSession(ctx context.Context, sess *model.Session) error {
	return s.db.Update(ctx, func(tx *Tx) error {
		if err := tx.Put(refreshPrefix+sess.RefreshTokenHash, sess.ID); err != nil {
			return err
		}
		return tx.Put(sessionPrefix+sess.ID, sessionRecord{Session: *sess, RefreshTokenHash: sess.RefreshTokenHash})
	})
}

func (s *Store) GetSession(ctx context.Context, id string) (*model.Session, error) {
	var rec sessionRecord
	ok, err := s.db.Get(sessionPrefix+id, &rec)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return rec.session(), nil
}

func (s *Store) GetSessionByRefreshHash(ctx context.Context, hash string) (*model.Session, error) {
	var id string
	ok, err := s.db.Get(refreshPrefix+hash, &id)
	if err != nil {
		return nil, fmt.Errorf("get refresh hash: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return s.GetSession(ctx, id)
}

func (s *Store) RotateSession(ctx context.Context, id, oldHash string, next *model.Session) (bool, error) {
	rotated := false
	err := s.db.Update(ctx, func(tx *Tx) error {
		var rec sessionRecord
		ok, err := tx.Get(sessionPrefix+id, &rec)
		if err != nil || !ok || rec.RefreshTokenHash != oldHash {
			return err
		}
		tx.Delete(refreshPrefix + oldHash)
		rec.RefreshTokenHash = next.RefreshTokenHash
		rec.RefreshExpiresAt = next.RefreshExpiresAt
		rec.AccessExpiresAt = next.AccessExpiresAt
		if err := tx.Put(refreshPrefix+next.RefreshTokenHash, id); err != nil {
			return err
		}
		rotated = true
		return tx.Put(sessionPrefix+id, rec)
	})
	return rotated, err
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return s.db.Update(ctx, func(tx *Tx) error {
		var rec sessionRecord
		ok, err := tx.Get(sessionPrefix+id, &rec)
		if err != nil || !ok {
			return err
		}
		tx.Delete(refreshPrefix + rec.RefreshTokenHash)
		tx.Delete(sessionPrefix + id)
		return nil
	})
}

func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	err := s.db.Update(ctx, func(tx *Tx) error {
		return tx.Scan(sessionPrefix, func(key string, raw json.RawMessage) error {
			var rec sessionRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
			if !now.Before(rec.RefreshExpiresAt) {
				tx.Delete(refreshPrefix + rec.RefreshTokenHash)
				tx.Delete(key)
				count++
			}
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return count, nil
}

// Ledger

// ApplyCredit mirrors the SQL ledger: replay on a known key, version
// check-and-set on the balance, then append.
func (s *Store) ApplyCredit(ctx context.Context, c model.Credit) (*model.Transaction, bool, error) {
	var result *model.Transaction
	var replayed bool
	err := s.db.Update(ctx, func(tx *Tx) error {
		var txnID string
		ok, err := tx.Get(txnKeyPrefix+c.Transaction.IdempotencyKey, &txnID)
		if err != nil {
			return err
		}
		if ok {
			var existing txnRecord
			if _, err := tx.Get(txnPrefix+txnID, &existing); err != nil {
				return err
			}
			if !existing.Transaction.SameCredit(&c.Transaction) {
				return apperr.ErrIdempotencyConflict
			}
			t := existing.Transaction
			result, replayed = &t, true
			return nil
		}

		var acct accountRecord
		ok, err = tx.Get(accountPrefix+c.AccountID, &acct)
		if err != nil {
			return err
		}
		if !ok || acct.Version != c.ExpectedVersion {
			return apperr.ErrVersionConflict
		}
		acct.Balance = c.NewBalance
		acct.Version++
		acct.UpdatedAt = c.Transaction.CreatedAt
		if err := tx.Put(accountPrefix+c.AccountID, acct); err != nil {
			return err
		}

		t := c.Transaction
		if err := tx.Put(txnPrefix+t.ID, txnRecord{Seq: tx.NextSeq(), Transaction: t}); err != nil {
			return err
		}
		if err := tx.Put(txnKeyPrefix+t.IdempotencyKey, t.ID); err != nil {
			return err
		}
		result = &t
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, replayed, nil
}

func (s *Store) ListTransactions(ctx context.Context, studentID string, limit int) ([]model.Transaction, error) {
	return s.listTransactions(func(t *model.Transaction) bool { return t.StudentID == studentID }, limit)
}

func (s *Store) ListTransactionsByParent(ctx context.Context, parentID string, limit int) ([]model.Transaction, error) {
	return s.listTransactions(func(t *model.Transaction) bool { return t.ParentID == parentID }, limit)
}

func (s *Store) listTransactions(match func(*model.Transaction) bool, limit int) ([]model.Transaction, error) {
	var recs []txnRecord
	err := s.db.Scan(txnPrefix, func(_ string, raw json.RawMessage) error {
		var rec txnRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		if match(&rec.Transaction) {
			recs = append(recs, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Seq > recs[j].Seq })
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	var txns []model.Transaction
	for _, r := range recs {
		txns = append(txns, r.Transaction)
	}
	return txns, nil
}

// Requests

func (s *Store) CreateRequest(ctx context.Context, r *model.MoneyRequest) error {
	return s.db.Update(ctx, func(tx *Tx) error {
		return tx.Put(requestPrefix+r.ID, requestRecord{Seq: tx.NextSeq(), MoneyRequest: *r})
	})
}

func (s *Store) GetRequest(ctx context.Context, id string) (*model.MoneyRequest, error) {
	var rec requestRecord
	ok, err := s.db.Get(requestPrefix+id, &rec)
	if err != nil {
		return nil, fmt.Errorf("get money request: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &rec.MoneyRequest, nil
}

func (s *Store) TransitionRequest(ctx context.Context, id string, from, to model.RequestStatus, now time.Time) (bool, error) {
	changed := false
	err := s.db.Update(ctx, func(tx *Tx) error {
		var rec requestRecord
		ok, err := tx.Get(requestPrefix+id, &rec)
		if err != nil || !ok || rec.Status != from {
			return err
		}
		rec.Status = to
		rec.UpdatedAt = now
		changed = true
		return tx.Put(requestPrefix+id, rec)
	})
	return changed, err
}

func (s *Store) SetRequestTransaction(ctx context.Context, id, transactionID string, now time.Time) error {
	return s.db.Update(ctx, func(tx *Tx) error {
		var rec requestRecord
		ok, err := tx.Get(requestPrefix+id, &rec)
		if err != nil || !ok {
			return err
		}
		rec.TransactionID = &transactionID
		rec.UpdatedAt = now
		return tx.Put(requestPrefix+id, rec)
	})
}

func (s *Store) ListRequestsByParent(ctx context.Context, parentID string, status model.RequestStatus) ([]model.MoneyRequest, error) {
	return s.listRequests(func(r *model.MoneyRequest) bool {
		return r.ParentID == parentID && (status == "" || r.Status == status)
	})
}

func (s *Store) ListRequestsByStudent(ctx context.Context, studentID string) ([]model.MoneyRequest, error) {
	return s.listRequests(func(r *model.MoneyRequest) bool { return r.StudentID == studentID })
}

func (s *Store) listRequests(match func(*model.MoneyRequest) bool) ([]model.MoneyRequest, error) {
	var recs []requestRecord
	err := s.db.Scan(requestPrefix, func(_ string, raw json.RawMessage) error {
		var rec requestRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		if match(&rec.MoneyRequest) {
			recs = append(recs, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list money requests: %w", err)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Seq > recs[j].Seq })
	var reqs []model.MoneyRequest
	for _, r := range recs {
		reqs = append(reqs, r.MoneyRequest)
	}
	return reqs, nil
}

// CacheAccount upserts a copy of a and its identifier index without the
// uniqueness and parent checks of CreateAccount.
func (s *Store) CacheAccount(ctx context.Context, a *model.Account) error {
	return s.db.Update(ctx, func(tx *Tx) error {
		var rec accountRecord
		ok, err := tx.Get(accountPrefix+a.ID, &rec)
		if err != nil {
			return err
		}
		seq := rec.Seq
		if !ok {
			seq = tx.NextSeq()
		}
		next := accountRecord{Seq: seq, Account: *a, PasswordHash: a.PasswordHash}
		next.Email = strings.ToLower(a.Email)
		next.Username = strings.ToLower(a.Username)
		for _, ident := range []string{next.Email, next.Username} {
			if ident == "" {
				continue
			}
			if err := tx.Put(identKey(ident), a.ID); err != nil {
				return err
			}
		}
		return tx.Put(accountPrefix+a.ID, next)
	})
}
