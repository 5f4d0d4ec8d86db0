package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/hapo/internal/model"
)

// CodeStore holds outstanding verification and MFA codes, one per
// (account, purpose).
type CodeStore struct {
	db *sql.DB
}

func NewCodeStore(db *sql.DB) *CodeStore {
	return &CodeStore{db: db}
}

func scanCode(scanner interface{ Scan(...any) error }) (*model.PendingCode, error) {
	var c model.PendingCode
	err := scanner.Scan(&c.AccountID, &c.Purpose, &c.CodeHash, &c.Destination, &c.Attempts, &c.ExpiresAt, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

const codeCols = `account_id, purpose, code_hash, destination, attempts, expires_at, created_at`

// PutCode replaces any previous code for the same account and purpose.
func (s *CodeStore) PutCode(ctx context.Context, c *model.PendingCode) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_codes (`+codeCols+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, purpose) DO UPDATE SET
			code_hash = excluded.code_hash,
			destination = excluded.destination,
			attempts = excluded.attempts,
			expires_at = excluded.expires_at,
			created_at = excluded.created_at`,
		c.AccountID, c.Purpose, c.CodeHash, c.Destination, c.Attempts, c.ExpiresAt.UTC(), c.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("put code: %w", err)
	}
	return nil
}

func (s *CodeStore) GetCode(ctx context.Context, accountID string, purpose model.CodePurpose) (*model.PendingCode, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+codeCols+` FROM pending_codes WHERE account_id = ? AND purpose = ?`,
		accountID, purpose,
	)
	c, err := scanCode(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get code: %w", err)
	}
	return c, nil
}

// IncrementAttempts increments the attempt count and returns the new value.
func (s *CodeStore) IncrementAttempts(ctx context.Context, accountID string, purpose model.CodePurpose) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx,
		`UPDATE pending_codes SET attempts = attempts + 1 WHERE account_id = ? AND purpose = ? RETURNING attempts`,
		accountID, purpose,
	).Scan(&attempts)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("increment attempts: %w", err)
	}
	return attempts, nil
}

func (s *CodeStore) DeleteCode(ctx context.Context, accountID string, purpose model.CodePurpose) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_codes WHERE account_id = ? AND purpose = ?`,
		accountID, purpose,
	)
	if err != nil {
		return fmt.Errorf("delete code: %w", err)
	}
	return nil
}

// DeleteExpiredCodes removes codes whose expiry is at or before now.
// Expiry is compared in Go; stored timestamps are driver-formatted text.
func (s *CodeStore) DeleteExpiredCodes(ctx context.Context, now time.Time) (int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT account_id, purpose, expires_at FROM pending_codes`)
	if err != nil {
		return 0, fmt.Errorf("query codes: %w", err)
	}
	type key struct {
		accountID string
		purpose   model.CodePurpose
	}
	var expired []key
	for rows.Next() {
		var k key
		var expiresAt time.Time
		if err := rows.Scan(&k.accountID, &k.purpose, &expiresAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan code: %w", err)
		}
		if !now.Before(expiresAt) {
			expired = append(expired, k)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate codes: %w", err)
	}

	var count int64
	for _, k := range expired {
		if err := s.DeleteCode(ctx, k.accountID, k.purpose); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}
