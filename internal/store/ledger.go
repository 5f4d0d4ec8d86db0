package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dukerupert/hapo/internal/apperr"
	"github.com/dukerupert/hapo/internal/database"
	"github.com/dukerupert/hapo/internal/model"
)

// LedgerStore applies balance changes and records their transactions.
type LedgerStore struct {
	db *sql.DB
}

func NewLedgerStore(db *sql.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

func scanTransaction(scanner interface{ Scan(...any) error }) (*model.Transaction, error) {
	var t model.Transaction
	err := scanner.Scan(
		&t.ID, &t.StudentID, &t.ParentID, &t.Amount, &t.Type, &t.Category,
		&t.Description, &t.Status, &t.IdempotencyKey, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

const transactionCols = `id, student_id, parent_id, amount, type, category, description, status, idempotency_key, created_at`

// GetAccount reads the balance owner; the ledger only needs the child row.
func (s *LedgerStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return NewAccountStore(s.db).GetAccount(ctx, id)
}

// ApplyCredit commits c in one transaction. A credit whose idempotency key
// already exists returns the stored transaction with replayed set, or
// apperr.ErrIdempotencyConflict when the stored one differs. A stale
// ExpectedVersion returns apperr.ErrVersionConflict.
func (s *LedgerStore) ApplyCredit(ctx context.Context, c model.Credit) (*model.Transaction, bool, error) {
	var result *model.Transaction
	var replayed bool
	err := database.InTx(ctx, s.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+transactionCols+` FROM transactions WHERE idempotency_key = ?`,
			c.Transaction.IdempotencyKey,
		)
		existing, err := scanTransaction(row)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("get transaction by key: %w", err)
		}
		if existing != nil {
			if !existing.SameCredit(&c.Transaction) {
				return apperr.ErrIdempotencyConflict
			}
			result, replayed = existing, true
			return nil
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE accounts SET balance = ?, version = version + 1, updated_at = ?
			WHERE id = ? AND version = ?`,
			c.NewBalance, c.Transaction.CreatedAt.UTC(), c.AccountID, c.ExpectedVersion,
		)
		if err != nil {
			return fmt.Errorf("update balance: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return apperr.ErrVersionConflict
		}

		t := c.Transaction
		_, err = tx.ExecContext(ctx,
			`INSERT INTO transactions (`+transactionCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.StudentID, t.ParentID, t.Amount, t.Type, t.Category,
			t.Description, t.Status, t.IdempotencyKey, t.CreatedAt.UTC(),
		)
		if database.IsUniqueViolation(err) {
			// A concurrent credit with the same key committed first.
			return apperr.Wrap(apperr.ErrVersionConflict, err)
		}
		if err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}
		result = &t
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, replayed, nil
}

func (s *LedgerStore) ListTransactions(ctx context.Context, studentID string, limit int) ([]model.Transaction, error) {
	return s.list(ctx, `WHERE student_id = ?`, studentID, limit)
}

func (s *LedgerStore) ListTransactionsByParent(ctx context.Context, parentID string, limit int) ([]model.Transaction, error) {
	return s.list(ctx, `WHERE parent_id = ?`, parentID, limit)
}

func (s *LedgerStore) list(ctx context.Context, where, arg string, limit int) ([]model.Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+transactionCols+` FROM transactions `+where+` ORDER BY rowid DESC LIMIT ?`,
		arg, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var txns []model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txns = append(txns, *t)
	}
	return txns, rows.Err()
}
