package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/hapo/internal/model"
)

type RequestStore struct {
	db *sql.DB
}

func NewRequestStore(db *sql.DB) *RequestStore {
	return &RequestStore{db: db}
}

func scanRequest(scanner interface{ Scan(...any) error }) (*model.MoneyRequest, error) {
	var r model.MoneyRequest
	var txnID sql.NullString
	err := scanner.Scan(
		&r.ID, &r.StudentID, &r.ParentID, &r.Amount, &r.Reason, &r.Type,
		&r.Status, &txnID, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if txnID.Valid {
		r.TransactionID = &txnID.String
	}
	return &r, nil
}

const requestCols = `id, student_id, parent_id, amount, reason, type, status, transaction_id, created_at, updated_at`

func (s *RequestStore) CreateRequest(ctx context.Context, r *model.MoneyRequest) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO money_requests (`+requestCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)`,
		r.ID, r.StudentID, r.ParentID, r.Amount, r.Reason, r.Type, r.Status,
		r.CreatedAt.UTC(), r.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert money request: %w", err)
	}
	return nil
}

func (s *RequestStore) GetRequest(ctx context.Context, id string) (*model.MoneyRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestCols+` FROM money_requests WHERE id = ?`, id)
	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get money request: %w", err)
	}
	return r, nil
}

// TransitionRequest moves a request from one status to another only if it
// is still in from. It reports whether this call made the change.
func (s *RequestStore) TransitionRequest(ctx context.Context, id string, from, to model.RequestStatus, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE money_requests SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, now.UTC(), id, from,
	)
	if err != nil {
		return false, fmt.Errorf("transition money request: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *RequestStore) SetRequestTransaction(ctx context.Context, id, transactionID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE money_requests SET transaction_id = ?, updated_at = ? WHERE id = ?`,
		transactionID, now.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("set request transaction: %w", err)
	}
	return nil
}

// ListRequestsByParent returns the parent's requests newest first. An empty
// status matches every status.
func (s *RequestStore) ListRequestsByParent(ctx context.Context, parentID string, status model.RequestStatus) ([]model.MoneyRequest, error) {
	if status == "" {
		return s.list(ctx, `WHERE parent_id = ?`, parentID)
	}
	return s.list(ctx, `WHERE parent_id = ? AND status = ?`, parentID, status)
}

func (s *RequestStore) ListRequestsByStudent(ctx context.Context, studentID string) ([]model.MoneyRequest, error) {
	return s.list(ctx, `WHERE student_id = ?`, studentID)
}

func (s *RequestStore) list(ctx context.Context, where string, args ...any) ([]model.MoneyRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+requestCols+` FROM money_requests `+where+` ORDER BY rowid DESC`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query money requests: %w", err)
	}
	defer rows.Close()

	var reqs []model.MoneyRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan money request: %w", err)
		}
		reqs = append(reqs, *r)
	}
	return reqs, rows.Err()
}
