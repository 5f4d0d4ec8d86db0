package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/hapo/internal/model"
)

type SessionStore struct {
	db *sql.DB
}

func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

func scanSession(scanner interface{ Scan(...any) error }) (*model.Session, error) {
	var s model.Session
	err := scanner.Scan(&s.ID, &s.AccountID, &s.RefreshTokenHash, &s.RefreshExpiresAt, &s.AccessExpiresAt, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

const sessionCols = `id, account_id, refresh_token_hash, refresh_expires_at, access_expires_at, created_at`

func (s *SessionStore) CreateSession(ctx context.Context, sess *model.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionCols+`) VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.AccountID, sess.RefreshTokenHash,
		sess.RefreshExpiresAt.UTC(), sess.AccessExpiresAt.UTC(), sess.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *SessionStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// GetSessionByRefreshHash returns the session holding the given refresh
// token hash, expired or not.
func (s *SessionStore) GetSessionByRefreshHash(ctx context.Context, hash string) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE refresh_token_hash = ?`, hash)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session by refresh hash: %w", err)
	}
	return sess, nil
}

// RotateSession swaps the refresh token of a session, but only if it still
// holds oldHash. It reports false when another refresh got there first.
func (s *SessionStore) RotateSession(ctx context.Context, id, oldHash string, next *model.Session) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET refresh_token_hash = ?, refresh_expires_at = ?, access_expires_at = ?
		WHERE id = ? AND refresh_token_hash = ?`,
		next.RefreshTokenHash, next.RefreshExpiresAt.UTC(), next.AccessExpiresAt.UTC(), id, oldHash,
	)
	if err != nil {
		return false, fmt.Errorf("rotate session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *SessionStore) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteExpiredSessions removes sessions whose refresh token expired at or
// before now.
func (s *SessionStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, refresh_expires_at FROM sessions`)
	if err != nil {
		return 0, fmt.Errorf("query sessions: %w", err)
	}
	var expired []string
	for rows.Next() {
		var id string
		var expiresAt time.Time
		if err := rows.Scan(&id, &expiresAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan session: %w", err)
		}
		if !now.Before(expiresAt) {
			expired = append(expired, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate sessions: %w", err)
	}

	var count int64
	for _, id := range expired {
		if err := s.DeleteSession(ctx, id); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}
