package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dukerupert/hapo/internal/apperr"
	"github.com/dukerupert/hapo/internal/database"
	"github.com/dukerupert/hapo/internal/model"
)

type AccountStore struct {
	db *sql.DB
}

func NewAccountStore(db *sql.DB) *AccountStore {
	return &AccountStore{db: db}
}

func scanAccount(scanner interface{ Scan(...any) error }) (*model.Account, error) {
	var a model.Account
	var email, username, parentID sql.NullString
	var profile string
	err := scanner.Scan(
		&a.ID, &a.Role, &a.FullName, &email, &username, &profile, &a.PasswordHash,
		&a.EmailVerified, &a.MFAEnabled, &parentID, &a.Balance, &a.WeeklyLimit,
		&a.DailyLimit, &a.Active, &a.Version, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Email = email.String
	a.Username = username.String
	if parentID.Valid {
		a.ParentID = &parentID.String
	}
	if profile != "" && profile != "{}" {
		if err := json.Unmarshal([]byte(profile), &a.Profile); err != nil {
			return nil, fmt.Errorf("decode profile: %w", err)
		}
	}
	return &a, nil
}

const accountCols = `id, role, full_name, email, username, profile, password_hash,
	email_verified, mfa_enabled, parent_id, balance, weekly_limit,
	daily_limit, active, version, created_at, updated_at`

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func encodeProfile(p map[string]string) (string, error) {
	if len(p) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode profile: %w", err)
	}
	return string(b), nil
}

// CreateAccount inserts a. Emails and usernames share one sign-in
// namespace, so a parent email can never equal a child username. A clash
// returns apperr.ErrDuplicateEmail.
func (s *AccountStore) CreateAccount(ctx context.Context, a *model.Account) error {
	profile, err := encodeProfile(a.Profile)
	if err != nil {
		return err
	}
	var parentID sql.NullString
	if a.ParentID != nil {
		parentID = nullString(*a.ParentID)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO accounts (identifier, `+accountCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		strings.ToLower(a.Identifier()), a.ID, a.Role, a.FullName, nullString(strings.ToLower(a.Email)), nullString(strings.ToLower(a.Username)),
		profile, a.PasswordHash, a.EmailVerified, a.MFAEnabled, parentID, a.Balance,
		a.WeeklyLimit, a.DailyLimit, a.Active, a.Version, a.CreatedAt, a.UpdatedAt,
	)
	if database.IsUniqueViolation(err) {
		return apperr.Wrap(apperr.ErrDuplicateEmail, err)
	}
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func (s *AccountStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

// GetAccountByIdentifier looks an account up by email or username,
// case-insensitively.
func (s *AccountStore) GetAccountByIdentifier(ctx context.Context, identifier string) (*model.Account, error) {
	id := strings.ToLower(strings.TrimSpace(identifier))
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE identifier = ?`, id,
	)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account by identifier: %w", err)
	}
	return a, nil
}

// UpdateAccount writes the mutable profile fields of a. Balance and version
// are owned by the ledger and are left untouched.
func (s *AccountStore) UpdateAccount(ctx context.Context, a *model.Account) error {
	profile, err := encodeProfile(a.Profile)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET full_name = ?, profile = ?, password_hash = ?, email_verified = ?,
			mfa_enabled = ?, weekly_limit = ?, daily_limit = ?, active = ?, updated_at = ?
		WHERE id = ?`,
		a.FullName, profile, a.PasswordHash, a.EmailVerified, a.MFAEnabled,
		a.WeeklyLimit, a.DailyLimit, a.Active, a.UpdatedAt, a.ID,
	)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

func (s *AccountStore) ListChildren(ctx context.Context, parentID string) ([]model.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE parent_id = ? AND role = 'child' ORDER BY rowid`,
		parentID,
	)
	if err != nil {
		return nil, fmt.Errorf("query children: %w", err)
	}
	defer rows.Close()

	var children []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan child: %w", err)
		}
		children = append(children, *a)
	}
	return children, rows.Err()
}
