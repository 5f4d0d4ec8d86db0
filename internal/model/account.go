package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type Role string

const (
	RoleParent Role = "parent"
	RoleChild  Role = "child"
)

type Account struct {
	ID            string            `json:"id"`
	Role          Role              `json:"role"`
	FullName      string            `json:"full_name"`
	Email         string            `json:"email,omitempty"`
	Username      string            `json:"username,omitempty"`
	Profile       map[string]string `json:"profile,omitempty"`
	PasswordHash  string            `json:"-"`
	EmailVerified bool              `json:"email_verified"`
	MFAEnabled    bool              `json:"mfa_enabled"`
	ParentID      *string           `json:"parent_id,omitempty"`
	Balance       decimal.Decimal   `json:"balance"`
	WeeklyLimit   decimal.Decimal   `json:"weekly_limit"`
	DailyLimit    decimal.Decimal   `json:"daily_limit"`
	Active        bool              `json:"active"`
	Version       int64             `json:"version"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Identifier is the sign-in name: email for parents, username for children.
func (a *Account) Identifier() string {
	if a.Email != "" {
		return a.Email
	}
	return a.Username
}

func (a *Account) IsChildOf(parentID string) bool {
	return a.Role == RoleChild && a.ParentID != nil && *a.ParentID == parentID
}

// BalanceSnapshot is a versioned read of a child balance.
type BalanceSnapshot struct {
	AccountID string          `json:"account_id"`
	Balance   decimal.Decimal `json:"balance"`
	Version   int64           `json:"version"`
	ReadAt    time.Time       `json:"read_at"`
}
