package model

import "time"

type Session struct {
	ID               string    `json:"id"`
	AccountID        string    `json:"account_id"`
	RefreshTokenHash string    `json:"-"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	CreatedAt        time.Time `json:"created_at"`
}

type CodePurpose string

const (
	PurposeEmailVerification CodePurpose = "email_verification"
	PurposeMFA               CodePurpose = "mfa"
)

// PendingCode is an outstanding email-verification or MFA code.
// There is at most one per (account, purpose).
type PendingCode struct {
	AccountID   string      `json:"account_id"`
	Purpose     CodePurpose `json:"purpose"`
	CodeHash    string      `json:"code_hash"`
	Destination string      `json:"destination"`
	Attempts    int         `json:"attempts"`
	ExpiresAt   time.Time   `json:"expires_at"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Tokens is the result of a completed sign-in.
type Tokens struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	SessionID    string    `json:"session_id"`
	AccountID    string    `json:"account_id"`
}
