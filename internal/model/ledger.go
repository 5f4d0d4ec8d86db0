package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type TxnType string

const (
	TxnTransfer  TxnType = "transfer"
	TxnEmergency TxnType = "emergency"
	TxnTopUp     TxnType = "topup"
)

const TxnStatusCompleted = "completed"

type Transaction struct {
	ID             string          `json:"id"`
	StudentID      string          `json:"student_id"`
	ParentID       string          `json:"parent_id"`
	Amount         decimal.Decimal `json:"amount"`
	Type           TxnType         `json:"type"`
	Category       string          `json:"category"`
	Description    string          `json:"description"`
	Status         string          `json:"status"`
	IdempotencyKey string          `json:"idempotency_key"`
	CreatedAt      time.Time       `json:"created_at"`
}

// SameCredit reports whether t and o describe the same credit, ignoring
// server-assigned fields. An idempotency key replayed with a different
// credit is a conflict.
func (t *Transaction) SameCredit(o *Transaction) bool {
	return t.StudentID == o.StudentID &&
		t.ParentID == o.ParentID &&
		t.Amount.Equal(o.Amount) &&
		t.Type == o.Type
}

// Credit is one atomic ledger write: the balance moves from the version the
// caller read to NewBalance, and Transaction is appended.
type Credit struct {
	AccountID       string
	ExpectedVersion int64
	NewBalance      decimal.Decimal
	Transaction     Transaction
}

// WholeCents reports whether d has no more than two decimal places.
func WholeCents(d decimal.Decimal) bool {
	return d.Equal(d.Round(2))
}
