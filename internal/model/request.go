package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type RequestType string

const (
	RequestMoney     RequestType = "money"
	RequestEmergency RequestType = "emergency"
)

type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestDeclined RequestStatus = "declined"
)

type MoneyRequest struct {
	ID            string          `json:"id"`
	StudentID     string          `json:"student_id"`
	ParentID      string          `json:"parent_id"`
	Amount        decimal.Decimal `json:"amount"`
	Reason        string          `json:"reason"`
	Type          RequestType     `json:"type"`
	Status        RequestStatus   `json:"status"`
	TransactionID *string         `json:"transaction_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}
