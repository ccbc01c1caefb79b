package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionType is the kind of ledger operation a record describes
type TransactionType string

const (
	TransactionTopUp    TransactionType = "topup"
	TransactionTransfer TransactionType = "transfer"
)

// TransactionStatus is the final outcome of the operation
type TransactionStatus string

const (
	StatusSuccess TransactionStatus = "success"
	StatusFailed  TransactionStatus = "failed"
)

// MinimumAmount is the smallest top-up or transfer accepted, in minor units
var MinimumAmount = decimal.NewFromInt(10000)

// MaximumAmount is the largest amount or balance the NUMERIC(15,2) money columns hold
// as a whole number of minor units
var MaximumAmount = decimal.NewFromInt(9_999_999_999_999)

// WholeUnits reports whether amount is a whole number of minor units
func WholeUnits(amount decimal.Decimal) bool {
	return amount.Equal(amount.Truncate(0))
}

// TransactionRecord is an immutable entry of the Payment service history
type TransactionRecord struct {
	ID           int64             `json:"id"`
	SagaID       uuid.UUID         `json:"saga_id"`
	Type         TransactionType   `json:"type"`
	UserID       int64             `json:"user_id"`
	TargetUserID *int64            `json:"target_user_id"`
	Amount       decimal.Decimal   `json:"amount"`
	Status       TransactionStatus `json:"status"`
	Description  string            `json:"description"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}
