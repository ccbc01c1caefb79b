package models

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/Dan9191/wallet-ledger/internal/apperr"
)

// BalanceOperation selects how a mutation combines with the current balance
type BalanceOperation string

const (
	OperationAdd    BalanceOperation = "add"
	OperationDeduct BalanceOperation = "deduct"
	OperationSet    BalanceOperation = "set"
)

// Valid reports whether op is one of add, deduct or set
func (op BalanceOperation) Valid() bool {
	switch op {
	case OperationAdd, OperationDeduct, OperationSet:
		return true
	}
	return false
}

// Inverse returns the operation that undoes op. Set has no inverse.
func (op BalanceOperation) Inverse() (BalanceOperation, bool) {
	switch op {
	case OperationAdd:
		return OperationDeduct, true
	case OperationDeduct:
		return OperationAdd, true
	}
	return "", false
}

// Apply computes the balance that results from applying op with amount to current
func (op BalanceOperation) Apply(current, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsNegative() {
		return decimal.Zero, apperr.Validation("apply_mutation", "Balance must be greater than or equal to 0",
			map[string]string{"balance": "must be greater than or equal to 0"})
	}
	switch op {
	case OperationAdd:
		return checkCeiling(current.Add(amount))
	case OperationDeduct:
		if current.LessThan(amount) {
			return decimal.Zero, apperr.InsufficientFunds("apply_mutation",
				fmt.Sprintf("Insufficient balance: have %s, need %s", current.String(), amount.String()))
		}
		return current.Sub(amount), nil
	case OperationSet:
		return checkCeiling(amount)
	}
	return decimal.Zero, apperr.Validation("apply_mutation", "Invalid operation. Use: add, deduct, or set",
		map[string]string{"operation": "must be one of add, deduct, set"})
}

func checkCeiling(balance decimal.Decimal) (decimal.Decimal, error) {
	if balance.GreaterThan(MaximumAmount) {
		return decimal.Zero, apperr.Validation("apply_mutation", "Balance would exceed the maximum",
			map[string]string{"balance": "must not exceed " + MaximumAmount.String()})
	}
	return balance, nil
}

// MutationStatus is the journal state of a keyed mutation
type MutationStatus string

const (
	// MutationApplied: the balance change happened and stands.
	MutationApplied MutationStatus = "applied"
	// MutationSkipped: a reversal whose target never applied; nothing changed.
	MutationSkipped MutationStatus = "skipped"
	// MutationVoided: the key was reserved by a reversal before the original arrived.
	MutationVoided MutationStatus = "voided"
	// MutationReversed: the change happened and was later undone by a reversal.
	MutationReversed MutationStatus = "reversed"
)

// MutationRequest is one balance change sent to the Balance Mutation Endpoint
type MutationRequest struct {
	Amount         decimal.Decimal  `json:"balance"`
	Operation      BalanceOperation `json:"operation"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
	Reverses       string           `json:"reverses,omitempty"`
}

// MutationResult is the outcome returned by the Balance Mutation Endpoint
type MutationResult struct {
	Account  Account `json:"account"`
	Applied  bool    `json:"applied"`
	Replayed bool    `json:"replayed"`
}
