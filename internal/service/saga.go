package service

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Dan9191/wallet-ledger/internal/models"
)

// SagaState is one node of the top-up/transfer state machine
type SagaState string

const (
	StateValidating           SagaState = "validating"
	StateDeductingSender      SagaState = "deducting_sender"
	StateCreditingReceiver    SagaState = "crediting_receiver"
	StateRecordingTransaction SagaState = "recording_transaction"
	StateCompensating         SagaState = "compensating"
	StateCommitted            SagaState = "committed"
	StateAborted              SagaState = "aborted"
)

// Terminal reports whether the saga stops in s
func (s SagaState) Terminal() bool {
	return s == StateCommitted || s == StateAborted
}

// sagaNamespace scopes the v5 ids derived from client idempotency keys
var sagaNamespace = uuid.MustParse("6f1c2e0a-8a4b-4c59-9d7e-3b2f5a1c9e47")

// Saga is the in-flight state of one top-up or transfer
type Saga struct {
	ID           uuid.UUID
	Type         models.TransactionType
	UserID       int64
	TargetUserID int64
	Amount       decimal.Decimal

	State  SagaState
	Trail  []SagaState
	Record *models.TransactionRecord
	Err    error

	// keyed is set when the id was derived from a client idempotency key
	keyed bool
	// fundsDeferred is set when the balance pre-check was left to the debit
	fundsDeferred bool
	compensations []models.Compensation
}

func newSaga(t models.TransactionType, userID, targetUserID int64, amount decimal.Decimal, idempotencyKey string) *Saga {
	s := &Saga{
		ID:           uuid.New(),
		Type:         t,
		UserID:       userID,
		TargetUserID: targetUserID,
		Amount:       amount,
		State:        StateValidating,
		Trail:        []SagaState{StateValidating},
	}
	if idempotencyKey != "" {
		s.ID = uuid.NewSHA1(sagaNamespace, []byte(string(t)+":"+idempotencyKey))
		s.keyed = true
	}
	return s
}

func (s *Saga) key(suffix string) string {
	return s.ID.String() + ":" + suffix
}

func (s *Saga) debitKey() string      { return s.key("debit") }
func (s *Saga) creditKey() string     { return s.key("credit") }
func (s *Saga) refundKey() string     { return s.key("refund") }
func (s *Saga) voidCreditKey() string { return s.key("void-credit") }

func (s *Saga) label() string {
	if s.Type == models.TransactionTransfer {
		return "transfer"
	}
	return "top-up"
}

// matches reports whether rec was written for the same request as s
func (s *Saga) matches(rec *models.TransactionRecord) bool {
	if rec.Type != s.Type || rec.UserID != s.UserID || !rec.Amount.Equal(s.Amount) {
		return false
	}
	if s.Type != models.TransactionTransfer {
		return rec.TargetUserID == nil
	}
	return rec.TargetUserID != nil && *rec.TargetUserID == s.TargetUserID
}

// creditAccount is the account that receives the money: the target of a transfer,
// the user themself for a top-up.
func (s *Saga) creditAccount() int64 {
	if s.Type == models.TransactionTransfer {
		return s.TargetUserID
	}
	return s.UserID
}

// refundSender undoes the debit, or tombstones it if it never landed
func (s *Saga) refundSender() models.Compensation {
	return models.Compensation{
		AccountID: s.UserID,
		Request: models.MutationRequest{
			Amount:         s.Amount,
			Operation:      models.OperationAdd,
			IdempotencyKey: s.refundKey(),
			Reverses:       s.debitKey(),
		},
	}
}

// voidCredit undoes the credit, or tombstones it if it never landed
func (s *Saga) voidCredit() models.Compensation {
	return models.Compensation{
		AccountID: s.creditAccount(),
		Request: models.MutationRequest{
			Amount:         s.Amount,
			Operation:      models.OperationDeduct,
			IdempotencyKey: s.voidCreditKey(),
			Reverses:       s.creditKey(),
		},
	}
}

func (s *Saga) successRecord() models.TransactionRecord {
	rec := models.TransactionRecord{
		SagaID: s.ID,
		Type:   s.Type,
		UserID: s.UserID,
		Amount: s.Amount,
		Status: models.StatusSuccess,
	}
	switch s.Type {
	case models.TransactionTransfer:
		target := s.TargetUserID
		rec.TargetUserID = &target
		rec.Description = fmt.Sprintf("Transfer from user %d to user %d", s.UserID, s.TargetUserID)
	default:
		rec.Description = "Top-up balance"
	}
	return rec
}
