package models

import (
	"time"

	"github.com/google/uuid"
)

// Compensation is one reversal the Payment service owes the ledger
type Compensation struct {
	AccountID int64           `json:"account_id"`
	Request   MutationRequest `json:"request"`
}

// ReconciliationTask is durable follow-up work left behind by a saga that could
// not finish its compensation or its record write inline.
type ReconciliationTask struct {
	ID            int64              `json:"id"`
	SagaID        uuid.UUID          `json:"saga_id"`
	Compensations []Compensation     `json:"compensations,omitempty"`
	Record        *TransactionRecord `json:"record,omitempty"`
	Attempts      int                `json:"attempts"`
	LastError     string             `json:"last_error"`
	// NeedsManual is set once a step was definitively rejected; retrying cannot help.
	NeedsManual bool `json:"needs_manual"`
	NextRunAt     time.Time          `json:"next_run_at"`
	CreatedAt     time.Time          `json:"created_at"`
}

// Done reports whether nothing is left to do for the task
func (t *ReconciliationTask) Done() bool {
	return len(t.Compensations) == 0 && t.Record == nil
}
