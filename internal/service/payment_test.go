package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dan9191/wallet-ledger/internal/apperr"
	"github.com/Dan9191/wallet-ledger/internal/models"
)

type harness struct {
	ledger  *fakeLedger
	records *fakeRecords
	queue   *fakeQueue
	alerts  *fakeAlerter
	svc     *PaymentService
}

func newHarness(balances map[int64]int64) *harness {
	h := &harness{
		ledger:  newFakeLedger(balances),
		records: &fakeRecords{},
		queue:   &fakeQueue{},
		alerts:  &fakeAlerter{},
	}
	h.svc = NewPaymentService(h.ledger, h.records, h.queue, h.alerts, quietLogger(), Options{
		CompensationAttempts: 3,
		RecordWriteAttempts:  3,
	})
	return h
}

func fieldsOf(t *testing.T, err error) map[string]string {
	t.Helper()
	var e *apperr.Error
	require.ErrorAs(t, err, &e)
	return e.Fields
}

func TestTransferScenario(t *testing.T) {
	h := newHarness(map[int64]int64{1: 50000, 2: 0})

	rec, err := h.svc.CreateTransfer(t.Context(), TransferCommand{UserID: 1, TargetUserID: 2, Amount: dec(25000)})
	require.NoError(t, err)

	assert.True(t, h.ledger.balance(1).Equal(dec(25000)))
	assert.True(t, h.ledger.balance(2).Equal(dec(25000)))
	require.Len(t, h.records.all(), 1)
	assert.Equal(t, models.TransactionTransfer, rec.Type)
	assert.Equal(t, models.StatusSuccess, rec.Status)
	assert.True(t, rec.Amount.Equal(dec(25000)))
	require.NotNil(t, rec.TargetUserID)
	assert.Equal(t, int64(2), *rec.TargetUserID)
	assert.Equal(t, "Transfer from user 1 to user 2", rec.Description)
}

func TestTransferInsufficientFundsScenario(t *testing.T) {
	h := newHarness(map[int64]int64{1: 5000, 2: 0})

	_, err := h.svc.CreateTransfer(t.Context(), TransferCommand{UserID: 1, TargetUserID: 2, Amount: dec(10000)})
	require.ErrorIs(t, err, apperr.ErrInsufficientFunds)

	assert.True(t, h.ledger.balance(1).Equal(dec(5000)))
	assert.True(t, h.ledger.balance(2).IsZero())
	assert.Empty(t, h.records.all())
	assert.Empty(t, h.ledger.mutationCalls())
}

func TestTopUpBelowMinimumScenario(t *testing.T) {
	h := newHarness(map[int64]int64{1: 0})

	_, err := h.svc.CreateTopUp(t.Context(), TopUpCommand{UserID: 1, Amount: dec(5000)})
	require.ErrorIs(t, err, apperr.ErrValidation)
	assert.Equal(t, "Minimum top-up amount is 10000", fieldsOf(t, err)["amount"])

	assert.True(t, h.ledger.balance(1).IsZero())
	assert.Empty(t, h.records.all())
	assert.Empty(t, h.ledger.mutationCalls())
}

func TestBelowMinimumNeverMutates(t *testing.T) {
	for _, amount := range []int64{1, 9999, 5000, 100} {
		h := newHarness(map[int64]int64{1: 100000, 2: 100000})

		_, err := h.svc.CreateTopUp(t.Context(), TopUpCommand{UserID: 1, Amount: dec(amount)})
		assert.ErrorIs(t, err, apperr.ErrValidation)

		_, err = h.svc.CreateTransfer(t.Context(), TransferCommand{UserID: 1, TargetUserID: 2, Amount: dec(amount)})
		assert.ErrorIs(t, err, apperr.ErrValidation)
		assert.Equal(t, "Minimum transfer amount is 10000", fieldsOf(t, err)["amount"])

		assert.True(t, h.ledger.balance(1).Equal(dec(100000)))
		assert.True(t, h.ledger.balance(2).Equal(dec(100000)))
		assert.Empty(t, h.ledger.mutationCalls())
	}
}

func TestValidationMessages(t *testing.T) {
	h := newHarness(map[int64]int64{1: 100000})

	_, err := h.svc.CreateTopUp(t.Context(), TopUpCommand{})
	assert.Equal(t, map[string]string{
		"user_id": "User ID is required",
		"amount":  "Amount is required",
	}, fieldsOf(t, err))

	_, err = h.svc.CreateTransfer(t.Context(), TransferCommand{})
	assert.Equal(t, map[string]string{
		"user_id":        "Sender user ID is required",
		"target_user_id": "Receiver user ID is required",
		"amount":         "Amount is required",
	}, fieldsOf(t, err))

	_, err = h.svc.CreateTransfer(t.Context(), TransferCommand{UserID: 1, TargetUserID: 1, Amount: dec(10000)})
	assert.Equal(t, map[string]string{"target_user_id": "Cannot transfer to yourself"}, fieldsOf(t, err))

	var e *apperr.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, string(StateValidating), e.Step)
}

func TestAmountMustBeWholeMinorUnits(t *testing.T) {
	h := newHarness(map[int64]int64{1: 20000, 2: 0})
	fractional := decimal.RequireFromString("10000.005")

	_, err := h.svc.CreateTransfer(t.Context(), TransferCommand{UserID: 1, TargetUserID: 2, Amount: fractional})
	require.ErrorIs(t, err, apperr.ErrValidation)
	assert.Equal(t, "Amount must be a whole number of minor units", fieldsOf(t, err)["amount"])

	_, err = h.svc.CreateTopUp(t.Context(), TopUpCommand{UserID: 1, Amount: decimal.RequireFromString("10000.5")})
	require.ErrorIs(t, err, apperr.ErrValidation)

	assert.True(t, h.ledger.balance(1).Add(h.ledger.balance(2)).Equal(dec(20000)))
	assert.Empty(t, h.ledger.mutationCalls())
	assert.Empty(t, h.records.all())
}

func TestAmountAboveMaximumRejected(t *testing.T) {
	h := newHarness(map[int64]int64{1: 0})

	_, err := h.svc.CreateTopUp(t.Context(), TopUpCommand{UserID: 1, Amount: models.MaximumAmount.Add(dec(1))})
	require.ErrorIs(t, err, apperr.ErrValidation)
	assert.Equal(t, "Maximum top-up amount is 9999999999999", fieldsOf(t, err)["amount"])
	assert.Empty(t, h.ledger.mutationCalls())
}

func TestTopUpPastBalanceCeilingIsNotCompensated(t *testing.T) {
	h := newHarness(map[int64]int64{1: 9_999_999_990_000})

	_, err := h.svc.CreateTopUp(t.Context(), TopUpCommand{UserID: 1, Amount: dec(20000)})
	require.ErrorIs(t, err, apperr.ErrValidation)
	assert.Len(t, h.ledger.mutationCalls(), 1, "a rejected credit needs no void")
	assert.Empty(t, h.queue.tasks)
}

func TestTransferUnknownAccounts(t *testing.T) {
	h := newHarness(map[int64]int64{1: 50000})

	_, err := h.svc.CreateTransfer(t.Context(), TransferCommand{UserID: 9, TargetUserID: 1, Amount: dec(10000)})
	require.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Contains(t, err.Error(), "Sender not found")

	_, err = h.svc.CreateTransfer(t.Context(), TransferCommand{UserID: 1, TargetUserID: 9, Amount: dec(10000)})
	require.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Contains(t, err.Error(), "Receiver not found")

	assert.Empty(t, h.ledger.mutationCalls())
}

func TestTransferLookupOutage(t *testing.T) {
	h := newHarness(map[int64]int64{1: 50000, 2: 0})
	h.ledger.getFail = func(int64) error { return errTimeout }

	_, err := h.svc.CreateTransfer(t.Context(), TransferCommand{UserID: 1, TargetUserID: 2, Amount: dec(10000)})
	require.ErrorIs(t, err, apperr.ErrUpstream)
	assert.Empty(t, h.ledger.mutationCalls())
}

func TestTransferConservation(t *testing.T) {
	amounts := []int64{10000, 12345, 40000, 77777}
	for _, amount := range amounts {
		h := newHarness(map[int64]int64{1: 80000, 2: 3000})
		before := h.ledger.balance(1).Add(h.ledger.balance(2))

		_, err := h.svc.CreateTransfer(t.Context(), TransferCommand{UserID: 1, TargetUserID: 2, Amount: dec(amount)})
		require.NoError(t, err)

		assert.True(t, h.ledger.balance(1).Equal(dec(80000-amount)))
		assert.True(t, h.ledger.balance(2).Equal(dec(3000+amount)))
		assert.True(t, before.Equal(h.ledger.balance(1).Add(h.ledger.balance(2))))
	}
}

func TestTopUp(t *testing.T) {
	h := newHarness(map[int64]int64{1: 100})

	rec, err := h.svc.CreateTopUp(t.Context(), TopUpCommand{UserID: 1, Amount: dec(10000)})
	require.NoError(t, err)
	assert.True(t, h.ledger.balance(1).Equal(dec(10100)))
	assert.Equal(t, models.TransactionTopUp, rec.Type)
	assert.Nil(t, rec.TargetUserID)
	assert.Equal(t, "Top-up balance", rec.Description)
}

func TestTopUpUnknownUser(t *testing.T) {
	h := newHarness(map[int64]int64{})

	_, err := h.svc.CreateTopUp(t.Context(), TopUpCommand{UserID: 4, Amount: dec(10000)})
	require.ErrorIs(t, err, apperr.ErrUpstream)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Contains(t, err.Error(), "Failed to update user balance")
	assert.Empty(t, h.records.all())
}

func TestTopUpTimeoutAfterCreditIsVoided(t *testing.T) {
	h := newHarness(map[int64]int64{1: 0})
	h.ledger.failAfter = func(_ int64, req models.MutationRequest) error {
		if req.Reverses == "" {
			return errTimeout
		}
		return nil
	}

	_, err := h.svc.CreateTopUp(t.Context(), TopUpCommand{UserID: 1, Amount: dec(10000)})
	require.ErrorIs(t, err, apperr.ErrUpstream)
	assert.True(t, h.ledger.balance(1).IsZero())
	assert.Empty(t, h.records.all())
}

func TestDebitFailureDefinitive(t *testing.T) {
	h := newHarness(map[int64]int64{1: 50000, 2: 0})
	h.ledger.failBefore = func(_ int64, req models.MutationRequest) error {
		if req.Operation == models.OperationDeduct {
			return apperr.InsufficientFunds("mutate_balance", "Insufficient balance")
		}
		return nil
	}

	_, err := h.svc.CreateTransfer(t.Context(), TransferCommand{UserID: 1, TargetUserID: 2, Amount: dec(20000)})
	require.ErrorIs(t, err, apperr.ErrUpstream)
	assert.Contains(t, err.Error(), "Failed to deduct balance from sender")

	calls := h.ledger.mutationCalls()
	require.Len(t, calls, 1)
	assert.True(t, h.ledger.balance(1).Equal(dec(50000)))
	assert.True(t, h.ledger.balance(2).IsZero())
	assert.Empty(t, h.records.all())
}

func TestDebitTimeoutIsRefunded(t *testing.T) {
	tests := []struct {
		name    string
		applied bool
	}{
		{"debit landed", true},
		{"debit lost", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(map[int64]int64{1: 50000, 2: 0})
			fail := func(_ int64, req models.MutationRequest) error {
				if req.Operation == models.OperationDeduct && req.Reverses == "" {
					return errTimeout
				}
				return nil
			}
			if tt.applied {
				h.ledger.failAfter = fail
			} else {
				h.ledger.failBefore = fail
			}

			_, err := h.svc.CreateTransfer(t.Context(), TransferCommand{UserID: 1, TargetUserID: 2, Amount: dec(20000)})
			require.ErrorIs(t, err, apperr.ErrUpstream)

			assert.True(t, h.ledger.balance(1).Equal(dec(50000)))
			assert.True(t, h.ledger.balance(2).IsZero())
			for _, c := range h.ledger.mutationCalls() {
				assert.NotContains(t, c.IdempotencyKey, ":credit", "receiver must not be credited")
			}
			assert.Empty(t, h.records.all())
		})
	}
}

func TestCreditFailureRestoresSender(t *testing.T) {
	tests := []struct {
		name   string
		before error
		after  error
	}{
		{"receiver rejected", apperr.NotFound("mutate_balance", "User not found"), nil},
		{"credit lost", errTimeout, nil},
		{"credit landed then timed out", nil, errTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(map[int64]int64{1: 50000, 2: 7})
			isCredit := func(id int64, req models.MutationRequest) bool {
				return id == 2 && req.Operation == models.OperationAdd && req.Reverses == ""
			}
			h.ledger.failBefore = func(id int64, req models.MutationRequest) error {
				if isCredit(id, req) {
					return tt.before
				}
				return nil
			}
			h.ledger.failAfter = func(id int64, req models.MutationRequest) error {
				if isCredit(id, req) {
					return tt.after
				}
				return nil
			}

			_, err := h.svc.CreateTransfer(t.Context(), TransferCommand{UserID: 1, TargetUserID: 2, Amount: dec(20000)})
			require.ErrorIs(t, err, apperr.ErrUpstream)
			assert.Contains(t, err.Error(), "Failed to add balance to receiver")

			assert.True(t, h.ledger.balance(1).Equal(dec(50000)))
			assert.True(t, h.ledger.balance(2).Equal(dec(7)))
			assert.Empty(t, h.records.all())
			assert.Empty(t, h.queue.tasks)
		})
	}
}

func TestCompensationExhaustedRequiresReconciliation(t *testing.T) {
	h := newHarness(map[int64]int64{1: 50000, 2: 0})
	refundDown := true
	h.ledger.failBefore = func(id int64, req models.MutationRequest) error {
		if id == 2 {
			return apperr.Upstream("user_service", "Service Unavailable", nil)
		}
		if req.Reverses != "" && refundDown {
			return errTimeout
		}
		return nil
	}

	_, err := h.svc.CreateTransfer(t.Context(), TransferCommand{UserID: 1, TargetUserID: 2, Amount: dec(20000)})
	require.ErrorIs(t, err, apperr.ErrReconciliationRequired)
	assert.ErrorIs(t, err, apperr.ErrUpstream)
	assert.Contains(t, err.Error(), "Failed to add balance to receiver")
	assert.Equal(t, apperr.KindReconciliationRequired, apperr.KindOf(err))

	// Sender is short until reconciliation runs.
	assert.True(t, h.ledger.balance(1).Equal(dec(30000)))
	require.Len(t, h.queue.tasks, 1)
	task := h.queue.tasks[0]
	require.Len(t, task.Compensations, 2)
	assert.Equal(t, int64(2), task.Compensations[0].AccountID)
	assert.Equal(t, int64(1), task.Compensations[1].AccountID)
	assert.Nil(t, task.Record)
	assert.Len(t, h.alerts.reasons, 1)
	assert.Empty(t, h.records.all())

	// Once the User service recovers the reconciler restores the sender.
	refundDown = false
	h.ledger.failBefore = nil
	r := NewReconciler(h.ledger, h.records, h.queue, h.alerts, quietLogger(), 0)
	resolved, err := r.RunOnce(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)
	assert.True(t, h.ledger.balance(1).Equal(dec(50000)))
	assert.True(t, h.ledger.balance(2).IsZero())
	assert.Empty(t, h.queue.tasks)
}

func TestRecordWriteRetried(t *testing.T) {
	h := newHarness(map[int64]int64{1: 0})
	h.records.fail = func(attempt int) error {
		if attempt < 3 {
			return errors.New("connection reset")
		}
		return nil
	}

	rec, err := h.svc.CreateTopUp(t.Context(), TopUpCommand{UserID: 1, Amount: dec(10000)})
	require.NoError(t, err)
	assert.Equal(t, 3, h.records.inserts)
	assert.Equal(t, models.StatusSuccess, rec.Status)
}

func TestRecordWriteGapIsQueued(t *testing.T) {
	h := newHarness(map[int64]int64{1: 50000, 2: 0})
	down := true
	h.records.fail = func(int) error {
		if down {
			return errors.New("payment db down")
		}
		return nil
	}

	_, err := h.svc.CreateTransfer(t.Context(), TransferCommand{UserID: 1, TargetUserID: 2, Amount: dec(20000)})
	require.ErrorIs(t, err, apperr.ErrUpstream)
	var e *apperr.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, string(StateRecordingTransaction), e.Step)
	assert.Equal(t, 3, h.records.inserts)

	// The mutations stand; the record is owed.
	assert.True(t, h.ledger.balance(1).Equal(dec(30000)))
	assert.True(t, h.ledger.balance(2).Equal(dec(20000)))
	require.Len(t, h.queue.tasks, 1)
	require.NotNil(t, h.queue.tasks[0].Record)
	assert.Empty(t, h.queue.tasks[0].Compensations)
	assert.Len(t, h.alerts.reasons, 1)

	down = false
	r := NewReconciler(h.ledger, h.records, h.queue, h.alerts, quietLogger(), 0)
	resolved, err := r.RunOnce(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)
	recs := h.records.all()
	require.Len(t, recs, 1)
	assert.Equal(t, models.StatusSuccess, recs[0].Status)
	assert.Equal(t, "Transfer from user 1 to user 2", recs[0].Description)
}

func TestParkWithoutQueueStillAlerts(t *testing.T) {
	h := newHarness(map[int64]int64{1: 0})
	h.queue.fail = errors.New("payment db down")
	h.records.fail = func(int) error { return errors.New("payment db down") }

	_, err := h.svc.CreateTopUp(t.Context(), TopUpCommand{UserID: 1, Amount: dec(10000)})
	require.ErrorIs(t, err, apperr.ErrUpstream)
	assert.Len(t, h.alerts.reasons, 1)
}

func TestConcurrentTopUpsSum(t *testing.T) {
	h := newHarness(map[int64]int64{1: 500})
	amounts := []int64{10000, 10001, 25000, 99999, 10000, 12345, 50000, 10000}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		for _, a := range amounts {
			wg.Add(1)
			go func(a int64) {
				defer wg.Done()
				_, err := h.svc.CreateTopUp(context.Background(), TopUpCommand{UserID: 1, Amount: dec(a)})
				assert.NoError(t, err)
			}(a)
		}
	}
	wg.Wait()

	want := int64(500)
	for _, a := range amounts {
		want += 5 * a
	}
	assert.True(t, h.ledger.balance(1).Equal(dec(want)), "got %s want %d", h.ledger.balance(1), want)
	assert.Len(t, h.records.all(), 5*len(amounts))
}

func TestIdempotentTransfer(t *testing.T) {
	h := newHarness(map[int64]int64{1: 50000, 2: 0})
	cmd := TransferCommand{UserID: 1, TargetUserID: 2, Amount: dec(20000), IdempotencyKey: "req-1"}

	first, err := h.svc.CreateTransfer(t.Context(), cmd)
	require.NoError(t, err)
	second, err := h.svc.CreateTransfer(t.Context(), cmd)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.SagaID, second.SagaID)
	assert.True(t, h.ledger.balance(1).Equal(dec(30000)))
	assert.Len(t, h.records.all(), 1)
	assert.Len(t, h.ledger.mutationCalls(), 2)
}

func TestIdempotentRetryAfterRecordGap(t *testing.T) {
	h := newHarness(map[int64]int64{1: 0})
	down := true
	h.records.fail = func(int) error {
		if down {
			return errors.New("payment db down")
		}
		return nil
	}
	cmd := TopUpCommand{UserID: 1, Amount: dec(10000), IdempotencyKey: "req-2"}

	_, err := h.svc.CreateTopUp(t.Context(), cmd)
	require.Error(t, err)

	down = false
	rec, err := h.svc.CreateTopUp(t.Context(), cmd)
	require.NoError(t, err)
	assert.True(t, h.ledger.balance(1).Equal(dec(10000)), "credit replayed, not applied twice")
	assert.Equal(t, models.StatusSuccess, rec.Status)
}

func TestIdempotentTransferRetryAfterRecordGap(t *testing.T) {
	h := newHarness(map[int64]int64{1: 25000, 2: 0})
	down := true
	h.records.fail = func(int) error {
		if down {
			return errors.New("payment db down")
		}
		return nil
	}
	cmd := TransferCommand{UserID: 1, TargetUserID: 2, Amount: dec(20000), IdempotencyKey: "req-9"}

	_, err := h.svc.CreateTransfer(t.Context(), cmd)
	require.ErrorIs(t, err, apperr.ErrUpstream)
	require.True(t, h.ledger.balance(1).Equal(dec(5000)))

	// The sender no longer covers the amount, but the debit already landed.
	down = false
	rec, err := h.svc.CreateTransfer(t.Context(), cmd)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, rec.Status)
	assert.True(t, h.ledger.balance(1).Equal(dec(5000)))
	assert.True(t, h.ledger.balance(2).Equal(dec(20000)))
	assert.Len(t, h.records.all(), 1)
}

func TestKeyedTransferInsufficientFunds(t *testing.T) {
	h := newHarness(map[int64]int64{1: 5000, 2: 0})

	_, err := h.svc.CreateTransfer(t.Context(), TransferCommand{UserID: 1, TargetUserID: 2, Amount: dec(10000), IdempotencyKey: "req-10"})
	require.ErrorIs(t, err, apperr.ErrInsufficientFunds)
	assert.Equal(t, apperr.KindInsufficientFunds, apperr.KindOf(err))

	assert.True(t, h.ledger.balance(1).Equal(dec(5000)))
	assert.True(t, h.ledger.balance(2).IsZero())
	assert.Empty(t, h.records.all())
	assert.Empty(t, h.queue.tasks)
}

func TestIdempotencyKeyReusedWithDifferentRequest(t *testing.T) {
	h := newHarness(map[int64]int64{1: 50000, 2: 0, 3: 0})
	_, err := h.svc.CreateTransfer(t.Context(), TransferCommand{UserID: 1, TargetUserID: 2, Amount: dec(20000), IdempotencyKey: "req-11"})
	require.NoError(t, err)

	for name, cmd := range map[string]TransferCommand{
		"amount": {UserID: 1, TargetUserID: 2, Amount: dec(30000), IdempotencyKey: "req-11"},
		"target": {UserID: 1, TargetUserID: 3, Amount: dec(20000), IdempotencyKey: "req-11"},
	} {
		_, err := h.svc.CreateTransfer(t.Context(), cmd)
		assert.ErrorIs(t, err, apperr.ErrConflict, name)
	}
	assert.True(t, h.ledger.balance(1).Equal(dec(30000)))
	assert.True(t, h.ledger.balance(3).IsZero())
	assert.Len(t, h.records.all(), 1)
}

func TestRetryOfCompensatedSagaMovesNoMoney(t *testing.T) {
	h := newHarness(map[int64]int64{1: 50000, 2: 0})
	h.ledger.failBefore = func(id int64, req models.MutationRequest) error {
		if id == 2 && req.Reverses == "" {
			return errTimeout
		}
		return nil
	}
	cmd := TransferCommand{UserID: 1, TargetUserID: 2, Amount: dec(20000), IdempotencyKey: "req-3"}

	_, err := h.svc.CreateTransfer(t.Context(), cmd)
	require.ErrorIs(t, err, apperr.ErrUpstream)
	require.True(t, h.ledger.balance(1).Equal(dec(50000)))

	h.ledger.failBefore = nil
	_, err = h.svc.CreateTransfer(t.Context(), cmd)
	require.ErrorIs(t, err, apperr.ErrConflict)
	assert.True(t, h.ledger.balance(1).Equal(dec(50000)))
	assert.True(t, h.ledger.balance(2).IsZero())
	assert.Empty(t, h.records.all())
}

func TestSagaTrails(t *testing.T) {
	tests := []struct {
		name  string
		saga  *Saga
		setup func(l *fakeLedger)
		want  []SagaState
	}{
		{
			name: "transfer committed",
			saga: newSaga(models.TransactionTransfer, 1, 2, dec(10000), ""),
			want: []SagaState{StateValidating, StateDeductingSender, StateCreditingReceiver, StateRecordingTransaction, StateCommitted},
		},
		{
			name: "top-up committed",
			saga: newSaga(models.TransactionTopUp, 1, 0, dec(10000), ""),
			want: []SagaState{StateValidating, StateCreditingReceiver, StateRecordingTransaction, StateCommitted},
		},
		{
			name: "transfer insufficient funds",
			saga: newSaga(models.TransactionTransfer, 1, 2, dec(90000), ""),
			want: []SagaState{StateValidating, StateAborted},
		},
		{
			name: "keyed transfer insufficient funds",
			saga: newSaga(models.TransactionTransfer, 1, 2, dec(90000), "req-12"),
			want: []SagaState{StateValidating, StateDeductingSender, StateAborted},
		},
		{
			name: "transfer credit failed",
			saga: newSaga(models.TransactionTransfer, 1, 2, dec(10000), ""),
			setup: func(l *fakeLedger) {
				l.failBefore = func(id int64, req models.MutationRequest) error {
					if id == 2 && req.Reverses == "" {
						return errTimeout
					}
					return nil
				}
			},
			want: []SagaState{StateValidating, StateDeductingSender, StateCreditingReceiver, StateCompensating, StateAborted},
		},
		{
			name: "top-up credit rejected",
			saga: newSaga(models.TransactionTopUp, 1, 0, dec(10000), ""),
			setup: func(l *fakeLedger) {
				l.failBefore = func(int64, models.MutationRequest) error {
					return apperr.Validation("mutate_balance", "Validation error", nil)
				}
			},
			want: []SagaState{StateValidating, StateCreditingReceiver, StateAborted},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(map[int64]int64{1: 50000, 2: 0})
			if tt.setup != nil {
				tt.setup(h.ledger)
			}
			h.svc.Run(t.Context(), tt.saga)
			assert.Equal(t, tt.want, tt.saga.Trail)
			assert.True(t, tt.saga.State.Terminal())
		})
	}
}

func TestSagaIDFromIdempotencyKey(t *testing.T) {
	a := newSaga(models.TransactionTopUp, 1, 0, dec(10000), "k")
	b := newSaga(models.TransactionTopUp, 1, 0, dec(10000), "k")
	c := newSaga(models.TransactionTransfer, 1, 2, dec(10000), "k")
	d := newSaga(models.TransactionTopUp, 1, 0, dec(10000), "")

	assert.Equal(t, a.ID, b.ID)
	assert.NotEqual(t, a.ID, c.ID)
	assert.NotEqual(t, a.ID, d.ID)
	assert.Equal(t, a.ID.String()+":debit", a.refundSender().Request.Reverses)
	assert.Equal(t, a.ID.String()+":credit", a.voidCredit().Request.Reverses)
}
