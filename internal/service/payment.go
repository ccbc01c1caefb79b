package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Dan9191/wallet-ledger/internal/apperr"
	"github.com/Dan9191/wallet-ledger/internal/metrics"
	"github.com/Dan9191/wallet-ledger/internal/models"
)

// LedgerClient is the only way the Payment service reaches balances owned by the User service
type LedgerClient interface {
	GetAccount(ctx context.Context, id int64) (*models.Account, error)
	MutateBalance(ctx context.Context, id int64, req models.MutationRequest) (*models.MutationResult, error)
}

// RecordStore is the Transaction Record Store
type RecordStore interface {
	InsertTransaction(ctx context.Context, rec models.TransactionRecord) (*models.TransactionRecord, error)
	FindTransactionByID(ctx context.Context, id int64) (*models.TransactionRecord, error)
	FindTransactionBySagaID(ctx context.Context, sagaID uuid.UUID) (*models.TransactionRecord, error)
	ListTransactions(ctx context.Context) ([]models.TransactionRecord, error)
}

// ReconciliationQueue durably keeps work a saga could not finish inline
type ReconciliationQueue interface {
	EnqueueTask(ctx context.Context, t *models.ReconciliationTask) error
}

// Alerter notifies operators of ledger states that need a human
type Alerter interface {
	SendReconciliationAlert(t *models.ReconciliationTask, reason string) error
}

// Options tune the retry behavior of the orchestrator
type Options struct {
	CompensationAttempts int
	CompensationBackoff  time.Duration
	RecordWriteAttempts  int
}

// TopUpCommand asks for amount to be credited to UserID
type TopUpCommand struct {
	UserID         int64           `json:"user_id" validate:"required,gt=0"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"-"`
}

// TransferCommand asks for amount to move from UserID to TargetUserID
type TransferCommand struct {
	UserID         int64           `json:"user_id" validate:"required,gt=0"`
	TargetUserID   int64           `json:"target_user_id" validate:"required,gt=0,nefield=UserID"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"-"`
}

// PaymentService is the top-up/transfer orchestrator. Each call runs one saga to a
// terminal state; the debit always lands before the credit, so a single failed step
// needs at most one refund and money is never duplicated.
type PaymentService struct {
	ledger   LedgerClient
	records  RecordStore
	queue    ReconciliationQueue
	alerts   Alerter
	log      *logrus.Logger
	opts     Options
	validate *validator.Validate
}

// NewPaymentService initializes the orchestrator. alerts may be nil.
func NewPaymentService(ledger LedgerClient, records RecordStore, queue ReconciliationQueue, alerts Alerter, log *logrus.Logger, opts Options) *PaymentService {
	if opts.CompensationAttempts < 1 {
		opts.CompensationAttempts = 1
	}
	if opts.RecordWriteAttempts < 1 {
		opts.RecordWriteAttempts = 1
	}
	return &PaymentService{
		ledger:   ledger,
		records:  records,
		queue:    queue,
		alerts:   alerts,
		log:      log,
		opts:     opts,
		validate: newValidator(),
	}
}

// CreateTopUp credits cmd.Amount to cmd.UserID and records it
func (p *PaymentService) CreateTopUp(ctx context.Context, cmd TopUpCommand) (*models.TransactionRecord, error) {
	s := newSaga(models.TransactionTopUp, cmd.UserID, 0, cmd.Amount, cmd.IdempotencyKey)
	return p.execute(ctx, s, cmd)
}

// CreateTransfer moves cmd.Amount from cmd.UserID to cmd.TargetUserID and records it
func (p *PaymentService) CreateTransfer(ctx context.Context, cmd TransferCommand) (*models.TransactionRecord, error) {
	s := newSaga(models.TransactionTransfer, cmd.UserID, cmd.TargetUserID, cmd.Amount, cmd.IdempotencyKey)
	return p.execute(ctx, s, cmd)
}

// ListTransactions returns the full history, newest first
func (p *PaymentService) ListTransactions(ctx context.Context) ([]models.TransactionRecord, error) {
	return p.records.ListTransactions(ctx)
}

// GetTransaction returns one record
func (p *PaymentService) GetTransaction(ctx context.Context, id int64) (*models.TransactionRecord, error) {
	return p.records.FindTransactionByID(ctx, id)
}

func (p *PaymentService) execute(ctx context.Context, s *Saga, cmd any) (*models.TransactionRecord, error) {
	if s.keyed {
		rec, err := p.records.FindTransactionBySagaID(ctx, s.ID)
		switch {
		case err == nil && rec.Status == models.StatusSuccess:
			if !s.matches(rec) {
				return nil, apperr.Conflict(string(StateValidating), "Idempotency key already used with a different request")
			}
			return rec, nil
		case err == nil:
			return nil, apperr.Conflict(string(StateValidating), "Idempotency key already used by a failed operation")
		case !errors.Is(err, apperr.ErrNotFound):
			return nil, apperr.Upstream(string(StateValidating), "Failed to read transaction history", err)
		}
	}

	if fields := p.commandFields(s, cmd); len(fields) > 0 {
		s.Err = apperr.Validation(string(StateValidating), "Validation error", fields)
		s.transition(StateAborted)
	}

	p.Run(ctx, s)

	outcome := string(s.State)
	if s.State == StateAborted {
		outcome = string(apperr.KindOf(s.Err))
	}
	metrics.SagaOutcomes.WithLabelValues(string(s.Type), outcome).Inc()

	if s.State != StateCommitted {
		return nil, s.Err
	}
	return s.Record, nil
}

// Run drives s through its transitions until it reaches a terminal state
func (p *PaymentService) Run(ctx context.Context, s *Saga) {
	for !s.State.Terminal() {
		from := s.State
		s.transition(p.Step(ctx, s))
		p.log.WithFields(logrus.Fields{
			"saga_id": s.ID.String(),
			"type":    s.Type,
			"from":    from,
			"state":   s.State,
		}).Debug("Saga transition")
	}
}

// Step performs the work of the current state and returns the next one
func (p *PaymentService) Step(ctx context.Context, s *Saga) SagaState {
	switch s.State {
	case StateValidating:
		return p.preflight(ctx, s)
	case StateDeductingSender:
		return p.deductSender(ctx, s)
	case StateCreditingReceiver:
		return p.creditReceiver(ctx, s)
	case StateRecordingTransaction:
		return p.recordTransaction(context.WithoutCancel(ctx), s)
	case StateCompensating:
		return p.compensate(context.WithoutCancel(ctx), s)
	}
	return s.State
}

func (s *Saga) transition(next SagaState) {
	s.State = next
	s.Trail = append(s.Trail, next)
}

// commandFields checks presence and amount policy before anything is fetched or mutated
func (p *PaymentService) commandFields(s *Saga, cmd any) map[string]string {
	fields := map[string]string{}
	var verrs validator.ValidationErrors
	if err := p.validate.Struct(cmd); errors.As(err, &verrs) {
		for _, fe := range verrs {
			switch {
			case fe.Tag() == "nefield":
				fields[fe.Field()] = "Cannot transfer to yourself"
			case fe.Field() == "user_id" && s.Type == models.TransactionTransfer:
				fields[fe.Field()] = "Sender user ID is required"
			case fe.Field() == "user_id":
				fields[fe.Field()] = "User ID is required"
			case fe.Field() == "target_user_id":
				fields[fe.Field()] = "Receiver user ID is required"
			default:
				fields[fe.Field()] = humanize(fe.Field()) + " is invalid"
			}
		}
	}

	switch {
	case s.Amount.IsZero():
		fields["amount"] = "Amount is required"
	case s.Amount.LessThan(models.MinimumAmount):
		fields["amount"] = fmt.Sprintf("Minimum %s amount is %s", s.label(), models.MinimumAmount.String())
	case !models.WholeUnits(s.Amount):
		fields["amount"] = "Amount must be a whole number of minor units"
	case s.Amount.GreaterThan(models.MaximumAmount):
		fields["amount"] = fmt.Sprintf("Maximum %s amount is %s", s.label(), models.MaximumAmount.String())
	}
	return fields
}

// preflight runs the read-only checks of a transfer: both accounts exist and the
// sender can cover the amount. Nothing is mutated here.
func (p *PaymentService) preflight(ctx context.Context, s *Saga) SagaState {
	step := string(StateValidating)
	if s.Type != models.TransactionTransfer {
		return StateCreditingReceiver
	}

	sender, err := p.ledger.GetAccount(ctx, s.UserID)
	if err != nil {
		s.Err = lookupError(step, "Sender", err)
		return StateAborted
	}
	if sender.Balance.LessThan(s.Amount) {
		if !s.keyed {
			s.Err = apperr.InsufficientFunds(step, "Insufficient balance")
			return StateAborted
		}
		// A retried key may find its own debit already applied; the debit replay decides.
		s.fundsDeferred = true
	}

	if _, err := p.ledger.GetAccount(ctx, s.TargetUserID); err != nil {
		s.Err = lookupError(step, "Receiver", err)
		return StateAborted
	}
	return StateDeductingSender
}

func lookupError(step, who string, err error) error {
	if errors.Is(err, apperr.ErrNotFound) {
		return apperr.NotFound(step, who+" not found")
	}
	return apperr.Upstream(step, "Failed to fetch "+who, err)
}

func (p *PaymentService) deductSender(ctx context.Context, s *Saga) SagaState {
	_, err := p.ledger.MutateBalance(ctx, s.UserID, models.MutationRequest{
		Amount:         s.Amount,
		Operation:      models.OperationDeduct,
		IdempotencyKey: s.debitKey(),
	})
	if err == nil {
		return StateCreditingReceiver
	}

	if s.fundsDeferred && errors.Is(err, apperr.ErrInsufficientFunds) {
		s.Err = apperr.InsufficientFunds(string(StateValidating), "Insufficient balance")
		return StateAborted
	}
	s.Err = apperr.Upstream(string(StateDeductingSender), "Failed to deduct balance from sender", err)
	if apperr.Definitive(err) {
		return StateAborted
	}
	// The debit may have landed before the failure surfaced.
	s.compensations = []models.Compensation{s.refundSender()}
	return StateCompensating
}

func (p *PaymentService) creditReceiver(ctx context.Context, s *Saga) SagaState {
	_, err := p.ledger.MutateBalance(ctx, s.creditAccount(), models.MutationRequest{
		Amount:         s.Amount,
		Operation:      models.OperationAdd,
		IdempotencyKey: s.creditKey(),
	})
	if err == nil {
		return StateRecordingTransaction
	}

	msg := "Failed to update user balance"
	if s.Type == models.TransactionTransfer {
		msg = "Failed to add balance to receiver"
	}
	s.Err = apperr.Upstream(string(StateCreditingReceiver), msg, err)

	var comps []models.Compensation
	if !apperr.Definitive(err) {
		comps = append(comps, s.voidCredit())
	}
	if s.Type == models.TransactionTransfer {
		comps = append(comps, s.refundSender())
	}
	if len(comps) == 0 {
		return StateAborted
	}
	s.compensations = comps
	return StateCompensating
}

// recordTransaction writes the success record. The mutations already stand, so a
// write that keeps failing is handed to reconciliation instead of being rolled back.
func (p *PaymentService) recordTransaction(ctx context.Context, s *Saga) SagaState {
	rec := s.successRecord()

	var err error
	for attempt := 1; attempt <= p.opts.RecordWriteAttempts; attempt++ {
		var saved *models.TransactionRecord
		saved, err = p.records.InsertTransaction(ctx, rec)
		if err == nil {
			s.Record = saved
			return StateCommitted
		}
		p.log.WithFields(logrus.Fields{"saga_id": s.ID.String(), "attempt": attempt}).WithError(err).
			Warn("Transaction record write failed")
		if attempt < p.opts.RecordWriteAttempts {
			time.Sleep(p.opts.CompensationBackoff * time.Duration(attempt))
		}
	}

	p.park(ctx, s, &models.ReconciliationTask{SagaID: s.ID, Record: &rec, LastError: err.Error()},
		"record_write", "balance updated but transaction record missing")
	s.Err = apperr.Upstream(string(StateRecordingTransaction),
		"Balance was updated but the transaction record could not be written; queued for reconciliation", err)
	return StateAborted
}

// compensate applies the pending compensations in order. Each one is retried; if one
// cannot be made durable it and everything after it are queued for reconciliation.
func (p *PaymentService) compensate(ctx context.Context, s *Saga) SagaState {
	for i, c := range s.compensations {
		if err := p.compensateOne(ctx, s, c); err != nil {
			task := &models.ReconciliationTask{
				SagaID:        s.ID,
				Compensations: append([]models.Compensation(nil), s.compensations[i:]...),
				LastError:     err.Error(),
			}
			p.park(ctx, s, task, "compensation", "compensation failed; sender may be short-debited")
			s.Err = apperr.ReconciliationRequired(string(StateCompensating),
				"Compensation failed; ledger requires reconciliation", fmt.Errorf("%w; compensation: %w", s.Err, err))
			s.compensations = nil
			return StateAborted
		}
	}
	s.compensations = nil
	return StateAborted
}

func (p *PaymentService) compensateOne(ctx context.Context, s *Saga, c models.Compensation) error {
	entry := p.log.WithFields(logrus.Fields{
		"saga_id":    s.ID.String(),
		"account_id": c.AccountID,
		"operation":  c.Request.Operation,
		"reverses":   c.Request.Reverses,
	})

	var err error
	for attempt := 1; attempt <= p.opts.CompensationAttempts; attempt++ {
		var res *models.MutationResult
		res, err = p.ledger.MutateBalance(ctx, c.AccountID, c.Request)
		if err == nil {
			result := "applied"
			if !res.Applied {
				result = "skipped"
			}
			metrics.Compensations.WithLabelValues(result).Inc()
			entry.WithField("result", result).Info("Compensation completed")
			return nil
		}
		entry.WithField("attempt", attempt).WithError(err).Warn("Compensation attempt failed")
		if apperr.Definitive(err) {
			break
		}
		if attempt < p.opts.CompensationAttempts {
			time.Sleep(p.opts.CompensationBackoff * time.Duration(attempt))
		}
	}
	metrics.Compensations.WithLabelValues("failed").Inc()
	return err
}

// park queues a reconciliation task and makes sure an operator hears about it
func (p *PaymentService) park(ctx context.Context, s *Saga, task *models.ReconciliationTask, kind, reason string) {
	metrics.ReconciliationTasks.WithLabelValues(kind).Inc()
	entry := p.log.WithFields(logrus.Fields{
		"saga_id":                 s.ID.String(),
		"type":                    s.Type,
		"user_id":                 s.UserID,
		"target_user_id":          s.TargetUserID,
		"amount":                  s.Amount.String(),
		"kind":                    kind,
		"reconciliation_required": true,
	})

	if err := p.queue.EnqueueTask(ctx, task); err != nil {
		entry.WithError(err).WithField("task", task).Error("Failed to queue reconciliation task, manual reconciliation required")
	} else {
		entry.WithField("task_id", task.ID).Error("Reconciliation task queued: " + reason)
	}

	if p.alerts != nil {
		if err := p.alerts.SendReconciliationAlert(task, reason); err != nil {
			entry.WithError(err).Warn("Failed to send reconciliation alert")
		}
	}
}
