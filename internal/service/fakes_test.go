package service

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Dan9191/wallet-ledger/internal/apperr"
	"github.com/Dan9191/wallet-ledger/internal/models"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func dec(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

var errTimeout = apperr.Upstream("user_service", "User service unreachable", context.DeadlineExceeded)

type journalEntry struct {
	account int64
	op      models.BalanceOperation
	amount  decimal.Decimal
	status  models.MutationStatus
}

// fakeLedger mirrors the User service mutation semantics in memory, including the
// idempotency journal and reversals.
type fakeLedger struct {
	mu       sync.Mutex
	balances map[int64]decimal.Decimal
	journal  map[string]*journalEntry
	calls    []models.MutationRequest

	// failBefore rejects a call without applying it; failAfter applies it and then
	// reports an error, like a response lost to a timeout.
	failBefore func(id int64, req models.MutationRequest) error
	failAfter  func(id int64, req models.MutationRequest) error
	getFail    func(id int64) error
}

func newFakeLedger(balances map[int64]int64) *fakeLedger {
	l := &fakeLedger{balances: map[int64]decimal.Decimal{}, journal: map[string]*journalEntry{}}
	for id, b := range balances {
		l.balances[id] = dec(b)
	}
	return l
}

func (l *fakeLedger) balance(id int64) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[id]
}

func (l *fakeLedger) mutationCalls() []models.MutationRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.MutationRequest(nil), l.calls...)
}

func (l *fakeLedger) GetAccount(_ context.Context, id int64) (*models.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.getFail != nil {
		if err := l.getFail(id); err != nil {
			return nil, err
		}
	}
	b, ok := l.balances[id]
	if !ok {
		return nil, apperr.NotFound("user_service", "User not found")
	}
	return &models.Account{ID: id, Balance: b}, nil
}

func (l *fakeLedger) MutateBalance(_ context.Context, id int64, req models.MutationRequest) (*models.MutationResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, req)

	if l.failBefore != nil {
		if err := l.failBefore(id, req); err != nil {
			return nil, err
		}
	}
	res, err := l.apply(id, req)
	if err != nil {
		return nil, err
	}
	if l.failAfter != nil {
		if err := l.failAfter(id, req); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (l *fakeLedger) apply(id int64, req models.MutationRequest) (*models.MutationResult, error) {
	current, ok := l.balances[id]
	if !ok {
		return nil, apperr.NotFound("mutate_balance", "User not found")
	}

	if prior, ok := l.journal[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		if prior.status == models.MutationVoided || prior.status == models.MutationReversed {
			return nil, apperr.Conflict("mutate_balance", "Mutation was cancelled")
		}
		return &models.MutationResult{
			Account:  models.Account{ID: id, Balance: current},
			Applied:  prior.status == models.MutationApplied,
			Replayed: true,
		}, nil
	}

	var reversed *journalEntry
	if req.Reverses != "" {
		target, ok := l.journal[req.Reverses]
		if !ok || target.status != models.MutationApplied {
			if !ok {
				inverse, _ := req.Operation.Inverse()
				l.journal[req.Reverses] = &journalEntry{account: id, op: inverse, amount: req.Amount, status: models.MutationVoided}
			}
			l.journal[req.IdempotencyKey] = &journalEntry{account: id, op: req.Operation, amount: req.Amount, status: models.MutationSkipped}
			return &models.MutationResult{Account: models.Account{ID: id, Balance: current}}, nil
		}
		reversed = target
	}

	next, err := req.Operation.Apply(current, req.Amount)
	if err != nil {
		return nil, err
	}
	l.balances[id] = next
	if req.IdempotencyKey != "" {
		l.journal[req.IdempotencyKey] = &journalEntry{account: id, op: req.Operation, amount: req.Amount, status: models.MutationApplied}
	}
	if reversed != nil {
		reversed.status = models.MutationReversed
	}
	return &models.MutationResult{Account: models.Account{ID: id, Balance: next}, Applied: true}, nil
}

type fakeRecords struct {
	mu      sync.Mutex
	nextID  int64
	records []models.TransactionRecord
	inserts int
	fail    func(attempt int) error
}

func (r *fakeRecords) InsertTransaction(_ context.Context, rec models.TransactionRecord) (*models.TransactionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inserts++
	if r.fail != nil {
		if err := r.fail(r.inserts); err != nil {
			return nil, err
		}
	}
	for i := range r.records {
		if r.records[i].SagaID == rec.SagaID {
			existing := r.records[i]
			return &existing, nil
		}
	}
	r.nextID++
	rec.ID = r.nextID
	rec.CreatedAt = time.Now()
	rec.UpdatedAt = rec.CreatedAt
	r.records = append(r.records, rec)
	return &rec, nil
}

func (r *fakeRecords) FindTransactionByID(_ context.Context, id int64) (*models.TransactionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.ID == id {
			return &rec, nil
		}
	}
	return nil, apperr.NotFound("find_transaction", "Transaction not found")
}

func (r *fakeRecords) FindTransactionBySagaID(_ context.Context, sagaID uuid.UUID) (*models.TransactionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.SagaID == sagaID {
			return &rec, nil
		}
	}
	return nil, apperr.NotFound("find_transaction", "Transaction not found")
}

func (r *fakeRecords) ListTransactions(context.Context) ([]models.TransactionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]models.TransactionRecord(nil), r.records...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (r *fakeRecords) all() []models.TransactionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.TransactionRecord(nil), r.records...)
}

type fakeQueue struct {
	mu     sync.Mutex
	tasks  []*models.ReconciliationTask
	fail   error
	nextID int64
}

func (q *fakeQueue) EnqueueTask(_ context.Context, t *models.ReconciliationTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail != nil {
		return q.fail
	}
	q.nextID++
	t.ID = q.nextID
	q.tasks = append(q.tasks, t)
	return nil
}

func (q *fakeQueue) DueTasks(_ context.Context, now time.Time, limit int) ([]*models.ReconciliationTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []*models.ReconciliationTask
	for _, t := range q.tasks {
		if !t.NeedsManual && !t.NextRunAt.After(now) && len(due) < limit {
			due = append(due, t)
		}
	}
	return due, nil
}

func (q *fakeQueue) SaveProgress(context.Context, *models.ReconciliationTask) error { return nil }

func (q *fakeQueue) ResolveTask(_ context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, t := range q.tasks {
		if t.ID == id {
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			return nil
		}
	}
	return errors.New("no such task")
}

type fakeAlerter struct {
	mu      sync.Mutex
	reasons []string
}

func (a *fakeAlerter) SendReconciliationAlert(_ *models.ReconciliationTask, reason string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reasons = append(a.reasons, reason)
	return nil
}
