package service

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Dan9191/wallet-ledger/internal/apperr"
	"github.com/Dan9191/wallet-ledger/internal/metrics"
	"github.com/Dan9191/wallet-ledger/internal/models"
)

// TaskStore is the durable queue the reconciler drains
type TaskStore interface {
	DueTasks(ctx context.Context, now time.Time, limit int) ([]*models.ReconciliationTask, error)
	SaveProgress(ctx context.Context, t *models.ReconciliationTask) error
	ResolveTask(ctx context.Context, id int64) error
}

const (
	reconcileBatch      = 50
	reconcileMaxBackoff = time.Hour
)

// Reconciler finishes what sagas left behind: pending compensations first, in order,
// then the missing transaction record. Every retry reuses the saga's idempotency keys.
// A task the ledger rejects outright is parked for an operator instead of retried.
type Reconciler struct {
	ledger  LedgerClient
	records RecordStore
	tasks   TaskStore
	alerts  Alerter
	log     *logrus.Logger
	backoff time.Duration
	now     func() time.Time
}

// NewReconciler initializes a reconciler. backoff is the delay after the first failed run;
// it doubles on every further failure up to an hour. alerts may be nil.
func NewReconciler(ledger LedgerClient, records RecordStore, tasks TaskStore, alerts Alerter, log *logrus.Logger, backoff time.Duration) *Reconciler {
	if backoff <= 0 {
		backoff = time.Second
	}
	return &Reconciler{
		ledger:  ledger,
		records: records,
		tasks:   tasks,
		alerts:  alerts,
		log:     log,
		backoff: backoff,
		now:     time.Now,
	}
}

// RunOnce processes every task that is due and reports how many were resolved
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	tasks, err := r.tasks.DueTasks(ctx, r.now(), reconcileBatch)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, t := range tasks {
		if ctx.Err() != nil {
			return resolved, ctx.Err()
		}
		if r.process(ctx, t) {
			resolved++
		}
	}
	return resolved, nil
}

func (r *Reconciler) process(ctx context.Context, t *models.ReconciliationTask) bool {
	entry := r.log.WithFields(logrus.Fields{"task_id": t.ID, "saga_id": t.SagaID.String()})

	err := r.advance(ctx, t)
	if err == nil {
		if err = r.tasks.ResolveTask(ctx, t.ID); err == nil {
			metrics.ReconciliationResults.WithLabelValues("resolved").Inc()
			entry.Info("Reconciliation task resolved")
			return true
		}
	}

	t.Attempts++
	t.LastError = err.Error()

	if apperr.Definitive(err) {
		t.NeedsManual = true
		metrics.ReconciliationResults.WithLabelValues("manual").Inc()
		entry.WithError(err).WithFields(logrus.Fields{
			"attempts":                t.Attempts,
			"reconciliation_required": true,
		}).Error("Reconciliation task rejected by the ledger, manual action required")
		r.save(ctx, entry, t)
		if r.alerts != nil {
			if alertErr := r.alerts.SendReconciliationAlert(t, "reconciliation rejected, manual action required: "+err.Error()); alertErr != nil {
				entry.WithError(alertErr).Warn("Failed to send reconciliation alert")
			}
		}
		return false
	}

	t.NextRunAt = r.now().Add(r.delay(t.Attempts))
	metrics.ReconciliationResults.WithLabelValues("retry").Inc()
	entry.WithError(err).WithFields(logrus.Fields{
		"attempts":                t.Attempts,
		"next_run_at":             t.NextRunAt,
		"reconciliation_required": true,
	}).Error("Reconciliation task still pending")
	r.save(ctx, entry, t)
	return false
}

func (r *Reconciler) save(ctx context.Context, entry *logrus.Entry, t *models.ReconciliationTask) {
	if err := r.tasks.SaveProgress(ctx, t); err != nil {
		entry.WithError(err).Error("Failed to save reconciliation progress")
	}
}

// advance applies as much of t as it can, trimming the finished parts off t
func (r *Reconciler) advance(ctx context.Context, t *models.ReconciliationTask) error {
	for len(t.Compensations) > 0 {
		c := t.Compensations[0]
		res, err := r.ledger.MutateBalance(ctx, c.AccountID, c.Request)
		if err != nil {
			return fmt.Errorf("compensation %s: %w", c.Request.IdempotencyKey, err)
		}
		result := "applied"
		if !res.Applied {
			result = "skipped"
		}
		metrics.Compensations.WithLabelValues(result).Inc()
		t.Compensations = t.Compensations[1:]
	}

	if t.Record != nil {
		if _, err := r.records.InsertTransaction(ctx, *t.Record); err != nil {
			return fmt.Errorf("record write: %w", err)
		}
		t.Record = nil
	}
	return nil
}

func (r *Reconciler) delay(attempts int) time.Duration {
	d := r.backoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= reconcileMaxBackoff {
			return reconcileMaxBackoff
		}
	}
	return d
}
