package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Dan9191/wallet-ledger/internal/models"
)

// ReconciliationRepository keeps the follow-up work sagas could not finish inline
type ReconciliationRepository struct {
	db *sql.DB
}

// NewReconciliationRepository initializes a new reconciliation repository
func NewReconciliationRepository(db *sql.DB) *ReconciliationRepository {
	return &ReconciliationRepository{db: db}
}

func encodeTask(t *models.ReconciliationTask) (string, any, error) {
	comps := t.Compensations
	if comps == nil {
		comps = []models.Compensation{}
	}
	compJSON, err := json.Marshal(comps)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode compensations: %w", err)
	}
	var record any
	if t.Record != nil {
		b, err := json.Marshal(t.Record)
		if err != nil {
			return "", nil, fmt.Errorf("failed to encode record: %w", err)
		}
		record = string(b)
	}
	return string(compJSON), record, nil
}

// EnqueueTask stores a new task, due immediately unless NextRunAt is set
func (r *ReconciliationRepository) EnqueueTask(ctx context.Context, t *models.ReconciliationTask) error {
	comps, record, err := encodeTask(t)
	if err != nil {
		return err
	}
	if t.NextRunAt.IsZero() {
		t.NextRunAt = time.Now()
	}
	query := `
		INSERT INTO reconciliation_tasks (saga_id, compensations, record, attempts, last_error, next_run_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`
	err = r.db.QueryRowContext(ctx, query, t.SagaID, comps, record, t.Attempts, t.LastError, t.NextRunAt).
		Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue reconciliation task: %w", err)
	}
	return nil
}

// DueTasks returns unresolved tasks whose next run is at or before now, oldest first
func (r *ReconciliationRepository) DueTasks(ctx context.Context, now time.Time, limit int) ([]*models.ReconciliationTask, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, saga_id, compensations, record, attempts, last_error, next_run_at, created_at
		FROM reconciliation_tasks
		WHERE resolved_at IS NULL AND NOT needs_manual AND next_run_at <= $1
		ORDER BY created_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load reconciliation tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.ReconciliationTask
	for rows.Next() {
		t := &models.ReconciliationTask{}
		var comps, record []byte
		if err := rows.Scan(&t.ID, &t.SagaID, &comps, &record, &t.Attempts, &t.LastError, &t.NextRunAt, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan reconciliation task: %w", err)
		}
		if err := json.Unmarshal(comps, &t.Compensations); err != nil {
			return nil, fmt.Errorf("failed to decode compensations of task %d: %w", t.ID, err)
		}
		if len(record) > 0 {
			t.Record = &models.TransactionRecord{}
			if err := json.Unmarshal(record, t.Record); err != nil {
				return nil, fmt.Errorf("failed to decode record of task %d: %w", t.ID, err)
			}
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// SaveProgress persists what is left of a task, when to try again and whether it is parked for an operator
func (r *ReconciliationRepository) SaveProgress(ctx context.Context, t *models.ReconciliationTask) error {
	comps, record, err := encodeTask(t)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		UPDATE reconciliation_tasks
		SET compensations = $2, record = $3, attempts = $4, last_error = $5, next_run_at = $6, needs_manual = $7
		WHERE id = $1`, t.ID, comps, record, t.Attempts, t.LastError, t.NextRunAt, t.NeedsManual)
	if err != nil {
		return fmt.Errorf("failed to save reconciliation task %d: %w", t.ID, err)
	}
	return nil
}

// ResolveTask marks a task finished
func (r *ReconciliationRepository) ResolveTask(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE reconciliation_tasks
		SET compensations = '[]', record = NULL, resolved_at = CURRENT_TIMESTAMP
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to resolve reconciliation task %d: %w", id, err)
	}
	return nil
}
