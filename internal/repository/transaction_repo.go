package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Dan9191/wallet-ledger/internal/apperr"
	"github.com/Dan9191/wallet-ledger/internal/models"
)

const transactionColumns = `id, saga_id, type, user_id, target_user_id, amount, status, description, created_at, updated_at`

// TransactionRepository is the append-only Transaction Record Store of the Payment service.
// It exposes no update or delete.
type TransactionRepository struct {
	db *sql.DB
}

// NewTransactionRepository initializes a new transaction repository
func NewTransactionRepository(db *sql.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func scanTransaction(row rowScanner) (*models.TransactionRecord, error) {
	rec := &models.TransactionRecord{}
	var target sql.NullInt64
	var description sql.NullString
	err := row.Scan(&rec.ID, &rec.SagaID, &rec.Type, &rec.UserID, &target, &rec.Amount,
		&rec.Status, &description, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if target.Valid {
		rec.TargetUserID = &target.Int64
	}
	rec.Description = description.String
	return rec, nil
}

// InsertTransaction appends rec. The write is idempotent on saga id: when a record for
// the saga already exists it is returned unchanged.
func (r *TransactionRepository) InsertTransaction(ctx context.Context, rec models.TransactionRecord) (*models.TransactionRecord, error) {
	query := `
		INSERT INTO transactions (saga_id, type, user_id, target_user_id, amount, status, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT (saga_id) DO NOTHING
		RETURNING ` + transactionColumns
	saved, err := scanTransaction(r.db.QueryRowContext(ctx, query,
		rec.SagaID, rec.Type, rec.UserID, rec.TargetUserID, rec.Amount, rec.Status, rec.Description))
	if errors.Is(err, sql.ErrNoRows) {
		return r.FindTransactionBySagaID(ctx, rec.SagaID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert transaction: %w", err)
	}
	return saved, nil
}

// FindTransactionByID retrieves a record by id
func (r *TransactionRepository) FindTransactionByID(ctx context.Context, id int64) (*models.TransactionRecord, error) {
	rec, err := scanTransaction(r.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("find_transaction", "Transaction not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find transaction: %w", err)
	}
	return rec, nil
}

// FindTransactionBySagaID retrieves the record written by a saga
func (r *TransactionRepository) FindTransactionBySagaID(ctx context.Context, sagaID uuid.UUID) (*models.TransactionRecord, error) {
	rec, err := scanTransaction(r.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE saga_id = $1`, sagaID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("find_transaction", "Transaction not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find transaction by saga: %w", err)
	}
	return rec, nil
}

// ListTransactions returns the full history, newest first
func (r *TransactionRepository) ListTransactions(ctx context.Context) ([]models.TransactionRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+transactionColumns+` FROM transactions ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	records := []models.TransactionRecord{}
	for rows.Next() {
		rec, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return records, nil
}
