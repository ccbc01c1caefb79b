package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/Dan9191/wallet-ledger/internal/apperr"
	"github.com/Dan9191/wallet-ledger/internal/models"
)

const accountColumns = `id, name, email, balance, created_at, updated_at`

// ErrEmailTaken is returned when another account already uses the email
var ErrEmailTaken = apperr.Validation("save_account", "Validation error", map[string]string{"email": "Email already exists"})

// AccountRepository is the Ledger Store: it owns the accounts table of the User service
type AccountRepository struct {
	db *sql.DB
}

// NewAccountRepository initializes a new account repository
func NewAccountRepository(db *sql.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*models.Account, error) {
	acc := &models.Account{}
	if err := row.Scan(&acc.ID, &acc.Name, &acc.Email, &acc.Balance, &acc.CreatedAt, &acc.UpdatedAt); err != nil {
		return nil, err
	}
	return acc, nil
}

// CreateAccount inserts a new account
func (r *AccountRepository) CreateAccount(ctx context.Context, in models.NewAccount) (*models.Account, error) {
	query := `
		INSERT INTO accounts (name, email, balance, created_at, updated_at)
		VALUES ($1, $2, $3, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		RETURNING ` + accountColumns
	acc, err := scanAccount(r.db.QueryRowContext(ctx, query, in.Name, in.Email, in.Balance))
	if isUniqueViolation(err, "") {
		return nil, ErrEmailTaken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	return acc, nil
}

// FindAccountByID retrieves an account by id
func (r *AccountRepository) FindAccountByID(ctx context.Context, id int64) (*models.Account, error) {
	acc, err := scanAccount(r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("find_account", "User not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	return acc, nil
}

// FindAccountByEmail retrieves an account by email, returning nil when there is none
func (r *AccountRepository) FindAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	acc, err := scanAccount(r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = $1`, email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find account by email: %w", err)
	}
	return acc, nil
}

// ListAccounts returns every account ordered by id
func (r *AccountRepository) ListAccounts(ctx context.Context) ([]models.Account, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	accounts := []models.Account{}
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, *acc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accounts, nil
}

// UpdateAccount changes the name and/or email of an account. Empty fields are kept.
func (r *AccountRepository) UpdateAccount(ctx context.Context, id int64, in models.AccountUpdate) (*models.Account, error) {
	query := `
		UPDATE accounts
		SET name = COALESCE(NULLIF($2, ''), name),
		    email = COALESCE(NULLIF($3, ''), email),
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
		RETURNING ` + accountColumns
	acc, err := scanAccount(r.db.QueryRowContext(ctx, query, id, in.Name, in.Email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("update_account", "User not found")
	}
	if isUniqueViolation(err, "") {
		return nil, ErrEmailTaken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update account: %w", err)
	}
	return acc, nil
}

// DeleteAccount removes an account
func (r *AccountRepository) DeleteAccount(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	if n == 0 {
		return apperr.NotFound("delete_account", "User not found")
	}
	return nil
}

type mutationEntry struct {
	key       string
	accountID int64
	operation models.BalanceOperation
	amount    decimal.Decimal
	status    models.MutationStatus
}

func (r *AccountRepository) findMutation(ctx context.Context, tx *sql.Tx, key string) (*mutationEntry, error) {
	e := &mutationEntry{}
	err := tx.QueryRowContext(ctx, `
		SELECT idempotency_key, account_id, operation, amount, status
		FROM balance_mutations
		WHERE idempotency_key = $1`, key).
		Scan(&e.key, &e.accountID, &e.operation, &e.amount, &e.status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read mutation journal: %w", err)
	}
	return e, nil
}

func (r *AccountRepository) journal(ctx context.Context, tx *sql.Tx, key string, accountID int64, op models.BalanceOperation,
	amount, balanceAfter decimal.Decimal, status models.MutationStatus, reverses string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO balance_mutations (idempotency_key, account_id, operation, amount, balance_after, status, reverses)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))`,
		key, accountID, op, amount, balanceAfter, status, reverses)
	if err != nil {
		return fmt.Errorf("failed to journal mutation %s: %w", key, err)
	}
	return nil
}

// ApplyMutation is the single-account read-modify-write behind the balance mutation endpoint.
// The account row is locked for the whole transaction, so mutations of one account serialize
// while mutations of different accounts do not contend. Keyed mutations are journaled in the
// same transaction as the balance change.
func (r *AccountRepository) ApplyMutation(ctx context.Context, accountID int64, req models.MutationRequest) (*models.MutationResult, error) {
	const step = "apply_mutation"

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin mutation: %w", err)
	}
	defer tx.Rollback()

	acc, err := scanAccount(tx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound(step, "User not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock account: %w", err)
	}

	if req.IdempotencyKey != "" {
		prior, err := r.findMutation(ctx, tx, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			return replay(prior, acc, req)
		}
	}

	if req.Reverses != "" {
		target, err := r.findMutation(ctx, tx, req.Reverses)
		if err != nil {
			return nil, err
		}
		if target != nil && target.accountID != accountID {
			return nil, apperr.Conflict(step, fmt.Sprintf("mutation %s belongs to another account", req.Reverses))
		}
		if target == nil || target.status != models.MutationApplied {
			if target == nil {
				// Reserve the original key so it can never apply after its reversal.
				original, _ := req.Operation.Inverse()
				if err := r.journal(ctx, tx, req.Reverses, accountID, original, req.Amount, acc.Balance, models.MutationVoided, ""); err != nil {
					return nil, err
				}
			}
			if err := r.journal(ctx, tx, req.IdempotencyKey, accountID, req.Operation, req.Amount, acc.Balance, models.MutationSkipped, req.Reverses); err != nil {
				return nil, err
			}
			if err := tx.Commit(); err != nil {
				return nil, fmt.Errorf("failed to commit mutation: %w", err)
			}
			return &models.MutationResult{Account: *acc, Applied: false}, nil
		}
	}

	newBalance, err := req.Operation.Apply(acc.Balance, req.Amount)
	if err != nil {
		return nil, err
	}

	err = tx.QueryRowContext(ctx, `
		UPDATE accounts SET balance = $1, updated_at = CURRENT_TIMESTAMP
		WHERE id = $2
		RETURNING balance, updated_at`, newBalance, accountID).
		Scan(&acc.Balance, &acc.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}

	if req.IdempotencyKey != "" {
		if err := r.journal(ctx, tx, req.IdempotencyKey, accountID, req.Operation, req.Amount, acc.Balance, models.MutationApplied, req.Reverses); err != nil {
			return nil, err
		}
	}
	if req.Reverses != "" {
		_, err := tx.ExecContext(ctx, `UPDATE balance_mutations SET status = $1 WHERE idempotency_key = $2`,
			models.MutationReversed, req.Reverses)
		if err != nil {
			return nil, fmt.Errorf("failed to mark %s reversed: %w", req.Reverses, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit mutation: %w", err)
	}
	return &models.MutationResult{Account: *acc, Applied: true}, nil
}

func replay(prior *mutationEntry, acc *models.Account, req models.MutationRequest) (*models.MutationResult, error) {
	const step = "apply_mutation"
	if prior.accountID != acc.ID {
		return nil, apperr.Conflict(step, fmt.Sprintf("idempotency key %s was used for another account", prior.key))
	}
	if prior.operation != req.Operation || !prior.amount.Equal(req.Amount) {
		if prior.status != models.MutationVoided {
			return nil, apperr.Conflict(step, fmt.Sprintf("idempotency key %s was used for a different mutation", prior.key))
		}
	}
	switch prior.status {
	case models.MutationVoided:
		return nil, apperr.Conflict(step, fmt.Sprintf("mutation %s was voided by a compensation", prior.key))
	case models.MutationReversed:
		return nil, apperr.Conflict(step, fmt.Sprintf("mutation %s was already reversed", prior.key))
	}
	return &models.MutationResult{Account: *acc, Applied: prior.status == models.MutationApplied, Replayed: true}, nil
}
