package service

import (
	"context"
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Dan9191/wallet-ledger/internal/apperr"
	"github.com/Dan9191/wallet-ledger/internal/metrics"
	"github.com/Dan9191/wallet-ledger/internal/models"
	"github.com/Dan9191/wallet-ledger/internal/repository"
)

const maxIdempotencyKeyLen = 128

// AccountStore is the persistence the ledger needs from the User service database
type AccountStore interface {
	CreateAccount(ctx context.Context, in models.NewAccount) (*models.Account, error)
	FindAccountByID(ctx context.Context, id int64) (*models.Account, error)
	FindAccountByEmail(ctx context.Context, email string) (*models.Account, error)
	ListAccounts(ctx context.Context) ([]models.Account, error)
	UpdateAccount(ctx context.Context, id int64, in models.AccountUpdate) (*models.Account, error)
	DeleteAccount(ctx context.Context, id int64) error
	ApplyMutation(ctx context.Context, id int64, req models.MutationRequest) (*models.MutationResult, error)
}

// LedgerService is the User service: account bookkeeping and the balance mutation endpoint
type LedgerService struct {
	store    AccountStore
	log      *logrus.Logger
	validate *validator.Validate
}

// NewLedgerService initializes a new ledger service
func NewLedgerService(store AccountStore, log *logrus.Logger) *LedgerService {
	return &LedgerService{store: store, log: log, validate: newValidator()}
}

// CreateAccount opens an account with an optional opening balance
func (s *LedgerService) CreateAccount(ctx context.Context, in models.NewAccount) (*models.Account, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.TrimSpace(in.Email)
	fields := validationFields(s.validate.Struct(in))
	if msg := balanceProblem(in.Balance); msg != "" {
		fields["balance"] = msg
	}
	if len(fields) > 0 {
		return nil, apperr.Validation("create_user", "Validation error", fields)
	}

	existing, err := s.store.FindAccountByEmail(ctx, in.Email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, repository.ErrEmailTaken
	}

	acc, err := s.store.CreateAccount(ctx, in)
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"user_id": acc.ID, "email": acc.Email}).Info("User created")
	return acc, nil
}

// GetAccount returns one account
func (s *LedgerService) GetAccount(ctx context.Context, id int64) (*models.Account, error) {
	return s.store.FindAccountByID(ctx, id)
}

// ListAccounts returns every account
func (s *LedgerService) ListAccounts(ctx context.Context) ([]models.Account, error) {
	return s.store.ListAccounts(ctx)
}

// UpdateAccount changes name and/or email
func (s *LedgerService) UpdateAccount(ctx context.Context, id int64, in models.AccountUpdate) (*models.Account, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.TrimSpace(in.Email)
	if fields := validationFields(s.validate.Struct(in)); len(fields) > 0 {
		return nil, apperr.Validation("update_user", "Validation error", fields)
	}

	current, err := s.store.FindAccountByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.Email != "" && in.Email != current.Email {
		other, err := s.store.FindAccountByEmail(ctx, in.Email)
		if err != nil {
			return nil, err
		}
		if other != nil {
			return nil, repository.ErrEmailTaken
		}
	}

	acc, err := s.store.UpdateAccount(ctx, id, in)
	if err != nil {
		return nil, err
	}
	s.log.WithField("user_id", id).Info("User updated")
	return acc, nil
}

// DeleteAccount removes an account
func (s *LedgerService) DeleteAccount(ctx context.Context, id int64) error {
	if err := s.store.DeleteAccount(ctx, id); err != nil {
		return err
	}
	s.log.WithField("user_id", id).Info("User deleted")
	return nil
}

// MutateBalance applies one add, deduct or set to one account, atomically.
// A rejected mutation has no side effect.
func (s *LedgerService) MutateBalance(ctx context.Context, id int64, req models.MutationRequest) (*models.MutationResult, error) {
	const step = "mutate_balance"

	if req.Operation == "" {
		req.Operation = models.OperationAdd
	}
	fields := map[string]string{}
	if !req.Operation.Valid() {
		fields["operation"] = "Invalid operation. Use: add, deduct, or set"
	}
	if msg := balanceProblem(req.Amount); msg != "" {
		fields["balance"] = msg
	}
	if len(req.IdempotencyKey) > maxIdempotencyKeyLen || len(req.Reverses) > maxIdempotencyKeyLen {
		fields["idempotency_key"] = "must be at most 128 characters"
	}
	if req.Reverses != "" {
		if req.IdempotencyKey == "" || req.IdempotencyKey == req.Reverses {
			fields["idempotency_key"] = "a reversal needs its own idempotency key"
		}
		if _, ok := req.Operation.Inverse(); !ok {
			fields["operation"] = "set cannot reverse another mutation"
		}
	}
	if len(fields) > 0 {
		metrics.BalanceMutations.WithLabelValues(string(req.Operation), "rejected").Inc()
		return nil, apperr.Validation(step, "Validation error", fields)
	}

	entry := s.log.WithFields(logrus.Fields{
		"user_id":         id,
		"operation":       req.Operation,
		"amount":          req.Amount.String(),
		"idempotency_key": req.IdempotencyKey,
		"reverses":        req.Reverses,
	})

	res, err := s.store.ApplyMutation(ctx, id, req)
	if err != nil {
		result := "error"
		if apperr.Definitive(err) {
			result = "rejected"
		}
		metrics.BalanceMutations.WithLabelValues(string(req.Operation), result).Inc()
		entry.WithError(err).Warn("Balance mutation rejected")
		return nil, err
	}

	result := "applied"
	switch {
	case res.Replayed:
		result = "replayed"
	case !res.Applied:
		result = "skipped"
	}
	metrics.BalanceMutations.WithLabelValues(string(req.Operation), result).Inc()
	entry.WithFields(logrus.Fields{"balance": res.Account.Balance.String(), "result": result}).Info("Balance updated")
	return res, nil
}

// balanceProblem describes why amount cannot be stored, or returns ""
func balanceProblem(amount decimal.Decimal) string {
	switch {
	case amount.IsNegative():
		return "Balance must be greater than or equal to 0"
	case !models.WholeUnits(amount):
		return "Balance must be a whole number of minor units"
	case amount.GreaterThan(models.MaximumAmount):
		return "Balance must not exceed " + models.MaximumAmount.String()
	}
	return ""
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// validationFields flattens validator errors into field -> message
func validationFields(err error) map[string]string {
	fields := map[string]string{}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fields
	}
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			fields[fe.Field()] = humanize(fe.Field()) + " is required"
		case "email":
			fields[fe.Field()] = "Email is invalid"
		case "max":
			fields[fe.Field()] = humanize(fe.Field()) + " is too long"
		default:
			fields[fe.Field()] = humanize(fe.Field()) + " is invalid"
		}
	}
	return fields
}

func humanize(field string) string {
	s := strings.ReplaceAll(field, "_", " ")
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
