package handler

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Dan9191/wallet-ledger/internal/apperr"
	"github.com/Dan9191/wallet-ledger/internal/models"
)

// Ledger is what the User service handlers need from the service layer
type Ledger interface {
	CreateAccount(ctx context.Context, in models.NewAccount) (*models.Account, error)
	GetAccount(ctx context.Context, id int64) (*models.Account, error)
	ListAccounts(ctx context.Context) ([]models.Account, error)
	UpdateAccount(ctx context.Context, id int64, in models.AccountUpdate) (*models.Account, error)
	DeleteAccount(ctx context.Context, id int64) error
	MutateBalance(ctx context.Context, id int64, req models.MutationRequest) (*models.MutationResult, error)
}

type UserHandler struct {
	svc Ledger
	log *logrus.Logger
}

func NewUserHandler(svc Ledger, log *logrus.Logger) *UserHandler {
	return &UserHandler{svc: svc, log: log}
}

// Routes mounts the user endpoints on r. balanceAuth guards the balance mutation endpoint.
func (h *UserHandler) Routes(r *mux.Router, balanceAuth mux.MiddlewareFunc) {
	r.HandleFunc("/users", h.ListUsers).Methods(http.MethodGet)
	r.HandleFunc("/users", h.CreateUser).Methods(http.MethodPost)
	r.HandleFunc("/users/{id:[0-9]+}", h.GetUser).Methods(http.MethodGet)
	r.HandleFunc("/users/{id:[0-9]+}", h.UpdateUser).Methods(http.MethodPut)
	r.HandleFunc("/users/{id:[0-9]+}", h.DeleteUser).Methods(http.MethodDelete)

	balance := r.Path("/users/{id:[0-9]+}/balance").Subrouter()
	if balanceAuth != nil {
		balance.Use(balanceAuth)
	}
	balance.Methods(http.MethodPatch).HandlerFunc(h.UpdateBalance)
}

// ListUsers handles GET /users
func (h *UserHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.svc.ListAccounts(r.Context())
	if err != nil {
		writeError(w, h.log, err, "Error retrieving users")
		return
	}
	writeOK(w, http.StatusOK, "", accounts)
}

// GetUser handles GET /users/{id}
func (h *UserHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, h.log, err, "Error retrieving user")
		return
	}
	acc, err := h.svc.GetAccount(r.Context(), id)
	if err != nil {
		writeError(w, h.log, err, "Error retrieving user")
		return
	}
	writeOK(w, http.StatusOK, "", acc)
}

// CreateUser handles POST /users
func (h *UserHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var in models.NewAccount
	if err := decodeBody(r, &in); err != nil {
		writeError(w, h.log, err, "Error creating user")
		return
	}
	acc, err := h.svc.CreateAccount(r.Context(), in)
	if err != nil {
		writeError(w, h.log, err, "Error creating user")
		return
	}
	writeOK(w, http.StatusCreated, "User created successfully", acc)
}

// UpdateUser handles PUT /users/{id}
func (h *UserHandler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, h.log, err, "Error updating user")
		return
	}
	var in models.AccountUpdate
	if err := decodeBody(r, &in); err != nil {
		writeError(w, h.log, err, "Error updating user")
		return
	}
	acc, err := h.svc.UpdateAccount(r.Context(), id, in)
	if err != nil {
		writeError(w, h.log, err, "Error updating user")
		return
	}
	writeOK(w, http.StatusOK, "User updated successfully", acc)
}

// DeleteUser handles DELETE /users/{id}
func (h *UserHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, h.log, err, "Error deleting user")
		return
	}
	if err := h.svc.DeleteAccount(r.Context(), id); err != nil {
		writeError(w, h.log, err, "Error deleting user")
		return
	}
	writeOK(w, http.StatusOK, "User deleted successfully", nil)
}

type balanceRequest struct {
	Balance        *decimal.Decimal        `json:"balance"`
	Operation      models.BalanceOperation `json:"operation"`
	IdempotencyKey string                  `json:"idempotency_key"`
	Reverses       string                  `json:"reverses"`
}

// UpdateBalance handles PATCH /users/{id}/balance, the Balance Mutation Endpoint.
// The Idempotency-Key header is used when the body carries no key.
func (h *UserHandler) UpdateBalance(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, h.log, err, "Error updating balance")
		return
	}
	var body balanceRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, h.log, err, "Error updating balance")
		return
	}
	if body.Balance == nil {
		writeError(w, h.log, apperr.Validation("mutate_balance", "Validation error",
			map[string]string{"balance": "Balance is required"}), "Error updating balance")
		return
	}

	req := models.MutationRequest{
		Amount:         *body.Balance,
		Operation:      body.Operation,
		IdempotencyKey: body.IdempotencyKey,
		Reverses:       body.Reverses,
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	res, err := h.svc.MutateBalance(r.Context(), id, req)
	if err != nil {
		writeError(w, h.log, err, "Error updating balance")
		return
	}
	writeOK(w, http.StatusOK, "Balance updated successfully", res)
}
