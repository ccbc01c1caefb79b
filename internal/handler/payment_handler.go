package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Dan9191/wallet-ledger/internal/models"
	"github.com/Dan9191/wallet-ledger/internal/service"
)

// Payments is what the Payment service handlers need from the orchestrator
type Payments interface {
	CreateTopUp(ctx context.Context, cmd service.TopUpCommand) (*models.TransactionRecord, error)
	CreateTransfer(ctx context.Context, cmd service.TransferCommand) (*models.TransactionRecord, error)
	ListTransactions(ctx context.Context) ([]models.TransactionRecord, error)
	GetTransaction(ctx context.Context, id int64) (*models.TransactionRecord, error)
}

type PaymentHandler struct {
	svc Payments
	log *logrus.Logger
}

func NewPaymentHandler(svc Payments, log *logrus.Logger) *PaymentHandler {
	return &PaymentHandler{svc: svc, log: log}
}

// Routes mounts the payment endpoints on r. idempotency wraps the two mutating endpoints.
func (h *PaymentHandler) Routes(r *mux.Router, idempotency mux.MiddlewareFunc) {
	r.HandleFunc("/transactions", h.ListTransactions).Methods(http.MethodGet)
	r.HandleFunc("/transactions/{id:[0-9]+}", h.GetTransaction).Methods(http.MethodGet)

	writes := r.NewRoute().Subrouter()
	if idempotency != nil {
		writes.Use(idempotency)
	}
	writes.HandleFunc("/topup", h.TopUp).Methods(http.MethodPost)
	writes.HandleFunc("/transfer", h.Transfer).Methods(http.MethodPost)
}

// operationResult is the body returned for a completed top-up or transfer
type operationResult struct {
	TransactionID int64                    `json:"transaction_id"`
	SagaID        string                   `json:"saga_id"`
	UserID        int64                    `json:"user_id"`
	TargetUserID  *int64                   `json:"target_user_id,omitempty"`
	Amount        decimal.Decimal          `json:"amount"`
	Type          models.TransactionType   `json:"type"`
	Status        models.TransactionStatus `json:"status"`
	Description   string                   `json:"description"`
	CreatedAt     time.Time                `json:"created_at"`
}

func newOperationResult(rec *models.TransactionRecord) operationResult {
	return operationResult{
		TransactionID: rec.ID,
		SagaID:        rec.SagaID.String(),
		UserID:        rec.UserID,
		TargetUserID:  rec.TargetUserID,
		Amount:        rec.Amount,
		Type:          rec.Type,
		Status:        rec.Status,
		Description:   rec.Description,
		CreatedAt:     rec.CreatedAt,
	}
}

// ListTransactions handles GET /transactions
func (h *PaymentHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	recs, err := h.svc.ListTransactions(r.Context())
	if err != nil {
		writeError(w, h.log, err, "Error retrieving transactions")
		return
	}
	writeOK(w, http.StatusOK, "", recs)
}

// GetTransaction handles GET /transactions/{id}
func (h *PaymentHandler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, h.log, err, "Error retrieving transaction")
		return
	}
	rec, err := h.svc.GetTransaction(r.Context(), id)
	if err != nil {
		writeError(w, h.log, err, "Error retrieving transaction")
		return
	}
	writeOK(w, http.StatusOK, "", rec)
}

// TopUp handles POST /topup
func (h *PaymentHandler) TopUp(w http.ResponseWriter, r *http.Request) {
	var cmd service.TopUpCommand
	if err := decodeBody(r, &cmd); err != nil {
		writeError(w, h.log, err, "Top-up failed")
		return
	}
	cmd.IdempotencyKey = r.Header.Get("Idempotency-Key")

	rec, err := h.svc.CreateTopUp(r.Context(), cmd)
	if err != nil {
		writeError(w, h.log, err, "Top-up failed")
		return
	}
	writeOK(w, http.StatusOK, "Top-up successful", newOperationResult(rec))
}

// Transfer handles POST /transfer
func (h *PaymentHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	var cmd service.TransferCommand
	if err := decodeBody(r, &cmd); err != nil {
		writeError(w, h.log, err, "Transfer failed")
		return
	}
	cmd.IdempotencyKey = r.Header.Get("Idempotency-Key")

	rec, err := h.svc.CreateTransfer(r.Context(), cmd)
	if err != nil {
		writeError(w, h.log, err, "Transfer failed")
		return
	}
	writeOK(w, http.StatusOK, "Transfer successful", newOperationResult(rec))
}
