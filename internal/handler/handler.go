package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/Dan9191/wallet-ledger/internal/apperr"
)

// Response is the envelope every endpoint of both services answers with
type Response struct {
	Success   bool              `json:"success"`
	Message   string            `json:"message,omitempty"`
	Data      any               `json:"data,omitempty"`
	Errors    map[string]string `json:"errors,omitempty"`
	ErrorKind apperr.Kind       `json:"error_kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func writeOK(w http.ResponseWriter, status int, message string, data any) {
	writeJSON(w, status, Response{Success: true, Message: message, Data: data})
}

// writeError maps err to its status and envelope. Errors that carry no kind are
// answered with fallback and logged, their text is not exposed.
func writeError(w http.ResponseWriter, log *logrus.Logger, err error, fallback string) {
	var e *apperr.Error
	if !errors.As(err, &e) {
		log.WithError(err).Error(fallback)
		writeJSON(w, http.StatusInternalServerError, Response{Message: fallback, ErrorKind: apperr.KindInternal})
		return
	}
	if e.Kind == apperr.KindInternal {
		log.WithError(err).Error(fallback)
	}
	writeJSON(w, apperr.HTTPStatus(e.Kind), Response{
		Message:   e.Message,
		Errors:    e.Fields,
		ErrorKind: e.Kind,
	})
}

func decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperr.Validation("decode_request", "Invalid request body", map[string]string{"body": err.Error()})
	}
	return nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation("parse_request", "Validation error", map[string]string{"id": "must be a positive integer"})
	}
	return id, nil
}

// Health answers liveness probes
func Health(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeOK(w, http.StatusOK, service+" is running", nil)
	}
}

// RegisterCommon adds the routes both services expose
func RegisterCommon(r *mux.Router, service string) {
	r.HandleFunc("/health", Health(service)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}
