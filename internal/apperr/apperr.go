package apperr

import (
	"errors"
	"net/http"
	"strings"
)

// Kind classifies an error for callers and for HTTP mapping
type Kind string

const (
	KindValidation             Kind = "validation"
	KindNotFound               Kind = "not_found"
	KindInsufficientFunds      Kind = "insufficient_funds"
	KindConflict               Kind = "conflict"
	KindUpstream               Kind = "upstream"
	KindReconciliationRequired Kind = "reconciliation_required"
	KindInternal               Kind = "internal"
)

// Error is the structured error shared by both services
type Error struct {
	Kind    Kind
	Step    string
	Message string
	Fields  map[string]string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Step != "" {
		b.WriteString(e.Step)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind, so errors.Is(err, apperr.ErrNotFound) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Step == "" && t.Message == ""
}

// Sentinels for errors.Is checks
var (
	ErrValidation             = &Error{Kind: KindValidation}
	ErrNotFound               = &Error{Kind: KindNotFound}
	ErrInsufficientFunds      = &Error{Kind: KindInsufficientFunds}
	ErrConflict               = &Error{Kind: KindConflict}
	ErrUpstream               = &Error{Kind: KindUpstream}
	ErrReconciliationRequired = &Error{Kind: KindReconciliationRequired}
)

func Validation(step, message string, fields map[string]string) *Error {
	return &Error{Kind: KindValidation, Step: step, Message: message, Fields: fields}
}

func NotFound(step, message string) *Error {
	return &Error{Kind: KindNotFound, Step: step, Message: message}
}

func InsufficientFunds(step, message string) *Error {
	return &Error{Kind: KindInsufficientFunds, Step: step, Message: message}
}

func Conflict(step, message string) *Error {
	return &Error{Kind: KindConflict, Step: step, Message: message}
}

func Upstream(step, message string, cause error) *Error {
	return &Error{Kind: KindUpstream, Step: step, Message: message, Err: cause}
}

func ReconciliationRequired(step, message string, cause error) *Error {
	return &Error{Kind: KindReconciliationRequired, Step: step, Message: message, Err: cause}
}

func Internal(step, message string, cause error) *Error {
	return &Error{Kind: KindInternal, Step: step, Message: message, Err: cause}
}

// KindOf returns the kind of the outermost *Error in the chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error kind to the status code the services answer with
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation, KindInsufficientFunds:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// FromHTTPStatus is the inverse used by the service clients
func FromHTTPStatus(status int) Kind {
	switch {
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusConflict:
		return KindConflict
	case status == http.StatusUnprocessableEntity || status == http.StatusBadRequest:
		return KindValidation
	case status >= 500:
		return KindUpstream
	default:
		return KindInternal
	}
}

// Definitive reports whether err is a rejection that is known to have had no side effect.
// Transport failures, timeouts and 5xx answers are not definitive.
func Definitive(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindNotFound, KindInsufficientFunds, KindConflict:
		return true
	default:
		return false
	}
}
