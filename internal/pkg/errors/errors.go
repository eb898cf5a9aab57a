package errors

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
)

type ErrorResponse struct {
	Error   string      `json:"error"`
	Message string      `json:"message"`
	Code    string      `json:"code"`
	Details interface{} `json:"details,omitempty"`
}

const (
	ErrCodeInvalidInput      = "INVALID_INPUT"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

// Kind classifies a failure independently of the transport that reports it.
type Kind string

const (
	KindNotFound   Kind = "not_found"
	KindValidation Kind = "validation"
	KindConflict   Kind = "conflict"
	KindForbidden  Kind = "forbidden"
	KindInternal   Kind = "internal"
)

// Error is the typed error returned by the engine and repositories.
// Callers branch on Kind with IsKind instead of parsing messages.
type Error struct {
	Kind    Kind
	Message string
	Fields  map[string]string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: KindNotFound}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func NotFound(msg string) error {
	return &Error{Kind: KindNotFound, Message: msg}
}

// Validation builds a validation error. fields maps input field names to problems.
func Validation(msg string, fields map[string]string) error {
	return &Error{Kind: KindValidation, Message: msg, Fields: fields}
}

func Conflict(msg string) error {
	return &Error{Kind: KindConflict, Message: msg}
}

func Forbidden(msg string) error {
	return &Error{Kind: KindForbidden, Message: msg}
}

// Wrap attaches a kind and message to err. Errors that already carry a kind
// are returned unchanged.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if stderrors.As(err, &existing) {
		return err
	}
	return &Error{Kind: kind, Message: msg, Err: err}
}

func IsKind(err error, kind Kind) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func WriteError(w http.ResponseWriter, status int, code, message string, details interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
		Code:    code,
		Details: details,
	})
}

// WriteDomainError maps err onto an HTTP response. Internal errors never leak their message.
func WriteDomainError(w http.ResponseWriter, err error) {
	var e *Error
	if !stderrors.As(err, &e) {
		WriteError(w, http.StatusInternalServerError, ErrCodeInternal, "Internal server error", nil)
		return
	}

	switch e.Kind {
	case KindNotFound:
		WriteError(w, http.StatusNotFound, ErrCodeNotFound, e.Error(), nil)
	case KindValidation:
		var details interface{}
		if len(e.Fields) > 0 {
			details = e.Fields
		}
		WriteError(w, http.StatusBadRequest, ErrCodeInvalidInput, e.Error(), details)
	case KindConflict:
		WriteError(w, http.StatusConflict, ErrCodeConflict, e.Error(), nil)
	case KindForbidden:
		WriteError(w, http.StatusForbidden, ErrCodeForbidden, e.Error(), nil)
	default:
		WriteError(w, http.StatusInternalServerError, ErrCodeInternal, "Internal server error", nil)
	}
}
