// Package apierr defines the MRS error taxonomy: a stable set of error
// codes, each bound to an HTTP status, carried end to end from store/domain
// code up to the HTTP layer without losing the code a client can branch on.
package apierr

import (
	"fmt"
	"net/http"
)

// AppError is the standard error shape used across every layer of the
// server. Handlers at the edge convert any error into one via FromError
// before writing a response.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Detail     any    `json:"detail,omitempty"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

// New builds an AppError from scratch.
func New(status int, code, message string) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status}
}

// Wrap builds an AppError carrying an underlying cause, kept for logging
// but never serialized to the client.
func Wrap(err error, status int, code, message string) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// WithDetail returns a copy carrying an additional detail payload, e.g. the
// {origin_server: ...} redirect hint on not_authoritative.
func (e *AppError) WithDetail(detail any) *AppError {
	cp := *e
	cp.Detail = detail
	return &cp
}

// WithCause returns a copy carrying the underlying error for logging.
func (e *AppError) WithCause(err error) *AppError {
	cp := *e
	cp.Err = err
	return &cp
}

// FromError coerces any error into an AppError. Anything not already one of
// ours collapses into Internal: store errors are never leaked verbatim
// to the client.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := err.(*AppError); ok {
		return appErr
	}
	return ErrInternal.WithCause(err)
}

// Predefined errors, one per stable code in the taxonomy.
var (
	ErrInvalidGeometry = &AppError{Code: "invalid_geometry", Message: "geometry is invalid", HTTPStatus: http.StatusBadRequest}
	ErrInvalidURI      = &AppError{Code: "invalid_uri", Message: "service_point is not a valid https URI", HTTPStatus: http.StatusBadRequest}
	ErrMissingField    = &AppError{Code: "missing_field", Message: "a required field is missing", HTTPStatus: http.StatusBadRequest}
	ErrTypeMismatch    = &AppError{Code: "type_mismatch", Message: "a field has the wrong type", HTTPStatus: http.StatusBadRequest}

	ErrUnauthorized = &AppError{Code: "unauthorized", Message: "authentication is missing, expired, or invalid", HTTPStatus: http.StatusUnauthorized}

	ErrForbidden        = &AppError{Code: "forbidden", Message: "not permitted to perform this action", HTTPStatus: http.StatusForbidden}
	ErrNotAuthoritative = &AppError{Code: "not_authoritative", Message: "this server does not own this record", HTTPStatus: http.StatusForbidden}

	ErrNotFound = &AppError{Code: "not_found", Message: "no such registration, key, or user", HTTPStatus: http.StatusNotFound}

	ErrConflict = &AppError{Code: "conflict", Message: "conflicts with the current state", HTTPStatus: http.StatusConflict}

	ErrCursorExpired = &AppError{Code: "cursor_expired", Message: "cursor is behind the tombstone retention watermark; take a fresh snapshot", HTTPStatus: http.StatusGone}

	ErrRateLimited = &AppError{Code: "rate_limited", Message: "too many requests", HTTPStatus: http.StatusTooManyRequests}

	// ErrPeerUnreachable is diagnostic only; it must never be surfaced to
	// end clients, only logged with last_seen left stale.
	ErrPeerUnreachable = &AppError{Code: "peer_unreachable", Message: "peer did not respond", HTTPStatus: http.StatusBadGateway}

	ErrInternal = &AppError{Code: "internal", Message: "internal server error", HTTPStatus: http.StatusInternalServerError}
)
