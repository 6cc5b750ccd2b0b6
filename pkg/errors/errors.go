// Package errors defines the classified error type shared across ragmesh
// services. Every user-visible failure carries a machine-readable kind and a
// human-readable message; internal causes stay wrapped and never reach clients.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and HTTP mapping.
type Kind string

const (
	KindInvalidRequest    Kind = "invalid_request"
	KindUnauthorized      Kind = "unauthorized"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindStoreUnavailable  Kind = "store_unavailable"
	KindLLMUnavailable    Kind = "llm_unavailable"
	KindRerankUnavailable Kind = "rerank_unavailable"
	KindConnectorFailed   Kind = "connector_failed"
	KindRetrievalFailed   Kind = "retrieval_failed"
	KindIndexingFailed    Kind = "indexing_failed"
	KindInternal          Kind = "internal"
)

// Error is a classified error with an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.cause }

// New creates a classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with a classification. A nil err yields nil.
func Wrap(err error, kind Kind, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, cause: err}
}

// KindOf extracts the kind from an error chain, defaulting to KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether any error in the chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Retryable reports whether the failure is worth retrying locally.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindStoreUnavailable, KindLLMUnavailable, KindRerankUnavailable:
		return true
	default:
		return false
	}
}

// HTTPStatus maps an error kind to a response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the message safe to surface to callers. Internal
// failures collapse to a generic message so 5xx never leaks details.
func PublicMessage(err error) string {
	var e *Error
	if stderrors.As(err, &e) && HTTPStatus(err) < http.StatusInternalServerError {
		return e.Message
	}
	if stderrors.As(err, &e) {
		switch e.Kind {
		case KindRetrievalFailed:
			return "retrieval failed"
		case KindIndexingFailed:
			return "indexing failed"
		}
	}
	return "internal error"
}
