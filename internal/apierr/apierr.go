// Package apierr defines the uniform error-kind taxonomy used across every
// surface of the gateway (spec.md §7), so the dispatcher always translates
// component failures to HTTP the same way rather than each caller picking
// its own status code.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the error kinds named in spec.md §7.
type Kind int

const (
	KindNone Kind = iota
	KindNotFoundLocal
	KindNotFoundContent
	KindStaleCache
	KindUnauthorized
	KindRateLimited
	KindForbidden
	KindUpstreamTransient
	KindBadRequest
	KindConflict
)

// Error is a typed, user-facing error carrying the HTTP status and body
// text the dispatcher should write once classification is complete.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind with the conventional status code
// for that kind (spec.md §7's per-kind mapping); the status always comes
// from the kind.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Status: defaultStatus(kind), Message: message, Cause: cause}
}

func defaultStatus(kind Kind) int {
	switch kind {
	case KindNotFoundLocal, KindNotFoundContent:
		return http.StatusNotFound
	case KindStaleCache:
		return http.StatusNotFound // only surfaced if the retry also fails
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindForbidden:
		return http.StatusForbidden
	case KindUpstreamTransient:
		return http.StatusBadGateway
	case KindBadRequest:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// NotFoundLocal builds the "mapped site's CID not locally present" error.
func NotFoundLocal() *Error {
	return New(KindNotFoundLocal, "Site not available locally.", nil)
}

// NotFoundContent builds the "path missing, no SPA fallback" error.
func NotFoundContent() *Error {
	return New(KindNotFoundContent, "Not found.", nil)
}

// AsError unwraps err into an *Error if possible.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// WriteHTTP writes the error's status and message to w. Callers must not
// write to w afterwards.
func WriteHTTP(w http.ResponseWriter, err error) {
	if e, ok := AsError(err); ok {
		http.Error(w, e.Message, e.Status)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
