// Package backend provides the typed HTTP client for the knowledge backend.
//
// Every operation takes the current turn's user context and returns either a
// decoded JSON value or an *Error classified by Kind. The client never
// retries and never falls back on its own; both policies belong to callers.
package backend

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a backend failure.
type ErrorKind string

const (
	// KindNotFound maps from a 404 response.
	KindNotFound ErrorKind = "not_found"

	// KindUnauthorized maps from 401 and 403 responses.
	KindUnauthorized ErrorKind = "unauthorized"

	// KindValidation maps from other 4xx responses carrying field errors.
	KindValidation ErrorKind = "validation"

	// KindUnavailable maps from connection failures, DNS failures,
	// timeouts, and 5xx responses.
	KindUnavailable ErrorKind = "unavailable"

	// KindMalformed maps from non-JSON bodies and schema mismatches.
	KindMalformed ErrorKind = "malformed"
)

// Error is a classified backend failure.
type Error struct {
	Kind        ErrorKind
	Op          string
	Status      int
	Message     string
	FieldErrors map[string]string
	Err         error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("backend %s: %s: %s", e.Op, e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("backend %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("backend %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// IsUnavailable reports whether err is a backend error with KindUnavailable.
// Tool dispatch uses this to decide whether a local fallback may run.
func IsUnavailable(err error) bool {
	var be *Error
	return errors.As(err, &be) && be.Kind == KindUnavailable
}

// KindOf extracts the error kind, defaulting to KindUnavailable for
// unclassified transport failures.
func KindOf(err error) ErrorKind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindUnavailable
}
