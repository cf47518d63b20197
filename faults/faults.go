// Package faults defines the stable error taxonomy shared by drivers, the
// tool executor and the pipeline. Classes are wire-visible: they appear in
// tool call records, turn events and error envelopes, so the set is fixed and
// additions are deliberate.
package faults

import (
	"context"
	"errors"
	"fmt"
)

// Class is a stable failure classification.
type Class string

const (
	ClassTimeout     Class = "timeout"
	ClassRateLimit   Class = "429"
	ClassServer      Class = "5xx"
	ClassSchema      Class = "schema"
	ClassCircuitOpen Class = "circuit_open"
	ClassException   Class = "exception"
	ClassOther       Class = "other"

	// Pipeline-level classes surfaced in the HTTP error envelope.
	ClassValidation           Class = "validation"
	ClassAdmissionDenied      Class = "admission_denied"
	ClassSecurityConfirmation Class = "security_requires_confirmation"
)

// Error pairs a failure class with its cause so classifications survive
// wrapping across package boundaries.
type Error struct {
	class Class
	msg   string
	cause error
}

// New constructs a classified error without a cause.
func New(class Class, msg string) *Error {
	return &Error{class: class, msg: msg}
}

// Wrap classifies an underlying error.
func Wrap(class Class, cause error) *Error {
	return &Error{class: class, cause: cause}
}

// Class returns the failure classification.
func (e *Error) Class() Class { return e.class }

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.class, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.class, e.msg)
}

// Unwrap preserves the original error chain.
func (e *Error) Unwrap() error { return e.cause }

// ClassOf extracts the classification from err. Unclassified context
// deadlines map to timeout; everything else unclassified is an exception.
func ClassOf(err error) Class {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	return ClassException
}

// FromHTTPStatus maps a downstream status code to a class. Non-error codes
// return ClassOther.
func FromHTTPStatus(status int) Class {
	switch {
	case status == 429:
		return ClassRateLimit
	case status >= 500:
		return ClassServer
	case status >= 400:
		return ClassOther
	default:
		return ClassOther
	}
}
