// Package failure defines the tagged error type shared by probing, balance reads and
// issuance. Callers branch on Kind instead of matching error strings.
package failure

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation did not succeed.
type Kind string

const (
	// KindValidation is a malformed request (address, network, amount). No network access happened.
	KindValidation Kind = "validation"
	// KindAccountNotFound means the ledger confirmed the account does not exist.
	KindAccountNotFound Kind = "account_not_found"
	// KindAccountUnderfunded means the account exists but holds less than the minimum native balance.
	KindAccountUnderfunded Kind = "account_underfunded"
	// KindSubmission means the ledger rejected a submitted transaction.
	KindSubmission Kind = "submission"
	// KindTransientNetwork covers timeouts and connectivity problems; callers may retry.
	KindTransientNetwork Kind = "transient_network"
	// KindInternal is anything unexpected.
	KindInternal Kind = "internal"
)

// GenericReason is what callers see for internal faults.
const GenericReason = "issuance failed"

// Error carries a Kind, a human-readable Reason for the end user, optional Detail from
// the ledger, and the wrapped cause for logs.
type Error struct {
	Kind        Kind     `json:"kind"`
	Reason      string   `json:"reason"`
	Detail      string   `json:"detail,omitempty"`
	ResultCodes []string `json:"resultCodes,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether repeating the same request may succeed without user action.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransientNetwork
}

// New returns an Error without an underlying cause.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Wrap returns an Error of the given kind wrapping cause.
func Wrap(cause error, kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason, cause: cause}
}

// Validation is shorthand for New(KindValidation, reason).
func Validation(reason string) *Error {
	return New(KindValidation, reason)
}

// Validationf formats a validation reason.
func Validationf(format string, args ...interface{}) *Error {
	return New(KindValidation, fmt.Sprintf(format, args...))
}

// Internal hides the cause behind GenericReason.
func Internal(cause error) *Error {
	return Wrap(cause, KindInternal, GenericReason)
}

// From extracts an *Error from err's chain. Errors that are not tagged become internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return Internal(err)
}

// KindOf returns the Kind of err, or "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return From(err).Kind
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
