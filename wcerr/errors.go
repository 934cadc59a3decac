// Package wcerr defines the stable error taxonomy shared by every
// subsystem of the protocol core: the subscription store, the relayer,
// the crypto controller and the sequence engine all fail through the
// same Error type so callers can switch on Code instead of parsing
// messages.
package wcerr

import (
	"errors"
	"fmt"
)

// Code identifies a stable, documented failure mode of the protocol.
type Code string

const (
	// Topic / context errors.
	NoMatchingTopic    Code = "NO_MATCHING_TOPIC"
	NoMatchingResponse Code = "NO_MATCHING_RESPONSE"
	MismatchedTopic    Code = "MISMATCHED_TOPIC"

	// Permission errors.
	UnauthorizedMatchingController Code = "UNAUTHORIZED_MATCHING_CONTROLLER"
	UnauthorizedJSONRPCMethod      Code = "UNAUTHORIZED_JSON_RPC_METHOD"
	UnauthorizedNotificationType   Code = "UNAUTHORIZED_NOTIFICATION_TYPE"
	UnauthorizedTargetChain        Code = "UNAUTHORIZED_TARGET_CHAIN"

	// Validation errors.
	MissingOrInvalid Code = "MISSING_OR_INVALID"
	MissingResponse  Code = "MISSING_RESPONSE"

	// Lifecycle errors.
	Expired             Code = "EXPIRED"
	Settled             Code = "SETTLED"
	RestoreWillOverride Code = "RESTORE_WILL_OVERRIDE"

	// Crypto errors.
	DecryptionFailed Code = "DECRYPTION_FAILED"
	KeyNotFound      Code = "KEY_NOT_FOUND"
)

// Error is the concrete error type returned by every protocol-facing
// call. Message carries a human-readable, code-specific template;
// Details carries the values that were interpolated into it.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap lets errors.Is/errors.As see through to the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetails attaches a key/value pair to the error for logging.
func (e *Error) WithDetails(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New builds an Error with the given code and a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error that also carries an underlying cause.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Is reports whether err is a *Error carrying the given code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
