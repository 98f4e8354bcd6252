package domain

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a hub error class. Codes are stable and appear
// verbatim in wire error envelopes.
type ErrorCode string

const (
	CodeAuthRequired        ErrorCode = "AuthRequired"
	CodeMalformedAuth       ErrorCode = "MalformedAuth"
	CodeProfileConflict     ErrorCode = "ProfileConflict"
	CodeUnknownConversation ErrorCode = "UnknownConversation"
	CodeUnknownProfile      ErrorCode = "UnknownProfile"
	CodeValidationFailed    ErrorCode = "ValidationFailed"
	CodeRateLimited         ErrorCode = "RateLimited"
	CodeInternal            ErrorCode = "Internal"
)

// Error is a typed hub error carrying a wire-visible code and an
// optional human-readable detail. Internal causes are wrapped and never
// serialized.
type Error struct {
	Code   ErrorCode
	Detail string
	cause  error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.cause }

// E constructs a typed error with the given code and detail.
func E(code ErrorCode, detail string) *Error {
	return &Error{Code: code, Detail: detail}
}

// Wrap constructs a typed error that wraps an underlying cause.
func Wrap(code ErrorCode, detail string, cause error) *Error {
	return &Error{Code: code, Detail: detail, cause: cause}
}

// CodeOf extracts the error code from err, or CodeInternal if err is
// not a typed hub error.
func CodeOf(err error) ErrorCode {
	var he *Error
	if errors.As(err, &he) {
		return he.Code
	}
	return CodeInternal
}

// DetailOf extracts the wire-safe detail from err. Untyped errors yield
// an empty detail so internals never leak to clients.
func DetailOf(err error) string {
	var he *Error
	if errors.As(err, &he) {
		return he.Detail
	}
	return ""
}
