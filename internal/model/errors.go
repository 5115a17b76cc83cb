package model

import "fmt"

// Code is the stable surface error taxonomy from spec §7.
type Code string

const (
	CodeInvalidInput       Code = "invalid_input"
	CodeConflict           Code = "conflict"
	CodeNotFound           Code = "not_found"
	CodeUnauthorized       Code = "unauthorized"
	CodeTrustNotConfigured Code = "trust_not_configured"
	CodeNodeUnreachable    Code = "node_unreachable"
	CodeInternal           Code = "internal"
)

// HTTPStatus maps a Code to its spec-mandated HTTP status.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidInput:
		return 400
	case CodeConflict:
		return 409
	case CodeNotFound:
		return 404
	case CodeUnauthorized:
		return 401
	case CodeTrustNotConfigured:
		return 503
	case CodeNodeUnreachable:
		return 502
	default:
		return 500
	}
}

// Error is a domain error carrying a stable Code plus an operator-safe
// message. CorrelationID is set for CodeInternal so a leaked message never
// has to carry implementation detail.
type Error struct {
	Code          Code
	Message       string
	CorrelationID string
}

func (e *Error) Error() string {
	if e.CorrelationID != "" {
		return fmt.Sprintf("%s: %s (correlation_id=%s)", e.Code, e.Message, e.CorrelationID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Invalid(format string, args ...any) *Error   { return NewError(CodeInvalidInput, format, args...) }
func Conflict(format string, args ...any) *Error   { return NewError(CodeConflict, format, args...) }
func NotFound(format string, args ...any) *Error   { return NewError(CodeNotFound, format, args...) }
func Unauthorized(format string, args ...any) *Error {
	return NewError(CodeUnauthorized, format, args...)
}
