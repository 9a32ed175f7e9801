package relayerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a sanitized error surfaced to downstream clients.
type Code string

const (
	CodeServiceUnavailable Code = "service-unavailable"
	CodeNetworkFailure     Code = "network-failure"
	CodeAuthFailure        Code = "auth-failure"
	CodeRateLimitExceeded  Code = "rate-limit-exceeded"
	CodeInvalidRequest     Code = "invalid-request"
	CodeModelUnavailable   Code = "model-unavailable"
	CodeUpstreamError      Code = "upstream-error"
	CodeTimeout            Code = "timeout"
	CodePermissionDenied   Code = "permission-denied"
	CodeNotFound           Code = "not-found"
	CodeAccountUnavailable Code = "account-unavailable"
	CodeOverloaded         Code = "overloaded"
	CodeInvalidAPIKey      Code = "invalid-api-key"
	CodeQuotaExceeded      Code = "quota-exceeded"
	CodeInternalError      Code = "internal-error"
)

var statusByCode = map[Code]int{
	CodeServiceUnavailable: http.StatusServiceUnavailable,
	CodeNetworkFailure:     http.StatusBadGateway,
	CodeAuthFailure:        http.StatusUnauthorized,
	CodeRateLimitExceeded:  http.StatusTooManyRequests,
	CodeInvalidRequest:     http.StatusBadRequest,
	CodeModelUnavailable:   http.StatusServiceUnavailable,
	CodeUpstreamError:      http.StatusBadGateway,
	CodeTimeout:            http.StatusGatewayTimeout,
	CodePermissionDenied:   http.StatusForbidden,
	CodeNotFound:           http.StatusNotFound,
	CodeAccountUnavailable: http.StatusServiceUnavailable,
	CodeOverloaded:         529,
	CodeInvalidAPIKey:      http.StatusUnauthorized,
	CodeQuotaExceeded:      http.StatusTooManyRequests,
	CodeInternalError:      http.StatusInternalServerError,
}

var defaultMessages = map[Code]string{
	CodeServiceUnavailable: "upstream service is temporarily unavailable",
	CodeNetworkFailure:     "network failure while contacting upstream",
	CodeAuthFailure:        "upstream credential was rejected",
	CodeRateLimitExceeded:  "rate limit exceeded",
	CodeInvalidRequest:     "invalid request",
	CodeModelUnavailable:   "requested model is not available",
	CodeUpstreamError:      "upstream returned an error",
	CodeTimeout:            "request timed out",
	CodePermissionDenied:   "permission denied",
	CodeNotFound:           "resource not found",
	CodeAccountUnavailable: "no upstream account is currently available",
	CodeOverloaded:         "upstream is overloaded",
	CodeInvalidAPIKey:      "invalid API key",
	CodeQuotaExceeded:      "usage quota exceeded",
	CodeInternalError:      "internal error",
}

// Error is a sanitized relay error with a stable code and HTTP status.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Status returns the HTTP status mapped to the error code.
func (e *Error) Status() int {
	if s, ok := statusByCode[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New builds an Error with the canonical message for the code.
func New(code Code) *Error {
	return &Error{Code: code, Message: defaultMessages[code]}
}

// Newf builds an Error with a custom message. The message is surfaced to
// clients, so it must not carry upstream internals.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause kept for logging only; clients see the canonical
// message.
func Wrap(code Code, cause error) *Error {
	return &Error{Code: code, Message: defaultMessages[code], cause: cause}
}

// AsError extracts an *Error from err, falling back to internal-error.
func AsError(err error) *Error {
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	return Wrap(CodeInternalError, err)
}

// FromUpstreamStatus maps an upstream HTTP status to the sanitized code
// surfaced to the client.
func FromUpstreamStatus(status int) *Error {
	switch {
	case status == 529:
		return New(CodeOverloaded)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return New(CodeAuthFailure)
	case status == http.StatusTooManyRequests:
		return New(CodeServiceUnavailable)
	case status == http.StatusGatewayTimeout:
		return New(CodeTimeout)
	case status == http.StatusNotFound:
		return New(CodeModelUnavailable)
	case status >= 500:
		return New(CodeUpstreamError)
	case status >= 400:
		return New(CodeInvalidRequest)
	default:
		return New(CodeInternalError)
	}
}
