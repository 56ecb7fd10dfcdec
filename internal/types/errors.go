package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind defines the specific class of a core error.
type ErrorKind int

const (
	KindNetwork ErrorKind = iota
	KindAPI
	KindAuthentication
	KindRateLimit
	KindData
	KindConfig
)

// String returns a string representation of the ErrorKind.
func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network error"
	case KindAPI:
		return "api error"
	case KindAuthentication:
		return "authentication error"
	case KindRateLimit:
		return "rate limit exceeded"
	case KindData:
		return "data error"
	case KindConfig:
		return "config error"
	default:
		return "unknown error"
	}
}

// Error is the common error type for the data-acquisition core. Exchange,
// Endpoint, Status and Response are filled for API-level failures;
// RetryAfter is only set for rate-limit errors that carried a
// server-suggested delay.
type Error struct {
	Kind       ErrorKind
	Message    string
	Exchange   string
	Endpoint   string
	Status     int
	Response   string
	RetryAfter time.Duration
	cause      error
}

func (e *Error) Error() string {
	if e.Exchange != "" {
		return fmt.Sprintf("%s: %s (%s %s)", e.Kind, e.Message, e.Exchange, e.Endpoint)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// NewNetworkError wraps a transport-level failure.
func NewNetworkError(message string, cause error) *Error {
	return &Error{Kind: KindNetwork, Message: message, cause: cause}
}

// NewAPIError reports a non-success status or application-level error code
// from an exchange endpoint.
func NewAPIError(message, exchange, endpoint string, status int, response string) *Error {
	return &Error{
		Kind:     KindAPI,
		Message:  message,
		Exchange: exchange,
		Endpoint: endpoint,
		Status:   status,
		Response: response,
	}
}

// NewAuthError reports rejected credentials.
func NewAuthError(message, exchange, endpoint string, status int, response string) *Error {
	return &Error{
		Kind:     KindAuthentication,
		Message:  message,
		Exchange: exchange,
		Endpoint: endpoint,
		Status:   status,
		Response: response,
	}
}

// NewRateLimitError reports a throttled request. retryAfter may be zero
// when the server did not suggest a delay.
func NewRateLimitError(message, exchange, endpoint string, status int, retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimit,
		Message:    message,
		Exchange:   exchange,
		Endpoint:   endpoint,
		Status:     status,
		RetryAfter: retryAfter,
	}
}

// NewDataError reports a malformed or unexpected payload shape.
func NewDataError(message string, cause error) *Error {
	return &Error{Kind: KindData, Message: message, cause: cause}
}

// NewConfigError reports missing or invalid configuration. Only surfaced
// at startup, before any connector runs.
func NewConfigError(message string) *Error {
	return &Error{Kind: KindConfig, Message: message}
}

// IsKind reports whether err (or anything it wraps) is a core Error of the
// given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// RetryAfterOf extracts the server-suggested retry delay from a rate-limit
// error, or zero if none applies.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindRateLimit {
		return e.RetryAfter
	}
	return 0
}
