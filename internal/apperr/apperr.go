// Package apperr defines the gateway error taxonomy and its mapping onto
// HTTP status codes and OpenAI-style error types.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindUnavailable
	KindGateway
	KindRateLimited
	KindTimeout
	KindTooLarge
	KindNotFound
	KindMethodNotAllowed
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindUnavailable:
		return "unavailable"
	case KindGateway:
		return "gateway"
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	case KindTooLarge:
		return "too_large"
	case KindNotFound:
		return "not_found"
	case KindMethodNotAllowed:
		return "method_not_allowed"
	default:
		return "internal"
	}
}

// Status returns the HTTP status code for the kind.
func (k Kind) Status() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindGateway:
		return http.StatusBadGateway
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindNotFound:
		return http.StatusNotFound
	case KindMethodNotAllowed:
		return http.StatusMethodNotAllowed
	default:
		return http.StatusInternalServerError
	}
}

// Type returns the value written to error.type in response bodies.
func (k Kind) Type() string {
	switch k {
	case KindValidation, KindTooLarge, KindNotFound, KindMethodNotAllowed:
		return "invalid_request_error"
	case KindUnavailable:
		return "service_unavailable"
	case KindGateway:
		return "upstream_error"
	case KindRateLimited:
		return "rate_limit_exceeded"
	case KindTimeout:
		return "timeout"
	default:
		return "server_error"
	}
}

// Error is a classified gateway error.
type Error struct {
	Kind    Kind
	Message string
	Param   string
	Code    string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func Validation(param, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...), Param: param}
}

func Unavailable(reason string) *Error {
	return &Error{Kind: KindUnavailable, Message: reason, Code: "model_not_available"}
}

func Gateway(err error, format string, args ...any) *Error {
	return &Error{Kind: KindGateway, Message: fmt.Sprintf(format, args...), Err: err}
}

func Internal(err error, format string, args ...any) *Error {
	return &Error{Kind: KindInternal, Message: fmt.Sprintf(format, args...), Err: err}
}

func RateLimited() *Error {
	return &Error{Kind: KindRateLimited, Message: "too many requests", Code: "rate_limit_exceeded"}
}

func Timeout(err error, format string, args ...any) *Error {
	return &Error{Kind: KindTimeout, Message: fmt.Sprintf(format, args...), Err: err}
}

func TooLarge(limit int64) *Error {
	return &Error{Kind: KindTooLarge, Message: fmt.Sprintf("request body exceeds %d bytes", limit)}
}

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func MethodNotAllowed(format string, args ...any) *Error {
	return &Error{Kind: KindMethodNotAllowed, Message: fmt.Sprintf(format, args...)}
}

// From classifies err, treating anything unclassified as internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Internal(err, "internal server error")
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, k Kind) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == k
}
