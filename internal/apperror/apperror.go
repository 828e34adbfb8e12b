// Package apperror defines the structured error surfaced by every storefront component.
// Callers never see raw transport errors; they receive an *Error carrying a Kind, a stable
// Code, the HTTP status (if any) and a human readable message.
package apperror

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// Kind classifies an error for control-flow decisions.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindNetwork            Kind = "network"
	KindAuth               Kind = "auth"
	KindForbidden          Kind = "forbidden"
	KindNotFound           Kind = "not_found"
	KindUnprocessable      Kind = "unprocessable"
	KindServer             Kind = "server"
	KindLogoutCancellation Kind = "logout_cancellation"
	KindUnknown            Kind = "unknown"
)

// Error codes
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeNetwork            = "NETWORK_ERROR"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeSessionExpired     = "SESSION_EXPIRED"
	CodeForbidden          = "FORBIDDEN"
	CodeNotFound           = "NOT_FOUND"
	CodeUnprocessable      = "UNPROCESSABLE_ENTITY"
	CodeServer             = "SERVER_ERROR"
	CodeLogoutCancellation = "LOGOUT_IN_PROGRESS"
	CodeOrderFetch         = "ORDER_FETCH_ERROR"
	CodeUnknown            = "UNKNOWN_ERROR"
)

// Error is the structured error returned across component boundaries.
type Error struct {
	Kind           Kind           `json:"kind"`
	Code           string         `json:"code"`
	Status         int            `json:"status,omitempty"`
	Message        string         `json:"message"`
	Errors         []string       `json:"errors,omitempty"`
	Data           any            `json:"data,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
	Endpoint       string         `json:"endpoint,omitempty"`
	IsNetworkError bool           `json:"isNetworkError"`
	Err            error          `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error
func (e *Error) Unwrap() error {
	return e.Err
}

// WithCode overrides the error code and returns the same error.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithDetail adds a single detail to the error
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates an error of the given kind.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Validation creates a client-side precondition error.
func Validation(message string) *Error {
	return New(KindValidation, CodeValidation, message)
}

// LogoutCancelled is the synthetic error used to abort work while a logout is underway.
func LogoutCancelled() *Error {
	return New(KindLogoutCancellation, CodeLogoutCancellation, "Request cancelled: logout in progress")
}

// Network wraps a transport failure (no response, timeout, connection reset).
func Network(err error, endpoint string) *Error {
	return &Error{
		Kind:           KindNetwork,
		Code:           CodeNetwork,
		Message:        "Network error: unable to reach the server",
		Endpoint:       endpoint,
		IsNetworkError: true,
		Err:            err,
	}
}

// FromStatus builds an error for a non-success HTTP response.
// serverMessage, when non-empty, replaces the templated message except for 5xx.
func FromStatus(status int, serverMessage, endpoint string) *Error {
	e := &Error{Status: status, Endpoint: endpoint}
	switch {
	case status == http.StatusUnauthorized:
		e.Kind = KindAuth
		if IsSessionEndpoint(endpoint) {
			e.Code = CodeSessionExpired
			e.Message = "Your session has expired. Please log in again."
		} else {
			e.Code = CodeUnauthorized
			e.Message = "Authentication required. Please log in."
		}
	case status == http.StatusForbidden:
		e.Kind = KindForbidden
		e.Code = CodeForbidden
		e.Message = "You do not have permission to perform this action."
	case status == http.StatusNotFound:
		e.Kind = KindNotFound
		e.Code = CodeNotFound
		e.Message = "The requested resource was not found."
	case status == http.StatusUnprocessableEntity:
		e.Kind = KindUnprocessable
		e.Code = CodeUnprocessable
		e.Message = "The submitted data is invalid."
	case status >= 500:
		e.Kind = KindServer
		e.Code = CodeServer
		e.Message = fmt.Sprintf("Server error (%d). Please try again later.", status)
		return e
	case status == http.StatusBadRequest:
		e.Kind = KindValidation
		e.Code = CodeValidation
		e.Message = "The request was invalid."
	default:
		e.Kind = KindUnknown
		e.Code = CodeUnknown
		e.Message = fmt.Sprintf("Request failed with status %d", status)
	}
	if serverMessage != "" {
		e.Message = serverMessage
	}
	return e
}

// IsSessionEndpoint reports whether the endpoint is the refresh or verify endpoint.
func IsSessionEndpoint(endpoint string) bool {
	return strings.Contains(endpoint, "/auth/refresh") || strings.Contains(endpoint, "/auth/verify")
}

// Classify converts any error into an *Error. Existing *Error values are returned as-is.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	if IsNetworkFailure(err) {
		return Network(err, "")
	}
	return &Error{Kind: KindUnknown, Code: CodeUnknown, Message: err.Error(), Err: err}
}

// IsNetworkFailure reports whether err has the signature of a transport failure.
func IsNetworkFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Kind == kind
}

// IsNetwork reports whether err is a network error.
func IsNetwork(err error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.IsNetworkError
	}
	return IsNetworkFailure(err)
}

// IsLogoutCancellation reports whether err is the synthetic logout cancellation.
func IsLogoutCancellation(err error) bool {
	return IsKind(err, KindLogoutCancellation)
}
