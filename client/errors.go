package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// ErrorKind classifies a failed provider call.  The names match the codes
// the editor surfaces to users.
type ErrorKind string

const (
	AuthenticationError ErrorKind = "AUTHENTICATION_ERROR"
	NetworkError        ErrorKind = "NETWORK_ERROR"
	ValidationError     ErrorKind = "VALIDATION_ERROR"
	TimeoutError        ErrorKind = "TIMEOUT_ERROR"
	ConnectionError     ErrorKind = "CONNECTION_ERROR"
)

// RecoveryAction is the remediation the UI should offer for an error kind.
type RecoveryAction string

const (
	ActionRetry    RecoveryAction = "retry"
	ActionFallback RecoveryAction = "fallback"
	ActionManual   RecoveryAction = "manual"
)

// APIError is a provider response that was received but not successful.
type APIError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Kind, e.StatusCode, e.Message)
}

// Classify maps any error from a provider call onto the error taxonomy.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return TimeoutError
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return TimeoutError
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ConnectionError
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return Classify(urlErr.Err)
	}

	return NetworkError
}

// kindForStatus maps an HTTP response status onto the error taxonomy.
func kindForStatus(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return AuthenticationError
	case status == 400 || status == 404 || status == 415 || status == 422:
		return ValidationError
	case status == 408 || status == 504:
		return TimeoutError
	case status == 502 || status == 503:
		return ConnectionError
	}
	return NetworkError
}

// Recovery returns the remediation the UI should offer for an error kind.
func Recovery(kind ErrorKind) RecoveryAction {
	switch kind {
	case AuthenticationError:
		return ActionManual
	case ValidationError:
		return ActionFallback
	}
	return ActionRetry
}

// UserMessage returns the user facing description for an error kind.
func UserMessage(kind ErrorKind) string {
	switch kind {
	case AuthenticationError:
		return "Your session has expired. Sign in again and retry."
	case ValidationError:
		return "The image could not be processed with this preprocessor. Try a different ControlNet type."
	case TimeoutError:
		return "The preprocessing service took too long to respond. Try again in a moment."
	case ConnectionError:
		return "Could not reach the preprocessing service. Check your connection and retry."
	}
	return "Preprocessing failed due to a network problem. Please retry."
}
