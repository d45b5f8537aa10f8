package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies source errors for fallback accounting.
type ErrorKind int

const (
	// ErrorTransient covers network failures, timeouts, and unexpected
	// payloads. Counts toward the provider's fallback threshold.
	ErrorTransient ErrorKind = iota
	// ErrorAuth covers invalid or expired credentials. Never counts toward
	// fallback; triggers the credential-refresh side channel instead.
	ErrorAuth
	// ErrorTimeout means the provider produced no data within its
	// configured timeout. Counted like a transient error.
	ErrorTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorAuth:
		return "auth"
	case ErrorTimeout:
		return "timeout"
	default:
		return "transient"
	}
}

// SourceError is an error reported by a provider's transport.
type SourceError struct {
	Kind     ErrorKind
	Provider ID
	Message  string
	Wrapped  error
}

func (e *SourceError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *SourceError) Unwrap() error { return e.Wrapped }

// NewTransientError wraps a transport failure.
func NewTransientError(id ID, message string, wrapped error) *SourceError {
	return &SourceError{Kind: ErrorTransient, Provider: id, Message: message, Wrapped: wrapped}
}

// NewAuthError wraps a credential failure.
func NewAuthError(id ID, message string, wrapped error) *SourceError {
	return &SourceError{Kind: ErrorAuth, Provider: id, Message: message, Wrapped: wrapped}
}

// NewTimeoutError wraps a data-timeout condition.
func NewTimeoutError(id ID, message string, wrapped error) *SourceError {
	return &SourceError{Kind: ErrorTimeout, Provider: id, Message: message, Wrapped: wrapped}
}

// IsAuthError reports whether err is credential-related.
func IsAuthError(err error) bool {
	var se *SourceError
	if errors.As(err, &se) {
		return se.Kind == ErrorAuth
	}
	return false
}

// ClassifyHTTPStatus maps an HTTP status code from a cloud API to an
// error kind. 401/403 signal a credential problem; everything else that
// reaches this function is transient.
func ClassifyHTTPStatus(status int) ErrorKind {
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return ErrorAuth
	}
	return ErrorTransient
}
