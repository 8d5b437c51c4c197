// Package errortypes provides the error taxonomy for the memproxy service.
package errortypes

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrorType classifies a failure so callers can decide how to surface it.
type ErrorType string

// Error types
const (
	// ErrorTypeValidation covers malformed identities and missing
	// required tool arguments. Never retried.
	ErrorTypeValidation ErrorType = "validation"

	// ErrorTypeTransport covers handshake failures, forwarding network
	// failures, and undecodable payloads.
	ErrorTypeTransport ErrorType = "transport"

	// ErrorTypeUpstream marks an error envelope returned by the remote
	// tool host itself. Passed through to the caller verbatim.
	ErrorTypeUpstream ErrorType = "upstream"

	// ErrorTypeSession covers session negotiation failures.
	ErrorTypeSession ErrorType = "session"

	// ErrorTypeConfig covers configuration loading and validation.
	ErrorTypeConfig ErrorType = "config"

	// ErrorTypeInternal is the catch-all for bugs and panics.
	ErrorTypeInternal ErrorType = "internal"
)

// ProxyError is an application error with classification and context fields.
type ProxyError struct {
	Err     error
	Type    ErrorType
	Message string
	Fields  map[string]interface{}
}

// Error implements the error interface
func (e *ProxyError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Err.Error()
}

// Unwrap unwraps the error to support errors.Is and errors.As
func (e *ProxyError) Unwrap() error {
	return e.Err
}

// WithField adds a field to the error for additional context
func (e *ProxyError) WithField(key string, value interface{}) *ProxyError {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
	return e
}

// WithFields adds multiple fields to the error for additional context
func (e *ProxyError) WithFields(fields map[string]interface{}) *ProxyError {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

func newProxyError(errType ErrorType, err error, message string) *ProxyError {
	if err == nil {
		err = errors.New("unknown error")
	}

	return &ProxyError{
		Err:     err,
		Type:    errType,
		Message: message,
		Fields:  make(map[string]interface{}),
	}
}

// ValidationError creates a new validation error
func ValidationError(err error, message string) *ProxyError {
	return newProxyError(ErrorTypeValidation, err, message)
}

// TransportError creates a new transport error
func TransportError(err error, message string) *ProxyError {
	return newProxyError(ErrorTypeTransport, err, message)
}

// UpstreamError creates a new upstream error
func UpstreamError(err error, message string) *ProxyError {
	return newProxyError(ErrorTypeUpstream, err, message)
}

// SessionError creates a new session negotiation error
func SessionError(err error, message string) *ProxyError {
	return newProxyError(ErrorTypeSession, err, message)
}

// ConfigError creates a new configuration error
func ConfigError(err error, message string) *ProxyError {
	return newProxyError(ErrorTypeConfig, err, message)
}

// InternalError creates a new internal error
func InternalError(err error, message string) *ProxyError {
	return newProxyError(ErrorTypeInternal, err, message)
}

// LogError logs a ProxyError using the provided slog.Logger or the default
// slog logger. It logs the error message, type, and any associated fields.
func LogError(logger *slog.Logger, err error) {
	if logger == nil {
		logger = slog.Default()
	}

	var proxyErr *ProxyError
	if errors.As(err, &proxyErr) {
		args := []any{
			"type", string(proxyErr.Type),
			"original_error", proxyErr.Err.Error(),
		}
		for k, v := range proxyErr.Fields {
			args = append(args, k, v)
		}
		logger.Error(proxyErr.Message, args...)
	} else {
		logger.Error(err.Error(), "error", err)
	}
}

// TypeOf returns the classification of err, or ErrorTypeInternal for
// unclassified errors.
func TypeOf(err error) ErrorType {
	var proxyErr *ProxyError
	if errors.As(err, &proxyErr) {
		return proxyErr.Type
	}
	return ErrorTypeInternal
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return TypeOf(err) == ErrorTypeValidation
}

// IsTransportError checks if an error is a transport error
func IsTransportError(err error) bool {
	return TypeOf(err) == ErrorTypeTransport
}

// IsSessionError checks if an error is a session negotiation error
func IsSessionError(err error) bool {
	return TypeOf(err) == ErrorTypeSession
}
