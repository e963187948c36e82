package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a categorized error code
type ErrorCode string

const (
	// Validation errors
	CodeValidation   ErrorCode = "VALIDATION_ERROR"
	CodeInvalidInput ErrorCode = "INVALID_INPUT"

	// Database errors
	CodeDatabase           ErrorCode = "DATABASE_ERROR"
	CodeDatabaseConnection ErrorCode = "DATABASE_CONNECTION_ERROR"
	CodeNotFound           ErrorCode = "NOT_FOUND"

	// Parse errors
	CodeParse         ErrorCode = "PARSE_ERROR"
	CodeInvalidFormat ErrorCode = "INVALID_FORMAT"

	// Recognition errors
	CodeUnrecognized ErrorCode = "UNRECOGNIZED"

	// Provider errors
	CodeNotConfigured      ErrorCode = "NOT_CONFIGURED"
	CodeExternalService    ErrorCode = "EXTERNAL_SERVICE_ERROR"
	CodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	CodeServiceTimeout     ErrorCode = "SERVICE_TIMEOUT"
	CodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	CodeRateLimited        ErrorCode = "RATE_LIMITED"

	// Filesystem errors
	CodeFilesystemPermanent ErrorCode = "FS_PERMANENT"
	CodeFilesystemTransient ErrorCode = "FS_TRANSIENT"

	// Extension errors
	CodePluginInit   ErrorCode = "PLUGIN_INIT"
	CodeHandlerError ErrorCode = "HANDLER_ERROR"

	// Config errors
	CodeConfig        ErrorCode = "CONFIG_ERROR"
	CodeInvalidConfig ErrorCode = "INVALID_CONFIG"

	// Internal errors
	CodeInternal ErrorCode = "INTERNAL_ERROR"
	CodeUnknown  ErrorCode = "UNKNOWN_ERROR"
)

// AppError represents a structured application error
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
	Context map[string]interface{}
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements the errors.Unwrap interface
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new AppError
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// ValidationError creates a validation error
func ValidationError(message string) *AppError {
	return New(CodeValidation, message)
}

// DatabaseError creates a database error
func DatabaseError(message string, err error) *AppError {
	return Wrap(err, CodeDatabase, message)
}

// ParseError creates a parse error
func ParseError(message string, err error) *AppError {
	return Wrap(err, CodeParse, message)
}

// ExternalServiceError creates an external service error
func ExternalServiceError(service, message string, err error) *AppError {
	code := CodeExternalService
	if c := GetErrorCode(err); c != CodeUnknown {
		code = c
	}
	return Wrap(err, code, message).
		WithContext("service", service)
}

// ConfigError creates a configuration error
func ConfigError(message string, err error) *AppError {
	if err != nil {
		return Wrap(err, CodeConfig, message)
	}
	return New(CodeConfig, message)
}

// NotConfiguredError reports a capability without an active provider
func NotConfiguredError(capability string) *AppError {
	return New(CodeNotConfigured, fmt.Sprintf("no active %s provider", capability)).
		WithContext("capability", capability)
}

// UnrecognizedError reports a title that could not be linked to any work
func UnrecognizedError(title string) *AppError {
	return New(CodeUnrecognized, "unable to recognize media").
		WithContext("title", title)
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case CodeServiceTimeout, CodeServiceUnavailable, CodeRateLimited,
			CodeDatabaseConnection, CodeFilesystemTransient:
			return true
		}
	}
	return false
}

// IsRateLimited reports whether err signals provider throttling
func IsRateLimited(err error) bool {
	return GetErrorCode(err) == CodeRateLimited
}

// IsNotConfigured reports whether err is a missing-provider condition
func IsNotConfigured(err error) bool {
	return GetErrorCode(err) == CodeNotConfigured
}

// IsUnrecognized reports whether err is a recognition miss
func IsUnrecognized(err error) bool {
	return GetErrorCode(err) == CodeUnrecognized
}

// IsAuth reports whether err is an authentication failure
func IsAuth(err error) bool {
	return GetErrorCode(err) == CodeUnauthorized
}

// GetErrorCode extracts the error code from an error
func GetErrorCode(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeUnknown
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == CodeValidation || appErr.Code == CodeInvalidInput
	}
	return false
}

// NotFoundError creates a not found error
func NotFoundError(resource, identifier string) *AppError {
	return New(CodeNotFound, fmt.Sprintf("%s not found: %s", resource, identifier))
}

// IsNotFound reports whether err is a not found error
func IsNotFound(err error) bool {
	return GetErrorCode(err) == CodeNotFound
}

// HTTPStatusError classifies a non-2xx response from an external service
func HTTPStatusError(service string, status int, body string) *AppError {
	code := CodeExternalService
	switch {
	case status == 429:
		code = CodeRateLimited
	case status == 401 || status == 403:
		code = CodeUnauthorized
	case status == 404:
		code = CodeNotFound
	case status == 408 || status == 504:
		code = CodeServiceTimeout
	case status >= 500:
		code = CodeServiceUnavailable
	}
	if len(body) > 256 {
		body = body[:256]
	}
	return New(code, fmt.Sprintf("%s returned status %d", service, status)).
		WithContext("service", service).
		WithContext("status", status).
		WithContext("body", body)
}

// NetworkError classifies a transport failure as a retryable timeout or
// unavailability
func NetworkError(service string, err error) *AppError {
	code := CodeServiceUnavailable
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		code = CodeServiceTimeout
	}
	return Wrap(err, code, fmt.Sprintf("%s request failed", service)).
		WithContext("service", service)
}
