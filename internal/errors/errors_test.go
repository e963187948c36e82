package errors

import (
	"errors"
	"testing"
)

func TestNew(t *testing.T) {
	err := New(CodeValidation, "test error")
	if err.Code != CodeValidation {
		t.Errorf("expected code %s, got %s", CodeValidation, err.Code)
	}
	if err.Message != "test error" {
		t.Errorf("expected message 'test error', got %s", err.Message)
	}
	if err.Err != nil {
		t.Errorf("expected nil wrapped error, got %v", err.Err)
	}
}

func TestWrap(t *testing.T) {
	originalErr := errors.New("original error")
	err := Wrap(originalErr, CodeDatabase, "database operation failed")

	if err.Code != CodeDatabase {
		t.Errorf("expected code %s, got %s", CodeDatabase, err.Code)
	}
	if err.Message != "database operation failed" {
		t.Errorf("expected message 'database operation failed', got %s", err.Message)
	}
	if err.Err != originalErr {
		t.Errorf("expected wrapped error to be original error")
	}
}

func TestAppErrorError(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		expected string
	}{
		{
			name:     "error without wrapped error",
			err:      New(CodeValidation, "validation failed"),
			expected: "[VALIDATION_ERROR] validation failed",
		},
		{
			name:     "error with wrapped error",
			err:      Wrap(errors.New("inner"), CodeDatabase, "db error"),
			expected: "[DATABASE_ERROR] db error: inner",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestAppErrorUnwrap(t *testing.T) {
	originalErr := errors.New("original")
	err := Wrap(originalErr, CodeDatabase, "wrapped")

	if unwrapped := err.Unwrap(); unwrapped != originalErr {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, originalErr)
	}
}

func TestAppErrorWithContext(t *testing.T) {
	err := New(CodeValidation, "test").
		WithContext("field", "email").
		WithContext("value", "invalid")

	if len(err.Context) != 2 {
		t.Errorf("expected 2 context items, got %d", len(err.Context))
	}
	if err.Context["field"] != "email" {
		t.Errorf("expected field context 'email', got %v", err.Context["field"])
	}
	if err.Context["value"] != "invalid" {
		t.Errorf("expected value context 'invalid', got %v", err.Context["value"])
	}
}

func TestValidationError(t *testing.T) {
	err := ValidationError("invalid input")
	if err.Code != CodeValidation {
		t.Errorf("expected code %s, got %s", CodeValidation, err.Code)
	}
}

func TestDatabaseError(t *testing.T) {
	originalErr := errors.New("connection failed")
	err := DatabaseError("failed to connect", originalErr)
	if err.Code != CodeDatabase {
		t.Errorf("expected code %s, got %s", CodeDatabase, err.Code)
	}
	if err.Err != originalErr {
		t.Errorf("expected wrapped error to be original error")
	}
}

func TestParseError(t *testing.T) {
	originalErr := errors.New("invalid syntax")
	err := ParseError("failed to parse", originalErr)
	if err.Code != CodeParse {
		t.Errorf("expected code %s, got %s", CodeParse, err.Code)
	}
}

func TestExternalServiceError(t *testing.T) {
	originalErr := errors.New("timeout")
	err := ExternalServiceError("emby", "service timeout", originalErr)
	if err.Code != CodeExternalService {
		t.Errorf("expected code %s, got %s", CodeExternalService, err.Code)
	}
	if err.Context["service"] != "emby" {
		t.Errorf("expected service context 'emby', got %v", err.Context["service"])
	}

	t.Run("keeps inner code", func(t *testing.T) {
		inner := New(CodeRateLimited, "slow down")
		err := ExternalServiceError("tmdb", "search failed", inner)
		if err.Code != CodeRateLimited {
			t.Errorf("expected code %s, got %s", CodeRateLimited, err.Code)
		}
		if !IsRateLimited(err) {
			t.Error("expected IsRateLimited to be true")
		}
	})
}

func TestConfigError(t *testing.T) {
	t.Run("with wrapped error", func(t *testing.T) {
		originalErr := errors.New("file not found")
		err := ConfigError("config load failed", originalErr)
		if err.Code != CodeConfig {
			t.Errorf("expected code %s, got %s", CodeConfig, err.Code)
		}
		if err.Err != originalErr {
			t.Errorf("expected wrapped error to be original error")
		}
	})

	t.Run("without wrapped error", func(t *testing.T) {
		err := ConfigError("missing required field", nil)
		if err.Code != CodeConfig {
			t.Errorf("expected code %s, got %s", CodeConfig, err.Code)
		}
		if err.Err != nil {
			t.Errorf("expected nil wrapped error, got %v", err.Err)
		}
	})
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "retryable service timeout",
			err:      Wrap(errors.New("timeout"), CodeServiceTimeout, "timeout"),
			expected: true,
		},
		{
			name:     "retryable service unavailable",
			err:      Wrap(errors.New("unavailable"), CodeServiceUnavailable, "unavailable"),
			expected: true,
		},
		{
			name:     "retryable rate limited",
			err:      Wrap(errors.New("rate limit"), CodeRateLimited, "rate limited"),
			expected: true,
		},
		{
			name:     "retryable database connection",
			err:      Wrap(errors.New("connection"), CodeDatabaseConnection, "connection"),
			expected: true,
		},
		{
			name:     "retryable transient filesystem error",
			err:      Wrap(errors.New("EBUSY"), CodeFilesystemTransient, "busy"),
			expected: true,
		},
		{
			name:     "non-retryable permanent filesystem error",
			err:      Wrap(errors.New("ENOSPC"), CodeFilesystemPermanent, "full"),
			expected: false,
		},
		{
			name:     "non-retryable validation error",
			err:      ValidationError("invalid"),
			expected: false,
		},
		{
			name:     "non-retryable parse error",
			err:      ParseError("parse failed", errors.New("syntax")),
			expected: false,
		},
		{
			name:     "non-app error",
			err:      errors.New("standard error"),
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.expected {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestGetErrorCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorCode
	}{
		{
			name:     "app error",
			err:      ValidationError("test"),
			expected: CodeValidation,
		},
		{
			name:     "wrapped app error",
			err:      DatabaseError("test", errors.New("inner")),
			expected: CodeDatabase,
		},
		{
			name:     "standard error",
			err:      errors.New("standard"),
			expected: CodeUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetErrorCode(tt.err); got != tt.expected {
				t.Errorf("GetErrorCode() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestKindPredicates(t *testing.T) {
	if !IsNotConfigured(NotConfiguredError("downloader")) {
		t.Error("expected IsNotConfigured for NotConfiguredError")
	}
	if !IsUnrecognized(UnrecognizedError("random.blob.2024")) {
		t.Error("expected IsUnrecognized for UnrecognizedError")
	}
	if !IsAuth(Wrap(errors.New("401"), CodeUnauthorized, "login failed")) {
		t.Error("expected IsAuth for unauthorized error")
	}
	if !IsNotFound(NotFoundError("subscription", "42")) {
		t.Error("expected IsNotFound for NotFoundError")
	}
	if IsNotConfigured(errors.New("plain")) {
		t.Error("plain errors carry no kind")
	}
}

func TestNotConfiguredErrorContext(t *testing.T) {
	err := NotConfiguredError("mediaserver")
	if err.Context["capability"] != "mediaserver" {
		t.Errorf("expected capability context, got %v", err.Context["capability"])
	}
	if err.Error() != "[NOT_CONFIGURED] no active mediaserver provider" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string { return "i/o timeout" }
func (timeoutErr) Timeout() bool { return true }

func TestHTTPStatusError(t *testing.T) {
	tests := []struct {
		status    int
		code      ErrorCode
		retryable bool
	}{
		{429, CodeRateLimited, true},
		{401, CodeUnauthorized, false},
		{404, CodeNotFound, false},
		{503, CodeServiceUnavailable, true},
		{504, CodeServiceTimeout, true},
		{400, CodeExternalService, false},
	}
	for _, tt := range tests {
		err := HTTPStatusError("tmdb", tt.status, "body")
		if err.Code != tt.code {
			t.Errorf("status %d: expected code %s, got %s", tt.status, tt.code, err.Code)
		}
		if IsRetryable(err) != tt.retryable {
			t.Errorf("status %d: expected retryable=%v", tt.status, tt.retryable)
		}
	}
}

func TestNetworkError(t *testing.T) {
	if got := NetworkError("emby", timeoutErr{}).Code; got != CodeServiceTimeout {
		t.Errorf("expected %s, got %s", CodeServiceTimeout, got)
	}
	if got := NetworkError("emby", errors.New("connection refused")).Code; got != CodeServiceUnavailable {
		t.Errorf("expected %s, got %s", CodeServiceUnavailable, got)
	}
}
