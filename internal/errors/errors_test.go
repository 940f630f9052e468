package errors

import (
	stderrors "errors"
	"strings"
	"testing"
)

func TestStructuredError(t *testing.T) {
	tests := []struct {
		name     string
		error    *StructuredError
		wantCode Code
		wantCat  Category
	}{
		{
			name:     "invalid query error",
			error:    NewInvalidQuery("unexpected token"),
			wantCode: CodeInvalidQuery,
			wantCat:  Validation,
		},
		{
			name:     "unknown column error",
			error:    NewUnknownColumn("sevrity", "logs"),
			wantCode: CodeUnknownColumn,
			wantCat:  Validation,
		},
		{
			name:     "invalid rule error",
			error:    NewInvalidRule("rule-7", "empty condition tree"),
			wantCode: CodeInvalidRule,
			wantCat:  Validation,
		},
		{
			name:     "rate limited error",
			error:    NewRateLimited("query rate limit exceeded", 2),
			wantCode: CodeRateLimited,
			wantCat:  Capacity,
		},
		{
			name:     "resource exhausted error",
			error:    NewResourceExhausted("no memory budget remaining"),
			wantCode: CodeResourceExhausted,
			wantCat:  Capacity,
		},
		{
			name:     "backend unavailable error",
			error:    NewBackendUnavailable("postgres", nil),
			wantCode: CodeBackendUnavailable,
			wantCat:  BackendTransient,
		},
		{
			name:     "query timeout error",
			error:    NewQueryTimeout("q-1", 120000),
			wantCode: CodeQueryTimeout,
			wantCat:  BackendTransient,
		},
		{
			name:     "query cancelled error",
			error:    NewQueryCancelled("q-1"),
			wantCode: CodeQueryCancelled,
			wantCat:  BackendTransient,
		},
		{
			name:     "schema mismatch error",
			error:    NewSchemaMismatch("postgres", "logs table missing"),
			wantCode: CodeSchemaMismatch,
			wantCat:  BackendFatal,
		},
		{
			name:     "auth failed error",
			error:    NewAuthFailed("opensearch"),
			wantCode: CodeAuthFailed,
			wantCat:  BackendFatal,
		},
		{
			name:     "complexity rejected error",
			error:    NewComplexityRejected([]string{"Too many joins"}, 130),
			wantCode: CodeComplexityRejected,
			wantCat:  Policy,
		},
		{
			name:     "internal error",
			error:    NewInternal("corr-123", nil),
			wantCode: CodeInternal,
			wantCat:  Internal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.error.Code != tt.wantCode {
				t.Errorf("Code = %v, want %v", tt.error.Code, tt.wantCode)
			}
			if tt.error.Category != tt.wantCat {
				t.Errorf("Category = %v, want %v", tt.error.Category, tt.wantCat)
			}
			if tt.error.Message == "" {
				t.Error("Message should not be empty")
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	if !NewBackendUnavailable("postgres", nil).Retryable() {
		t.Error("transient backend errors should be retryable")
	}
	if !NewRateLimited("limit", 2).Retryable() {
		t.Error("capacity errors should be retryable")
	}
	if NewSchemaMismatch("postgres", "bad").Retryable() {
		t.Error("fatal backend errors should not be retryable")
	}
	if NewComplexityRejected(nil, 120).Retryable() {
		t.Error("policy errors should not be retryable")
	}
}

func TestRetryAfterHint(t *testing.T) {
	err := NewRateLimited("query rate limit exceeded", 42)
	if err.RetryAfterSec != 42 {
		t.Errorf("RetryAfterSec = %d, want 42", err.RetryAfterSec)
	}
	if !strings.Contains(err.ToJSON(), "retry_after_sec") {
		t.Errorf("JSON should carry retry_after_sec: %s", err.ToJSON())
	}
}

func TestUnwrap(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := NewBackendUnavailable("postgres", cause)

	if !stderrors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}

	var structured *StructuredError
	if !stderrors.As(err, &structured) {
		t.Error("errors.As should match *StructuredError")
	}
}

func TestInternalSanitized(t *testing.T) {
	cause := stderrors.New("nil snapshot in evaluator")
	err := NewInternal("corr-9f2", cause)

	if strings.Contains(err.Message, "snapshot") {
		t.Error("internal error message should be sanitized")
	}
	if err.CorrelationID != "corr-9f2" {
		t.Errorf("CorrelationID = %q, want corr-9f2", err.CorrelationID)
	}
	if !stderrors.Is(err, cause) {
		t.Error("cause should still be reachable for logging")
	}
}

func TestFromHTTPStatus(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		wantCode   Code
		wantCat    Category
	}{
		{"400 bad request", 400, CodeInvalidQuery, Validation},
		{"401 unauthorized", 401, CodeAuthFailed, BackendFatal},
		{"403 forbidden", 403, CodeAuthFailed, BackendFatal},
		{"404 missing index", 404, CodeSchemaMismatch, BackendFatal},
		{"429 throttled", 429, CodeBackendUnavailable, BackendTransient},
		{"500 server error", 500, CodeBackendUnavailable, BackendTransient},
		{"503 unavailable", 503, CodeBackendUnavailable, BackendTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := FromHTTPStatus("opensearch", tt.statusCode, "body")
			if err.Code != tt.wantCode {
				t.Errorf("Code = %v, want %v", err.Code, tt.wantCode)
			}
			if err.Category != tt.wantCat {
				t.Errorf("Category = %v, want %v", err.Category, tt.wantCat)
			}
		})
	}
}

func TestErrorInterface(t *testing.T) {
	err := NewInvalidQuery("test")

	var _ error = err

	errStr := err.Error()
	if !strings.Contains(errStr, string(CodeInvalidQuery)) {
		t.Errorf("Error() should contain code: %s", errStr)
	}
	if !strings.Contains(errStr, string(Validation)) {
		t.Errorf("Error() should contain category: %s", errStr)
	}
}
