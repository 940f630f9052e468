package errors

import (
	"encoding/json"
	"fmt"
)

// Category classifies an error by how the pipeline recovers from it.
type Category string

const (
	// Validation indicates malformed input (LQL, rule condition, unknown
	// column). Recovered locally and returned to the caller with detail.
	Validation Category = "VALIDATION"
	// Capacity indicates the caller was rate-limited or admission was
	// denied. Returned with a retry-after hint.
	Capacity Category = "CAPACITY"
	// BackendTransient indicates a store was unavailable or timed out.
	// Retried with exponential backoff and surfaced as degraded health.
	BackendTransient Category = "BACKEND_TRANSIENT"
	// BackendFatal indicates schema mismatch or auth failure. Surfaced
	// immediately, the subsystem is marked unhealthy, never retried.
	BackendFatal Category = "BACKEND_FATAL"
	// Policy indicates a complexity or privacy violation. Never retried.
	Policy Category = "POLICY"
	// Internal indicates an invariant violation. Logged with full context,
	// surfaced sanitized with a correlation id.
	Internal Category = "INTERNAL"
)

// Code represents a structured error code.
type Code string

const (
	// Validation codes
	CodeInvalidQuery    Code = "INVALID_QUERY"
	CodeUnknownColumn   Code = "UNKNOWN_COLUMN"
	CodeInvalidRule     Code = "RULE_PARSE_FAILED"
	CodeInvalidEvent    Code = "INVALID_EVENT"
	CodeInvalidConfig   Code = "INVALID_CONFIG"

	// Capacity codes
	CodeRateLimited       Code = "RATE_LIMITED"
	CodeResourceExhausted Code = "RESOURCE_EXHAUSTED"
	CodeBufferFull        Code = "BUFFER_FULL"

	// Backend codes
	CodeBackendUnavailable Code = "BACKEND_UNAVAILABLE"
	CodeQueryTimeout       Code = "QUERY_TIMEOUT"
	CodeQueryCancelled     Code = "QUERY_CANCELLED"
	CodeSchemaMismatch     Code = "SCHEMA_MISMATCH"
	CodeAuthFailed         Code = "AUTH_FAILED"

	// Policy codes
	CodeComplexityRejected Code = "COMPLEXITY_REJECTED"

	// Internal
	CodeInternal Code = "INTERNAL"
)

// StructuredError carries the error class, a human-readable message and
// optional actionable suggestions, as required of every user-visible failure.
type StructuredError struct {
	Code          Code        `json:"code"`
	Category      Category    `json:"category"`
	Message       string      `json:"message"`
	Details       interface{} `json:"details,omitempty"`
	Suggestion    string      `json:"suggestion,omitempty"`
	RetryAfterSec int         `json:"retry_after_sec,omitempty"`
	CorrelationID string      `json:"correlation_id,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *StructuredError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Category, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As.
func (e *StructuredError) Unwrap() error {
	return e.cause
}

// Retryable reports whether the caller may retry after backoff.
func (e *StructuredError) Retryable() bool {
	return e.Category == BackendTransient || e.Category == Capacity
}

// ToJSON converts the error to its JSON wire form.
func (e *StructuredError) ToJSON() string {
	bytes, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"code":"%s","category":"%s","message":"%s"}`, e.Code, e.Category, e.Message)
	}
	return string(bytes)
}

// New creates a new structured error.
func New(code Code, category Category, message string) *StructuredError {
	return &StructuredError{
		Code:     code,
		Category: category,
		Message:  message,
	}
}

// WithDetails adds field-level detail to the error.
func (e *StructuredError) WithDetails(details interface{}) *StructuredError {
	e.Details = details
	return e
}

// WithSuggestion adds a recovery suggestion to the error.
func (e *StructuredError) WithSuggestion(suggestion string) *StructuredError {
	e.Suggestion = suggestion
	return e
}

// WithRetryAfter adds a retry-after hint in seconds.
func (e *StructuredError) WithRetryAfter(seconds int) *StructuredError {
	e.RetryAfterSec = seconds
	return e
}

// WithCause wraps an underlying error.
func (e *StructuredError) WithCause(cause error) *StructuredError {
	e.cause = cause
	return e
}

// Common constructors

// NewInvalidQuery creates a validation error for malformed LQL.
func NewInvalidQuery(message string) *StructuredError {
	return New(CodeInvalidQuery, Validation, message).
		WithSuggestion("Check the query syntax; run validate for a full error list")
}

// NewUnknownColumn creates a validation error for an unknown column reference.
func NewUnknownColumn(column, table string) *StructuredError {
	return New(CodeUnknownColumn, Validation, fmt.Sprintf("column %q does not exist in table %q", column, table)).
		WithSuggestion("Check the column name against the table schema")
}

// NewInvalidRule creates a validation error for a rule that failed to parse.
func NewInvalidRule(ruleID, message string) *StructuredError {
	return New(CodeInvalidRule, Validation, fmt.Sprintf("rule %s: %s", ruleID, message)).
		WithDetails(map[string]interface{}{"rule_id": ruleID})
}

// NewInvalidEvent creates a validation error for an event an adapter could
// not normalize.
func NewInvalidEvent(source, message string) *StructuredError {
	return New(CodeInvalidEvent, Validation, fmt.Sprintf("%s event rejected: %s", source, message)).
		WithDetails(map[string]interface{}{"source": source})
}

// NewBufferFull creates a capacity error for a saturated event buffer.
func NewBufferFull(limit int) *StructuredError {
	return New(CodeBufferFull, Capacity, fmt.Sprintf("event buffer is at its %d event limit", limit)).
		WithRetryAfter(1).
		WithSuggestion("Raise memory_buffer_size_limit or reduce ingest volume")
}

// NewRateLimited creates a capacity error with a retry-after hint.
func NewRateLimited(reason string, retryAfterSec int) *StructuredError {
	return New(CodeRateLimited, Capacity, reason).
		WithRetryAfter(retryAfterSec).
		WithSuggestion("Reduce query frequency or wait before retrying")
}

// NewResourceExhausted creates a capacity error for denied admission.
func NewResourceExhausted(reason string) *StructuredError {
	return New(CodeResourceExhausted, Capacity, reason).
		WithRetryAfter(5).
		WithSuggestion("Retry when running queries complete, or lower the query's resource demands")
}

// NewBackendUnavailable creates a transient backend error.
func NewBackendUnavailable(backend string, cause error) *StructuredError {
	e := New(CodeBackendUnavailable, BackendTransient, fmt.Sprintf("%s backend unavailable", backend)).
		WithSuggestion("The operation will be retried; check backend connectivity if this persists")
	if cause != nil {
		e = e.WithCause(cause).WithDetails(map[string]interface{}{"cause": cause.Error()})
	}
	return e
}

// NewQueryTimeout creates a transient error for an expired query deadline.
func NewQueryTimeout(queryID string, timeoutMs int) *StructuredError {
	return New(CodeQueryTimeout, BackendTransient, fmt.Sprintf("query %s exceeded its %d ms deadline", queryID, timeoutMs)).
		WithSuggestion("Narrow the time range, add filters, or raise timeout_ms")
}

// NewQueryCancelled creates the terminal error for a cancelled query.
func NewQueryCancelled(queryID string) *StructuredError {
	return New(CodeQueryCancelled, BackendTransient, fmt.Sprintf("query %s was cancelled", queryID))
}

// NewSchemaMismatch creates a fatal backend error.
func NewSchemaMismatch(backend, message string) *StructuredError {
	return New(CodeSchemaMismatch, BackendFatal, fmt.Sprintf("%s schema mismatch: %s", backend, message)).
		WithSuggestion("Run migrations or verify the configured store version")
}

// NewAuthFailed creates a fatal backend error for rejected credentials.
func NewAuthFailed(backend string) *StructuredError {
	return New(CodeAuthFailed, BackendFatal, fmt.Sprintf("%s rejected the configured credentials", backend)).
		WithSuggestion("Check the connection string credentials")
}

// NewComplexityRejected creates a policy error carrying the violation list.
func NewComplexityRejected(violations []string, score int) *StructuredError {
	return New(CodeComplexityRejected, Policy, "query rejected by complexity analysis").
		WithDetails(map[string]interface{}{
			"violations": violations,
			"score":      score,
		}).
		WithSuggestion("Add a WHERE clause, reduce joins, or narrow the time range")
}

// NewInternal creates an internal error with a correlation id. The message is
// sanitized for the caller; full context belongs in the log entry.
func NewInternal(correlationID string, cause error) *StructuredError {
	e := New(CodeInternal, Internal, "internal error")
	e.CorrelationID = correlationID
	if cause != nil {
		e.cause = cause
	}
	return e
}

// FromHTTPStatus maps a search-backend HTTP status to an error class.
func FromHTTPStatus(backend string, statusCode int, responseBody string) *StructuredError {
	switch {
	case statusCode == 400:
		return New(CodeInvalidQuery, Validation, fmt.Sprintf("%s rejected the request: %s", backend, truncate(responseBody, 200)))
	case statusCode == 401 || statusCode == 403:
		return NewAuthFailed(backend)
	case statusCode == 404:
		return New(CodeSchemaMismatch, BackendFatal, fmt.Sprintf("%s index or endpoint missing", backend))
	case statusCode == 429:
		return New(CodeBackendUnavailable, BackendTransient, fmt.Sprintf("%s throttled the request", backend)).
			WithRetryAfter(1)
	case statusCode >= 500 && statusCode < 600:
		return New(CodeBackendUnavailable, BackendTransient, fmt.Sprintf("%s error (HTTP %d): %s", backend, statusCode, truncate(responseBody, 200)))
	default:
		return New(CodeInternal, Internal, fmt.Sprintf("unexpected HTTP status %d from %s", statusCode, backend))
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
