package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique error code
type ErrorCode string

// Error codes for different categories
const (
	// Validation Errors (1xxx)
	ErrCodeInvalidEvent     ErrorCode = "VALID_1001"
	ErrCodeMissingSubjectID ErrorCode = "VALID_1002"
	ErrCodeMissingEventType ErrorCode = "VALID_1003"
	ErrCodeBadMetadata      ErrorCode = "VALID_1004"
	ErrCodeInvalidRequest   ErrorCode = "VALID_1005"

	// Concurrency Errors (2xxx)
	ErrCodeChainConflict ErrorCode = "CONFLICT_2001"

	// Persistence Errors (3xxx)
	ErrCodeDatabaseError  ErrorCode = "DB_3001"
	ErrCodeRecordNotFound ErrorCode = "DB_3002"

	// Auth Errors (4xxx)
	ErrCodeUnauthorized  ErrorCode = "AUTH_4001"
	ErrCodeInvalidToken  ErrorCode = "AUTH_4002"
	ErrCodeInvalidAPIKey ErrorCode = "AUTH_4003"

	// Server Errors (5xxx)
	ErrCodeInternalServerError ErrorCode = "SERVER_5001"
	ErrCodeServiceUnavailable  ErrorCode = "SERVER_5002"
	ErrCodeConfigurationError  ErrorCode = "SERVER_5003"
)

// AppError represents a structured application error
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
	Cause   error     `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the cause error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// New creates a new application error
func New(code ErrorCode, message string, details string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Details: details,
		Cause:   cause,
	}
}

// Common error constructors

// Validation errors
func ErrInvalidEvent(details string, cause error) *AppError {
	return New(ErrCodeInvalidEvent, "Invalid audit event", details, cause)
}

func ErrMissingField(field string) *AppError {
	return New(ErrCodeInvalidRequest, "Missing required field", fmt.Sprintf("Field: %s", field), nil)
}

func ErrBadMetadata(cause error) *AppError {
	return New(ErrCodeBadMetadata, "Metadata is not serializable", "", cause)
}

// Concurrency errors
func ErrChainConflict(subjectID string, cause error) *AppError {
	return New(ErrCodeChainConflict, "Concurrent append lost the race for this subject", fmt.Sprintf("Subject: %s", subjectID), cause)
}

// Persistence errors
func ErrDatabaseError(operation string, cause error) *AppError {
	return New(ErrCodeDatabaseError, "Ledger storage operation failed", fmt.Sprintf("Operation: %s", operation), cause)
}

func ErrRecordNotFound(id string) *AppError {
	return New(ErrCodeRecordNotFound, "Audit record not found", fmt.Sprintf("Record ID: %s", id), nil)
}

// Auth errors
func ErrUnauthorized(details string) *AppError {
	return New(ErrCodeUnauthorized, "Unauthorized", details, nil)
}

func ErrInvalidAPIKey() *AppError {
	return New(ErrCodeInvalidAPIKey, "Invalid producer API key", "", nil)
}

// Server errors
func ErrInternalServerError(details string, cause error) *AppError {
	return New(ErrCodeInternalServerError, "Internal server error", details, cause)
}

func ErrConfigurationError(config string) *AppError {
	return New(ErrCodeConfigurationError, "Configuration error", fmt.Sprintf("Config: %s", config), nil)
}

// HTTPStatusCode maps an error to the HTTP status the API should return
func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case ErrCodeInvalidEvent, ErrCodeMissingSubjectID, ErrCodeMissingEventType,
			ErrCodeBadMetadata, ErrCodeInvalidRequest:
			return http.StatusBadRequest
		case ErrCodeChainConflict:
			return http.StatusConflict
		case ErrCodeRecordNotFound:
			return http.StatusNotFound
		case ErrCodeDatabaseError, ErrCodeServiceUnavailable:
			return http.StatusServiceUnavailable
		case ErrCodeUnauthorized, ErrCodeInvalidToken, ErrCodeInvalidAPIKey:
			return http.StatusUnauthorized
		}
	}
	return http.StatusInternalServerError
}

// ErrorResponse structure for API responses
type ErrorResponse struct {
	Success bool      `json:"success"`
	Error   *AppError `json:"error"`
	TraceID string    `json:"trace_id,omitempty"`
}

// NewErrorResponse creates a new error response
func NewErrorResponse(err *AppError, traceID string) *ErrorResponse {
	return &ErrorResponse{
		Success: false,
		Error:   err,
		TraceID: traceID,
	}
}
