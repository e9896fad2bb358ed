// Package errors provides custom error types for the hub application.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants. This is the closed taxonomy the HTTP edge maps
// every domain failure onto; no other code is ever written to the wire.
const (
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeDuplicate       = "DUPLICATE_RESOURCE"
	ErrCodeAuthentication  = "AUTHENTICATION_ERROR"
	ErrCodeAuthorization   = "AUTHORIZATION_ERROR"
	ErrCodeBusinessLogic   = "BUSINESS_LOGIC_ERROR"
	ErrCodeRateLimit       = "RATE_LIMIT_EXCEEDED"
	ErrCodeExternalService = "EXTERNAL_SERVICE_ERROR"
	ErrCodeDatabase        = "DATABASE_ERROR"
	ErrCodeConfiguration   = "CONFIGURATION_ERROR"
	ErrCodeInternalError   = "INTERNAL_ERROR"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	HTTPStatus int            `json:"http_status"`
	Details    map[string]any `json:"details,omitempty"`
	RetryAfter int            `json:"retry_after,omitempty"` // seconds, only set for rate limit errors
	Err        error          `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails attaches structured detail fields and returns the same error.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	e.Details = details
	return e
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// ValidationError creates a new validation error for a specific field.
func ValidationError(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidation,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// Duplicate creates a new duplicate-resource conflict error.
func Duplicate(resource string, field string) *AppError {
	return &AppError{
		Code:       ErrCodeDuplicate,
		Message:    fmt.Sprintf("%s with this %s already exists", resource, field),
		HTTPStatus: http.StatusConflict,
	}
}

// Authentication creates a new authentication error.
func Authentication(message string) *AppError {
	return &AppError{
		Code:       ErrCodeAuthentication,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// Authorization creates a new authorization error.
func Authorization(message string) *AppError {
	return &AppError{
		Code:       ErrCodeAuthorization,
		Message:    message,
		HTTPStatus: http.StatusForbidden,
	}
}

// BusinessLogic creates an error for a rejected state-machine transition or
// other domain-rule violation. Never retried.
func BusinessLogic(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBusinessLogic,
		Message:    message,
		HTTPStatus: http.StatusUnprocessableEntity,
	}
}

// RateLimit creates a rate-limit error carrying a retry-after hint in seconds.
func RateLimit(message string, retryAfterSeconds int) *AppError {
	return &AppError{
		Code:       ErrCodeRateLimit,
		Message:    message,
		HTTPStatus: http.StatusTooManyRequests,
		RetryAfter: retryAfterSeconds,
	}
}

// ExternalService creates an error for a failure in a downstream collaborator
// (LLM call, IDE agent transport) after the retry budget is exhausted.
func ExternalService(service string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeExternalService,
		Message:    fmt.Sprintf("%s request failed", service),
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// Database creates an error for a Store failure.
func Database(op string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeDatabase,
		Message:    fmt.Sprintf("database operation '%s' failed", op),
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Configuration creates an error for a misconfigured dependency.
func Configuration(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConfiguration,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			RetryAfter: appErr.RetryAfter,
			Err:        err,
		}
	}

	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeNotFound
	}
	return false
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeValidation
	}
	return false
}

// IsBusinessLogic checks if the error is a business-logic (state machine) error.
func IsBusinessLogic(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeBusinessLogic
	}
	return false
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// ToResponse renders the error into the wire shape described in the HTTP
// surface contract: {message, error_code, details}.
func ToResponse(err error) (int, map[string]any) {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		appErr = InternalError("an internal server error occurred", err)
	}
	body := map[string]any{
		"message":    appErr.Message,
		"error_code": appErr.Code,
		"details":    appErr.Details,
	}
	if appErr.RetryAfter > 0 {
		body["retry_after"] = appErr.RetryAfter
	}
	return appErr.HTTPStatus, body
}
