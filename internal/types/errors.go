package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Error code constants. Handlers and services MUST use these instead of
// hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationMissingField     ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidEvent     ErrorCode = "validation_invalid_event"
	ErrCodeValidationInvalidRecipient ErrorCode = "validation_invalid_recipient"
	ErrCodeValidationInvalidRule      ErrorCode = "validation_invalid_rule"
	ErrCodeValidationInvalidPlugin    ErrorCode = "validation_invalid_plugin_configuration"
	ErrCodeValidationInvalidJSON      ErrorCode = "validation_invalid_json"
	ErrCodeValidationBatchSize        ErrorCode = "validation_batch_size_exceeded"

	// Not Found (404)
	ErrCodeNotFoundRequest ErrorCode = "not_found_request"
	ErrCodeNotFoundRule    ErrorCode = "not_found_rule"
	ErrCodeNotFoundPlugin  ErrorCode = "not_found_plugin_configuration"
	ErrCodeNotFoundJob     ErrorCode = "not_found_delivery_job"

	// Conflict (409)
	ErrCodeConflictConcurrent ErrorCode = "conflict_concurrent_modification"
	ErrCodeConflictExists     ErrorCode = "conflict_already_exists"

	// Plugins (422)
	ErrCodePluginNotFound      ErrorCode = "plugin_not_found"
	ErrCodePluginNotAvailable  ErrorCode = "plugin_not_available"
	ErrCodePluginInstantiation ErrorCode = "plugin_instantiation_failed"
	ErrCodePluginEvaluation    ErrorCode = "plugin_evaluation_failed"
	ErrCodePluginWrongKind     ErrorCode = "plugin_wrong_kind"

	// Auth (401)
	ErrCodeAuthUnauthorized ErrorCode = "auth_unauthorized"

	// Internal/Upstream (500/502)
	ErrCodeInternalDB            ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected    ErrorCode = "internal_unexpected_error"
	ErrCodeInternalRules         ErrorCode = "internal_rules_unavailable"
	ErrCodeUpstreamUnavailable   ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRateLimited   ErrorCode = "upstream_rate_limited"
	ErrCodeUpstreamQueue         ErrorCode = "upstream_queue_unavailable"
	ErrCodeUpstreamEmailProvider ErrorCode = "upstream_email_provider_unavailable"
)

// ErrConflict signals that a concurrent writer changed the version of a row
// the current attempt was about to write. Store implementations return it
// (possibly wrapped) and the engine retries the whole attempt on it.
var ErrConflict = NewAppError(ErrCodeConflictConcurrent, "request was modified by another worker", nil)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized error codes.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest
	case strings.HasPrefix(s, "auth_"):
		return http.StatusUnauthorized
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict
	case strings.HasPrefix(s, "plugin_"):
		return http.StatusUnprocessableEntity
	case s == string(ErrCodeUpstreamRateLimited):
		return http.StatusTooManyRequests
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// AppError is the standard application error type.
// All domain and handler errors should be expressed as AppError to enable
// consistent error formatting, HTTP status mapping, and error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is reports whether target is an AppError with the same code. This lets
// callers match a wrapped ErrConflict with errors.Is regardless of message.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy of the error with the provided details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError carrying structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// ErrorCodeOf returns the code of the first AppError in err's chain, or an
// empty code when there is none.
func ErrorCodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsConflict reports whether err is an optimistic concurrency conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
