package types

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants.
// All packages MUST use these constants instead of hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationMissingField   ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidEmail   ErrorCode = "validation_invalid_email"
	ErrCodeValidationInvalidMessage ErrorCode = "validation_invalid_message"
	ErrCodeValidationInvalidCron    ErrorCode = "validation_invalid_cron_expression"
	ErrCodeValidationInvalidJSON    ErrorCode = "validation_invalid_json"
	ErrCodeValidationTemplateData   ErrorCode = "validation_template_data"
	ErrCodeValidationAttachment     ErrorCode = "validation_invalid_attachment"

	// Not Found (404)
	ErrCodeNotFoundMessage  ErrorCode = "not_found_message"
	ErrCodeNotFoundJob      ErrorCode = "not_found_job"
	ErrCodeNotFoundTemplate ErrorCode = "not_found_template"
	ErrCodeNotFoundRecord   ErrorCode = "not_found_retry_record"

	// Conflict (409)
	ErrCodeConflictMessageTerminal ErrorCode = "conflict_message_terminal"
	ErrCodeConflictJobRunning      ErrorCode = "conflict_job_running"
	ErrCodeConflictJobExists       ErrorCode = "conflict_job_exists"
	ErrCodeConflictRetryExists     ErrorCode = "conflict_retry_record_exists"

	// Internal/Upstream (500/502)
	ErrCodeInternalDB            ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected    ErrorCode = "internal_unexpected_error"
	ErrCodeUpstreamEmailProvider ErrorCode = "upstream_email_provider_unavailable"
	ErrCodeUpstreamUnavailable   ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRateLimited   ErrorCode = "upstream_rate_limited"
	ErrCodeUpstreamNetwork       ErrorCode = "upstream_network_error"

	// Delivery-specific (provider verdicts about the message itself)
	ErrCodeEmailBlocked          ErrorCode = "email_blocked"
	ErrCodeEmailBounced          ErrorCode = "email_bounced"
	ErrCodeEmailRecipientInvalid ErrorCode = "email_recipient_rejected"
	ErrCodeEmailRejected         ErrorCode = "email_rejected"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Used by the ops API layer to translate AppErrors into HTTP responses.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict
	case s == string(ErrCodeUpstreamRateLimited):
		return http.StatusTooManyRequests
	case strings.HasPrefix(s, "email_"):
		return http.StatusUnprocessableEntity
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorKind is the delivery-level classification of a failed send. The
// dispatcher and the recovery service switch on it to decide whether a
// message is retried, failed, or suppressed.
type ErrorKind string

const (
	KindRateLimit          ErrorKind = "RATE_LIMIT"
	KindServerError        ErrorKind = "SERVER_ERROR"
	KindNetworkError       ErrorKind = "NETWORK_ERROR"
	KindValidation         ErrorKind = "VALIDATION_ERROR"
	KindTemplateValidation ErrorKind = "TEMPLATE_VALIDATION_ERROR"
	KindTemplateNotFound   ErrorKind = "TEMPLATE_NOT_FOUND"
	KindRecipient          ErrorKind = "RECIPIENT_ERROR"
	KindAttachment         ErrorKind = "ATTACHMENT_ERROR"
	KindBounce             ErrorKind = "BOUNCE"
	KindUnknown            ErrorKind = "UNKNOWN"
)

// Retryable reports whether the kind is transient. UNKNOWN is not listed:
// it gets a single conservative retry that callers grant explicitly.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindRateLimit, KindServerError, KindNetworkError:
		return true
	}
	return false
}

// Kind maps an error code onto its delivery classification.
func (c ErrorCode) Kind() ErrorKind {
	switch c {
	case ErrCodeUpstreamRateLimited:
		return KindRateLimit
	case ErrCodeUpstreamUnavailable, ErrCodeUpstreamEmailProvider:
		return KindServerError
	case ErrCodeUpstreamNetwork:
		return KindNetworkError
	case ErrCodeValidationTemplateData:
		return KindTemplateValidation
	case ErrCodeNotFoundTemplate:
		return KindTemplateNotFound
	case ErrCodeValidationInvalidEmail, ErrCodeEmailRecipientInvalid:
		return KindRecipient
	case ErrCodeValidationAttachment:
		return KindAttachment
	case ErrCodeEmailBlocked, ErrCodeEmailBounced:
		return KindBounce
	}
	if strings.HasPrefix(string(c), "validation_") || c == ErrCodeEmailRejected {
		return KindValidation
	}
	return KindUnknown
}

// KindOf classifies any error returned from a send. AppErrors are mapped by
// code; timeouts and net errors count as network failures; everything else is
// UNKNOWN.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code.Kind()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetworkError
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetworkError
	}
	return KindUnknown
}

// AppError is the standard application error type used throughout the engine.
// All domain and adapter errors should be expressed as AppError to enable
// consistent error formatting, HTTP status mapping, and error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// Kind returns the delivery classification of this error.
func (e *AppError) Kind() ErrorKind {
	return e.Code.Kind()
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
// underlying error. This is the standard constructor for domain errors.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError with the given code, message,
// underlying error, and structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// IsCode reports whether err is (or wraps) an AppError with the given code.
func IsCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}
