package types

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"
)

// TestAppErrorImplementsError verifies that *AppError satisfies the error interface.
func TestAppErrorImplementsError(t *testing.T) {
	var _ error = (*AppError)(nil)
}

func TestAppErrorErrorFormat(t *testing.T) {
	appErr := &AppError{
		Code:    ErrCodeValidationInvalidEmail,
		Message: "recipient address is malformed",
	}

	expected := "validation_invalid_email: recipient address is malformed"
	if appErr.Error() != expected {
		t.Errorf("Error() = %q, want %q", appErr.Error(), expected)
	}
}

func TestAppErrorUnwrap(t *testing.T) {
	underlying := errors.New("database connection failed")
	appErr := NewAppError(ErrCodeInternalDB, "failed to claim message", underlying)

	if appErr.Unwrap() != underlying {
		t.Errorf("Unwrap() = %v, want %v", appErr.Unwrap(), underlying)
	}
	if !errors.Is(appErr, underlying) {
		t.Error("errors.Is should find the underlying error")
	}
}

func TestAppErrorErrorsAs(t *testing.T) {
	appErr := NewAppError(ErrCodeNotFoundJob, "job not found", nil)
	wrapped := fmt.Errorf("run job: %w", appErr)

	var target *AppError
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As should find AppError in the chain")
	}
	if target.Code != ErrCodeNotFoundJob {
		t.Errorf("Code = %q, want %q", target.Code, ErrCodeNotFoundJob)
	}
	if !IsCode(wrapped, ErrCodeNotFoundJob) {
		t.Error("IsCode should match through wrapping")
	}
	if IsCode(wrapped, ErrCodeNotFoundMessage) {
		t.Error("IsCode should not match a different code")
	}
}

// TestAppErrorWithDetails verifies the WithDetails method creates a copy with merged details.
func TestAppErrorWithDetails(t *testing.T) {
	original := NewAppErrorWithDetails(
		ErrCodeValidationTemplateData,
		"template payload invalid",
		nil,
		map[string]any{"field": "LoadNumber"},
	)

	enhanced := original.WithDetails(map[string]any{"template": "missing_document_reminder"})

	if _, ok := original.Details["template"]; ok {
		t.Error("WithDetails should not mutate the original error")
	}
	if enhanced.Details["field"] != "LoadNumber" {
		t.Errorf("enhanced should retain original detail: field = %v", enhanced.Details["field"])
	}
	if enhanced.Details["template"] != "missing_document_reminder" {
		t.Errorf("enhanced should carry new detail: template = %v", enhanced.Details["template"])
	}
	if enhanced.Code != original.Code || enhanced.Message != original.Message {
		t.Error("Code and Message should carry over")
	}
}

func TestErrorCodeHTTPStatus(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{ErrCodeValidationInvalidCron, http.StatusBadRequest},
		{ErrCodeNotFoundJob, http.StatusNotFound},
		{ErrCodeConflictMessageTerminal, http.StatusConflict},
		{ErrCodeUpstreamRateLimited, http.StatusTooManyRequests},
		{ErrCodeUpstreamUnavailable, http.StatusBadGateway},
		{ErrCodeEmailBounced, http.StatusUnprocessableEntity},
		{ErrCodeInternalDB, http.StatusInternalServerError},
		{ErrorCode("something_else"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := tt.code.HTTPStatus(); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestErrorCodeKind(t *testing.T) {
	tests := []struct {
		code      ErrorCode
		want      ErrorKind
		retryable bool
	}{
		{ErrCodeUpstreamRateLimited, KindRateLimit, true},
		{ErrCodeUpstreamUnavailable, KindServerError, true},
		{ErrCodeUpstreamEmailProvider, KindServerError, true},
		{ErrCodeUpstreamNetwork, KindNetworkError, true},
		{ErrCodeValidationTemplateData, KindTemplateValidation, false},
		{ErrCodeNotFoundTemplate, KindTemplateNotFound, false},
		{ErrCodeValidationInvalidEmail, KindRecipient, false},
		{ErrCodeEmailRecipientInvalid, KindRecipient, false},
		{ErrCodeValidationAttachment, KindAttachment, false},
		{ErrCodeEmailBounced, KindBounce, false},
		{ErrCodeEmailBlocked, KindBounce, false},
		{ErrCodeEmailRejected, KindValidation, false},
		{ErrCodeValidationMissingField, KindValidation, false},
		{ErrCodeInternalUnexpected, KindUnknown, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			got := tt.code.Kind()
			if got != tt.want {
				t.Errorf("Kind() = %q, want %q", got, tt.want)
			}
			if got.Retryable() != tt.retryable {
				t.Errorf("Retryable() = %v, want %v", got.Retryable(), tt.retryable)
			}
		})
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestKindOf(t *testing.T) {
	var _ net.Error = timeoutErr{}

	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"app error", NewAppError(ErrCodeUpstreamRateLimited, "slow down", nil), KindRateLimit},
		{"wrapped app error", fmt.Errorf("send: %w", NewAppError(ErrCodeEmailBounced, "bounced", nil)), KindBounce},
		{"deadline", context.DeadlineExceeded, KindNetworkError},
		{"net error", &net.OpError{Op: "dial", Err: timeoutErr{}}, KindNetworkError},
		{"plain", errors.New("boom"), KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}
