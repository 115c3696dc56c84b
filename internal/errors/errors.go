// Package errors defines the gateway's error taxonomy. Every failure that
// reaches a caller is an *AppError carrying a machine-readable code, an HTTP
// status and remediation details (balances, limits, reset times).
package errors

import (
	"fmt"
	"net/http"
	"time"
)

// AppError is the unified application error type.
type AppError struct {
	// Code is a machine-readable error code.
	Code ErrorCode `json:"code"`
	// Message is a human-readable error message.
	Message string `json:"message"`
	// Retryable indicates if the operation can be retried.
	Retryable bool `json:"retryable"`
	// HTTPStatus is the recommended HTTP status code for this error.
	HTTPStatus int `json:"-"`
	// Details contains additional context for the error.
	Details map[string]any `json:"details,omitempty"`
	// Cause is the underlying error that caused this error.
	Cause error `json:"-"`
}

// Error returns the string representation of the error.
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause of the error.
func (e *AppError) Unwrap() error { return e.Cause }

// WithCause sets the underlying cause of the error and returns the receiver.
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithDetail sets a single detail key-value pair and returns the receiver.
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates a new AppError with automatic retryable detection.
func New(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Retryable:  IsRetryableCode(code),
	}
}

// --- Identity and metering ---

// MissingIdentifier is returned when a request carries neither a license key nor a device id.
func MissingIdentifier() *AppError {
	return &AppError{
		Code: ErrCodeMissingIdentifier, Message: "A license key or device id is required.",
		HTTPStatus: http.StatusUnauthorized,
		Details:    map[string]any{"accepted": []string{"X-License-Key", "X-Device-ID"}},
	}
}

// InvalidLicense is returned when the license authority rejects the key.
func InvalidLicense() *AppError {
	return &AppError{
		Code: ErrCodeInvalidLicense, Message: "The license key is not valid. Check the key or renew your license.",
		HTTPStatus: http.StatusUnauthorized,
	}
}

// InsufficientCredits is returned when a licensed balance cannot cover the estimate.
func InsufficientCredits(balance, required float64) *AppError {
	return &AppError{
		Code: ErrCodeInsufficientCredits, Message: "Not enough credits for this request. Top up your balance to continue.",
		HTTPStatus: http.StatusPaymentRequired,
		Details:    map[string]any{"credits_remaining": balance, "credits_required": required},
	}
}

// DeviceCreditsExhausted is returned when a trial device cannot cover the estimate.
func DeviceCreditsExhausted(remaining, required float64) *AppError {
	return &AppError{
		Code: ErrCodeDeviceCreditsExhausted, Message: "Your free trial credits are used up. Purchase a license to continue.",
		HTTPStatus: http.StatusPaymentRequired,
		Details:    map[string]any{"credits_remaining": remaining, "credits_required": required},
	}
}

// IPRateLimited is returned when the caller's IP has spent its daily allocation.
func IPRateLimited(used, limit float64, resetAt time.Time) *AppError {
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return &AppError{
		Code: ErrCodeIPRateLimited, Message: "Daily free usage limit reached for this network. Try again after the reset time or use a license key.",
		HTTPStatus: http.StatusTooManyRequests, Retryable: true,
		Details: map[string]any{
			"credits_used":      used,
			"daily_limit":       limit,
			"credits_remaining": remaining,
			"resets_at":         resetAt.UTC().Format(time.RFC3339),
		},
	}
}

// IPBlocked is returned when the caller's IP is on the block list.
func IPBlocked() *AppError {
	return &AppError{
		Code: ErrCodeIPBlocked, Message: "Requests from this network are not allowed.",
		HTTPStatus: http.StatusForbidden,
	}
}

// --- Input ---

// InvalidInput creates an error for bad content type, size or encoding.
func InvalidInput(field, reason string) *AppError {
	details := make(map[string]any)
	if field != "" {
		details["field"] = field
	}
	return &AppError{
		Code: ErrCodeInvalidInput, Message: fmt.Sprintf("Invalid input: %s", reason),
		HTTPStatus: http.StatusBadRequest, Details: details,
	}
}

// PayloadTooLarge is an InvalidInput variant for oversized bodies.
func PayloadTooLarge(limit int64) *AppError {
	return &AppError{
		Code: ErrCodeInvalidInput, Message: "Invalid input: request body is too large",
		HTTPStatus: http.StatusRequestEntityTooLarge,
		Details:    map[string]any{"max_bytes": limit},
	}
}

// UnsupportedMediaType is an InvalidInput variant for unknown content types.
func UnsupportedMediaType(contentType string) *AppError {
	return &AppError{
		Code: ErrCodeInvalidInput, Message: fmt.Sprintf("Invalid input: unsupported content type %q", contentType),
		HTTPStatus: http.StatusUnsupportedMediaType,
		Details:    map[string]any{"field": "Content-Type"},
	}
}

// --- Upstream ---

// UpstreamProvider wraps a vendor failure. status is the vendor's HTTP status, 0 if unknown.
func UpstreamProvider(vendor string, status int, cause error) *AppError {
	details := map[string]any{"vendor": vendor}
	if status > 0 {
		details["vendor_status"] = status
	}
	return &AppError{
		Code: ErrCodeUpstreamProvider, Message: fmt.Sprintf("The %s service returned an error. Please try again.", vendor),
		HTTPStatus: http.StatusBadGateway, Retryable: true,
		Details: details, Cause: cause,
	}
}

// UpstreamEdgeBlocked marks a vendor refusal at its network edge.
func UpstreamEdgeBlocked(vendor string, status int, cause error) *AppError {
	return &AppError{
		Code: ErrCodeUpstreamEdgeBlocked, Message: fmt.Sprintf("The %s service refused the request at its edge.", vendor),
		HTTPStatus: http.StatusBadGateway,
		Details:    map[string]any{"vendor": vendor, "vendor_status": status}, Cause: cause,
	}
}

// TranscriptExtraction is returned when a vendor response holds no text.
func TranscriptExtraction(vendor string) *AppError {
	return &AppError{
		Code: ErrCodeTranscriptExtraction, Message: fmt.Sprintf("Could not read text from the %s response.", vendor),
		HTTPStatus: http.StatusBadGateway,
		Details:    map[string]any{"vendor": vendor},
	}
}

// --- Internal ---

// Configuration reports a missing credential or invalid setting.
func Configuration(reason string) *AppError {
	return &AppError{
		Code: ErrCodeConfiguration, Message: "The service is misconfigured.",
		HTTPStatus: http.StatusInternalServerError,
		Details:    map[string]any{"reason": reason},
	}
}

// Internal creates a new AppError for an internal server error.
func Internal(cause error) *AppError {
	return &AppError{
		Code: ErrCodeInternal, Message: "An unexpected error occurred. Please try again or contact support.",
		HTTPStatus: http.StatusInternalServerError, Cause: cause,
	}
}
