package errors

// ErrorCode represents a machine-readable error code.
type ErrorCode string

// Identity and metering errors. These short-circuit before any billable
// vendor call.
const (
	// ErrCodeMissingIdentifier indicates neither a license key nor a device id was supplied.
	ErrCodeMissingIdentifier ErrorCode = "MISSING_IDENTIFIER"
	// ErrCodeInvalidLicense indicates the license authority rejected the key.
	ErrCodeInvalidLicense ErrorCode = "INVALID_LICENSE"
	// ErrCodeDeviceCreditsExhausted indicates a trial device has no usable balance.
	ErrCodeDeviceCreditsExhausted ErrorCode = "DEVICE_CREDITS_EXHAUSTED"
	// ErrCodeIPRateLimited indicates the caller's IP exceeded its daily allocation.
	ErrCodeIPRateLimited ErrorCode = "IP_RATE_LIMITED"
	// ErrCodeInsufficientCredits indicates a licensed balance below the estimate.
	ErrCodeInsufficientCredits ErrorCode = "INSUFFICIENT_CREDITS"
	// ErrCodeIPBlocked indicates the caller's IP is on the block list.
	ErrCodeIPBlocked ErrorCode = "IP_BLOCKED"
)

// Input errors
const (
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
)

// Upstream errors
const (
	// ErrCodeUpstreamProvider indicates a vendor returned a non-success response.
	ErrCodeUpstreamProvider ErrorCode = "UPSTREAM_PROVIDER_ERROR"
	// ErrCodeUpstreamEdgeBlocked indicates a vendor's edge refused the request.
	ErrCodeUpstreamEdgeBlocked ErrorCode = "UPSTREAM_EDGE_BLOCKED"
	// ErrCodeTranscriptExtraction indicates no text could be found in a vendor response.
	ErrCodeTranscriptExtraction ErrorCode = "TRANSCRIPT_EXTRACTION_FAILED"
)

// Internal errors
const (
	// ErrCodeConfiguration indicates a missing credential or bad setting. Never retried.
	ErrCodeConfiguration ErrorCode = "CONFIGURATION_ERROR"
	ErrCodeInternal      ErrorCode = "INTERNAL_ERROR"
)

var retryableCodes = map[ErrorCode]bool{
	ErrCodeIPRateLimited:    true,
	ErrCodeUpstreamProvider: true,
}

// IsRetryableCode returns true if the error code indicates a retryable error.
func IsRetryableCode(code ErrorCode) bool {
	return retryableCodes[code]
}
