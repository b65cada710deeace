package errors

// ErrorCode represents a machine-readable error identifier for frontend error handling.
type ErrorCode string

// Webhook reconciliation errors.
const (
	// Memo did not contain a recognizable transaction code.
	ErrCodeMalformedWebhook ErrorCode = "malformed_webhook"

	// No pending payment matched the transaction code. Expected outcome for a
	// duplicate/replay delivery; must not produce side effects.
	ErrCodeUnmatchedOrProcessed ErrorCode = "unmatched_or_already_processed"

	// Payment matched but the transferred amount differs from the recorded total.
	// The payment stays pending for manual reconciliation.
	ErrCodeAmountMismatch ErrorCode = "amount_mismatch"
)

// Download/access gate errors.
const (
	ErrCodeQuotaExceeded ErrorCode = "quota_exceeded"
	ErrCodeLinkExpired   ErrorCode = "link_expired"
	ErrCodeFileNotFound  ErrorCode = "file_not_found"
)

// Fulfillment/provisioning errors.
const (
	ErrCodeIncompleteCredentials ErrorCode = "incomplete_credentials"
	ErrCodeFulfillmentFailed     ErrorCode = "fulfillment_partial_failure"
	ErrCodeKindUnresolved        ErrorCode = "product_kind_unresolved"
)

// Validation errors (request input validation).
const (
	ErrCodeMissingField ErrorCode = "missing_field"
	ErrCodeInvalidField ErrorCode = "invalid_field"
	ErrCodeEmptyCart    ErrorCode = "empty_cart"
)

// Resource/state errors.
const (
	ErrCodePaymentNotFound    ErrorCode = "payment_not_found"
	ErrCodeOrderNotFound      ErrorCode = "order_not_found"
	ErrCodeProductNotFound    ErrorCode = "product_not_found"
	ErrCodePaymentNotPending  ErrorCode = "payment_not_pending"
	ErrCodeAmbiguousReference ErrorCode = "ambiguous_reference"
)

// Auth errors.
const (
	ErrCodeUnauthorized ErrorCode = "unauthorized"
	ErrCodeForbidden    ErrorCode = "forbidden"
)

// Internal/system errors.
const (
	ErrCodeInternalError ErrorCode = "internal_error"
	ErrCodeDatabaseError ErrorCode = "database_error"
	ErrCodeStorageError  ErrorCode = "storage_error"
)

// IsRetryable returns whether an error code represents a retryable error.
// The payment provider retries webhook deliveries on retryable responses, so
// unmatched deliveries (checkout may not have persisted yet) are retryable while
// validation failures are not.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	case ErrCodeUnmatchedOrProcessed,
		ErrCodeDatabaseError,
		ErrCodeStorageError,
		ErrCodeInternalError:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	// 400 Bad Request - client validation errors
	case ErrCodeMalformedWebhook,
		ErrCodeMissingField,
		ErrCodeInvalidField,
		ErrCodeEmptyCart,
		ErrCodeIncompleteCredentials,
		ErrCodeAmbiguousReference:
		return 400

	// 401 Unauthorized - missing/invalid identity
	case ErrCodeUnauthorized:
		return 401

	// 403 Forbidden - identity present but not allowed
	case ErrCodeForbidden,
		ErrCodeQuotaExceeded,
		ErrCodeLinkExpired:
		return 403

	// 404 Not Found
	case ErrCodePaymentNotFound,
		ErrCodeOrderNotFound,
		ErrCodeProductNotFound,
		ErrCodeFileNotFound,
		ErrCodeUnmatchedOrProcessed:
		return 404

	// 409 Conflict - state machine violations
	case ErrCodeAmountMismatch,
		ErrCodePaymentNotPending,
		ErrCodeKindUnresolved:
		return 409

	// 500 Internal Server Error
	default:
		return 500
	}
}
