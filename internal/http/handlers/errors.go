// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// This file centralizes symbolic error code constants that are mapped to HTTP responses
// (via the `fail()` helper in this package). These codes provide clients with a stable,
// machine-readable error taxonomy that supplements human-readable messages.
//
// Conventions:
//   - Codes are lowercase, snake_case, and domain-agnostic unless explicitly noted.
//   - Generic codes (e.g., bad_request, unauthorized, conflict) mirror common HTTP
//     status semantics to aid interoperability.
//   - Domain-specific codes (e.g., storage_failed, ai_unavailable) tell apart
//     failures that share a status, such as the two kinds of 502.
//   - All error responses must include both an HTTP status and one of these codes.
//
// Usage:
//   - Handlers select the most specific matching code and pass it to `fail()` along
//     with the corresponding HTTP status and message.
//   - Clients are expected to branch on these codes for programmatic error handling.
//
// Example response:
//   {
//     "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//     "code": "ai_unavailable",
//     "message": "AI tutor service unavailable"
//   }

package handlers

const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeNotFound     = "not_found"
	ErrCodeTooLarge     = "payload_too_large"
	ErrCodeRateLimited  = "rate_limited"
	ErrCodeInternal     = "internal_error"

	// Domain-specific:
	ErrCodeStorageFailed     = "storage_failed"
	ErrCodeAIUnavailable     = "ai_unavailable"
	ErrCodePersistenceFailed = "persistence_failed"
	ErrCodeUploadFailed      = "upload_failed"
	ErrCodeListFailed        = "list_failed"
	ErrCodeDeleteFailed      = "delete_failed"
	ErrCodeChatFailed        = "chat_failed"
	ErrCodeProfileFailed     = "profile_failed"
	ErrCodeMethodNotAllowed  = "method_not_allowed"
)
