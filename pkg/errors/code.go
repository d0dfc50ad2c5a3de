package errors

import "net/http"

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges:
// 10000-10999: System & common errors
// 11000-11999: Identity errors
// 13000-13099: Submission errors
// 13100-13199: Evaluation & runner errors
// 14000-14099: Leaderboard errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	Unauthorized        ErrorCode = 10004
	Forbidden           ErrorCode = 10005
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Database errors (10100-10199)
	DatabaseError       ErrorCode = 10100
	RecordNotFound      ErrorCode = 10101
	RecordAlreadyExists ErrorCode = 10102

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	RequiredFieldEmpty ErrorCode = 10303

	// Queue & storage errors (10400-10499)
	QueueError   ErrorCode = 10400
	StorageError ErrorCode = 10401

	// ========== Identity Errors (11000-11999) ==========

	TokenExpired          ErrorCode = 11003
	TokenInvalid          ErrorCode = 11004
	TokenGenerationFailed ErrorCode = 11005

	// ========== Submission Errors (13000-13099) ==========

	SubmissionNotFound      ErrorCode = 13000
	SubmissionCreateFailed  ErrorCode = 13001
	CodeTooLarge            ErrorCode = 13002
	LanguageNotSupported    ErrorCode = 13003
	SubmitTooFrequently     ErrorCode = 13004
	SubmissionStateConflict ErrorCode = 13005

	// ========== Evaluation Errors (13100-13199) ==========

	RunnerTimeout     ErrorCode = 13100
	RunnerUnavailable ErrorCode = 13101
	RunnerBadResponse ErrorCode = 13102
	EvaluationFailed  ErrorCode = 13103

	// ========== Leaderboard Errors (14000-14099) ==========

	RankingNotAvailable ErrorCode = 14000
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	Unauthorized:        "Unauthorized access",
	Forbidden:           "Access forbidden",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	DatabaseError:       "Database operation failed",
	RecordNotFound:      "Record not found in database",
	RecordAlreadyExists: "Record already exists",

	CacheError: "Cache operation failed",

	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	RequiredFieldEmpty: "Required field is empty",

	QueueError:   "Queue operation failed",
	StorageError: "Object storage operation failed",

	TokenExpired:          "Token has expired",
	TokenInvalid:          "Invalid token",
	TokenGenerationFailed: "Failed to generate token",

	SubmissionNotFound:      "Submission not found",
	SubmissionCreateFailed:  "Failed to create submission",
	CodeTooLarge:            "Code is too large",
	LanguageNotSupported:    "Programming language not supported",
	SubmitTooFrequently:     "Submitting too frequently, please wait",
	SubmissionStateConflict: "Submission state has already advanced",

	RunnerTimeout:     "Execution runner timed out",
	RunnerUnavailable: "Execution runner is unavailable",
	RunnerBadResponse: "Execution runner returned a malformed response",
	EvaluationFailed:  "Evaluation failed",

	RankingNotAvailable: "Ranking is not available",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return http.StatusOK
	case c == Unauthorized, c == TokenExpired, c == TokenInvalid:
		return http.StatusUnauthorized
	case c == Forbidden:
		return http.StatusForbidden
	case c == NotFound, c == RecordNotFound, c == SubmissionNotFound:
		return http.StatusNotFound
	case c == SubmissionStateConflict, c == RecordAlreadyExists:
		return http.StatusConflict
	case c == TooManyRequests, c == SubmitTooFrequently:
		return http.StatusTooManyRequests
	case c == CodeTooLarge:
		return http.StatusRequestEntityTooLarge
	case c == RunnerTimeout, c == Timeout:
		return http.StatusGatewayTimeout
	case c == ServiceUnavailable, c == RunnerUnavailable, c == RankingNotAvailable, c == QueueError:
		return http.StatusServiceUnavailable
	case c >= 10300 && c < 10400: // Validation errors
		return http.StatusBadRequest
	case c == InvalidParams, c == LanguageNotSupported:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
