package response

import (
	"net/http"
)

// Response represents the standard API response structure
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
}

// ErrorInfo represents error details in the response
type ErrorInfo struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error codes
const (
	// Client errors (4xx)
	ErrCodeInvalidRequest   = "INVALID_REQUEST"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeForbidden        = "FORBIDDEN"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeTooManyRequests  = "TOO_MANY_REQUESTS"
	ErrCodeIdempotencyReuse = "IDEMPOTENCY_KEY_REUSED"
	ErrCodeInProgress       = "REQUEST_IN_PROGRESS"

	// Server errors (5xx)
	ErrCodeInternalError = "INTERNAL_ERROR"

	// Reservation errors
	ErrCodeReservationConflict = "RESERVATION_CONFLICT"
	ErrCodeCapacityExceeded    = "CAPACITY_EXCEEDED"
	ErrCodeSoldOut             = "SOLD_OUT"
	ErrCodeAlreadyCancelled    = "ALREADY_CANCELLED"
	ErrCodeSeatBooked          = "SEAT_BOOKED"
)

// ErrorCodeToHTTPStatus maps error codes to HTTP status codes
var ErrorCodeToHTTPStatus = map[string]int{
	ErrCodeInvalidRequest:      http.StatusBadRequest,
	ErrCodeUnauthorized:        http.StatusUnauthorized,
	ErrCodeForbidden:           http.StatusForbidden,
	ErrCodeNotFound:            http.StatusNotFound,
	ErrCodeConflict:            http.StatusConflict,
	ErrCodeTooManyRequests:     http.StatusTooManyRequests,
	ErrCodeIdempotencyReuse:    http.StatusUnprocessableEntity,
	ErrCodeInProgress:          http.StatusConflict,
	ErrCodeInternalError:       http.StatusInternalServerError,
	ErrCodeReservationConflict: http.StatusConflict,
	ErrCodeCapacityExceeded:    http.StatusConflict,
	ErrCodeSoldOut:             http.StatusConflict,
	ErrCodeAlreadyCancelled:    http.StatusConflict,
	ErrCodeSeatBooked:          http.StatusConflict,
}

// GetHTTPStatus returns the HTTP status code for an error code
func GetHTTPStatus(code string) int {
	if status, ok := ErrorCodeToHTTPStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Success creates a success response with data
func Success(data interface{}) *Response {
	return &Response{
		Success: true,
		Data:    data,
	}
}

// Error creates an error response
func Error(code string, message string) *Response {
	return &Response{
		Success: false,
		Error: &ErrorInfo{
			Code:    code,
			Message: message,
		},
	}
}

// ErrorWithDetails creates an error response with additional details
func ErrorWithDetails(code string, message string, details map[string]interface{}) *Response {
	return &Response{
		Success: false,
		Error: &ErrorInfo{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// InvalidRequest creates an invalid request error response
func InvalidRequest(message string) *Response {
	if message == "" {
		message = "Invalid request"
	}
	return Error(ErrCodeInvalidRequest, message)
}

// Unauthorized creates an unauthorized error response
func Unauthorized(message string) *Response {
	if message == "" {
		message = "Authentication required"
	}
	return Error(ErrCodeUnauthorized, message)
}

// Forbidden creates a forbidden error response
func Forbidden(message string) *Response {
	if message == "" {
		message = "Access denied"
	}
	return Error(ErrCodeForbidden, message)
}

// NotFound creates a not found error response
func NotFound(message string) *Response {
	if message == "" {
		message = "Resource not found"
	}
	return Error(ErrCodeNotFound, message)
}

// InternalError creates an internal server error response
func InternalError(message string) *Response {
	if message == "" {
		message = "An internal error occurred"
	}
	return Error(ErrCodeInternalError, message)
}
