// internal/utils/response.go
package utils

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Error codes returned alongside device and session failures. Generic
// failures fall back to a code derived from the HTTP status.
const (
	CodeSessionNotFound   = "SESSION_NOT_FOUND"
	CodeOperationNotFound = "OPERATION_NOT_FOUND"
	CodeSessionBusy       = "SESSION_BUSY"
	CodeSessionLimit      = "SESSION_LIMIT"
	CodeWrongMode         = "WRONG_DEVICE_MODE"
	CodeDeviceTimeout     = "DEVICE_TIMEOUT"
	CodeDeviceUnavailable = "DEVICE_UNAVAILABLE"
	CodeServiceClosed     = "SERVICE_CLOSED"
	CodeValidation        = "VALIDATION_ERROR"
)

// APIResponse is the envelope of every JSON reply
type APIResponse struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"`
}

// APIError describes a failed request. Retryable marks failures caused by
// the device or by load, where the same request may succeed later.
type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   string `json:"details,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

var statusCodes = map[int]string{
	http.StatusBadRequest:            "BAD_REQUEST",
	http.StatusNotFound:              "NOT_FOUND",
	http.StatusConflict:              "CONFLICT",
	http.StatusRequestEntityTooLarge: "PAYLOAD_TOO_LARGE",
	http.StatusInternalServerError:   "INTERNAL_SERVER_ERROR",
	http.StatusBadGateway:            CodeDeviceUnavailable,
	http.StatusServiceUnavailable:    "SERVICE_UNAVAILABLE",
	http.StatusGatewayTimeout:        CodeDeviceTimeout,
}

// SuccessResponse sends a successful response
func SuccessResponse(c *gin.Context, statusCode int, message string, data interface{}) {
	c.JSON(statusCode, APIResponse{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: c.GetString("request_id"),
	})
}

// ErrorResponse sends an error response with the default code for the status
func ErrorResponse(c *gin.Context, statusCode int, message string, err error) {
	CodedErrorResponse(c, statusCode, "", message, err)
}

// CodedErrorResponse sends an error response with an explicit error code.
// An empty code falls back to the status default.
func CodedErrorResponse(c *gin.Context, statusCode int, code, message string, err error) {
	c.JSON(statusCode, errorEnvelope(c, statusCode, code, message, err))
}

// AbortWithError stops the handler chain and sends an error response
func AbortWithError(c *gin.Context, statusCode int, message string, err error) {
	c.AbortWithStatusJSON(statusCode, errorEnvelope(c, statusCode, "", message, err))
}

// ValidationErrorResponse sends a 400 listing the offending fields
func ValidationErrorResponse(c *gin.Context, errors map[string]string) {
	c.JSON(http.StatusBadRequest, APIResponse{
		Success: false,
		Message: "Validation failed",
		Error: &APIError{
			Code:    CodeValidation,
			Message: "Request validation failed",
		},
		Data:      gin.H{"validation_errors": errors},
		Timestamp: time.Now(),
		RequestID: c.GetString("request_id"),
	})
}

func errorEnvelope(c *gin.Context, statusCode int, code, message string, err error) APIResponse {
	if code == "" {
		code = statusCodes[statusCode]
	}
	if code == "" {
		code = "UNKNOWN_ERROR"
	}

	apiError := &APIError{
		Code:      code,
		Message:   message,
		Retryable: retryable(statusCode),
	}
	if err != nil {
		apiError.Details = err.Error()
	}

	return APIResponse{
		Success:   false,
		Message:   message,
		Error:     apiError,
		Timestamp: time.Now(),
		RequestID: c.GetString("request_id"),
	}
}

func retryable(statusCode int) bool {
	switch statusCode {
	case http.StatusConflict, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}
