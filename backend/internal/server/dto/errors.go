// Structured API errors returned by handlers and rendered as JSON by the
// server.
package dto

import (
	"fmt"
	"net/http"
)

// ErrorCode is a machine readable error identifier.
type ErrorCode string

// Error codes.
const (
	CodeBadRequest    ErrorCode = "BAD_REQUEST"
	CodeUnauthorized  ErrorCode = "UNAUTHORIZED"
	CodeForbidden     ErrorCode = "FORBIDDEN"
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeConflict      ErrorCode = "CONFLICT"
	CodeInternalError ErrorCode = "INTERNAL_ERROR"
	CodeBadGateway    ErrorCode = "BAD_GATEWAY"
)

// APIError is an error with an HTTP status and a code.
type APIError struct {
	statusCode int
	code       ErrorCode
	message    string
	details    map[string]any
}

func (e *APIError) Error() string { return e.message }

// StatusCode returns the HTTP status.
func (e *APIError) StatusCode() int { return e.statusCode }

// Code returns the error code.
func (e *APIError) Code() ErrorCode { return e.code }

// Details returns additional context, possibly nil.
func (e *APIError) Details() map[string]any { return e.details }

// WithDetail returns e with key set in its details.
func (e *APIError) WithDetail(key string, value any) *APIError {
	if e.details == nil {
		e.details = map[string]any{}
	}
	e.details[key] = value
	return e
}

// BadRequest is a 400.
func BadRequest(msg string) *APIError {
	return &APIError{statusCode: http.StatusBadRequest, code: CodeBadRequest, message: msg}
}

// Unauthorized is a 401.
func Unauthorized(msg string) *APIError {
	return &APIError{statusCode: http.StatusUnauthorized, code: CodeUnauthorized, message: msg}
}

// Forbidden is a 403.
func Forbidden(msg string) *APIError {
	return &APIError{statusCode: http.StatusForbidden, code: CodeForbidden, message: msg}
}

// NotFound is a 404 for the named resource.
func NotFound(resource string) *APIError {
	return &APIError{statusCode: http.StatusNotFound, code: CodeNotFound, message: fmt.Sprintf("%s not found", resource)}
}

// Conflict is a 409.
func Conflict(msg string) *APIError {
	return &APIError{statusCode: http.StatusConflict, code: CodeConflict, message: msg}
}

// InternalError is a 500.
func InternalError(msg string) *APIError {
	return &APIError{statusCode: http.StatusInternalServerError, code: CodeInternalError, message: msg}
}

// BadGateway is a 502, used when a collaborator service fails.
func BadGateway(msg string) *APIError {
	return &APIError{statusCode: http.StatusBadGateway, code: CodeBadGateway, message: msg}
}

// ErrorDetails is the body of an error response.
type ErrorDetails struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ErrorResponse wraps ErrorDetails.
type ErrorResponse struct {
	Error ErrorDetails `json:"error"`
}

// Validatable is implemented by every request type.
type Validatable interface {
	Validate() error
}
