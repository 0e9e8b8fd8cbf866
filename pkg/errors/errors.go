package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"camstream/internal/core/domain"
)

// ErrorCode is the machine-readable "error" field of a JSON error body.
type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrCodeInvalidCredentials ErrorCode = "INVALID_CREDENTIALS"
	ErrCodeInvalidToken       ErrorCode = "INVALID_TOKEN"
	ErrCodeConflict           ErrorCode = "CONFLICT"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeDeviceUnavailable  ErrorCode = "DEVICE_UNAVAILABLE"
	ErrCodeDeviceBusy         ErrorCode = "DEVICE_BUSY"
	ErrCodeCaptureFailed      ErrorCode = "CAPTURE_FAILED"
)

// AppError is what handlers hand to the error middleware. Context entries
// are rendered as "details".
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewServiceUnavailableError(message string) *AppError {
	return NewAppError(ErrCodeServiceUnavailable, message, http.StatusServiceUnavailable)
}

type domainMapping struct {
	target  error
	code    ErrorCode
	message string
	status  int
}

// Auth messages stay generic so clients cannot tell which check failed.
var domainMappings = []domainMapping{
	{domain.ErrDeviceUnavailable, ErrCodeDeviceUnavailable, "camera not available", http.StatusServiceUnavailable},
	{domain.ErrDeviceBusy, ErrCodeDeviceBusy, "camera is in use", http.StatusServiceUnavailable},
	{domain.ErrCaptureFailed, ErrCodeCaptureFailed, "failed to capture photo", http.StatusInternalServerError},
	{domain.ErrInvalidCredentials, ErrCodeInvalidCredentials, "invalid credentials", http.StatusUnauthorized},
	{domain.ErrUnauthenticated, ErrCodeUnauthorized, "authentication required", http.StatusUnauthorized},
	{domain.ErrSessionNotFound, ErrCodeUnauthorized, "authentication required", http.StatusUnauthorized},
	{domain.ErrInvalidToken, ErrCodeInvalidToken, "invalid or expired token", http.StatusForbidden},
	{domain.ErrTokenNotFound, ErrCodeInvalidToken, "invalid or expired token", http.StatusForbidden},
	{domain.ErrResourceConflict, ErrCodeConflict, "resource conflict", http.StatusConflict},
	{domain.ErrTooManyAttempts, ErrCodeRateLimit, "too many failed attempts, try again later", http.StatusTooManyRequests},
	{domain.ErrPhotoNotFound, ErrCodeNotFound, "photo not found", http.StatusNotFound},
	{domain.ErrInvalidFilename, ErrCodeInvalidInput, "invalid filename", http.StatusBadRequest},
}

// FromDomain maps err onto an AppError. An AppError already in the chain is
// returned as is; unknown errors become INTERNAL_ERROR.
func FromDomain(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr := GetAppError(err); appErr != nil {
		return appErr
	}
	for _, m := range domainMappings {
		if stderrors.Is(err, m.target) {
			return WrapError(err, m.code, m.message, m.status)
		}
	}
	return WrapError(err, ErrCodeInternal, "internal server error", http.StatusInternalServerError)
}

func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}
