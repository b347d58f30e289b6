package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorCode 错误码类型
type ErrorCode string

// Stable internal error kinds. Handlers map them onto OpenAI-style error
// types and HTTP statuses; everything else in the process matches on them
// with errors.As.
const (
	CodePoolEmpty          ErrorCode = "pool_empty"
	CodeUpstreamHTTP       ErrorCode = "upstream_http"
	CodeAuthRevoked        ErrorCode = "upstream_auth_revoked"
	CodeQuotaExhausted     ErrorCode = "upstream_quota_exhausted"
	CodeUpstreamTimeout    ErrorCode = "upstream_timeout"
	CodeTranslatorProtocol ErrorCode = "translator_protocol_error"
	CodeTranslatorBlocked  ErrorCode = "translator_blocked"
	CodeClientCancelled    ErrorCode = "client_cancelled"
	CodePersistConflict    ErrorCode = "persistence_conflict"
	CodeInvalidInput       ErrorCode = "invalid_request"
	CodeNotFound           ErrorCode = "not_found"
	CodeInternal           ErrorCode = "internal_error"
)

// AppError 应用错误
type AppError struct {
	Code       ErrorCode
	Message    string
	Err        error
	HTTPStatus int           // upstream status for upstream_http errors, 0 otherwise
	RetryAfter time.Duration // upstream Retry-After hint, 0 if absent
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 实现 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// New 创建错误
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap 创建带原因的错误
func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, Err: cause}
}

// NewUpstreamHTTP builds an upstream_http error carrying the upstream status.
func NewUpstreamHTTP(status int, message string) *AppError {
	return &AppError{Code: CodeUpstreamHTTP, Message: message, HTTPStatus: status}
}

// CodeOf extracts the ErrorCode from err, or CodeInternal if none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// RetryAfterOf returns the upstream Retry-After hint attached to err, 0 if none.
func RetryAfterOf(err error) time.Duration {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.RetryAfter
	}
	return 0
}

// UpstreamStatus returns the upstream HTTP status attached to err, 0 if none.
func UpstreamStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return 0
}

// Is 判断错误码
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsNotFound 判断是否为未找到错误
func IsNotFound(err error) bool { return Is(err, CodeNotFound) }

// IsConflict 判断是否为版本冲突错误
func IsConflict(err error) bool { return Is(err, CodePersistConflict) }

// OpenAIType maps an internal error kind onto the stable OpenAI-style
// error type surfaced to clients.
func OpenAIType(err error) string {
	switch CodeOf(err) {
	case CodePoolEmpty, CodeAuthRevoked:
		return "upstream_unavailable"
	case CodeQuotaExhausted:
		return "rate_limit_exceeded"
	case CodeUpstreamTimeout:
		return "timeout"
	case CodeTranslatorProtocol, CodeTranslatorBlocked:
		return "bad_gateway"
	case CodeClientCancelled:
		return "client_cancelled"
	case CodeInvalidInput:
		return "invalid_request_error"
	case CodeNotFound:
		return "not_found_error"
	default:
		return "server_error"
	}
}

// HTTPStatus maps an internal error kind onto the response status code.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeQuotaExhausted:
		return http.StatusTooManyRequests
	case CodeUpstreamTimeout:
		return http.StatusGatewayTimeout
	case CodeInvalidInput:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}
