// internal/errors/errors.go
package errors

import (
	"errors"
	"fmt"
)

// ErrorType 区分应用错误的类别
type ErrorType string

const (
	// 基础类别
	ErrorTypeValidation   ErrorType = "validation_error"
	ErrorTypeNotFound     ErrorType = "not_found"
	ErrorTypeError        ErrorType = "processing_error"
	ErrorTypeUnauthorized ErrorType = "unauthorized"
	ErrorTypeForbidden    ErrorType = "forbidden"
	ErrorTypeConflict     ErrorType = "conflict"
	ErrorTypeTimeout      ErrorType = "timeout"

	// 生成流程错误类型
	ErrorTypeParseFailure ErrorType = "parse_failure"
	ErrorTypeGeneration   ErrorType = "generation_failure"
)

// errorCodes 每种错误类型对应的用户可见错误代码
var errorCodes = map[ErrorType]string{
	ErrorTypeValidation:   "VALIDATION_ERROR",
	ErrorTypeNotFound:     "NOT_FOUND",
	ErrorTypeError:        "PROCESSING_ERROR",
	ErrorTypeUnauthorized: "UNAUTHORIZED",
	ErrorTypeForbidden:    "FORBIDDEN",
	ErrorTypeConflict:     "CONFLICT",
	ErrorTypeTimeout:      "TIMEOUT",
	ErrorTypeParseFailure: "PARSE_FAILURE",
	ErrorTypeGeneration:   "GENERATION_FAILURE",
}

// AppError 携带类别、用户可见代码与原因链
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
	Code    string // 用户友好的错误代码
}

// Error 返回消息，有原因时附在后面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap 暴露原因，供 errors.Is / errors.As 下钻
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError 按类别查错误代码并组装 AppError
func NewAppError(errType ErrorType, message string, cause error) *AppError {
	code, ok := errorCodes[errType]
	if !ok {
		code = "UNKNOWN_ERROR"
	}
	return &AppError{
		Type:    errType,
		Message: message,
		Err:     cause,
		Code:    code,
	}
}

// NewValidationError 输入校验未通过
func NewValidationError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeValidation, message, cause)
}

// NewNotFoundError 目标资源不存在
func NewNotFoundError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeNotFound, message, cause)
}

// NewProcessingError 一般性处理失败
func NewProcessingError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeError, message, cause)
}

// NewUnauthorizedError 请求未通过认证
func NewUnauthorizedError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeUnauthorized, message, cause)
}

// NewForbiddenError 权限不足
func NewForbiddenError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeForbidden, message, cause)
}

// NewConflictError 与当前状态冲突
func NewConflictError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeConflict, message, cause)
}

// NewParseFailureError 创建解析失败错误
func NewParseFailureError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeParseFailure, message, cause)
}

// NewGenerationError 创建生成失败错误
func NewGenerationError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeGeneration, message, cause)
}

// hasType 判断错误链上是否携带指定类型的 AppError
func hasType(err error, errType ErrorType) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Type == errType
}

// IsValidationError 报告错误链中是否有校验错误
func IsValidationError(err error) bool {
	return hasType(err, ErrorTypeValidation)
}

// IsNotFoundError 报告错误链中是否有资源缺失错误
func IsNotFoundError(err error) bool {
	return hasType(err, ErrorTypeNotFound)
}

// IsUnauthorizedError 报告错误链中是否有未认证错误
func IsUnauthorizedError(err error) bool {
	return hasType(err, ErrorTypeUnauthorized)
}

// IsForbiddenError 报告错误链中是否有权限错误
func IsForbiddenError(err error) bool {
	return hasType(err, ErrorTypeForbidden)
}

// IsConflictError 报告错误链中是否有状态冲突错误
func IsConflictError(err error) bool {
	return hasType(err, ErrorTypeConflict)
}

// IsParseFailureError 检查是否为解析失败错误
func IsParseFailureError(err error) bool {
	return hasType(err, ErrorTypeParseFailure)
}

// IsGenerationError 检查是否为生成失败错误
func IsGenerationError(err error) bool {
	return hasType(err, ErrorTypeGeneration)
}

// WrapError 包装现有错误；已是 AppError 时保留原类型并叠加消息
func WrapError(err error, message string, errType ErrorType) error {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if !errors.As(err, &appErr) {
		return NewAppError(errType, message, err)
	}
	return &AppError{
		Type:    appErr.Type,
		Message: fmt.Sprintf("%s: %s", message, appErr.Message),
		Err:     appErr,
		Code:    appErr.Code,
	}
}
