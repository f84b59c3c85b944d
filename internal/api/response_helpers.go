// internal/api/response_helpers.go
package api

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/Corphon/StoryWeaverMCP/internal/errors"
	"github.com/Corphon/StoryWeaverMCP/internal/models"
	"github.com/gin-gonic/gin"
)

// APIResponse 所有JSON端点共用的响应信封
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"` // 用于调试和追踪
}

// APIError 标准错误格式
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// PaginationMeta 分页元数据
type PaginationMeta struct {
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// PaginatedResponse 带分页的响应
type PaginatedResponse struct {
	*APIResponse
	Meta *PaginationMeta `json:"meta,omitempty"`
}

// ResponseHelper 统一REST响应的外层包装
type ResponseHelper struct{}

// NewResponseHelper 构建响应助手
func NewResponseHelper() *ResponseHelper {
	return &ResponseHelper{}
}

// envelope 构造携带请求ID的成功信封
func (rh *ResponseHelper) envelope(c *gin.Context, data interface{}) *APIResponse {
	return &APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: c.GetString("request_id"),
	}
}

// Success 成功响应
func (rh *ResponseHelper) Success(c *gin.Context, data interface{}, message ...string) {
	resp := rh.envelope(c, data)
	if len(message) > 0 {
		resp.Message = message[0]
	}
	c.JSON(http.StatusOK, resp)
}

// Created 以201返回新建资源
func (rh *ResponseHelper) Created(c *gin.Context, data interface{}, message ...string) {
	resp := rh.envelope(c, data)
	resp.Message = "资源创建成功"
	if len(message) > 0 {
		resp.Message = message[0]
	}
	c.JSON(http.StatusCreated, resp)
}

// Accepted 202响应，用于已受理的异步构建任务
func (rh *ResponseHelper) Accepted(c *gin.Context, taskID, message string) {
	c.JSON(http.StatusAccepted, gin.H{
		"task_id": taskID,
		"message": message,
	})
}

// PaginatedSuccess 分页成功响应
func (rh *ResponseHelper) PaginatedSuccess(c *gin.Context, data interface{}, meta *PaginationMeta, message ...string) {
	inner := rh.envelope(c, data)
	if len(message) > 0 {
		inner.Message = message[0]
	}
	c.JSON(http.StatusOK, &PaginatedResponse{APIResponse: inner, Meta: meta})
}

// scrubSecrets 防止错误文本把凭据带进响应体
func scrubSecrets(message string) string {
	lowered := strings.ToLower(message)
	for _, marker := range []string{"api_key", "apikey", "secret", "access_token", "authorization"} {
		if strings.Contains(lowered, marker) {
			return "An internal error occurred"
		}
	}
	return message
}

// Error 按给定状态码返回错误包装
func (rh *ResponseHelper) Error(c *gin.Context, statusCode int, errorCode, message string, details ...string) {
	apiErr := &APIError{
		Code:    errorCode,
		Message: scrubSecrets(message),
	}
	if len(details) > 0 {
		apiErr.Details = scrubSecrets(details[0])
	}

	c.JSON(statusCode, &APIResponse{
		Error:     apiErr,
		Timestamp: time.Now(),
		RequestID: c.GetString("request_id"),
	})
}

// FromError 根据服务层错误类型映射HTTP状态码与错误代码
func (rh *ResponseHelper) FromError(c *gin.Context, err error) {
	message := err.Error()

	switch {
	case apperrors.IsValidationError(err):
		rh.Error(c, http.StatusBadRequest, ErrorBadRequest, message)
	case apperrors.IsNotFoundError(err):
		rh.Error(c, http.StatusNotFound, ErrorNotFound, message)
	case apperrors.IsConflictError(err):
		rh.Error(c, http.StatusConflict, ErrorConflict, message)
	case apperrors.IsUnauthorizedError(err):
		rh.Error(c, http.StatusUnauthorized, ErrorUnauthorized, message)
	case apperrors.IsForbiddenError(err):
		rh.Error(c, http.StatusForbidden, ErrorForbidden, message)
	case apperrors.IsParseFailureError(err):
		// 模型输出无法解析，属于上游生成服务的问题
		rh.Error(c, http.StatusBadGateway, ErrorLLMOutputInvalid, message)
	case apperrors.IsGenerationError(err):
		rh.Error(c, http.StatusBadGateway, ErrorGenerationFailed, message)
	default:
		rh.Error(c, http.StatusInternalServerError, ErrorInternalError, message)
	}
}

// BadRequest 参数校验失败时的400响应
func (rh *ResponseHelper) BadRequest(c *gin.Context, message string, details ...string) {
	rh.Error(c, http.StatusBadRequest, ErrorBadRequest, message, details...)
}

// notFoundCodes 资源名到专用错误代码的映射
var notFoundCodes = map[string]string{
	"故事": ErrorStoryNotFound, "story": ErrorStoryNotFound,
	"大纲": ErrorOutlineNotFound, "outline": ErrorOutlineNotFound,
	"计划": ErrorPlanNotFound, "plan": ErrorPlanNotFound,
	"章节": ErrorChaptersNotFound, "chapters": ErrorChaptersNotFound,
	"任务": ErrorTaskNotFound, "task": ErrorTaskNotFound,
}

// NotFound 资源缺失时的404响应
func (rh *ResponseHelper) NotFound(c *gin.Context, resource string, details ...string) {
	code := ErrorNotFound
	if mapped, ok := notFoundCodes[resource]; ok {
		code = mapped
	}
	rh.Error(c, http.StatusNotFound, code, resource+"不存在", details...)
}

// InternalError 服务端故障时的500响应
func (rh *ResponseHelper) InternalError(c *gin.Context, message string, details ...string) {
	rh.Error(c, http.StatusInternalServerError, ErrorInternalError, message, details...)
}

// Conflict 状态冲突时的409响应
func (rh *ResponseHelper) Conflict(c *gin.Context, message string, details ...string) {
	rh.Error(c, http.StatusConflict, ErrorConflict, message, details...)
}

// Forbidden 权限不足时的403响应
func (rh *ResponseHelper) Forbidden(c *gin.Context, message string, details ...string) {
	rh.Error(c, http.StatusForbidden, ErrorForbidden, message, details...)
}

// sendAttachment 把导出内容作为附件下发
func sendAttachment(c *gin.Context, content, filename, contentType string, withLength bool) {
	c.Header("Content-Type", contentType)
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	if withLength {
		c.Header("Content-Length", fmt.Sprintf("%d", len(content)))
	}
	c.String(http.StatusOK, content)
}

// ExportResponse 导出响应（专用于导出功能）
// JSON默认以API响应返回，download=true时作为文件下载
func (rh *ResponseHelper) ExportResponse(c *gin.Context, result *models.ExportResult, format string, download bool) {
	filename := filepath.Base(result.FilePath)

	switch strings.ToLower(format) {
	case "json":
		if download {
			sendAttachment(c, result.Content, filename, "application/json; charset=utf-8", true)
			return
		}
		rh.Success(c, result, "导出成功")
	case "markdown":
		sendAttachment(c, result.Content, filename, "text/markdown; charset=utf-8", false)
	case "txt":
		sendAttachment(c, result.Content, filename, "text/plain; charset=utf-8", false)
	default:
		rh.Success(c, result, "导出成功")
	}
}
