// internal/api/error_codes.go
package api

// 响应包装中返回给客户端的错误代码
const (
	// 基础HTTP语义
	ErrorBadRequest    = "BAD_REQUEST"
	ErrorNotFound      = "NOT_FOUND"
	ErrorInternalError = "INTERNAL_ERROR"
	ErrorConflict      = "CONFLICT"
	ErrorForbidden     = "FORBIDDEN"
	ErrorUnauthorized  = "UNAUTHORIZED"

	// 故事与构建状态
	ErrorStoryNotFound   = "STORY_NOT_FOUND"
	ErrorBuildInProgress = "BUILD_IN_PROGRESS"

	// 产物相关错误
	ErrorOutlineNotFound  = "OUTLINE_NOT_FOUND"
	ErrorPlanNotFound     = "PLAN_NOT_FOUND"
	ErrorChaptersNotFound = "CHAPTERS_NOT_FOUND"

	// 构建任务相关错误
	ErrorTaskNotFound = "TASK_NOT_FOUND"
	ErrorTaskFinished = "TASK_FINISHED"

	// LLM配置与生成
	ErrorLLMConfigInvalid = "LLM_CONFIG_INVALID"
	ErrorLLMOutputInvalid = "LLM_OUTPUT_INVALID"
	ErrorGenerationFailed = "GENERATION_FAILED"
	ErrorConnectionFailed = "CONNECTION_FAILED"

	// 导出
	ErrorExportFailed        = "EXPORT_FAILED"
	ErrorExportFormatInvalid = "EXPORT_FORMAT_INVALID"
)
