// internal/api/handlers.go
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Corphon/StoryWeaverMCP/internal/config"
	apperrors "github.com/Corphon/StoryWeaverMCP/internal/errors"
	"github.com/Corphon/StoryWeaverMCP/internal/llm"
	"github.com/Corphon/StoryWeaverMCP/internal/models"
	"github.com/Corphon/StoryWeaverMCP/internal/services"
	"github.com/Corphon/StoryWeaverMCP/internal/utils"
)

// Handler 汇集REST端点依赖的各项服务
type Handler struct {
	StoryService     *services.StoryService    // 故事构建门面
	ExportService    *services.ExportService   // 导出服务
	ProgressService  *services.ProgressService // 进度跟踪服务
	ConfigService    *services.ConfigService   // 配置服务
	StatsService     *services.StatsService    // 统计服务
	LLMService       *services.LLMService      // LLM服务
	WebSocketHandler *WebSocketHandler         // WebSocket 处理器
	Response         *ResponseHelper           // 响应助手
}

// CreateStoryRequest 创建故事的请求结构
type CreateStoryRequest struct {
	Title   string             `json:"title"`                      // 标题，留空时从前提截取
	Premise string             `json:"premise" binding:"required"` // 一句话故事前提
	Params  models.StoryParams `json:"params"`                     // 构建参数，零值字段回落到全局默认
}

// SaveSettingsRequest 保存设置的请求结构
type SaveSettingsRequest struct {
	LLMProvider string                 `json:"llm_provider"` // LLM提供商名称
	LLMConfig   map[string]string      `json:"llm_config"`   // 提供商配置
	Engine      *config.EngineDefaults `json:"engine"`       // 构建引擎默认参数
	DebugMode   *bool                  `json:"debug_mode"`   // 调试模式开关
}

// ---------------------------------------------------------
// NewHandler 创建API处理器
func NewHandler(
	storyService *services.StoryService,
	exportService *services.ExportService,
	progressService *services.ProgressService,
	configService *services.ConfigService,
	statsService *services.StatsService,
	llmService *services.LLMService) *Handler {

	return &Handler{
		StoryService:     storyService,
		ExportService:    exportService,
		ProgressService:  progressService,
		ConfigService:    configService,
		StatsService:     statsService,
		LLMService:       llmService,
		WebSocketHandler: NewWebSocketHandler(),
		Response:         NewResponseHelper(),
	}
}

// ------------------------------------------------
// StoryWebSocket 处理故事频道 WebSocket 连接
func (h *Handler) StoryWebSocket(c *gin.Context) {
	h.WebSocketHandler.StoryWebSocket(c)
}

// EventsWebSocket 处理全局事件流 WebSocket 连接
func (h *Handler) EventsWebSocket(c *gin.Context) {
	h.WebSocketHandler.EventsWebSocket(c)
}

// BroadcastToStory 提供外部调用的广播方法
func (h *Handler) BroadcastToStory(storyID string, message map[string]interface{}) {
	hub.pushToChannel(storyID, message)
}

// GetWebSocketStatus 输出WebSocket连接统计（调试用）
func (h *Handler) GetWebSocketStatus(c *gin.Context) {
	status := hub.snapshot()
	status["ping_timeout_seconds"] = int(hub.staleAfter.Seconds())
	status["timestamp"] = time.Now().Format(time.RFC3339)
	c.JSON(http.StatusOK, status)
}

// CleanupWebSocketConnections 手动触发连接清理
func (h *Handler) CleanupWebSocketConnections(c *gin.Context) {
	hub.sweepStale()
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"message":   "连接清理已执行",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// ========================================
// 故事管理处理器
// ========================================

// GetStories 获取故事列表，按创建时间倒序分页
func (h *Handler) GetStories(c *gin.Context) {
	stories, err := h.StoryService.ListStories()
	if err != nil {
		h.Response.FromError(c, err)
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "20"))
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}

	total := len(stories)
	totalPages := (total + perPage - 1) / perPage
	start := (page - 1) * perPage
	if start > total {
		start = total
	}
	end := start + perPage
	if end > total {
		end = total
	}

	meta := &PaginationMeta{
		Page:       page,
		PerPage:    perPage,
		Total:      total,
		TotalPages: totalPages,
	}

	h.Response.PaginatedSuccess(c, stories[start:end], meta, "故事列表获取成功")
}

// CreateStory 从前提创建新故事
func (h *Handler) CreateStory(c *gin.Context) {
	var req CreateStoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}

	story, err := h.StoryService.CreateStory(req.Title, req.Premise, req.Params)
	if err != nil {
		h.Response.FromError(c, err)
		return
	}

	hub.pushToAll(map[string]interface{}{
		"type":      "story:created",
		"story_id":  story.ID,
		"title":     story.Title,
		"timestamp": time.Now().Format(time.RFC3339),
	})

	h.Response.Created(c, story, "故事创建成功")
}

// GetStory 获取指定故事详情
func (h *Handler) GetStory(c *gin.Context) {
	storyID := c.Param("id")
	story, err := h.StoryService.GetStory(storyID)
	if err != nil {
		h.Response.FromError(c, err)
		return
	}

	data := gin.H{
		"story": story,
	}
	if taskID, busy := h.StoryService.ActiveTask(storyID); busy {
		data["active_task_id"] = taskID
	}

	h.Response.Success(c, data, "故事数据获取成功")
}

// DeleteStory 删除故事及其全部产物
func (h *Handler) DeleteStory(c *gin.Context) {
	storyID := c.Param("id")
	if err := h.StoryService.DeleteStory(storyID); err != nil {
		h.Response.FromError(c, err)
		return
	}

	hub.pushToAll(map[string]interface{}{
		"type":      "story:deleted",
		"story_id":  storyID,
		"timestamp": time.Now().Format(time.RFC3339),
	})

	h.Response.Success(c, nil, "故事已删除")
}

// GetOutline 获取故事的事件大纲
func (h *Handler) GetOutline(c *gin.Context) {
	storyID := c.Param("id")
	graph, err := h.StoryService.GetOutline(storyID)
	if err != nil {
		if apperrors.IsNotFoundError(err) {
			h.Response.NotFound(c, "大纲", "故事ID: "+storyID)
			return
		}
		h.Response.FromError(c, err)
		return
	}

	h.Response.Success(c, graph, "事件大纲获取成功")
}

// GetPlan 获取故事计划
func (h *Handler) GetPlan(c *gin.Context) {
	storyID := c.Param("id")
	plan, err := h.StoryService.GetPlan(storyID)
	if err != nil {
		if apperrors.IsNotFoundError(err) {
			h.Response.NotFound(c, "计划", "故事ID: "+storyID)
			return
		}
		h.Response.FromError(c, err)
		return
	}

	h.Response.Success(c, plan, "故事计划获取成功")
}

// GetChapters 获取章节正文
func (h *Handler) GetChapters(c *gin.Context) {
	storyID := c.Param("id")
	chapters, err := h.StoryService.GetChapters(storyID)
	if err != nil {
		if apperrors.IsNotFoundError(err) {
			h.Response.NotFound(c, "章节", "故事ID: "+storyID)
			return
		}
		h.Response.FromError(c, err)
		return
	}

	h.Response.Success(c, chapters, "章节正文获取成功")
}

// ========================================
// 构建任务处理器
// ========================================

// startBuild 启动异步构建任务并返回202，进度同步桥接到 WebSocket 频道
func (h *Handler) startBuild(c *gin.Context, launch func(storyID string) (string, error), message string) {
	storyID := c.Param("id")

	taskID, err := launch(storyID)
	if err != nil {
		if apperrors.IsConflictError(err) {
			h.Response.Error(c, http.StatusConflict, ErrorBuildInProgress, err.Error())
			return
		}
		h.Response.FromError(c, err)
		return
	}

	go h.WebSocketHandler.BridgeTaskProgress(storyID, taskID)

	h.Response.Accepted(c, taskID, message)
}

// BuildOutline 启动大纲构建任务
// resume=true 时在现有事件图基础上继续生长
func (h *Handler) BuildOutline(c *gin.Context) {
	resume := c.DefaultQuery("resume", "false") == "true"
	h.startBuild(c, func(storyID string) (string, error) {
		return h.StoryService.BuildOutlineAsync(storyID, resume)
	}, "大纲构建已开始，请订阅进度更新")
}

// BuildPlan 启动计划编排任务
func (h *Handler) BuildPlan(c *gin.Context) {
	h.startBuild(c, h.StoryService.BuildPlanAsync, "计划编排已开始，请订阅进度更新")
}

// WriteChapters 启动章节成文任务
func (h *Handler) WriteChapters(c *gin.Context) {
	h.startBuild(c, h.StoryService.WriteChaptersAsync, "章节成文已开始，请订阅进度更新")
}

// BuildStory 启动完整构建任务：大纲 → 计划 → 成文
func (h *Handler) BuildStory(c *gin.Context) {
	h.startBuild(c, h.StoryService.BuildStoryAsync, "完整构建已开始，请订阅进度更新")
}

// sseWrite 输出一条SSE事件并立即刷出
func sseWrite(c *gin.Context, event, data string) {
	fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, data)
	c.Writer.Flush()
}

// SubscribeProgress 以SSE流推送指定任务的进度
func (h *Handler) SubscribeProgress(c *gin.Context) {
	tracker, ok := h.ProgressService.GetTracker(c.Param("taskID"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "任务不存在"})
		return
	}

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("Transfer-Encoding", "chunked")

	updates := tracker.Subscribe()
	defer tracker.Unsubscribe(updates)

	// 空闲期间靠心跳维持连接
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	sseWrite(c, "connected", `{"message":"连接已建立"}`)

	gone := c.Request.Context().Done()
	for {
		select {
		case <-gone:
			return

		case update, open := <-updates:
			if !open {
				return
			}
			payload, _ := json.Marshal(update)
			sseWrite(c, "progress", string(payload))

			// 终态后结束连接
			if update.Terminal() {
				return
			}

		case <-ticker.C:
			sseWrite(c, "heartbeat", fmt.Sprintf(`{"time":%d}`, time.Now().Unix()))
		}
	}
}

// CancelBuildTask 按任务ID取消构建
// 取消信号通过任务绑定的 context 传递，构建协程负责收尾落盘
func (h *Handler) CancelBuildTask(c *gin.Context) {
	taskID := c.Param("taskID")

	found, cancelled := h.ProgressService.CancelTask(taskID)
	if !found {
		h.Response.Error(c, http.StatusNotFound, ErrorTaskNotFound, "任务不存在")
		return
	}
	if !cancelled {
		h.Response.Error(c, http.StatusConflict, ErrorTaskFinished, "任务已结束，无法取消")
		return
	}

	h.Response.Success(c, nil, "取消信号已发出，任务将在收尾后结束")
}

// CancelStoryBuild 按故事ID取消当前构建
func (h *Handler) CancelStoryBuild(c *gin.Context) {
	storyID := c.Param("id")
	if err := h.StoryService.CancelBuild(storyID); err != nil {
		h.Response.FromError(c, err)
		return
	}

	h.Response.Success(c, nil, "取消信号已发出，任务将在收尾后结束")
}

// ========================================
// 导出处理器
// ========================================

// ExportStory 导出故事产物
// type 取值 outline/plan/chapters/full，format 取值 json/markdown/txt
func (h *Handler) ExportStory(c *gin.Context) {
	storyID := c.Param("id")
	exportType := c.DefaultQuery("type", "full")
	format := c.DefaultQuery("format", "markdown")
	download := c.DefaultQuery("download", "false") == "true"

	// 验证导出格式
	supportedFormats := []string{"json", "markdown", "txt"}
	if !slices.Contains(supportedFormats, strings.ToLower(format)) {
		h.Response.Error(c, http.StatusBadRequest, ErrorExportFormatInvalid,
			"不支持的导出格式", fmt.Sprintf("支持的格式: %v", supportedFormats))
		return
	}

	result, err := h.ExportService.ExportStory(storyID, exportType, format)
	if err != nil {
		if apperrors.IsNotFoundError(err) || apperrors.IsValidationError(err) {
			h.Response.FromError(c, err)
			return
		}
		h.Response.Error(c, http.StatusInternalServerError, ErrorExportFailed,
			"导出故事失败", err.Error())
		return
	}

	h.Response.ExportResponse(c, result, result.Format, download)
}

// ========================================
// 设置处理器
// ========================================

// GetSettings 获取当前设置，API密钥只返回是否已配置
func (h *Handler) GetSettings(c *gin.Context) {
	cfg := config.GetCurrentConfig()

	llmInfo := gin.H{
		"default_model": cfg.LLMConfig["default_model"],
		"has_api_key":   cfg.LLMConfig["api_key"] != "",
	}
	if model := cfg.LLMConfig["model"]; model != "" {
		llmInfo["model"] = model
	}

	h.Response.Success(c, gin.H{
		"llm_provider": cfg.LLMProvider,
		"debug_mode":   cfg.DebugMode,
		"port":         cfg.Port,
		"llm_config":   llmInfo,
		"engine":       cfg.Engine,
	}, "设置获取成功")
}

// SaveSettings 保存LLM配置、构建默认参数与调试模式
func (h *Handler) SaveSettings(c *gin.Context) {
	var req SaveSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求数据", err.Error())
		return
	}

	// 保存LLM配置
	if req.LLMProvider != "" && req.LLMConfig != nil {
		if key := req.LLMConfig["api_key"]; key != "" {
			if valid, reason := h.ConfigService.ValidateAPIKey(req.LLMProvider, key); !valid {
				h.Response.BadRequest(c, "API密钥无效", reason)
				return
			}
		}
		if err := h.ConfigService.UpdateLLMConfig(req.LLMProvider, req.LLMConfig, "web_ui"); err != nil {
			h.Response.InternalError(c, "保存LLM配置失败", err.Error())
			return
		}
	}

	// 保存构建引擎默认参数
	if req.Engine != nil {
		if err := h.ConfigService.UpdateEngineDefaults(*req.Engine, "web_ui"); err != nil {
			h.Response.InternalError(c, "保存构建默认参数失败", err.Error())
			return
		}
	}

	// 保存调试模式
	if req.DebugMode != nil {
		if err := h.ConfigService.SetDebugMode(*req.DebugMode); err != nil {
			h.Response.InternalError(c, "保存调试模式失败", err.Error())
			return
		}
	}

	h.Response.Success(c, nil, "设置保存成功")
}

// GetConfigHistory 获取配置变更历史与访问审计（调试用）
// 审计仅在调试模式下记录，未启用时audit为空
func (h *Handler) GetConfigHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	h.Response.Success(c, gin.H{
		"changes": h.ConfigService.GetChangeHistory(limit),
		"audit":   h.ConfigService.GetAuditLog(limit),
	}, "配置历史获取成功")
}

// TestConnection 测试LLM服务连通性
func (h *Handler) TestConnection(c *gin.Context) {
	if !h.LLMService.IsReady() {
		h.Response.Error(c, http.StatusServiceUnavailable, ErrorConnectionFailed,
			"LLM服务未就绪", h.LLMService.GetReadyState())
		return
	}

	// 一次最小化的测试调用
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	_, err := h.LLMService.CompleteText(ctx, "connection_test",
		"You are a helpful assistant.", "Hello")
	if err != nil {
		h.Response.Error(c, http.StatusServiceUnavailable, "CONNECTION_TEST_FAILED",
			"连接测试失败", err.Error())
		return
	}

	data := gin.H{
		"provider": h.LLMService.GetProviderName(),
		"status":   "connected",
		"test":     "passed",
	}
	h.Response.Success(c, data, "连接测试成功")
}

// ========================================
// LLM配置处理器
// ========================================

// GetLLMStatus 返回LLM服务就绪状态与配置概要
func (h *Handler) GetLLMStatus(c *gin.Context) {
	cfg := config.GetCurrentConfig()

	cfgInfo := gin.H{
		"provider":    cfg.LLMProvider,
		"has_api_key": cfg.LLMConfig["api_key"] != "",
	}
	if model := cfg.LLMConfig["default_model"]; model != "" {
		cfgInfo["model"] = model
	}

	c.JSON(http.StatusOK, gin.H{
		"ready":    h.LLMService.IsReady(),
		"status":   h.LLMService.GetReadyState(),
		"provider": h.LLMService.GetProviderName(),
		"config":   cfgInfo,
	})
}

// UpdateLLMConfig 更新LLM配置并立即切换运行中的服务
func (h *Handler) UpdateLLMConfig(c *gin.Context) {
	var req struct {
		Provider string            `json:"provider" binding:"required"`
		Config   map[string]string `json:"config" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求格式", err.Error())
		return
	}

	if err := h.ConfigService.UpdateLLMConfig(req.Provider, req.Config, "web_api"); err != nil {
		h.Response.Error(c, http.StatusBadRequest, ErrorLLMConfigInvalid,
			"配置验证失败", err.Error())
		return
	}

	// 用保存后的完整配置切换提供商，包含补全的默认模型
	if err := h.LLMService.UpdateProvider(req.Provider, h.ConfigService.GetLLMConfig()); err != nil {
		// 配置已保存，但 LLM 服务更新失败
		h.Response.Error(c, http.StatusPartialContent, "CONFIG_UPDATED_LLM_FAILED",
			"配置已保存，但LLM服务更新失败", err.Error())
		return
	}

	h.Response.Success(c, nil, "LLM配置已更新并生效")
}

// GetLLMModels 列出指定提供商可用的模型
func (h *Handler) GetLLMModels(c *gin.Context) {
	provider := c.Query("provider")
	if provider == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少提供商参数"})
		return
	}

	supported := llm.GetSupportedModelsForProvider(provider)
	if len(supported) == 0 && !slices.Contains(llm.ListProviders(), provider) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "不支持的LLM提供商: " + provider})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"provider": provider,
		"models":   supported,
		"count":    len(supported),
	})
}

// ========================================
// 统计与健康检查处理器
// ========================================

// GetStats 获取LLM用量、构建任务与运行时指标
func (h *Handler) GetStats(c *gin.Context) {
	data := gin.H{
		"llm_usage": h.StatsService.GetUsageStats(),
		"builds":    h.StoryService.Metrics(),
		"runtime":   utils.GetMetricsCollector().GetMetrics(),
	}

	h.Response.Success(c, data, "使用统计获取成功")
}

// GetHealth 健康检查端点
func (h *Handler) GetHealth(c *gin.Context) {
	ready, state := h.LLMService.GetProviderStatus()

	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"llm_ready":  ready,
		"llm_status": state,
		"timestamp":  time.Now().Format(time.RFC3339),
	})
}

// ========================================
// 会话处理器
// ========================================

// CreateSession 用访问令牌换取短期会话令牌
// SSE与WebSocket客户端无法携带请求头，用会话令牌作为查询参数鉴权
func (h *Handler) CreateSession(c *gin.Context) {
	cfg := config.GetCurrentConfig()
	if cfg == nil || cfg.AccessToken == "" {
		h.Response.BadRequest(c, "服务未启用访问控制，无需会话令牌")
		return
	}

	token, expiresAt, err := IssueSessionToken()
	if err != nil {
		h.Response.InternalError(c, "签发会话令牌失败", err.Error())
		return
	}

	data := gin.H{
		"token":      token,
		"expires_at": expiresAt,
	}
	h.Response.Success(c, data, "会话令牌签发成功")
}
