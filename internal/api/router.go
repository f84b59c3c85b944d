// internal/api/router.go
package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Corphon/StoryWeaverMCP/internal/config"
	"github.com/Corphon/StoryWeaverMCP/internal/di"
	"github.com/Corphon/StoryWeaverMCP/internal/services"
	"github.com/Corphon/StoryWeaverMCP/internal/utils"
)

// resolve 从容器取出服务并断言具体类型，缺失或类型不符即报错
func resolve[T any](container *di.Container, name, label string) (T, error) {
	svc, ok := container.Get(name).(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%s服务未正确初始化", label)
	}
	return svc, nil
}

// SetupRouter 从容器取出各服务并装配全部HTTP路由
func SetupRouter() (*gin.Engine, error) {
	cfg := config.GetCurrentConfig()
	container := di.GetContainer()

	// 全部服务由容器装配，路由层不自行创建实例
	storyService, err := resolve[*services.StoryService](container, di.ServiceStory, "故事")
	if err != nil {
		return nil, err
	}
	exportService, err := resolve[*services.ExportService](container, di.ServiceExport, "导出")
	if err != nil {
		return nil, err
	}
	progressService, err := resolve[*services.ProgressService](container, di.ServiceProgress, "进度")
	if err != nil {
		return nil, err
	}
	configService, err := resolve[*services.ConfigService](container, di.ServiceConfig, "配置")
	if err != nil {
		return nil, err
	}
	statsService, err := resolve[*services.StatsService](container, di.ServiceStats, "统计")
	if err != nil {
		return nil, err
	}
	llmService, err := resolve[*services.LLMService](container, di.ServiceLLM, "LLM")
	if err != nil {
		return nil, err
	}

	handler := NewHandler(
		storyService,
		exportService,
		progressService,
		configService,
		statsService,
		llmService,
	)

	r := gin.Default()

	// 跨域放行
	r.Use(corsMiddleware())

	// 请求追踪ID
	r.Use(requestIDMiddleware())

	// 请求级指标
	r.Use(metricsMiddleware())

	// 生产环境强制HTTPS，协议头由反向代理传入
	if !cfg.DebugMode {
		r.Use(httpsRedirect())
	}

	// 访问控制（未配置访问令牌时为开放模式）
	r.Use(AuthMiddleware())

	// WebSocket 支持
	r.GET("/ws/story/:id", handler.StoryWebSocket)
	r.GET("/ws/events", handler.EventsWebSocket)

	// 共享限流器，构建提交和导出用更严格的配额
	buildLimit := BuildRateLimit()
	exportLimit := ExportRateLimit()

	// ===============================
	// REST接口，统一挂在/api下
	// ===============================
	api := r.Group("/api")
	api.Use(DefaultRateLimit())
	{
		// 健康检查
		api.GET("/health", handler.GetHealth)

		// 会话令牌，供SSE和WebSocket客户端换取
		api.POST("/auth/session", handler.CreateSession)

		// ===============================
		// 设置读写路由
		// ===============================
		settings := api.Group("/settings")
		{
			settings.GET("", handler.GetSettings)
			settings.POST("", handler.SaveSettings)
			settings.POST("/test-connection", handler.TestConnection)
			settings.GET("/history", handler.GetConfigHistory)
		}

		// ===============================
		// LLM提供商路由
		// ===============================
		llm := api.Group("/llm")
		{
			llm.GET("/status", handler.GetLLMStatus)
			llm.GET("/models", handler.GetLLMModels)
			llm.PUT("/config", handler.UpdateLLMConfig)
		}

		// ===============================
		// 故事相关路由
		// ===============================
		storiesGroup := api.Group("/stories")
		{
			storiesGroup.GET("", handler.GetStories)
			storiesGroup.POST("", handler.CreateStory)
			storiesGroup.GET("/:id", handler.GetStory)
			storiesGroup.DELETE("/:id", handler.DeleteStory)

			// 构建产物
			storiesGroup.GET("/:id/outline", handler.GetOutline)
			storiesGroup.GET("/:id/plan", handler.GetPlan)
			storiesGroup.GET("/:id/chapters", handler.GetChapters)

			// 构建任务
			storiesGroup.POST("/:id/outline", buildLimit, handler.BuildOutline)
			storiesGroup.POST("/:id/plan", buildLimit, handler.BuildPlan)
			storiesGroup.POST("/:id/chapters", buildLimit, handler.WriteChapters)
			storiesGroup.POST("/:id/build", buildLimit, handler.BuildStory)
			storiesGroup.POST("/:id/cancel", handler.CancelStoryBuild)

			// 导出
			storiesGroup.GET("/:id/export", exportLimit, handler.ExportStory)
		}

		// ===============================
		// 构建进度相关
		// ===============================
		api.GET("/progress/:taskID", handler.SubscribeProgress)
		api.POST("/cancel/:taskID", handler.CancelBuildTask)

		// ===============================
		// 统计相关
		// ===============================
		api.GET("/stats", handler.GetStats)

		// ===============================
		// WebSocket 管理路由
		// ===============================
		ws := api.Group("/ws")
		{
			ws.GET("/status", handler.GetWebSocketStatus)
			ws.POST("/cleanup", handler.CleanupWebSocketConnections)
		}
	}

	return r, nil
}

// corsMiddleware 放行跨域访问并短路OPTIONS预检
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, X-Access-Token, accept, origin, Cache-Control, X-Requested-With")
		h.Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// httpsRedirect 把明文请求重定向到HTTPS并中止后续处理
func httpsRedirect() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("X-Forwarded-Proto") == "https" {
			c.Next()
			return
		}
		c.Redirect(http.StatusPermanentRedirect, "https://"+c.Request.Host+c.Request.URL.Path)
		c.Abort()
	}
}

// requestIDMiddleware 为每个请求分配追踪ID，透传客户端自带的ID
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		c.Set("request_id", requestID)
		c.Writer.Header().Set("X-Request-ID", requestID)
		c.Next()
	}
}

// metricsMiddleware 按路由模板记录请求耗时与状态码
func metricsMiddleware() gin.HandlerFunc {
	apiMetrics := utils.NewAPIMetrics()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		apiMetrics.RecordAPIRequest(endpoint, c.Request.Method, c.Writer.Status(), time.Since(start))
	}
}
