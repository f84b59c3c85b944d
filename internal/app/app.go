// internal/app/app.go
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Corphon/StoryWeaverMCP/internal/api"
	"github.com/Corphon/StoryWeaverMCP/internal/config"
	"github.com/Corphon/StoryWeaverMCP/internal/di"
	"github.com/Corphon/StoryWeaverMCP/internal/services"
	"github.com/Corphon/StoryWeaverMCP/internal/storage"
	"github.com/Corphon/StoryWeaverMCP/internal/utils"
)

// httpServer 抽象HTTP服务器，测试时可注入模拟实现
type httpServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// App 应用程序，持有配置、路由与HTTP服务器
type App struct {
	config   *config.AppConfig
	router   http.Handler
	server   httpServer
	stopChan chan os.Signal
}

// 全局应用实例（单例模式）
var instance *App

// GetApp 获取应用实例
func GetApp() *App {
	if instance == nil {
		instance = &App{
			stopChan: make(chan os.Signal, 1),
		}
	}
	return instance
}

// Initialize 初始化应用：配置系统、日志、访问控制、服务装配与路由
func Initialize(configPath string) error {
	app := GetApp()

	// 1. 初始化配置系统
	if err := config.InitConfig(configPath); err != nil {
		return fmt.Errorf("初始化配置失败: %w", err)
	}
	app.config = config.GetCurrentConfig()

	// 2. 初始化日志系统
	if err := initLogger(app.config.LogDir); err != nil {
		return fmt.Errorf("初始化日志系统失败: %w", err)
	}

	// 3. 初始化会话令牌系统
	if err := api.InitializeAuth(); err != nil {
		return fmt.Errorf("初始化访问控制失败: %w", err)
	}

	// 4. 按依赖顺序装配服务
	if err := InitServices(); err != nil {
		return fmt.Errorf("初始化服务失败: %w", err)
	}

	// 5. 设置路由
	router, err := api.SetupRouter()
	if err != nil {
		return fmt.Errorf("设置路由失败: %w", err)
	}
	app.router = router

	return nil
}

// initLogger 初始化日志系统，日志文件按天命名
func initLogger(logDir string) error {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("创建日志目录失败: %w", err)
	}

	logFile := filepath.Join(logDir, fmt.Sprintf("storyweaver_%s.log", time.Now().Format("2006-01-02")))
	if err := utils.InitLogger(logFile); err != nil {
		return fmt.Errorf("打开日志文件失败: %w", err)
	}

	utils.GetLogger().Info("日志系统初始化完成", map[string]interface{}{
		"log_file": logFile,
	})
	return nil
}

// InitServices 按依赖顺序初始化所有服务并注册到DI容器
func InitServices() error {
	container := di.GetContainer()
	cfg := config.GetCurrentConfig()

	// 1. 配置与统计
	configService := services.NewConfigService()
	if cfg.DebugMode {
		configService.EnableAudit(true)
	}
	container.Register(di.ServiceConfig, configService)

	statsService := services.NewStatsService()
	container.Register(di.ServiceStats, statsService)

	// 2. 进度跟踪与构建锁
	progressService := services.NewProgressService()
	container.Register(di.ServiceProgress, progressService)

	lockManager := services.NewLockManager()
	container.Register(di.ServiceLocks, lockManager)

	// 3. LLM服务：无可用配置时回落为未就绪的空服务，
	// 之后可通过设置接口配置提供商
	llmService, err := services.NewLLMService()
	if err != nil {
		log.Printf("⚠️ LLM服务初始化失败，回落为未配置状态: %v", err)
		llmService = services.NewEmptyLLMService()
	}
	llmService.SetStatsService(statsService)
	container.Register(di.ServiceLLM, llmService)

	// 配置变更时热切换LLM提供商，避免重启服务
	configService.SubscribeToChanges(services.ConfigChangeFunc(
		func(oldConfig, newConfig *config.AppConfig) {
			if newConfig == nil || newConfig.LLMProvider == "" {
				return
			}
			if oldConfig != nil &&
				oldConfig.LLMProvider == newConfig.LLMProvider &&
				oldConfig.LLMConfig["api_key"] == newConfig.LLMConfig["api_key"] &&
				oldConfig.LLMConfig["default_model"] == newConfig.LLMConfig["default_model"] &&
				oldConfig.LLMConfig["temperature"] == newConfig.LLMConfig["temperature"] {
				return
			}
			if err := llmService.UpdateProvider(newConfig.LLMProvider, newConfig.LLMConfig); err != nil {
				utils.GetLogger().Warn("配置变更后更新LLM提供商失败", map[string]interface{}{
					"provider": newConfig.LLMProvider,
					"error":    err.Error(),
				})
			}
		}))
	configService.StartCacheRefresher(30 * time.Second)

	// 4. 故事存储，产物落在 <DataDir>/stories/<storyID>/ 下
	store, err := storage.NewStoryStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("初始化故事存储失败: %w", err)
	}
	container.Register(di.ServiceStore, store)

	// 5. 构建引擎：大纲、规划、写作
	outlineService := services.NewOutlineService(llmService)
	container.Register(di.ServiceOutline, outlineService)

	planningService := services.NewPlanningService(llmService)
	container.Register(di.ServicePlanning, planningService)

	writingService := services.NewWritingService(llmService)
	container.Register(di.ServiceWriting, writingService)

	// 6. 聚合服务：构建编排与导出
	storyService := services.NewStoryService(store, outlineService, planningService, writingService, progressService, lockManager)
	container.Register(di.ServiceStory, storyService)

	exportService := services.NewExportService(storyService)
	container.Register(di.ServiceExport, exportService)

	return nil
}

// ReinitializeLLMService 依据当前配置重建LLM提供商，
// 供控制台应用在修改配置后调用
func ReinitializeLLMService() error {
	container := di.GetContainer()
	llmService, ok := container.Get(di.ServiceLLM).(*services.LLMService)
	if !ok || llmService == nil {
		return fmt.Errorf("LLM服务未注册")
	}

	cfg := config.GetCurrentConfig()
	if cfg == nil || cfg.LLMProvider == "" {
		return fmt.Errorf("LLM提供商未配置")
	}

	return llmService.UpdateProvider(cfg.LLMProvider, cfg.LLMConfig)
}

// Run 启动HTTP服务器并阻塞，直到收到退出信号后优雅关闭
func Run() error {
	app := GetApp()

	port := "8080"
	if app.config != nil && app.config.Port != "" {
		port = app.config.Port
	}

	// 测试可在调用Run前注入模拟服务器
	if app.server == nil {
		app.server = &http.Server{
			Addr:    ":" + port,
			Handler: app.router,
		}
	}

	// 在新的goroutine中启动服务器
	go func() {
		log.Printf("🌐 服务器启动在端口 %s", port)
		if err := app.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ 启动服务器失败: %v", err)
		}
	}()

	// 周期性输出指标快照，随服务器退出停止
	metricsCtx, stopMetrics := context.WithCancel(context.Background())
	defer stopMetrics()
	utils.NewAPIMetrics().StartMetricsCollection(metricsCtx)

	// 等待中断信号
	signal.Notify(app.stopChan, syscall.SIGINT, syscall.SIGTERM)
	<-app.stopChan

	log.Println("🛑 正在关闭服务器...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("服务器关闭失败: %w", err)
	}

	app.cleanup()

	log.Println("✅ 服务器优雅关闭完成")
	return nil
}

// cleanup 释放各服务持有的资源，容器中缺失的服务直接跳过
func (a *App) cleanup() {
	log.Println("🧹 正在清理资源...")

	container := di.GetContainer()

	// 统计服务：落盘未保存的统计数据
	if stats, ok := container.Get(di.ServiceStats).(*services.StatsService); ok && stats != nil {
		if err := stats.Close(); err != nil {
			log.Printf("⚠️ 统计服务关闭失败: %v", err)
		}
	}

	// 进度服务：丢弃已结束任务的跟踪器
	if progress, ok := container.Get(di.ServiceProgress).(*services.ProgressService); ok && progress != nil {
		progress.CleanupCompletedTasks(0)
	}

	// 日志：刷新并关闭日志文件
	if err := utils.GetLogger().Close(); err != nil {
		log.Printf("⚠️ 日志关闭失败: %v", err)
	}

	log.Println("✅ 资源清理完成")
}

// GetConfig 获取应用配置
func (a *App) GetConfig() *config.AppConfig {
	return a.config
}

// GetDIContainer 获取依赖注入容器
func GetDIContainer() *di.Container {
	return di.GetContainer()
}

// IsDebugMode 检查是否处于调试模式
func IsDebugMode() bool {
	if instance == nil || instance.config == nil {
		return false
	}
	return instance.config.DebugMode
}
