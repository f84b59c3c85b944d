// cmd/server/main.go
package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/Corphon/StoryWeaverMCP/internal/app"
	"github.com/Corphon/StoryWeaverMCP/internal/config"
	"github.com/Corphon/StoryWeaverMCP/internal/di"
)

func main() {
	log.Println("🚀 启动 StoryWeaverMCP 服务器...")

	// 1. 环境变量里的基础配置
	baseConfig, err := config.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	log.Printf("✅ 基础配置就绪，监听端口 %s", baseConfig.Port)

	// 2. 数据与日志目录
	ensureDirectories(baseConfig)
	log.Println("✅ 数据目录就绪")

	// 3. 初始化应用（配置系统、日志、访问控制、服务装配、路由）
	if err := app.Initialize(baseConfig.DataDir); err != nil {
		log.Fatalf("初始化应用失败: %v", err)
	}
	log.Println("✅ 应用初始化完成")

	// 4. 核心服务自检
	if err := verifyCoreServices(); err != nil {
		log.Printf("⚠️ 核心服务自检未通过: %v", err)
	}

	// 5. 启动服务器
	log.Printf("🔗 API地址: http://localhost:%s/api", baseConfig.Port)
	log.Printf("🔗 健康检查: http://localhost:%s/api/health", baseConfig.Port)

	if err := app.Run(); err != nil {
		log.Fatalf("❌ 服务器运行失败: %v", err)
	}
}

// verifyCoreServices 确认核心服务都已注册进容器
func verifyCoreServices() error {
	container := di.GetContainer()

	core := []string{di.ServiceLLM, di.ServiceStory, di.ServiceConfig, di.ServiceExport}
	for _, name := range core {
		if container.Get(name) == nil {
			return fmt.Errorf("核心服务 %s 未注册", name)
		}
	}

	log.Println("✅ 核心服务自检通过")
	return nil
}

// ensureDirectories 确保数据与日志目录存在
func ensureDirectories(cfg *config.Config) {
	for _, dir := range []string{
		cfg.DataDir,
		filepath.Join(cfg.DataDir, "stories"),
		cfg.LogDir,
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Fatalf("创建目录失败 %s: %v", dir, err)
		}
	}
}
