// internal/config/config.go
package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"

	"github.com/Corphon/StoryWeaverMCP/internal/models"
	"github.com/Corphon/StoryWeaverMCP/internal/utils"
)

// 进程级配置状态：当前快照与落盘文件路径
var (
	current    *AppConfig
	configMu   sync.RWMutex
	configFile string
	secretFile string
)

// 落盘时API密钥的加密前缀，无前缀视为明文（兼容手工编辑的配置文件）
const encryptedPrefix = "enc:"

// 各提供商的缺省模型
var defaultModels = map[string]string{
	"qwen":      "qwen3-235b-a22b-instruct-2507",
	"openai":    "gpt-4o",
	"anthropic": "claude-3-7-sonnet-20250219",
	"glm":       "glm-4-plus",
}

// AppConfig 是可持久化的运行期配置快照
type AppConfig struct {
	// 服务基础项
	Port        string `json:"port"`
	DataDir     string `json:"data_dir"`
	LogDir      string `json:"log_dir"`
	DebugMode   bool   `json:"debug_mode"`
	AccessToken string `json:"access_token,omitempty"` // 非空时API要求携带访问令牌

	// LLM接入
	LLMProvider string            `json:"llm_provider"`
	LLMConfig   map[string]string `json:"llm_config"`

	// 故事构建引擎的全局默认参数
	Engine EngineDefaults `json:"engine"`
}

// EngineDefaults 故事构建参数的全局默认值，单个故事未指定时回落到这里
type EngineDefaults struct {
	KCandidates      int     `json:"k_candidates"`
	MaxRevise        int     `json:"max_revise"`
	MaxEvents        int     `json:"max_events"`
	DecomposeWorkers int     `json:"decompose_workers"`
	Temperature      float64 `json:"temperature"`
}

// ToParams 转换为故事构建参数
func (e EngineDefaults) ToParams() models.StoryParams {
	return models.StoryParams{
		KCandidates:      e.KCandidates,
		MaxRevise:        e.MaxRevise,
		MaxEvents:        e.MaxEvents,
		DecomposeWorkers: e.DecomposeWorkers,
	}
}

// Config 存储启动期从环境变量读取的基础配置
type Config struct {
	Port        string
	LLMProvider string
	LLMAPIKey   string
	DataDir     string
	LogDir      string
	DebugMode   bool
	AccessToken string
}

// Load 从环境变量组装启动配置
func Load() (*Config, error) {
	// .env文件可选，缺失时静默跳过
	godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		LLMProvider: getEnv("LLM_PROVIDER", "qwen"),
		LLMAPIKey:   getEnv("LLM_API_KEY", os.Getenv("DASHSCOPE_API_KEY")),
		DataDir:     getEnvPath("DATA_DIR", "data"),
		LogDir:      getEnvPath("LOG_DIR", "logs"),
		DebugMode:   getEnvBool("DEBUG_MODE", true),
		AccessToken: getEnv("ACCESS_TOKEN", ""),
	}

	if cfg.LLMAPIKey == "" {
		log.Println("警告: 未设置LLM API密钥，需要通过设置接口配置后才能使用生成功能")
	}
	return cfg, nil
}

// getEnv 获取环境变量，未设置时返回默认值
func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvPath 获取环境变量表示的路径并确保目录存在
func getEnvPath(key, fallback string) string {
	path := getEnv(key, fallback)
	if err := os.MkdirAll(path, 0755); err != nil {
		fmt.Printf("警告: 创建目录失败 %s: %v\n", path, err)
	}
	return path
}

// getEnvBool 获取布尔类型环境变量
func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v == "true" || v == "1" || v == "yes"
}

// getEnvInt 获取整型环境变量
func getEnvInt(key string, fallback int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return fallback
}

// getEnvFloat 获取浮点型环境变量
func getEnvFloat(key string, fallback float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return f
	}
	return fallback
}

// engineFromEnv 从环境变量读取引擎默认参数
func engineFromEnv() EngineDefaults {
	return EngineDefaults{
		KCandidates:      getEnvInt("K_CANDIDATES", models.DefaultKCandidates),
		MaxRevise:        getEnvInt("MAX_REVISE", models.DefaultMaxRevise),
		MaxEvents:        getEnvInt("MAX_EVENTS", models.DefaultMaxEvents),
		DecomposeWorkers: getEnvInt("DECOMPOSE_WORKERS", models.DefaultDecomposeWorkers),
		Temperature:      getEnvFloat("LLM_TEMPERATURE", 0.7),
	}
}

// mergeEngine 用环境默认值补齐已保存配置中的零值字段
func mergeEngine(saved, fallback EngineDefaults) EngineDefaults {
	if saved.KCandidates <= 0 {
		saved.KCandidates = fallback.KCandidates
	}
	if saved.MaxRevise <= 0 {
		saved.MaxRevise = fallback.MaxRevise
	}
	if saved.MaxEvents <= 0 {
		saved.MaxEvents = fallback.MaxEvents
	}
	if saved.DecomposeWorkers <= 0 {
		saved.DecomposeWorkers = fallback.DecomposeWorkers
	}
	if saved.Temperature <= 0 {
		saved.Temperature = fallback.Temperature
	}
	return saved
}

// InitConfig 合并环境变量与已保存的配置文件，生成首个快照并落盘
func InitConfig(dataDir string) error {
	configFile = filepath.Join(dataDir, "config.json")
	secretFile = filepath.Join(dataDir, ".secret")

	base, err := Load()
	if err != nil {
		return err
	}
	engine := engineFromEnv()

	configMu.Lock()
	defer configMu.Unlock()

	current = &AppConfig{
		Port:        base.Port,
		DataDir:     dataDir,
		LogDir:      base.LogDir,
		DebugMode:   base.DebugMode,
		AccessToken: base.AccessToken,
		LLMProvider: base.LLMProvider,
		LLMConfig: map[string]string{
			"api_key":       base.LLMAPIKey,
			"default_model": defaultModels[base.LLMProvider],
			"temperature":   strconv.FormatFloat(engine.Temperature, 'f', -1, 64),
		},
		Engine: engine,
	}

	// 已保存的配置优先：LLM与引擎设置取文件，基础配置以环境变量为准
	if data, err := os.ReadFile(configFile); err == nil {
		var saved AppConfig
		if json.Unmarshal(data, &saved) == nil {
			saved.Port = base.Port
			saved.DataDir = dataDir
			saved.LogDir = base.LogDir
			saved.DebugMode = base.DebugMode
			if saved.AccessToken == "" {
				saved.AccessToken = base.AccessToken
			}
			saved.Engine = mergeEngine(saved.Engine, engine)

			if saved.LLMConfig == nil {
				saved.LLMConfig = map[string]string{}
			}
			saved.LLMConfig["api_key"] = decryptAPIKey(saved.LLMConfig["api_key"])
			// 文件里没有密钥时沿用环境变量的密钥
			if saved.LLMConfig["api_key"] == "" {
				saved.LLMConfig["api_key"] = base.LLMAPIKey
			}
			// 文件里没有温度项时按引擎参数补齐
			if saved.LLMConfig["temperature"] == "" {
				saved.LLMConfig["temperature"] = strconv.FormatFloat(saved.Engine.Temperature, 'f', -1, 64)
			}

			current = &saved
		}
	}

	return saveConfigLocked()
}

// GetCurrentConfig 返回当前配置的副本，API密钥为解密后的明文
func GetCurrentConfig() *AppConfig {
	configMu.RLock()
	defer configMu.RUnlock()

	if current == nil {
		// 未初始化时返回环境变量快照，不落盘也不创建目录
		return &AppConfig{
			Port:        getEnv("PORT", "8080"),
			DataDir:     getEnv("DATA_DIR", "data"),
			LogDir:      getEnv("LOG_DIR", "logs"),
			DebugMode:   getEnvBool("DEBUG_MODE", true),
			AccessToken: getEnv("ACCESS_TOKEN", ""),
			LLMProvider: getEnv("LLM_PROVIDER", "qwen"),
			LLMConfig: map[string]string{
				"api_key": getEnv("LLM_API_KEY", os.Getenv("DASHSCOPE_API_KEY")),
			},
			Engine: engineFromEnv(),
		}
	}

	// 副本与单例不共享LLM配置表，调用方可随意改动副本
	cp := *current
	cp.LLMConfig = maps.Clone(current.LLMConfig)
	return &cp
}

// StoryDefaults 返回当前配置下的默认故事构建参数
func StoryDefaults() models.StoryParams {
	configMu.RLock()
	defer configMu.RUnlock()

	if current != nil {
		return current.Engine.ToParams()
	}
	return engineFromEnv().ToParams()
}

// UpdateLLMConfig 整体替换提供商与连接参数并落盘
func UpdateLLMConfig(provider string, settings map[string]string) error {
	configMu.Lock()
	defer configMu.Unlock()

	if current == nil {
		return fmt.Errorf("配置系统未初始化")
	}

	cp := make(map[string]string, len(settings))
	maps.Copy(cp, settings)

	current.LLMProvider = provider
	current.LLMConfig = cp
	return saveConfigLocked()
}

// UpdateEngineDefaults 更新引擎默认参数，零值字段保持原值
func UpdateEngineDefaults(engine EngineDefaults) error {
	configMu.Lock()
	defer configMu.Unlock()

	if current == nil {
		return fmt.Errorf("配置系统未初始化")
	}

	current.Engine = mergeEngine(engine, current.Engine)

	// 生成温度随引擎参数一起维护，同步进LLM配置供提供商取用
	if current.LLMConfig == nil {
		current.LLMConfig = map[string]string{}
	}
	current.LLMConfig["temperature"] = strconv.FormatFloat(current.Engine.Temperature, 'f', -1, 64)

	return saveConfigLocked()
}

// SetDebugMode 更新调试模式并持久化
func SetDebugMode(enabled bool) error {
	configMu.Lock()
	defer configMu.Unlock()

	if current == nil {
		return fmt.Errorf("配置系统未初始化")
	}

	current.DebugMode = enabled
	return saveConfigLocked()
}

// saveConfigLocked 在已持有写锁的前提下落盘，API密钥加密存储
func saveConfigLocked() error {
	if current == nil {
		return fmt.Errorf("没有配置可保存")
	}

	if err := os.MkdirAll(filepath.Dir(configFile), 0755); err != nil {
		return fmt.Errorf("创建配置目录失败: %w", err)
	}

	// 落盘副本中的API密钥替换为密文，内存中始终保持明文
	disk := *current
	if len(current.LLMConfig) > 0 {
		disk.LLMConfig = maps.Clone(current.LLMConfig)
		if key := disk.LLMConfig["api_key"]; key != "" {
			disk.LLMConfig["api_key"] = encryptAPIKey(key)
		}
	}

	data, err := json.MarshalIndent(&disk, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}
	return os.WriteFile(configFile, data, 0644)
}

// encryptAPIKey 加密API密钥用于落盘；加密不可用时保留明文并告警
func encryptAPIKey(plaintext string) string {
	secret, err := loadSecret()
	if err != nil {
		log.Printf("警告: 无法获取配置加密密钥，API密钥将明文保存: %v", err)
		return plaintext
	}

	encrypted, err := utils.Encrypt(plaintext, secret)
	if err != nil {
		log.Printf("警告: 加密API密钥失败，将明文保存: %v", err)
		return plaintext
	}
	return encryptedPrefix + encrypted
}

// decryptAPIKey 解密落盘的API密钥；无加密前缀的值按明文处理
func decryptAPIKey(value string) string {
	if !strings.HasPrefix(value, encryptedPrefix) {
		return value
	}

	secret, err := loadSecret()
	if err != nil {
		log.Printf("警告: 无法获取配置加密密钥，已保存的API密钥不可用: %v", err)
		return ""
	}

	plaintext, err := utils.Decrypt(strings.TrimPrefix(value, encryptedPrefix), secret)
	if err != nil {
		log.Printf("警告: 解密API密钥失败，请重新配置: %v", err)
		return ""
	}
	return plaintext
}

// loadSecret 返回API密钥的落盘加密密钥
// 优先使用 CONFIG_SECRET 环境变量；否则在数据目录生成一个随机密钥并复用
func loadSecret() (string, error) {
	if key := os.Getenv("CONFIG_SECRET"); key != "" {
		return key, nil
	}

	if secretFile == "" {
		return "", fmt.Errorf("配置系统未初始化")
	}

	if data, err := os.ReadFile(secretFile); err == nil && len(data) > 0 {
		return strings.TrimSpace(string(data)), nil
	}

	raw, err := utils.GenerateSecureKey(32)
	if err != nil {
		return "", fmt.Errorf("生成配置加密密钥失败: %w", err)
	}
	key := hex.EncodeToString(raw)

	if err := os.WriteFile(secretFile, []byte(key), 0600); err != nil {
		return "", fmt.Errorf("保存配置加密密钥失败: %w", err)
	}
	return key, nil
}
