// internal/config/config_test.go
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/StoryWeaverMCP/internal/models"
)

// resetConfig 清空单例，使每个用例都从未初始化状态开始
func resetConfig(t *testing.T) {
	t.Helper()
	configMu.Lock()
	current = nil
	configFile = ""
	secretFile = ""
	configMu.Unlock()
}

// setupEnv 将路径类环境变量指向临时目录，避免测试在包目录下建目录
func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DATA_DIR", dir)
	t.Setenv("LOG_DIR", filepath.Join(dir, "logs"))
	t.Setenv("LLM_API_KEY", "sk-env-abcdef123456")
	t.Setenv("DASHSCOPE_API_KEY", "")
	t.Setenv("CONFIG_SECRET", "")
	resetConfig(t)
	return dir
}

func TestInitConfigEncryptsAPIKeyAtRest(t *testing.T) {
	dir := setupEnv(t)

	require.NoError(t, InitConfig(dir), "初始化配置不应失败")

	cfg := GetCurrentConfig()
	assert.Equal(t, "qwen", cfg.LLMProvider, "默认提供商应为 qwen")
	assert.Equal(t, "sk-env-abcdef123456", cfg.LLMConfig["api_key"], "内存中的密钥应为明文")

	raw, err := os.ReadFile(filepath.Join(dir, "config.json"))
	require.NoError(t, err, "配置文件应已写入")
	content := string(raw)
	assert.NotContains(t, content, "sk-env-abcdef123456", "明文密钥不应出现在配置文件中")
	assert.Contains(t, content, encryptedPrefix, "落盘密钥应带加密前缀")

	var onDisk AppConfig
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	assert.True(t, strings.HasPrefix(onDisk.LLMConfig["api_key"], encryptedPrefix))
}

func TestSavedLLMSettingsSurviveRestart(t *testing.T) {
	dir := setupEnv(t)
	require.NoError(t, InitConfig(dir))

	require.NoError(t, UpdateLLMConfig("glm", map[string]string{
		"api_key":       "glm-key-7890abcd",
		"default_model": "glm-4-plus",
	}), "更新LLM配置不应失败")

	// 模拟重启：清空单例后重新初始化，环境变量仍指向 qwen
	resetConfig(t)
	require.NoError(t, InitConfig(dir))

	cfg := GetCurrentConfig()
	assert.Equal(t, "glm", cfg.LLMProvider, "文件中的提供商设置应在重启后保留")
	assert.Equal(t, "glm-key-7890abcd", cfg.LLMConfig["api_key"], "密钥应解密还原为明文")
	assert.Equal(t, "glm-4-plus", cfg.LLMConfig["default_model"])
}

func TestEngineDefaultsFromEnv(t *testing.T) {
	dir := setupEnv(t)
	t.Setenv("K_CANDIDATES", "7")
	t.Setenv("LLM_TEMPERATURE", "0.3")

	require.NoError(t, InitConfig(dir))

	cfg := GetCurrentConfig()
	assert.Equal(t, 7, cfg.Engine.KCandidates, "环境变量应覆盖候选数默认值")
	assert.Equal(t, 0.3, cfg.Engine.Temperature)
	assert.Equal(t, models.DefaultMaxEvents, cfg.Engine.MaxEvents, "未覆盖的字段应保持默认值")
	assert.Equal(t, "0.3", cfg.LLMConfig["temperature"], "温度应同步进LLM配置")

	params := StoryDefaults()
	assert.Equal(t, 7, params.KCandidates)
	assert.Equal(t, models.DefaultMaxRevise, params.MaxRevise)
}

func TestUpdateEngineDefaultsKeepsUnsetFields(t *testing.T) {
	dir := setupEnv(t)
	require.NoError(t, InitConfig(dir))

	require.NoError(t, UpdateEngineDefaults(EngineDefaults{MaxEvents: 12}))

	cfg := GetCurrentConfig()
	assert.Equal(t, 12, cfg.Engine.MaxEvents, "指定字段应被更新")
	assert.Equal(t, models.DefaultKCandidates, cfg.Engine.KCandidates, "零值字段应保持原值")
	assert.InDelta(t, 0.7, cfg.Engine.Temperature, 1e-9)
}

func TestGetCurrentConfigReturnsIsolatedCopy(t *testing.T) {
	dir := setupEnv(t)
	require.NoError(t, InitConfig(dir))

	cfg := GetCurrentConfig()
	cfg.LLMConfig["api_key"] = "tampered"
	cfg.LLMProvider = "tampered"

	fresh := GetCurrentConfig()
	assert.Equal(t, "sk-env-abcdef123456", fresh.LLMConfig["api_key"], "修改副本不应影响单例")
	assert.Equal(t, "qwen", fresh.LLMProvider)
}

func TestStoryDefaultsWithoutInit(t *testing.T) {
	setupEnv(t)
	t.Setenv("MAX_REVISE", "5")

	params := StoryDefaults()
	assert.Equal(t, 5, params.MaxRevise, "未初始化时应直接读取环境变量")
	assert.Equal(t, models.DefaultKCandidates, params.KCandidates)
}
