// internal/services/config_service.go
package services

import (
	"errors"
	"log"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/Corphon/StoryWeaverMCP/internal/config"
)

const historyCap = 1000

// ConfigService 在底层配置之上叠加缓存、变更订阅、变更历史与访问审计
type ConfigService struct {
	mu           sync.RWMutex
	cachedConfig *config.AppConfig
	lastUpdated  time.Time
	subscribers  []ConfigChangeSubscriber
	history      []ConfigChangeRecord

	// 审计独立加锁，读路径持读锁时也可记录
	auditMu      sync.Mutex
	auditEnabled bool
	auditLog     []ConfigAuditEntry
}

// ConfigChangeSubscriber 在配置变更后收到前后两份快照
type ConfigChangeSubscriber interface {
	OnConfigChanged(oldConfig, newConfig *config.AppConfig)
}

// ConfigChangeFunc 将普通函数适配为配置变更订阅者
type ConfigChangeFunc func(oldConfig, newConfig *config.AppConfig)

func (f ConfigChangeFunc) OnConfigChanged(oldConfig, newConfig *config.AppConfig) {
	f(oldConfig, newConfig)
}

// ConfigChangeRecord 是变更历史中的一条记录
type ConfigChangeRecord struct {
	Timestamp time.Time   `json:"timestamp"`
	ChangedBy string      `json:"changed_by"`
	Section   string      `json:"section"`
	OldValue  interface{} `json:"old_value"`
	NewValue  interface{} `json:"new_value"`
}

// ConfigAuditEntry 是审计日志中的一次配置访问
type ConfigAuditEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"` // "read" 或 "write"
	Section   string    `json:"section"`
	User      string    `json:"user"`
}

// NewConfigService 以当前配置为初始缓存构建服务
func NewConfigService() *ConfigService {
	return &ConfigService{
		cachedConfig: config.GetCurrentConfig(),
		lastUpdated:  time.Now(),
	}
}

// GetCurrentConfig 返回缓存的配置快照，缓存为空时现场重读
func (s *ConfigService) GetCurrentConfig() *config.AppConfig {
	s.recordAudit("read", "全局配置", "system")

	s.mu.RLock()
	cached := s.cachedConfig
	s.mu.RUnlock()
	if cached != nil {
		return cached
	}

	return s.refreshCache()
}

// refreshCache 从底层重读配置并更新缓存
func (s *ConfigService) refreshCache() *config.AppConfig {
	fresh := config.GetCurrentConfig()

	s.mu.Lock()
	s.cachedConfig = fresh
	s.lastUpdated = time.Now()
	s.mu.Unlock()

	return fresh
}

// commit 执行底层更新，成功后刷新缓存并返回新配置
func (s *ConfigService) commit(update func() error) (*config.AppConfig, error) {
	if err := update(); err != nil {
		return nil, err
	}
	return s.refreshCache(), nil
}

// UpdateLLMConfig 更新LLM提供商和配置
func (s *ConfigService) UpdateLLMConfig(provider string, configMap map[string]string, changedBy string) error {
	if provider == "" {
		return errors.New("provider cannot be empty")
	}

	before := config.GetCurrentConfig()
	beforeLLM := maps.Clone(before.LLMConfig)

	if _, ok := configMap["api_key"]; !ok {
		log.Println("Warning: LLM config missing api_key")
	}

	// 未指定模型时按提供商补默认值
	if strings.TrimSpace(configMap["default_model"]) == "" {
		configMap["default_model"] = fallbackModels[provider]
	}

	s.recordAudit("write", "LLM配置", changedBy)

	after, err := s.commit(func() error {
		return config.UpdateLLMConfig(provider, configMap)
	})
	if err != nil {
		return err
	}

	s.noteChange("LLM提供商", before.LLMProvider, provider, changedBy)
	s.noteChange("LLM配置", beforeLLM, redactAPIKey(configMap), changedBy)
	s.fanoutChange(before, after)
	return nil
}

// UpdateEngineDefaults 更新故事构建引擎的默认参数
func (s *ConfigService) UpdateEngineDefaults(engine config.EngineDefaults, changedBy string) error {
	before := config.GetCurrentConfig()

	s.recordAudit("write", "引擎默认参数", changedBy)

	after, err := s.commit(func() error {
		return config.UpdateEngineDefaults(engine)
	})
	if err != nil {
		return err
	}

	s.noteChange("引擎默认参数", before.Engine, after.Engine, changedBy)
	s.fanoutChange(before, after)
	return nil
}

// SetDebugMode 设置调试模式
func (s *ConfigService) SetDebugMode(enabled bool) error {
	_, err := s.commit(func() error {
		return config.SetDebugMode(enabled)
	})
	return err
}

// GetLLMConfig 返回当前LLM提供商配置表
func (s *ConfigService) GetLLMConfig() map[string]string {
	return s.GetCurrentConfig().LLMConfig
}

// ValidateAPIKey 对密钥做形式校验，返回结论与说明
// 真实有效性在首次调用提供商接口时才能确认
func (s *ConfigService) ValidateAPIKey(provider string, apiKey string) (bool, string) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return false, "API key cannot be empty!"
	}
	if len(apiKey) < 8 {
		return false, "API key is too short"
	}

	return true, ""
}

// SubscribeToChanges 登记一个变更订阅者
func (s *ConfigService) SubscribeToChanges(subscriber ConfigChangeSubscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, subscriber)
}

// UnsubscribeFromChanges 移除此前登记的订阅者
func (s *ConfigService) UnsubscribeFromChanges(subscriber ConfigChangeSubscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, sub := range s.subscribers {
		if sub == subscriber {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			return
		}
	}
}

// fanoutChange 把新旧配置异步推给每个订阅者
func (s *ConfigService) fanoutChange(oldConfig, newConfig *config.AppConfig) {
	s.mu.RLock()
	listeners := make([]ConfigChangeSubscriber, len(s.subscribers))
	copy(listeners, s.subscribers)
	s.mu.RUnlock()

	for _, listener := range listeners {
		go listener.OnConfigChanged(oldConfig, newConfig)
	}
}

// appendCapped 追加一条记录，超过上限时挤掉最旧的
func appendCapped[T any](buf []T, item T, max int) []T {
	if len(buf) >= max {
		buf = buf[1:]
	}
	return append(buf, item)
}

// lastN 返回末尾limit条的副本，limit非法时返回全部
func lastN[T any](buf []T, limit int) []T {
	if limit <= 0 || limit > len(buf) {
		limit = len(buf)
	}
	out := make([]T, limit)
	copy(out, buf[len(buf)-limit:])
	return out
}

// noteChange 把一次变更写入历史环
func (s *ConfigService) noteChange(section string, oldValue, newValue interface{}, changedBy string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = appendCapped(s.history, ConfigChangeRecord{
		Timestamp: time.Now(),
		ChangedBy: changedBy,
		Section:   section,
		OldValue:  oldValue,
		NewValue:  newValue,
	}, historyCap)
}

// GetChangeHistory 获取最近的配置变更记录
func (s *ConfigService) GetChangeHistory(limit int) []ConfigChangeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lastN(s.history, limit)
}

// EnableAudit 打开或关闭配置访问审计
func (s *ConfigService) EnableAudit(enabled bool) {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	s.auditEnabled = enabled
}

// recordAudit 记录一次配置访问
func (s *ConfigService) recordAudit(action, section, user string) {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()

	if !s.auditEnabled {
		return
	}

	s.auditLog = appendCapped(s.auditLog, ConfigAuditEntry{
		Timestamp: time.Now(),
		Action:    action,
		Section:   section,
		User:      user,
	}, historyCap)
}

// GetAuditLog 获取最近的配置访问审计条目，未启用审计时返回nil
func (s *ConfigService) GetAuditLog(limit int) []ConfigAuditEntry {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()

	if !s.auditEnabled {
		return nil
	}
	return lastN(s.auditLog, limit)
}

// redactAPIKey 返回抹掉密钥明文的配置副本，用于变更历史
func redactAPIKey(configMap map[string]string) map[string]string {
	redacted := maps.Clone(configMap)
	if redacted == nil {
		return map[string]string{}
	}
	if key := redacted["api_key"]; len(key) > 4 {
		redacted["api_key"] = "****" + key[len(key)-4:]
	} else if key != "" {
		redacted["api_key"] = "****"
	}
	return redacted
}

// StartCacheRefresher 在后台按固定间隔刷新配置缓存
func (s *ConfigService) StartCacheRefresher(refreshInterval time.Duration) {
	go func() {
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()

		for range ticker.C {
			s.refreshCache()
		}
	}()
}
