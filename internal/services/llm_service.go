// internal/services/llm_service.go
package services

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Corphon/StoryWeaverMCP/internal/config"
	apperrors "github.com/Corphon/StoryWeaverMCP/internal/errors"
	"github.com/Corphon/StoryWeaverMCP/internal/llm"
	"github.com/Corphon/StoryWeaverMCP/internal/utils"

	// 注册内置提供商
	_ "github.com/Corphon/StoryWeaverMCP/internal/llm/providers/anthropic"
	_ "github.com/Corphon/StoryWeaverMCP/internal/llm/providers/glm"
	_ "github.com/Corphon/StoryWeaverMCP/internal/llm/providers/openai"
	_ "github.com/Corphon/StoryWeaverMCP/internal/llm/providers/qwen"
)

// 生成阶段标签，用于按阶段统计LLM用量
const (
	StageSeed         = "seed"
	StageValidate     = "validate"
	StageRevise       = "revise"
	StageCompleteness = "completeness"
	StageRelations    = "relations"
	StageDecompose    = "decompose"
	StageWeave        = "weave"
	StageWrite        = "write"
)

// ErrLLMNotReady 表示还没有任何可用的提供商实例
var ErrLLMNotReady = errors.New("llm provider not ready")

const (
	// 单次模型调用的超时上限
	completionTimeout = 3 * time.Minute

	cacheTTL        = 30 * time.Minute
	cacheCapacity   = 1000
	cacheEvictBatch = 100
)

// 各提供商在配置未指定模型时的兜底选择
var fallbackModels = map[string]string{
	"qwen":      "qwen3-235b-a22b-instruct-2507",
	"openai":    "gpt-4o",
	"anthropic": "claude-3-7-sonnet-20250219",
	"glm":       "glm-4-plus",
}

// TextGenerator 是各生成引擎对大模型的唯一依赖。
// stage 仅用于用量统计与日志，不影响补全结果；测试中以脚本桩替换。
type TextGenerator interface {
	CompleteText(ctx context.Context, stage, systemPrompt, userPrompt string) (string, error)
}

// LLMService 在提供商之上叠加并发限制、结果缓存与用量统计
type LLMService struct {
	mu             sync.RWMutex
	provider       llm.Provider
	providerName   string
	preferredModel string
	ready          bool
	stateNote      string
	cache          *completionCache
	temperature    float32
	maxTokens      int
	semaphore      chan struct{}
	stats          *StatsService
	metrics        *utils.APIMetrics
}

// completionCache 按提示词缓存补全文本，写满后淘汰最早的条目
type completionCache struct {
	mu      sync.RWMutex
	entries map[string]cachedText
	ttl     time.Duration
}

type cachedText struct {
	text     string
	storedAt time.Time
}

// -----------------------------------------
// NewLLMService 按当前配置装配LLM服务
func NewLLMService() (*LLMService, error) {
	s := newStandbyService()

	// 配置不完整时返回待命实例而不是错误，允许之后在线补全配置
	cfg := config.GetCurrentConfig()
	switch {
	case cfg == nil:
		s.stateNote = "Failed to retrieve configuration"
	case cfg.LLMProvider == "" || (cfg.LLMConfig != nil && cfg.LLMConfig["api_key"] == ""):
		s.stateNote = "API key not configured"
	default:
		if err := s.connect(cfg.LLMProvider, cfg.LLMConfig); err != nil {
			s.stateNote = fmt.Sprintf("Initialization failed: %v", err)
		}
	}

	return s, nil
}

// NewEmptyLLMService 返回待命实例，供主服务装配失败时兜底
func NewEmptyLLMService() *LLMService {
	s := newStandbyService()
	s.providerName = "empty"
	s.stateNote = "Standby Service Mode – Please configure the API key in settings"
	return s
}

// newStandbyService 构造未接入任何提供商的基础实例
func newStandbyService() *LLMService {
	return &LLMService{
		stateNote:   "Uninitialized",
		temperature: 0.7,
		semaphore:   make(chan struct{}, 3),
		metrics:     utils.NewAPIMetrics(),
		cache:       newCompletionCache(),
	}
}

func newCompletionCache() *completionCache {
	return &completionCache{
		entries: make(map[string]cachedText),
		ttl:     cacheTTL,
	}
}

// SetStatsService 注入用量统计服务
func (s *LLMService) SetStatsService(stats *StatsService) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = stats
}

// applyTuning 解析配置中的采样与并发参数，调用方需持有写锁或独占实例
func (s *LLMService) applyTuning(cfg map[string]string) {
	if cfg == nil {
		return
	}

	if raw := strings.TrimSpace(cfg["temperature"]); raw != "" {
		if v, err := strconv.ParseFloat(raw, 32); err == nil && v >= 0 && v <= 2 {
			s.temperature = float32(v)
		}
	}

	if raw := strings.TrimSpace(cfg["max_tokens"]); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			s.maxTokens = v
		}
	}

	if raw := strings.TrimSpace(cfg["max_concurrent"]); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v <= 32 {
			s.semaphore = make(chan struct{}, v)
		}
	}
}

// configReadiness 仅凭当前配置推断服务可用性，返回结论与原因描述
func configReadiness() (bool, string) {
	cfg := config.GetCurrentConfig()
	switch {
	case cfg == nil:
		return false, "Cannot get configuration"
	case cfg.LLMProvider == "":
		return false, "LLM provider not configured"
	case cfg.LLMConfig == nil || cfg.LLMConfig["api_key"] == "":
		return false, "API key not configured"
	}
	// GetCurrentConfig 返回的LLMConfig中已包含解密后的API密钥
	return true, "Waiting for initialization"
}

// IsReady 返回服务是否已就绪
func (s *LLMService) IsReady() bool {
	if s.hasLiveProvider() {
		return true
	}
	ok, _ := configReadiness()
	return ok
}

// GetReadyState 返回服务就绪状态描述
func (s *LLMService) GetReadyState() string {
	ok, reason := configReadiness()
	if !ok {
		return reason
	}
	if s.hasLiveProvider() {
		return "Ready"
	}
	return reason
}

func (s *LLMService) hasLiveProvider() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready && s.provider != nil
}

// GetProviderStatus 返回就绪结论与可读的状态描述
func (s *LLMService) GetProviderStatus() (bool, string) {
	if s == nil {
		return false, "LLM服务实例未初始化"
	}
	if s.IsReady() {
		return true, "Ready"
	}
	return false, s.GetReadyState()
}

// UpdateProvider 热切换提供商，失败时服务转入未就绪状态
func (s *LLMService) UpdateProvider(providerName string, cfg map[string]string) error {
	if err := s.connect(providerName, cfg); err != nil {
		s.mu.Lock()
		s.ready = false
		s.stateNote = fmt.Sprintf("Configuration failed: %v", err)
		s.mu.Unlock()
		return err
	}
	return nil
}

// connect 构建提供商实例并原子切换内部状态，旧缓存随之作废
func (s *LLMService) connect(name string, cfg map[string]string) error {
	provider, err := llm.GetProvider(name, cfg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.provider = provider
	s.providerName = name
	s.preferredModel = firstNonEmpty(cfg["default_model"], cfg["model"])
	s.applyTuning(cfg)
	s.ready = true
	s.stateNote = "Ready"
	s.cache = newCompletionCache()
	return nil
}

// cacheKeyFor 由提供商、模型与提示词共同决定缓存键
func (s *LLMService) cacheKeyFor(systemPrompt, userPrompt, model string) string {
	s.mu.RLock()
	name := s.providerName
	s.mu.RUnlock()

	sum := md5.Sum([]byte(strings.Join([]string{name, model, systemPrompt, userPrompt}, "\x1f")))
	return fmt.Sprintf("%x", sum)
}

func (c *completionCache) lookup(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok || time.Since(entry.storedAt) > c.ttl {
		return "", false
	}
	return entry.text, true
}

func (c *completionCache) store(key, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = cachedText{text: text, storedAt: time.Now()}
	if len(c.entries) > cacheCapacity {
		c.evictOldest(cacheEvictBatch)
	}
}

// evictOldest 淘汰写入最早的n条，调用方需持有写锁
func (c *completionCache) evictOldest(n int) {
	type aged struct {
		key      string
		storedAt time.Time
	}

	all := make([]aged, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, aged{k, e.storedAt})
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].storedAt.Before(all[j].storedAt)
	})

	if n > len(all) {
		n = len(all)
	}
	for _, victim := range all[:n] {
		delete(c.entries, victim.key)
	}
}

// CompleteText 执行一次文本补全。
// 同一提示词的结果在缓存有效期内直接复用，不消耗并发额度。
func (s *LLMService) CompleteText(ctx context.Context, stage, systemPrompt, userPrompt string) (string, error) {
	s.mu.RLock()
	if !s.ready || s.provider == nil {
		note := s.stateNote
		s.mu.RUnlock()
		return "", fmt.Errorf("%w: %s", ErrLLMNotReady, note)
	}
	provider := s.provider
	providerName := s.providerName
	temperature := s.temperature
	maxTokens := s.maxTokens
	stats := s.stats
	cache := s.cache
	sem := s.semaphore
	s.mu.RUnlock()

	model := s.resolveModel("")

	cacheKey := s.cacheKeyFor(systemPrompt, userPrompt, model)
	if text, found := cache.lookup(cacheKey); found {
		utils.GetLogger().Info("LLM cache hit", map[string]interface{}{
			"stage":            stage,
			"cache_key_prefix": cacheKey[:8],
		})
		return text, nil
	}

	// 限制同时在途的模型调用数量；通道取快照，保证获取与归还是同一个
	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	callCtx, cancel := context.WithTimeout(ctx, completionTimeout)
	defer cancel()

	start := time.Now()
	resp, err := provider.CompleteText(callCtx, llm.CompletionRequest{
		Prompt:       userPrompt,
		SystemPrompt: systemPrompt,
		Temperature:  temperature,
		MaxTokens:    maxTokens,
		Model:        model,
	})
	if err != nil {
		s.metrics.RecordError("llm_call", providerName)
		return "", apperrors.NewGenerationError(
			fmt.Sprintf("%s 文本生成调用失败", providerName), err)
	}

	if stats != nil {
		if err := stats.RecordLLMUsage(providerName, stage, resp.TokensUsed, time.Since(start)); err != nil {
			utils.GetLogger().Warn("记录LLM用量失败", map[string]interface{}{"err": err.Error()})
		}
	}
	s.metrics.RecordLLMRequest(providerName, model, resp.TokensUsed, time.Since(start))

	cache.store(cacheKey, resp.Text)
	return resp.Text, nil
}

// GetProvider 返回当前持有的Provider实例，可能为nil
func (s *LLMService) GetProvider() llm.Provider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.provider
}

// GetProviderName 返回当前提供商的注册名
func (s *LLMService) GetProviderName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.providerName
}

// GetSupportedModels 返回当前提供商支持的模型列表
func (s *LLMService) GetSupportedModels() []string {
	s.mu.RLock()
	provider := s.provider
	s.mu.RUnlock()

	if provider == nil {
		return []string{}
	}
	return provider.GetSupportedModels()
}

// RefreshAvailableModels 主动向提供商查询可用模型列表
func (s *LLMService) RefreshAvailableModels(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	provider := s.provider
	s.mu.RUnlock()

	if provider == nil {
		return nil, ErrLLMNotReady
	}

	if err := provider.FetchAvailableModels(ctx); err != nil {
		return nil, err
	}
	return provider.GetSupportedModels(), nil
}

func (s *LLMService) GetDefaultModel() string {
	return s.resolveModel("")
}

// resolveModel 按优先级确定应使用的模型：显式请求 > 配置时记住的默认值 >
// 提供商支持列表首项 > 当前配置 > 内置兜底
func (s *LLMService) resolveModel(requested string) string {
	if m := strings.TrimSpace(requested); m != "" {
		return m
	}

	s.mu.RLock()
	provider := s.provider
	name := s.providerName
	preferred := s.preferredModel
	s.mu.RUnlock()

	candidates := []string{preferred}
	if provider != nil {
		if models := provider.GetSupportedModels(); len(models) > 0 {
			candidates = append(candidates, models[0])
		}
	}
	if cfg := config.GetCurrentConfig(); cfg != nil && cfg.LLMProvider == name && cfg.LLMConfig != nil {
		candidates = append(candidates, cfg.LLMConfig["default_model"], cfg.LLMConfig["model"])
	}
	candidates = append(candidates, fallbackModels[name])

	if m := firstNonEmpty(candidates...); m != "" {
		return m
	}
	return "qwen3-235b-a22b-instruct-2507"
}

// firstNonEmpty 返回第一个去除空白后非空的值
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
