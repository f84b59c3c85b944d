// internal/llm/interface.go
package llm

import (
	"context"
	"errors"
	"slices"

	"golang.org/x/exp/maps"
)

// ErrUnknownProvider 表示请求了未注册的提供商名称
var ErrUnknownProvider = errors.New("未知的LLM提供商")

// CompletionRequest 是与具体提供商无关的补全请求
type CompletionRequest struct {
	Prompt       string                 `json:"prompt"`
	SystemPrompt string                 `json:"system_prompt,omitempty"`
	MaxTokens    int                    `json:"max_tokens,omitempty"`
	Temperature  float32                `json:"temperature,omitempty"`
	TopP         float32                `json:"top_p,omitempty"`
	Model        string                 `json:"model,omitempty"`
	StopWords    []string               `json:"stop_words,omitempty"`
	ExtraParams  map[string]interface{} `json:"extra_params,omitempty"`
}

// CompletionResponse 是归一化后的补全结果
type CompletionResponse struct {
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason,omitempty"`
	TokensUsed   int    `json:"tokens_used,omitempty"`
	PromptTokens int    `json:"prompt_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
	ModelName    string `json:"model_name,omitempty"`
	ProviderName string `json:"provider_name,omitempty"`
}

// Provider 是接入一家模型服务商需要实现的最小接口
type Provider interface {
	// Initialize 用配置表初始化，缺少必要项时报错
	Initialize(config map[string]string) error

	// GetName 返回提供商注册名
	GetName() string

	// GetSupportedModels 返回当前已知的模型列表
	GetSupportedModels() []string

	// CompleteText 执行一次文本补全
	CompleteText(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// FetchAvailableModels 在线刷新模型列表，不支持的提供商可返回nil
	FetchAvailableModels(ctx context.Context) error
}

// ProviderFactory 构造一个未初始化的提供商实例
type ProviderFactory func() Provider

// 提供商注册表，各实现包在init中写入，启动后只读
var providers = make(map[string]ProviderFactory)

// Register 登记提供商工厂，供实现包的init调用
func Register(name string, factory ProviderFactory) {
	providers[name] = factory
}

// GetProvider 构造并初始化指定名称的提供商
func GetProvider(name string, config map[string]string) (Provider, error) {
	factory, ok := providers[name]
	if !ok {
		return nil, ErrUnknownProvider
	}

	provider := factory()
	if err := provider.Initialize(config); err != nil {
		return nil, err
	}
	return provider, nil
}

// ListProviders 返回全部已注册的提供商名，顺序已排序
func ListProviders() []string {
	keys := maps.Keys(providers)
	slices.Sort(keys)
	return keys
}

// GetSupportedModelsForProvider 返回指定提供商的内置模型列表，
// 未注册时返回空列表
func GetSupportedModelsForProvider(name string) []string {
	factory, ok := providers[name]
	if !ok {
		return []string{}
	}
	return factory().GetSupportedModels()
}
