// internal/llm/providers/qwen/qwen.go
package qwen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Corphon/StoryWeaverMCP/internal/llm"
)

func init() {
	llm.Register("qwen", func() llm.Provider {
		return &Provider{
			recommendedModels: []string{
				"qwen3-235b-a22b-instruct-2507",
				"qwen-max",
				"qwen-plus",
				"qwen-turbo",
			},
			baseURL: "https://dashscope.aliyuncs.com/compatible-mode/v1",
		}
	})
}

type Provider struct {
	apiKey            string
	baseURL           string
	client            *http.Client
	defaultModel      string
	recommendedModels []string
	availableModels   []string
}

// chatResponse DashScope OpenAI兼容接口的响应体，只保留用到的字段
type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (p *Provider) Initialize(config map[string]string) error {
	if config["api_key"] == "" {
		return errors.New("千问(Qwen) API密钥未提供")
	}

	p.apiKey = config["api_key"]
	p.client = &http.Client{}

	p.defaultModel = "qwen3-235b-a22b-instruct-2507"
	if m := config["default_model"]; m != "" {
		p.defaultModel = m
	}
	if u := config["base_url"]; u != "" {
		p.baseURL = u
	}
	if raw := config["custom_models"]; raw != "" {
		var models []string
		if err := json.Unmarshal([]byte(raw), &models); err == nil && len(models) > 0 {
			p.availableModels = models
		}
	}

	return nil
}

func (p *Provider) GetName() string {
	return "Qwen"
}

func (p *Provider) GetSupportedModels() []string {
	// 拿到过真实列表就优先用真实列表
	if len(p.availableModels) > 0 {
		return p.availableModels
	}
	return p.recommendedModels
}

// postChat 调用DashScope的OpenAI兼容chat接口
func (p *Provider) postChat(ctx context.Context, payload map[string]interface{}) (*http.Response, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	return p.client.Do(req)
}

// CompleteText 走DashScope的OpenAI兼容接口生成文本
func (p *Provider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	messages := make([]map[string]string, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, map[string]string{"role": "system", "content": req.SystemPrompt})
	}
	messages = append(messages, map[string]string{"role": "user", "content": req.Prompt})

	payload := map[string]interface{}{
		"model":       model,
		"messages":    messages,
		"temperature": req.Temperature,
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if req.TopP > 0 {
		payload["top_p"] = req.TopP
	}
	if len(req.StopWords) > 0 {
		payload["stop"] = req.StopWords
	}
	for k, v := range req.ExtraParams {
		payload[k] = v
	}

	resp, err := p.postChat(ctx, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("千问(Qwen) API错误(%d): %s", resp.StatusCode, string(body))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	if len(parsed.Choices) == 0 {
		return nil, errors.New("千问(Qwen)未返回任何结果")
	}

	top := parsed.Choices[0]
	return &llm.CompletionResponse{
		Text:         top.Message.Content,
		FinishReason: top.FinishReason,
		TokensUsed:   parsed.Usage.TotalTokens,
		PromptTokens: parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
		ModelName:    model,
		ProviderName: p.GetName(),
	}, nil
}

// FetchAvailableModels 拉取账户下可用的千问系列模型
func (p *Provider) FetchAvailableModels(ctx context.Context) error {
	if p.apiKey == "" {
		return errors.New("未配置API密钥，无法刷新模型列表")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("刷新模型列表失败(%d): %s", resp.StatusCode, string(body))
	}

	var listing struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return err
	}

	// 平台列表里混着多模态等无关模型，只挑千问系列的文本模型
	fetched := make([]string, 0, len(listing.Data))
	for _, entry := range listing.Data {
		if strings.HasPrefix(entry.ID, "qwen") || strings.HasPrefix(entry.ID, "qwq") {
			fetched = append(fetched, entry.ID)
		}
	}
	if len(fetched) == 0 {
		fetched = p.recommendedModels
	}
	p.availableModels = fetched

	return nil
}
