// internal/llm/providers/openai/openai.go
package openai

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
	llm.Register("openai", func() llm.Provider {
		return &Provider{
			recommendedModels: []string{
				"gpt-4o",
				"gpt-4o-mini",
				"gpt-4.1",
				"gpt-4.1-mini",
			},
			baseURL: "https://api.openai.com/v1",
		}
	})
}

type Provider struct {
	apiKey            string
	baseURL           string
	organization      string
	client            *http.Client
	defaultModel      string
	recommendedModels []string
	availableModels   []string
}

// chatResponse chat补全接口的响应体，只保留用到的字段
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

// errorResponse OpenAI的结构化错误体
type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (p *Provider) Initialize(config map[string]string) error {
	if config["api_key"] == "" {
		return errors.New("openai API密钥未提供")
	}

	p.apiKey = config["api_key"]
	p.client = &http.Client{}

	p.defaultModel = "gpt-4o"
	if m := config["default_model"]; m != "" {
		p.defaultModel = m
	}
	if u := config["base_url"]; u != "" {
		p.baseURL = u
	}
	if org := config["organization"]; org != "" {
		p.organization = org
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
	return "OpenAI"
}

func (p *Provider) GetSupportedModels() []string {
	// 拿到过真实列表就优先用真实列表
	if len(p.availableModels) > 0 {
		return p.availableModels
	}
	return p.recommendedModels
}

// authorize 设置认证与组织头，组织头仅在配置了organization时携带
func (p *Provider) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	if p.organization != "" {
		req.Header.Set("OpenAI-Organization", p.organization)
	}
}

// postChat 调用chat补全接口
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
	p.authorize(req)

	return p.client.Do(req)
}

// CompleteText 走OpenAI的chat补全接口生成文本
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
		var apiErr errorResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
			return nil, fmt.Errorf("openai API错误(%d): %s", resp.StatusCode, apiErr.Error.Message)
		}
		return nil, fmt.Errorf("openai API错误(%d): %s", resp.StatusCode, string(body))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	if len(parsed.Choices) == 0 {
		return nil, errors.New("OpenAI未返回任何结果")
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

// FetchAvailableModels 拉取账户下可用的模型列表
func (p *Provider) FetchAvailableModels(ctx context.Context) error {
	if p.apiKey == "" {
		return errors.New("未配置API密钥，无法刷新模型列表")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	p.authorize(req)

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

	// 账户列表里混着嵌入、语音等无关模型，只挑chat补全系列
	fetched := make([]string, 0, len(listing.Data))
	for _, entry := range listing.Data {
		if strings.HasPrefix(entry.ID, "gpt-") || strings.HasPrefix(entry.ID, "o1") ||
			strings.HasPrefix(entry.ID, "o3") || strings.HasPrefix(entry.ID, "o4") {
			fetched = append(fetched, entry.ID)
		}
	}
	if len(fetched) == 0 {
		fetched = p.recommendedModels
	}
	p.availableModels = fetched

	return nil
}
