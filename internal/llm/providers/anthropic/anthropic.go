// internal/llm/providers/anthropic/anthropic.go
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/Corphon/StoryWeaverMCP/internal/llm"
)

func init() {
	llm.Register("anthropic", func() llm.Provider {
		return &Provider{
			recommendedModels: []string{
				"claude-sonnet-4-20250514",
				"claude-3-7-sonnet-20250219",
				"claude-3-5-haiku-20241022",
			},
			baseURL:    "https://api.anthropic.com",
			apiVersion: "2023-06-01",
		}
	})
}

type Provider struct {
	apiKey            string
	baseURL           string
	apiVersion        string
	client            *http.Client
	defaultModel      string
	recommendedModels []string
	availableModels   []string
}

// messagesResponse v1/messages接口的响应体，只保留用到的字段
type messagesResponse struct {
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (p *Provider) Initialize(config map[string]string) error {
	if config["api_key"] == "" {
		return errors.New("anthropic api密钥未提供")
	}

	p.apiKey = config["api_key"]
	p.client = &http.Client{}

	p.defaultModel = "claude-3-7-sonnet-20250219"
	if m := config["default_model"]; m != "" {
		p.defaultModel = m
	}
	if u := config["base_url"]; u != "" {
		p.baseURL = u
	}
	if v := config["api_version"]; v != "" {
		p.apiVersion = v
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
	return "Anthropic Claude"
}

func (p *Provider) GetSupportedModels() []string {
	// 优先返回通过API或用户配置拿到的真实列表
	if len(p.availableModels) > 0 {
		return p.availableModels
	}
	return p.recommendedModels
}

// setAuthHeaders 附加密钥与版本头
func (p *Provider) setAuthHeaders(req *http.Request) {
	req.Header.Set("X-Api-Key", p.apiKey)
	req.Header.Set("Anthropic-Version", p.apiVersion)
}

// postMessages 序列化载荷并调用消息接口
func (p *Provider) postMessages(ctx context.Context, payload map[string]interface{}) (*http.Response, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	p.setAuthHeaders(req)

	return p.client.Do(req)
}

// FetchAvailableModels 尝试获取用户账户可用的模型列表
func (p *Provider) FetchAvailableModels(ctx context.Context) error {
	if p.apiKey == "" {
		return errors.New("未配置API密钥，无法刷新模型列表")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/models", nil)
	if err != nil {
		return err
	}
	p.setAuthHeaders(req)

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

	fetched := make([]string, 0, len(listing.Data))
	for _, entry := range listing.Data {
		fetched = append(fetched, entry.ID)
	}
	if len(fetched) == 0 {
		fetched = p.recommendedModels
	}
	p.availableModels = fetched

	return nil
}

func (p *Provider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	// 消息接口要求max_tokens必填
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	payload := map[string]interface{}{
		"model":       model,
		"max_tokens":  maxTokens,
		"temperature": req.Temperature,
		"messages": []map[string]interface{}{
			{"role": "user", "content": req.Prompt},
		},
	}
	if req.SystemPrompt != "" {
		// 系统提示走顶层system字段而不是消息列表
		payload["system"] = req.SystemPrompt
	}
	if req.TopP > 0 {
		payload["top_p"] = req.TopP
	}
	if len(req.StopWords) > 0 {
		payload["stop_sequences"] = req.StopWords
	}
	for k, v := range req.ExtraParams {
		payload[k] = v
	}

	resp, err := p.postMessages(ctx, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("anthropic api错误(%d): %s", resp.StatusCode, string(body))
	}

	var parsed messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}

	// 响应内容分块，取第一个文本块
	var text string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return nil, errors.New("Anthropic未返回文本内容")
	}

	return &llm.CompletionResponse{
		Text:         text,
		FinishReason: parsed.StopReason,
		TokensUsed:   parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		PromptTokens: parsed.Usage.InputTokens,
		OutputTokens: parsed.Usage.OutputTokens,
		ModelName:    model,
		ProviderName: p.GetName(),
	}, nil
}
