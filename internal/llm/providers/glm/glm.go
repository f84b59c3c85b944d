// internal/llm/providers/glm/glm.go
package glm

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Corphon/StoryWeaverMCP/internal/llm"
)

func init() {
	llm.Register("glm", func() llm.Provider {
		return &Provider{
			recommendedModels: []string{
				"glm-4-plus",
				"glm-4.5",
				"glm-4.5-air",
				"glm-4.6",
			},
			baseURL: "https://open.bigmodel.cn/api/paas/v4",
		}
	})
}

type Provider struct {
	apiKey            string
	apiSecret         string
	baseURL           string
	client            *http.Client
	defaultModel      string
	recommendedModels []string
	availableModels   []string
}

// chatResponse 智谱chat/completions接口的响应体，只保留用到的字段
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
		return errors.New("智谱GLM API密钥未提供")
	}

	p.apiKey = config["api_key"]
	// 部分部署形态使用密钥对签名，秘钥可选
	p.apiSecret = config["api_secret"]
	p.client = &http.Client{}

	p.defaultModel = "glm-4-plus"
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
	return "智谱GLM"
}

func (p *Provider) GetSupportedModels() []string {
	// 优先返回通过API拿到的真实列表
	if len(p.availableModels) > 0 {
		return p.availableModels
	}
	return p.recommendedModels
}

// FetchAvailableModels 刷新可用模型集合
func (p *Provider) FetchAvailableModels(ctx context.Context) error {
	// 智谱GLM没有提供查询模型列表的API，退回推荐列表
	p.availableModels = p.recommendedModels
	return nil
}

// sign 计算密钥对部署形态要求的请求签名
func (p *Provider) sign(timestamp int64) string {
	mac := hmac.New(sha256.New, []byte(p.apiSecret))
	fmt.Fprintf(mac, "%s\n%d", p.apiKey, timestamp)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// buildMessages 把系统提示与用户提示组装成会话消息
func buildMessages(req llm.CompletionRequest) []map[string]string {
	msgs := make([]map[string]string, 0, 2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, map[string]string{"role": "system", "content": req.SystemPrompt})
	}
	return append(msgs, map[string]string{"role": "user", "content": req.Prompt})
}

// postChat 发送聊天补全请求，必要时附加签名头
func (p *Provider) postChat(ctx context.Context, payload map[string]interface{}) (*http.Response, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(
		ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	if p.apiSecret != "" {
		ts := time.Now().Unix()
		httpReq.Header.Set("X-ZhipuAI-Timestamp", strconv.FormatInt(ts, 10))
		httpReq.Header.Set("X-ZhipuAI-Signature", p.sign(ts))
	}

	return p.client.Do(httpReq)
}

func (p *Provider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	payload := map[string]interface{}{
		"model":       model,
		"messages":    buildMessages(req),
		"stream":      false,
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

	httpResp, err := p.postChat(ctx, payload)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("智谱GLM API错误(%d): %s", httpResp.StatusCode, string(body))
	}

	var parsed chatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	if len(parsed.Choices) == 0 {
		return nil, errors.New("智谱GLM未返回任何结果")
	}

	top := parsed.Choices[0]
	return &llm.CompletionResponse{
		Text:         top.Message.Content,
		FinishReason: top.FinishReason,
		TokensUsed:   parsed.Usage.TotalTokens,
		PromptTokens: parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
		ModelName:    parsed.Model,
		ProviderName: p.GetName(),
	}, nil
}
