// internal/llm/interface_test.go
package llm

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider 最小化的注册表测试替身
type fakeProvider struct {
	name      string
	models    []string
	initErr   error
	lastCfg   map[string]string
	completed int
}

func (p *fakeProvider) Initialize(config map[string]string) error {
	p.lastCfg = config
	return p.initErr
}

func (p *fakeProvider) GetName() string { return p.name }

func (p *fakeProvider) GetSupportedModels() []string { return p.models }

func (p *fakeProvider) CompleteText(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	p.completed++
	return &CompletionResponse{Text: "回声: " + req.Prompt, ProviderName: p.name}, nil
}

func (p *fakeProvider) FetchAvailableModels(ctx context.Context) error { return nil }

func TestRegisterAndGetProvider(t *testing.T) {
	var created *fakeProvider
	Register("fake-complete", func() Provider {
		created = &fakeProvider{name: "fake-complete", models: []string{"fake-v1"}}
		return created
	})
	defer delete(providers, "fake-complete")

	cfg := map[string]string{"api_key": "test-key"}
	provider, err := GetProvider("fake-complete", cfg)
	require.NoError(t, err, "已注册的提供商应能创建")
	assert.Equal(t, "fake-complete", provider.GetName())
	assert.Equal(t, cfg, created.lastCfg, "配置应原样传入 Initialize")

	resp, err := provider.CompleteText(context.Background(), CompletionRequest{Prompt: "你好"})
	require.NoError(t, err)
	assert.Equal(t, "回声: 你好", resp.Text)
}

func TestGetProviderUnknown(t *testing.T) {
	_, err := GetProvider("不存在的提供商", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownProvider, "未注册的名称应返回 ErrUnknownProvider")
}

func TestGetProviderInitializeFailure(t *testing.T) {
	Register("fake-broken", func() Provider {
		return &fakeProvider{name: "fake-broken", initErr: fmt.Errorf("缺少 api_key")}
	})
	defer delete(providers, "fake-broken")

	_, err := GetProvider("fake-broken", map[string]string{})
	require.Error(t, err, "Initialize 失败应向上传递")
	assert.Contains(t, err.Error(), "api_key")
}

func TestListProviders(t *testing.T) {
	Register("fake-list-a", func() Provider { return &fakeProvider{name: "fake-list-a"} })
	Register("fake-list-b", func() Provider { return &fakeProvider{name: "fake-list-b"} })
	defer delete(providers, "fake-list-a")
	defer delete(providers, "fake-list-b")

	names := ListProviders()
	assert.Contains(t, names, "fake-list-a")
	assert.Contains(t, names, "fake-list-b")
}

func TestGetSupportedModelsForProvider(t *testing.T) {
	Register("fake-models", func() Provider {
		return &fakeProvider{name: "fake-models", models: []string{"m1", "m2"}}
	})
	defer delete(providers, "fake-models")

	assert.Equal(t, []string{"m1", "m2"}, GetSupportedModelsForProvider("fake-models"))
	assert.Empty(t, GetSupportedModelsForProvider("不存在的提供商"), "未注册的提供商应返回空列表")
}
