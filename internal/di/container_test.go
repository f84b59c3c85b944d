// internal/di/container_test.go
package di

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeService struct{ name string }

func TestRegisterAndGet(t *testing.T) {
	c := NewContainer()

	svc := &fakeService{name: "outline"}
	c.Register(ServiceOutline, svc)

	got, ok := c.Get(ServiceOutline).(*fakeService)
	require.True(t, ok, "注册后应能取回同类型服务")
	assert.Same(t, svc, got, "容器应返回注册时的同一实例")

	assert.Nil(t, c.Get("missing"), "未注册的名称应返回nil")
}

func TestRegisterOverwritesSameName(t *testing.T) {
	c := NewContainer()
	c.Register(ServiceLLM, &fakeService{name: "old"})
	c.Register(ServiceLLM, &fakeService{name: "new"})

	got := c.Get(ServiceLLM).(*fakeService)
	assert.Equal(t, "new", got.name, "同名注册应覆盖旧实例")
}

func TestMustGetPanicsWhenMissing(t *testing.T) {
	c := NewContainer()
	assert.Panics(t, func() { c.MustGet(ServiceStory) }, "未注册服务MustGet应panic")

	c.Register(ServiceStory, &fakeService{})
	assert.NotPanics(t, func() { c.MustGet(ServiceStory) }, "已注册服务MustGet不应panic")
}

func TestHasRemoveClear(t *testing.T) {
	c := NewContainer()
	c.Register(ServiceStats, &fakeService{})
	c.Register(ServiceExport, &fakeService{})

	assert.True(t, c.Has(ServiceStats), "已注册服务Has应为真")

	c.Remove(ServiceStats)
	assert.False(t, c.Has(ServiceStats), "移除后Has应为假")
	assert.True(t, c.Has(ServiceExport), "移除不应影响其他服务")

	c.Clear()
	assert.False(t, c.Has(ServiceExport), "清空后容器应为空")
	assert.Empty(t, c.GetNames(), "清空后服务名列表应为空")
}

func TestGetNamesSorted(t *testing.T) {
	c := NewContainer()
	c.Register(ServiceWriting, &fakeService{})
	c.Register(ServiceConfig, &fakeService{})
	c.Register(ServiceLocks, &fakeService{})

	assert.Equal(t, []string{ServiceConfig, ServiceLocks, ServiceWriting}, c.GetNames(),
		"服务名应按字典序返回")
}

func TestConcurrentRegisterAndGet(t *testing.T) {
	c := NewContainer()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			name := fmt.Sprintf("svc-%d", n%4)
			c.Register(name, n)
			_ = c.Get(name)
			_ = c.Has(name)
			_ = c.GetNames()
		}(i)
	}
	wg.Wait()

	assert.Len(t, c.GetNames(), 4, "并发注册收敛后应恰好剩4个服务名")
}

func TestGetContainerIsSingleton(t *testing.T) {
	assert.Same(t, GetContainer(), GetContainer(), "全局容器应为单例")
}
