// internal/di/container.go
package di

import (
	"fmt"
	"slices"
	"sync"

	"golang.org/x/exp/maps"
)

// 服务注册名，注册方与获取方共用，避免裸字符串散落各处
const (
	ServiceConfig   = "config"
	ServiceStats    = "stats"
	ServiceLLM      = "llm"
	ServiceStore    = "store"
	ServiceProgress = "progress"
	ServiceLocks    = "locks"
	ServiceOutline  = "outline"
	ServicePlanning = "planning"
	ServiceWriting  = "writing"
	ServiceStory    = "story"
	ServiceExport   = "export"
)

// Container 按名称保存服务单例，并发安全
type Container struct {
	mu       sync.RWMutex
	registry map[string]interface{}
}

var (
	defaultContainer *Container
	initOnce         sync.Once
)

// NewContainer 创建一个空容器
func NewContainer() *Container {
	return &Container{registry: make(map[string]interface{})}
}

// GetContainer 返回进程级共享容器
func GetContainer() *Container {
	initOnce.Do(func() {
		defaultContainer = NewContainer()
	})
	return defaultContainer
}

// Register 注册服务实例，同名覆盖
func (c *Container) Register(name string, service interface{}) {
	c.mu.Lock()
	c.registry[name] = service
	c.mu.Unlock()
}

// Get 按名称取服务，未注册时返回nil
func (c *Container) Get(name string) interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registry[name]
}

// MustGet 按名称取服务，未注册视为装配错误直接panic
// 仅用于启动期装配，运行期请使用 Get
func (c *Container) MustGet(name string) interface{} {
	service := c.Get(name)
	if service == nil {
		panic(fmt.Sprintf("di: 服务未注册: %s", name))
	}
	return service
}

// Has 报告指定名称的服务是否已注册
func (c *Container) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.registry[name]
	return ok
}

// Remove 注销一个服务
func (c *Container) Remove(name string) {
	c.mu.Lock()
	delete(c.registry, name)
	c.mu.Unlock()
}

// Clear 注销全部服务
func (c *Container) Clear() {
	c.mu.Lock()
	c.registry = make(map[string]interface{})
	c.mu.Unlock()
}

// GetNames 返回全部已注册服务名，顺序已排序
func (c *Container) GetNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := maps.Keys(c.registry)
	slices.Sort(keys)
	return keys
}
