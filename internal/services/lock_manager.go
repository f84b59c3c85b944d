// internal/services/lock_manager.go
package services

import (
	"sync"
	"sync/atomic"
	"time"
)

// LockManager 按故事维度提供读写锁
// 故事元信息的读-改-写序列必须在故事锁内完成，避免并发改写互相覆盖
type LockManager struct {
	storyLocks    map[string]*LockInfo
	globalLock    sync.RWMutex
	cleanupTicker *time.Ticker
}

// LockInfo 包装锁和最近使用时间
type LockInfo struct {
	Mutex    *sync.RWMutex
	lastUsed atomic.Int64 // unix纳秒，原子更新避免与读路径竞争
}

func (li *LockInfo) touch() {
	li.lastUsed.Store(time.Now().UnixNano())
}

// NewLockManager 构建锁表并启动过期清理
func NewLockManager() *LockManager {
	lm := &LockManager{
		storyLocks: make(map[string]*LockInfo),
	}

	lm.startCleanup()
	return lm
}

// GetStoryLock 返回故事对应的读写锁，首次访问时创建
func (lm *LockManager) GetStoryLock(storyID string) *sync.RWMutex {
	lm.globalLock.RLock()
	if info, exists := lm.storyLocks[storyID]; exists {
		lm.globalLock.RUnlock()
		info.touch()
		return info.Mutex
	}
	lm.globalLock.RUnlock()

	// 未命中，转写锁建锁
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()

	// 等写锁期间可能已有别的协程建好
	if info, exists := lm.storyLocks[storyID]; exists {
		info.touch()
		return info.Mutex
	}

	info := &LockInfo{Mutex: &sync.RWMutex{}}
	info.touch()
	lm.storyLocks[storyID] = info
	return info.Mutex
}

// ExecuteWithStoryLock 在故事写锁保护下执行操作
func (lm *LockManager) ExecuteWithStoryLock(storyID string, fn func() error) error {
	lock := lm.GetStoryLock(storyID)
	lock.Lock()
	defer lock.Unlock()
	return fn()
}

// ExecuteWithStoryReadLock 在故事读锁保护下执行操作
func (lm *LockManager) ExecuteWithStoryReadLock(storyID string, fn func() error) error {
	lock := lm.GetStoryLock(storyID)
	lock.RLock()
	defer lock.RUnlock()
	return fn()
}

// ReleaseStoryLock 移除指定故事的锁，故事删除后调用
func (lm *LockManager) ReleaseStoryLock(storyID string) {
	lm.globalLock.Lock()
	delete(lm.storyLocks, storyID)
	lm.globalLock.Unlock()
}

// 后台定时回收闲置锁，防止锁表无限增长
func (lm *LockManager) startCleanup() {
	lm.cleanupTicker = time.NewTicker(5 * time.Minute)
	go func() {
		for range lm.cleanupTicker.C {
			lm.cleanupUnusedLocks()
		}
	}()
}

func (lm *LockManager) cleanupUnusedLocks() {
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()

	const maxLocks = 200
	const lockTimeout = 30 * time.Minute

	// 只有在锁数量过多时才清理，且只清理长时间未使用的锁
	if len(lm.storyLocks) <= maxLocks {
		return
	}

	cutoff := time.Now().Add(-lockTimeout).UnixNano()
	for storyID, info := range lm.storyLocks {
		if info.lastUsed.Load() < cutoff {
			delete(lm.storyLocks, storyID)
		}
	}
}
