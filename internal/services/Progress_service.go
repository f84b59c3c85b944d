// internal/services/Progress_service.go
package services

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ProgressUpdate 是推送给订阅者的一帧进度
type ProgressUpdate struct {
	Progress int    `json:"progress"` // 百分比进度，0-100
	Message  string `json:"message"`  // 当前阶段的描述
	Status   string `json:"status"`   // running / completed / failed
}

// Terminal 报告该更新是否为终态
func (u ProgressUpdate) Terminal() bool {
	return u.Status == "completed" || u.Status == "failed"
}

// ProgressTracker 跟踪一次长时间构建任务的进度
type ProgressTracker struct {
	TaskID      string                       // 任务ID
	Progress    int                          // 百分比进度，0-100
	Message     string                       // 当前阶段的描述
	Status      string                       // running / completed / failed
	StartTime   time.Time                    // 任务开始时间
	UpdateTime  time.Time                    // 最近一次更新时间
	Subscribers map[chan ProgressUpdate]bool // 订阅进度的通道
	Done        chan struct{}                // 任务结束信号

	mu       sync.Mutex
	cancel   context.CancelFunc // 取消底层构建的函数
	finished bool               // Complete/Fail 只生效一次
}

// ProgressService 按任务ID维护全部跟踪器
type ProgressService struct {
	mu       sync.RWMutex
	trackers map[string]*ProgressTracker
}

// NewProgressService 构建空的进度服务
func NewProgressService() *ProgressService {
	return &ProgressService{trackers: make(map[string]*ProgressTracker)}
}

// CreateTracker 创建任务的进度跟踪器，已存在时返回现有实例
func (s *ProgressService) CreateTracker(taskID string) *ProgressTracker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tr, ok := s.trackers[taskID]; ok {
		return tr
	}

	now := time.Now()
	tr := &ProgressTracker{
		TaskID:      taskID,
		Message:     "任务初始化中...",
		Status:      "running",
		StartTime:   now,
		UpdateTime:  now,
		Subscribers: make(map[chan ProgressUpdate]bool),
		Done:        make(chan struct{}),
	}
	s.trackers[taskID] = tr
	return tr
}

// GetTracker 按任务ID查找跟踪器
func (s *ProgressService) GetTracker(taskID string) (*ProgressTracker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tr, ok := s.trackers[taskID]
	return tr, ok
}

// CancelTask 请求取消指定任务
// 返回值依次表示任务是否存在、是否发出了取消信号
// 取消通过绑定的 context 传给构建协程，收尾由构建协程完成
func (s *ProgressService) CancelTask(taskID string) (bool, bool) {
	tr, ok := s.GetTracker(taskID)
	if !ok {
		return false, false
	}
	return true, tr.RequestCancel()
}

// CleanupCompletedTasks 删除结束后闲置超过 maxAge 的任务
func (s *ProgressService) CleanupCompletedTasks(maxAge time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for id, tr := range s.trackers {
		tr.mu.Lock()
		expired := tr.finished && now.Sub(tr.UpdateTime) > maxAge
		tr.mu.Unlock()

		if expired {
			delete(s.trackers, id)
		}
	}
}

// BindCancel 绑定用于取消底层构建的函数
func (t *ProgressTracker) BindCancel(cancel context.CancelFunc) {
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()
}

// RequestCancel 发出取消信号；任务已结束或未绑定取消函数时返回 false
func (t *ProgressTracker) RequestCancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finished || t.cancel == nil {
		return false
	}
	t.cancel()
	return true
}

// stateLocked 以当前字段组装一条更新，调用方需持有锁
func (t *ProgressTracker) stateLocked() ProgressUpdate {
	return ProgressUpdate{Progress: t.Progress, Message: t.Message, Status: t.Status}
}

// broadcastLocked 把更新非阻塞地推给所有订阅者，调用方需持有锁
func (t *ProgressTracker) broadcastLocked(update ProgressUpdate) {
	for ch := range t.Subscribers {
		// 订阅端只关心最新状态，通道满了就丢
		select {
		case ch <- update:
		default:
		}
	}
}

// UpdateProgress 推进任务进度；进度只增不减，结束后的更新被丢弃
func (t *ProgressTracker) UpdateProgress(progress int, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finished {
		return
	}
	if progress > t.Progress {
		t.Progress = progress
	}
	if message != "" {
		t.Message = message
	}
	t.UpdateTime = time.Now()

	t.broadcastLocked(t.stateLocked())
}

// finish 进入终态：写入最终字段、广播并关闭Done，只生效一次
// progress 为负表示保留当前进度
func (t *ProgressTracker) finish(progress int, message, status string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finished {
		return
	}
	t.finished = true

	if progress >= 0 {
		t.Progress = progress
	}
	t.Message = message
	t.Status = status
	t.UpdateTime = time.Now()

	t.broadcastLocked(t.stateLocked())
	close(t.Done)
}

// Complete 标记任务完成
func (t *ProgressTracker) Complete(message string) {
	if message == "" {
		message = "任务已完成"
	}
	t.finish(100, message, "completed")
}

// Fail 以失败状态终结任务，保留已到达的进度
func (t *ProgressTracker) Fail(errorMsg string) {
	t.finish(-1, fmt.Sprintf("任务失败: %s", errorMsg), "failed")
}

// Snapshot 返回当前进度快照
func (t *ProgressTracker) Snapshot() ProgressUpdate {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stateLocked()
}

// Subscribe 订阅进度更新，返回的通道会立刻收到当前状态
func (t *ProgressTracker) Subscribe() chan ProgressUpdate {
	t.mu.Lock()
	defer t.mu.Unlock()

	// 缓冲10条，避免慢订阅者阻塞构建协程
	ch := make(chan ProgressUpdate, 10)
	t.Subscribers[ch] = true
	ch <- t.stateLocked()
	return ch
}

// Unsubscribe 取消订阅并关闭通道
func (t *ProgressTracker) Unsubscribe(subscriber chan ProgressUpdate) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.Subscribers, subscriber)
	close(subscriber)
}
