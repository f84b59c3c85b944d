// internal/services/story_service_metrics.go
package services

import (
	"sync"
	"time"
)

// StoryServiceMetrics 构建任务性能指标
type StoryServiceMetrics struct {
	mutex            sync.RWMutex
	totalBuilds      int64
	failedBuilds     int64
	averageBuildTime time.Duration
	buildsByType     map[string]int64
	lastMetricsReset time.Time
}

// RecordBuild 记录一次已结束的构建任务
func (m *StoryServiceMetrics) RecordBuild(taskType string, duration time.Duration, success bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.buildsByType == nil {
		m.buildsByType = make(map[string]int64)
	}

	m.totalBuilds++
	if !success {
		m.failedBuilds++
	}
	m.buildsByType[taskType]++
	m.averageBuildTime = (m.averageBuildTime*time.Duration(m.totalBuilds-1) + duration) / time.Duration(m.totalBuilds)
}

// GetMetrics 获取构建性能指标
func (m *StoryServiceMetrics) GetMetrics() map[string]interface{} {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	byType := make(map[string]int64, len(m.buildsByType))
	for taskType, count := range m.buildsByType {
		byType[taskType] = count
	}

	return map[string]interface{}{
		"total_builds":       m.totalBuilds,
		"failed_builds":      m.failedBuilds,
		"average_build_time": m.averageBuildTime.Milliseconds(),
		"builds_by_type":     byType,
		"last_reset":         m.lastMetricsReset,
	}
}

// ResetMetrics 重置构建性能指标
func (m *StoryServiceMetrics) ResetMetrics() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.totalBuilds = 0
	m.failedBuilds = 0
	m.averageBuildTime = 0
	m.buildsByType = nil
	m.lastMetricsReset = time.Now()
}
