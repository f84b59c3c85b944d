// internal/services/stats_service.go
package services

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	dayKeyLayout   = "2006-01-02"
	monthKeyLayout = "2006-01"
)

// StageUsage 单一生成阶段的调用统计
type StageUsage struct {
	Requests   int   `json:"requests"`
	Tokens     int   `json:"tokens"`
	DurationMS int64 `json:"duration_ms"`
}

// UsageStats 表示LLM使用统计
type UsageStats struct {
	TodayRequests int                    `json:"today_requests"`
	MonthlyTokens int                    `json:"monthly_tokens"`
	DailyStats    map[string]int         `json:"daily_stats"`
	MonthlyStats  map[string]int         `json:"monthly_stats"`
	ProviderStats map[string]*StageUsage `json:"provider_stats"`
	StageStats    map[string]*StageUsage `json:"stage_stats"`
	LastUpdated   time.Time              `json:"last_updated"`
}

// StatsService 提供LLM使用统计功能
// 计数在内存中累加，后台协程按间隔落盘，跨日跨月自动清零
type StatsService struct {
	mu      sync.Mutex
	file    string
	current *UsageStats

	// 时间段检查的节流缓存
	checkedDay   string
	checkedMonth string
	checkedAt    time.Time

	dirty      bool
	lastFlush  time.Time
	flushEvery time.Duration
}

// ------------------------------------
// NewStatsService 准备落盘目录并启动定期刷写
func NewStatsService() *StatsService {
	dir := "data/stats"
	if err := os.MkdirAll(dir, 0755); err != nil {
		fmt.Printf("Warning: Failed to create stats directory: %v\n", err)
	}

	s := &StatsService{
		file:       filepath.Join(dir, "usage_stats.json"),
		flushEvery: 30 * time.Second,
	}
	go s.flushLoop()

	return s
}

func freshUsageStats() *UsageStats {
	return &UsageStats{
		DailyStats:    map[string]int{},
		MonthlyStats:  map[string]int{},
		ProviderStats: map[string]*StageUsage{},
		StageStats:    map[string]*StageUsage{},
		LastUpdated:   time.Now(),
	}
}

// ensureLoaded 惰性读入统计文件，调用方需持有锁
func (s *StatsService) ensureLoaded() {
	if s.current != nil {
		return
	}

	if loaded, err := s.readStatsFile(); err == nil {
		s.rolloverPeriods(loaded)
		s.current = loaded
		return
	}

	// 文件缺失或损坏，从零开始并立即写出
	s.current = freshUsageStats()
	if err := s.persist(s.current); err != nil {
		fmt.Printf("警告: 保存初始统计数据失败: %v\n", err)
	}
}

// readStatsFile 读取并反序列化统计文件，补齐缺失的映射
func (s *StatsService) readStatsFile() (*UsageStats, error) {
	data, err := os.ReadFile(s.file)
	if err != nil {
		return nil, fmt.Errorf("读取统计文件失败: %w", err)
	}

	var stats UsageStats
	if err := json.Unmarshal(data, &stats); err != nil {
		return nil, fmt.Errorf("解析统计数据失败: %w", err)
	}

	if stats.DailyStats == nil {
		stats.DailyStats = map[string]int{}
	}
	if stats.MonthlyStats == nil {
		stats.MonthlyStats = map[string]int{}
	}
	if stats.ProviderStats == nil {
		stats.ProviderStats = map[string]*StageUsage{}
	}
	if stats.StageStats == nil {
		stats.StageStats = map[string]*StageUsage{}
	}

	return &stats, nil
}

// rolloverPeriods 跨日清零当日计数、跨月清零月度令牌数
func (s *StatsService) rolloverPeriods(stats *UsageStats) {
	now := time.Now()
	sameDay := stats.LastUpdated.Format(dayKeyLayout) == now.Format(dayKeyLayout)
	sameMonth := stats.LastUpdated.Format(monthKeyLayout) == now.Format(monthKeyLayout)
	if sameDay && sameMonth {
		return
	}

	if !sameDay {
		stats.TodayRequests = 0
	}
	if !sameMonth {
		stats.MonthlyTokens = 0
	}

	stats.LastUpdated = now
	if err := s.persist(stats); err != nil {
		fmt.Printf("警告: 更新时间段统计失败: %v\n", err)
	}
}

// persist 先写临时文件再改名，避免读到半截数据
func (s *StatsService) persist(stats *UsageStats) error {
	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化统计数据失败: %w", err)
	}

	tmp := s.file + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("写入临时统计文件失败: %w", err)
	}
	if err := os.Rename(tmp, s.file); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("替换统计文件失败: %w", err)
	}

	return nil
}

// GetUsageStats 获取LLM使用统计
func (s *StatsService) GetUsageStats() *UsageStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ensureLoaded()

	if s.periodCheckDue() {
		s.rolloverPeriods(s.current)
	}

	// 返回副本，调用方可随意读写
	return s.cloneStats()
}

// periodCheckDue 以10分钟为节流窗口判断是否需要做跨期检查
func (s *StatsService) periodCheckDue() bool {
	now := time.Now()
	if now.Sub(s.checkedAt) < 10*time.Minute {
		return false
	}
	s.checkedAt = now

	day := now.Format(dayKeyLayout)
	month := now.Format(monthKeyLayout)
	if day == s.checkedDay && month == s.checkedMonth {
		return false
	}

	s.checkedDay = day
	s.checkedMonth = month
	return true
}

func (s *StatsService) cloneStats() *UsageStats {
	if s.current == nil {
		return freshUsageStats()
	}

	return &UsageStats{
		TodayRequests: s.current.TodayRequests,
		MonthlyTokens: s.current.MonthlyTokens,
		DailyStats:    cloneCounts(s.current.DailyStats),
		MonthlyStats:  cloneCounts(s.current.MonthlyStats),
		ProviderStats: cloneUsage(s.current.ProviderStats),
		StageStats:    cloneUsage(s.current.StageStats),
		LastUpdated:   s.current.LastUpdated,
	}
}

func cloneCounts(src map[string]int) map[string]int {
	if src == nil {
		return map[string]int{}
	}
	return maps.Clone(src)
}

func cloneUsage(src map[string]*StageUsage) map[string]*StageUsage {
	out := make(map[string]*StageUsage, len(src))
	for k, v := range src {
		if v == nil {
			continue
		}
		u := *v
		out[k] = &u
	}
	return out
}

// RecordLLMUsage 记录一次LLM调用，按提供商与生成阶段分别累计
func (s *StatsService) RecordLLMUsage(provider, stage string, tokens int, duration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ensureLoaded()

	now := time.Now()
	s.current.TodayRequests++
	s.current.MonthlyTokens += tokens
	s.current.DailyStats[now.Format(dayKeyLayout)]++
	s.current.MonthlyStats[now.Format(monthKeyLayout)] += tokens
	s.current.LastUpdated = now

	if provider != "" {
		bumpUsage(s.current.ProviderStats, provider, tokens, duration)
	}
	if stage != "" {
		bumpUsage(s.current.StageStats, stage, tokens, duration)
	}

	// 标记待保存，超过落盘间隔时同步写出一次
	s.dirty = true
	if now.Sub(s.lastFlush) > s.flushEvery {
		return s.flushLocked()
	}

	return nil
}

func bumpUsage(m map[string]*StageUsage, key string, tokens int, duration time.Duration) {
	usage := m[key]
	if usage == nil {
		usage = &StageUsage{}
		m[key] = usage
	}
	usage.Requests++
	usage.Tokens += tokens
	usage.DurationMS += duration.Milliseconds()
}

// flushLocked 有脏数据时落盘，调用方需持有锁
func (s *StatsService) flushLocked() error {
	if !s.dirty {
		return nil
	}

	if err := s.persist(s.current); err != nil {
		return err
	}
	s.dirty = false
	s.lastFlush = time.Now()
	return nil
}

// flushLoop 后台协程按固定间隔落盘
func (s *StatsService) flushLoop() {
	ticker := time.NewTicker(s.flushEvery)
	defer ticker.Stop()

	for range ticker.C {
		s.mu.Lock()
		if err := s.flushLocked(); err != nil {
			fmt.Printf("警告: 定时保存统计数据失败: %v\n", err)
		}
		s.mu.Unlock()
	}
}

// Close 写出尚未落盘的数据
func (s *StatsService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}
