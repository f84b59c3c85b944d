// internal/models/story.go
package models

import (
	"time"
)

// StoryStatus 表示一次故事构建的生命周期状态
type StoryStatus string

const (
	// StoryStatusDraft 已创建，尚未开始构建
	StoryStatusDraft StoryStatus = "draft"
	// StoryStatusOutlining 大纲构建中
	StoryStatusOutlining StoryStatus = "outlining"
	// StoryStatusOutlined 事件图已生成
	StoryStatusOutlined StoryStatus = "outlined"
	// StoryStatusPlanning 分解与编织中
	StoryStatusPlanning StoryStatus = "planning"
	// StoryStatusPlanned 故事计划已生成
	StoryStatusPlanned StoryStatus = "planned"
	// StoryStatusWriting 章节成文中
	StoryStatusWriting StoryStatus = "writing"
	// StoryStatusWritten 全部章节已成文
	StoryStatusWritten StoryStatus = "written"
	// StoryStatusFailed 构建失败，LastError 记录原因
	StoryStatusFailed StoryStatus = "failed"
)

// StoryParams 表示单个故事的构建参数，零值字段回落到全局配置
// 采样温度与模型选择属于生成器配置，不在此处
type StoryParams struct {
	KCandidates      int `json:"k_candidates"`      // 每轮生成的候选事件数
	MaxRevise        int `json:"max_revise"`        // 单轮内校验/修订的最大次数
	MaxEvents        int `json:"max_events"`        // 事件数上限
	DecomposeWorkers int `json:"decompose_workers"` // 分解阶段并发数
}

// 默认构建参数
const (
	DefaultKCandidates      = 5
	DefaultMaxRevise        = 3
	DefaultMaxEvents        = 30
	DefaultDecomposeWorkers = 3
)

// Normalized 返回填充了默认值的参数副本，非正值一律回落到默认值
func (p StoryParams) Normalized() StoryParams {
	if p.KCandidates <= 0 {
		p.KCandidates = DefaultKCandidates
	}
	if p.MaxRevise <= 0 {
		p.MaxRevise = DefaultMaxRevise
	}
	if p.MaxEvents <= 0 {
		p.MaxEvents = DefaultMaxEvents
	}
	if p.DecomposeWorkers <= 0 {
		p.DecomposeWorkers = DefaultDecomposeWorkers
	}
	return p
}

// Story 表示一次故事构建的元数据，持久化为 story.json
// 大纲、计划与章节正文分别存放在同目录的
// outline.json / story_plan.json / chapters.json
type Story struct {
	ID            string      `json:"id"`
	Title         string      `json:"title"`
	Premise       string      `json:"premise"`
	Status        StoryStatus `json:"status"`
	Params        StoryParams `json:"params"`
	EventCount    int         `json:"event_count"`
	SubEventCount int         `json:"sub_event_count"`
	ChapterCount  int         `json:"chapter_count"`
	LastError     string      `json:"last_error,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	LastUpdated   time.Time   `json:"last_updated"`
}

// ChapterText 表示成文阶段输出的单章正文
type ChapterText struct {
	ChapterID string    `json:"chapter_id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	WordCount int       `json:"word_count"`
	CreatedAt time.Time `json:"created_at"`
}
