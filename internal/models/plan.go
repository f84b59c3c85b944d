// internal/models/plan.go
package models

import (
	"strconv"
	"strings"
)

// SubEvent 表示对单个事件分解后得到的细粒度叙事节拍
// sub_event_id 采用 "<父事件ID>.<序号>" 格式，通过ID前缀表达父子关系，
// 无需中央计数器即可保证全局唯一
type SubEvent struct {
	SubEventID string      `json:"sub_event_id"` // 如 E3.2
	Title      string      `json:"title"`
	Summary    string      `json:"summary"`
	Location   string      `json:"location"`
	Characters []Character `json:"characters"`
	Outcome    string      `json:"outcome"` // 该节拍结束时的局面
}

// ParentEventID 从ID前缀解析父事件ID；格式不合法时返回空串
func (s *SubEvent) ParentEventID() string {
	idx := strings.LastIndex(s.SubEventID, ".")
	if idx <= 0 {
		return ""
	}
	return s.SubEventID[:idx]
}

// Index 从ID后缀解析节拍序号；格式不合法时返回0
func (s *SubEvent) Index() int {
	idx := strings.LastIndex(s.SubEventID, ".")
	if idx <= 0 || idx == len(s.SubEventID)-1 {
		return 0
	}
	n, err := strconv.Atoi(s.SubEventID[idx+1:])
	if err != nil {
		return 0
	}
	return n
}

// Chapter 表示故事计划中的一章：章节信息加上有序的子事件引用
// 不变式：所有章节的 sub_event_ids 合并后恰好等于子事件全集，
// 既不遗漏也不重复；章内次序允许与生成次序不同（非线性叙事）
type Chapter struct {
	ChapterID   string   `json:"chapter_id"`
	Title       string   `json:"title"`
	Summary     string   `json:"summary"`
	SubEventIDs []string `json:"sub_event_ids"`
}

// StoryPlan 表示规划阶段的最终产物，构建完成后不可变
type StoryPlan struct {
	EventGraph *EventGraph          `json:"event_graph"`
	SubEvents  map[string]*SubEvent `json:"sub_events"`
	Chapters   []Chapter            `json:"chapters"`
}

// SubEventCount 返回子事件总数
func (p *StoryPlan) SubEventCount() int {
	if p == nil {
		return 0
	}
	return len(p.SubEvents)
}

// ChapterAssignments 返回所有章节引用的子事件ID（含重复），
// 供覆盖性校验使用
func (p *StoryPlan) ChapterAssignments() []string {
	if p == nil {
		return nil
	}
	ids := make([]string, 0, len(p.SubEvents))
	for _, chapter := range p.Chapters {
		ids = append(ids, chapter.SubEventIDs...)
	}
	return ids
}
