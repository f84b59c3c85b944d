// internal/models/export.go
package models

import (
	"time"
)

// ExportResult 是一次导出产物及其元信息
type ExportResult struct {
	StoryID     string       `json:"story_id"`
	Title       string       `json:"title"`
	Format      string       `json:"format"`      // json / markdown / txt
	ExportType  string       `json:"export_type"` // outline / plan / chapters / full
	Content     string       `json:"content"`
	FilePath    string       `json:"file_path"` // 导出文件路径
	FileSize    int64        `json:"file_size"` // 文件大小
	GeneratedAt time.Time    `json:"generated_at"`
	Stats       *ExportStats `json:"stats,omitempty"`
}

// ExportStats 导出内容统计
type ExportStats struct {
	EventCount    int `json:"event_count"`
	RelationCount int `json:"relation_count"`
	SubEventCount int `json:"sub_event_count"`
	ChapterCount  int `json:"chapter_count"`
	TotalWords    int `json:"total_words"`
}
