// internal/models/judgment.go
package models

// EventValidate 表示校验器对单个候选事件的一次性判定
// 只在一轮修订循环内消费，绝不写入事件图
type EventValidate struct {
	EventID        string  `json:"event_id"`
	Suggestion     string  `json:"suggestion"`      // 修订建议（拒绝理由）
	NoveltyScore   float64 `json:"novelty_score"`   // 相对已有事件的新颖度 0-1
	CoherenceScore float64 `json:"coherence_score"` // 与上下文的连贯度 0-1
	Valid          bool    `json:"valid"`
}

// EventCompleteness 表示完整性检查器对当前大纲的单次门控判定
// complete=false 时 Reason 与 MissingElements 构成缺口报告，
// 用于引导下一轮候选生成
type EventCompleteness struct {
	Complete        bool     `json:"complete"`
	Reason          string   `json:"reason"`
	MissingElements []string `json:"missing_elements"`
}
