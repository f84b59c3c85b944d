// internal/parser/parser_test.go
package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleEvent struct {
	EventID string  `json:"event_id"`
	Title   string  `json:"title"`
	Score   float64 `json:"score"`
}

func TestDecodeObjectWithCodeFence(t *testing.T) {
	raw := "好的，以下是结果：\n```json\n{\"event_id\": \"E1\", \"title\": \"出发\", \"score\": 0.8}\n```\n希望对你有帮助。"

	var ev sampleEvent
	require.NoError(t, DecodeObject(raw, &ev), "带围栏的对象应当解码成功")
	assert.Equal(t, "E1", ev.EventID)
	assert.Equal(t, "出发", ev.Title)
}

func TestDecodeRecordsWrapsSingleObject(t *testing.T) {
	raw := `{"event_id": "E1", "title": "孤身上路", "score": 0.5}`

	records, err := DecodeRecords(raw)
	require.NoError(t, err, "单个对象应当被包装为数组")
	assert.Len(t, records, 1)
}

func TestDecodeRecordsArray(t *testing.T) {
	raw := "```json\n[{\"event_id\":\"E1\"},{\"event_id\":\"E2\"},{\"event_id\":\"E3\"}]\n```"

	records, err := DecodeRecords(raw)
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestDecodeArrayTrailingComma(t *testing.T) {
	raw := `[{"event_id": "E1", "title": "a"}, {"event_id": "E2", "title": "b"},]`

	var events []sampleEvent
	require.NoError(t, DecodeArray(raw, &events), "尾逗号应当被修复")
	require.Len(t, events, 2)
	assert.Equal(t, "E2", events[1].EventID)
}

func TestDecodeArrayTruncated(t *testing.T) {
	// 模拟输出在中途被截断的场景
	raw := `[{"event_id": "E1", "title": "完整事件"}, {"event_id": "E2", "title": "被截断`

	var events []sampleEvent
	require.NoError(t, DecodeArray(raw, &events), "截断的数组应当被补全后解码")
	require.Len(t, events, 2, "期望补全出2条记录")
	assert.Equal(t, "E1", events[0].EventID)
}

func TestDecodeObjectFullWidthPunctuation(t *testing.T) {
	raw := `｛"complete"：true，"reason"："叙事弧完整"｝`

	var result struct {
		Complete bool   `json:"complete"`
		Reason   string `json:"reason"`
	}
	require.NoError(t, DecodeObject(raw, &result), "全角标点应当被规范化")
	assert.True(t, result.Complete)
	assert.Equal(t, "叙事弧完整", result.Reason)
}

func TestDecodeObjectUnparsable(t *testing.T) {
	var v map[string]interface{}
	err := DecodeObject("这段文本里完全没有任何JSON内容", &v)
	require.Error(t, err, "完全无法解析时必须返回错误，不能静默成功")
	assert.True(t, IsDecodeError(err), "期望 DecodeError 类型，实际: %T", err)
}

func TestDecodeRecordsUnparsable(t *testing.T) {
	_, err := DecodeRecords("抱歉，我无法完成这个任务。")
	require.Error(t, err, "完全无法解析时必须返回错误")
	assert.True(t, IsDecodeError(err), "期望 DecodeError 类型，实际: %T", err)
}

func TestCleanStripsLeadingProse(t *testing.T) {
	raw := "分析如下。\n\n[{\"event_id\":\"E1\"}] 以上就是全部内容。"
	assert.Equal(t, `[{"event_id":"E1"}]`, Clean(raw), "前后缀说明应当被剔除")
}

func TestDecodeObjectNestedBraces(t *testing.T) {
	raw := `前言 {"outer": {"inner": "值}带括号{"}, "tail": 1} 后记`

	var v struct {
		Outer struct {
			Inner string `json:"inner"`
		} `json:"outer"`
		Tail int `json:"tail"`
	}
	require.NoError(t, DecodeObject(raw, &v), "嵌套对象解码失败")
	assert.Equal(t, "值}带括号{", v.Outer.Inner)
	assert.Equal(t, 1, v.Tail)
}
