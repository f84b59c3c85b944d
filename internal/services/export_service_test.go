// internal/services/export_service_test.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Corphon/StoryWeaverMCP/internal/errors"
	"github.com/Corphon/StoryWeaverMCP/internal/models"
)

// newTestExportService 创建导出服务和一个尚无产物的故事
func newTestExportService(t *testing.T) (*ExportService, *StoryService, *models.Story) {
	t.Helper()
	svc := newTestStoryService(t, generatorFunc(func(_ context.Context, _, _, _ string) (string, error) {
		return "", errors.New("导出测试不应触发生成")
	}))
	story, err := svc.CreateStory("迷雾灯塔", "守塔人发现灯塔的光能照出过去", smallParams())
	require.NoError(t, err, "创建故事不应失败")
	return NewExportService(svc), svc, story
}

// seedArtifacts 直接落盘一套完整的构建产物
func seedArtifacts(t *testing.T, svc *StoryService, storyID string) {
	t.Helper()

	graph := models.NewEventGraph()
	graph.AddEvent(&models.Event{
		EventID:  "E1",
		Title:    "灯塔初亮",
		Summary:  "守塔人第一次看见光里浮现往日的船影",
		Time:     "暴雨夜",
		Location: "灯塔顶层",
		Characters: []models.Character{
			{Name: "阿岩", Role: "protagonist", State: "警觉"},
		},
		Goal:           "弄清光的异象",
		Conflict:       "理智与传闻的冲突",
		NoveltyScore:   0.8,
		CoherenceScore: 0.9,
	})
	graph.AddEvent(&models.Event{
		EventID: "E2",
		Title:   "旧船归来",
		Summary: "十年前沉没的渔船出现在光柱尽头",
	})
	graph.Edges = append(graph.Edges, models.Relation{
		Type:          models.RelationCausal,
		SourceEventID: "E1",
		TargetEventID: "E2",
		Rationale:     "灯光异象引来了旧船",
	})
	require.NoError(t, svc.Store.SaveOutline(storyID, graph), "写入大纲不应失败")

	plan := &models.StoryPlan{
		EventGraph: graph,
		SubEvents: map[string]*models.SubEvent{
			"E1.1": {SubEventID: "E1.1", Title: "登塔", Summary: "阿岩冒雨登上塔顶"},
			"E2.1": {SubEventID: "E2.1", Title: "船影", Summary: "船影穿过光柱靠岸"},
		},
		Chapters: []models.Chapter{
			{ChapterID: "C1", Title: "异光", Summary: "灯塔的光开始不对劲", SubEventIDs: []string{"E1.1"}},
			{ChapterID: "C2", Title: "归航", Summary: "沉船回到了港口", SubEventIDs: []string{"E2.1"}},
		},
	}
	require.NoError(t, svc.Store.SavePlan(storyID, plan), "写入计划不应失败")

	chapters := []*models.ChapterText{
		{ChapterID: "C1", Title: "异光", Content: "雨点砸在玻璃罩上，光柱第一次拐了弯。", WordCount: 19},
		{ChapterID: "C2", Title: "归航", Content: "船身覆着十年的海藻，缓缓靠向码头。", WordCount: 17},
	}
	require.NoError(t, svc.Store.SaveChapters(storyID, chapters), "写入章节不应失败")
}

func TestExportFullMarkdown(t *testing.T) {
	exporter, svc, story := newTestExportService(t)
	seedArtifacts(t, svc, story.ID)

	result, err := exporter.ExportStory(story.ID, "", "")
	require.NoError(t, err, "导出不应失败")

	assert.Equal(t, ExportTypeFull, result.ExportType, "默认导出范围应为 full")
	assert.Equal(t, "markdown", result.Format, "默认格式应为 markdown")
	assert.Equal(t, story.ID, result.StoryID)
	assert.Equal(t, "迷雾灯塔", result.Title)

	content := result.Content
	assert.True(t, strings.HasPrefix(content, "# 迷雾灯塔\n"), "应以故事标题开头")
	assert.Contains(t, content, "> 守塔人发现灯塔的光能照出过去")
	assert.Contains(t, content, "## 事件大纲")
	assert.Contains(t, content, "### E1 灯塔初亮")
	assert.Contains(t, content, "- **角色**: 阿岩（protagonist，警觉）")
	assert.Contains(t, content, "- **评分**: 新颖度 0.80，连贯度 0.90")
	assert.Contains(t, content, "- E1 → E2（因果）：灯光异象引来了旧船")
	assert.Contains(t, content, "## 故事计划")
	assert.Contains(t, content, "### 第 1 章 异光")
	assert.Contains(t, content, "- **E1.1** 登塔：阿岩冒雨登上塔顶")
	assert.Contains(t, content, "## 正文")
	assert.Contains(t, content, "雨点砸在玻璃罩上")

	require.NotNil(t, result.Stats, "导出应附带统计")
	assert.Equal(t, 2, result.Stats.EventCount)
	assert.Equal(t, 1, result.Stats.RelationCount)
	assert.Equal(t, 2, result.Stats.SubEventCount)
	assert.Equal(t, 2, result.Stats.ChapterCount)
	assert.Equal(t, 36, result.Stats.TotalWords)

	require.NotEmpty(t, result.FilePath, "导出应落盘")
	assert.True(t, strings.HasSuffix(result.FilePath, ".md"), "markdown 导出应使用 .md 扩展名")
	data, err := os.ReadFile(result.FilePath)
	require.NoError(t, err, "导出文件应可读取")
	assert.Equal(t, content, string(data), "文件内容应与导出内容一致")
	assert.Equal(t, int64(len(content)), result.FileSize)
}

func TestExportOutlineJSON(t *testing.T) {
	exporter, svc, story := newTestExportService(t)
	seedArtifacts(t, svc, story.ID)

	result, err := exporter.ExportStory(story.ID, "outline", "json")
	require.NoError(t, err, "导出不应失败")
	assert.True(t, strings.HasSuffix(result.FilePath, ".json"))

	var payload map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(result.Content), &payload), "导出内容应为合法 JSON")
	assert.Contains(t, payload, "story")
	assert.Contains(t, payload, "outline")
	assert.Contains(t, payload, "export_info")
	assert.NotContains(t, payload, "plan", "outline 导出不应包含计划")
	assert.NotContains(t, payload, "chapters", "outline 导出不应包含正文")

	var graph models.EventGraph
	require.NoError(t, json.Unmarshal(payload["outline"], &graph))
	assert.Equal(t, []string{"E1", "E2"}, graph.EventIDs(), "大纲应按接受顺序还原")
}

func TestExportChaptersText(t *testing.T) {
	exporter, svc, story := newTestExportService(t)
	seedArtifacts(t, svc, story.ID)

	result, err := exporter.ExportStory(story.ID, "chapters", "txt")
	require.NoError(t, err, "导出不应失败")
	assert.True(t, strings.HasSuffix(result.FilePath, ".txt"))

	assert.Contains(t, result.Content, "迷雾灯塔\n")
	assert.Contains(t, result.Content, "【正文】")
	assert.Contains(t, result.Content, "第 1 章 异光")
	assert.Contains(t, result.Content, "船身覆着十年的海藻")
	assert.NotContains(t, result.Content, "【事件大纲】", "chapters 导出不应包含大纲")

	assert.Equal(t, 0, result.Stats.EventCount, "未装载大纲时事件数应为0")
	assert.Equal(t, 2, result.Stats.ChapterCount)
	assert.Equal(t, 36, result.Stats.TotalWords)
}

func TestExportFullToleratesMissingArtifacts(t *testing.T) {
	exporter, svc, story := newTestExportService(t)

	graph := models.NewEventGraph()
	graph.AddEvent(&models.Event{EventID: "E1", Title: "灯塔初亮", Summary: "光里浮现船影"})
	require.NoError(t, svc.Store.SaveOutline(story.ID, graph), "写入大纲不应失败")

	result, err := exporter.ExportStory(story.ID, "full", "markdown")
	require.NoError(t, err, "只有大纲时 full 导出也应成功")
	assert.Contains(t, result.Content, "## 事件大纲")
	assert.NotContains(t, result.Content, "## 故事计划")
	assert.NotContains(t, result.Content, "## 正文")
	assert.Equal(t, 1, result.Stats.EventCount)
	assert.Equal(t, 0, result.Stats.SubEventCount)
	assert.Equal(t, 0, result.Stats.TotalWords)
}

func TestExportRequiresArtifact(t *testing.T) {
	exporter, _, story := newTestExportService(t)

	_, err := exporter.ExportStory(story.ID, "outline", "markdown")
	assert.True(t, apperrors.IsNotFoundError(err), "大纲未生成时应返回未找到错误")

	_, err = exporter.ExportStory(story.ID, "full", "markdown")
	assert.True(t, apperrors.IsValidationError(err), "毫无产物时 full 导出应返回校验错误")
}

func TestExportRejectsBadArguments(t *testing.T) {
	exporter, svc, story := newTestExportService(t)
	seedArtifacts(t, svc, story.ID)

	_, err := exporter.ExportStory(story.ID, "scenes", "markdown")
	assert.True(t, apperrors.IsValidationError(err), "未知导出范围应返回校验错误")

	_, err = exporter.ExportStory(story.ID, "full", "pdf")
	assert.True(t, apperrors.IsValidationError(err), "未知格式应返回校验错误")

	_, err = exporter.ExportStory("missing", "full", "markdown")
	assert.True(t, apperrors.IsNotFoundError(err), "故事不存在应返回未找到错误")
}
