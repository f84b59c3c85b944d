// internal/services/planning_service_test.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Corphon/StoryWeaverMCP/internal/errors"
	"github.com/Corphon/StoryWeaverMCP/internal/models"
)

// callLog 记录并发生成调用的并发安全日志
type callLog struct {
	mu      sync.Mutex
	stages  []string
	prompts []string
}

func (l *callLog) add(stage, prompt string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stages = append(l.stages, stage)
	l.prompts = append(l.prompts, prompt)
}

func (l *callLog) count(stage string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, s := range l.stages {
		if s == stage {
			n++
		}
	}
	return n
}

func (l *callLog) promptsFor(stage string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for i, s := range l.stages {
		if s == stage {
			out = append(out, l.prompts[i])
		}
	}
	return out
}

func subEventJSON(id, summary string) string {
	b, _ := json.Marshal(map[string]interface{}{
		"sub_event_id": id,
		"title":        "节拍 " + id,
		"summary":      summary,
		"location":     "旧城区",
		"outcome":      "局势推进",
	})
	return string(b)
}

func chapterJSON(id, title string, subIDs ...string) string {
	b, _ := json.Marshal(map[string]interface{}{
		"chapter_id":    id,
		"title":         title,
		"summary":       "章节摘要",
		"sub_event_ids": subIDs,
	})
	return string(b)
}

func planGraph(ids ...string) *models.EventGraph {
	g := models.NewEventGraph()
	for _, id := range ids {
		g.AddEvent(&models.Event{EventID: id, Title: "事件" + id, Summary: "事件" + id + "的概要"})
	}
	return g
}

// weaveRetryMarker 标记纠错重问的提示词，必须先于普通编织分支判断
const weaveRetryMarker = "violated the coverage rules"

func TestBuildPlanHappyPath(t *testing.T) {
	graph := planGraph("E1", "E2")
	log := &callLog{}

	gen := generatorFunc(func(_ context.Context, stage, _, user string) (string, error) {
		log.add(stage, user)
		switch stage {
		case StageDecompose:
			if strings.Contains(user, `"event_id": "E1"`) {
				return eventsJSON(
					subEventJSON("E1.1", "主角发现线索"),
					subEventJSON("E1.2", "线索引向码头"),
				), nil
			}
			return eventsJSON(subEventJSON("E2.1", "码头对峙")), nil
		case StageWeave:
			return eventsJSON(
				chapterJSON("C1", "倒叙开场", "E2.1", "E1.1"),
				chapterJSON("C2", "真相", "E1.2"),
			), nil
		default:
			return "", errors.New("意外的阶段: " + stage)
		}
	})

	svc := NewPlanningService(gen)
	plan, err := svc.BuildPlan(context.Background(), "码头疑云", graph,
		models.StoryParams{DecomposeWorkers: 2}, nil)

	require.NoError(t, err)
	assert.Same(t, graph, plan.EventGraph, "计划应直接引用传入的事件图")
	assert.Len(t, plan.SubEvents, 3)
	require.Len(t, plan.Chapters, 2)
	assert.Equal(t, "C1", plan.Chapters[0].ChapterID)
	assert.Equal(t, []string{"E2.1", "E1.1"}, plan.Chapters[0].SubEventIDs,
		"非线性章内次序应原样保留")
	assert.ElementsMatch(t, []string{"E1.1", "E1.2", "E2.1"}, plan.ChapterAssignments(),
		"每个子事件恰好出现一次")
	assert.Equal(t, 2, log.count(StageDecompose), "每个事件分解一次")
	assert.Equal(t, 1, log.count(StageWeave), "合规的编织结果不应触发重问")
}

func TestBuildPlanNamespacesSubEventIDs(t *testing.T) {
	graph := planGraph("E1")

	gen := generatorFunc(func(_ context.Context, stage, _, user string) (string, error) {
		switch stage {
		case StageDecompose:
			// 越界ID、合规ID、重复ID混在一起
			return eventsJSON(
				subEventJSON("X.9", "第一拍"),
				subEventJSON("E1.2", "第二拍"),
				subEventJSON("E1.2", "第三拍"),
			), nil
		case StageWeave:
			return eventsJSON(chapterJSON("C1", "单章", "E1.1", "E1.2", "E1.3")), nil
		default:
			return "", errors.New("意外的阶段: " + stage)
		}
	})

	svc := NewPlanningService(gen)
	plan, err := svc.BuildPlan(context.Background(), "命名空间测试", graph, models.StoryParams{}, nil)

	require.NoError(t, err)
	assert.Len(t, plan.SubEvents, 3)
	assert.Contains(t, plan.SubEvents, "E1.1", "越界ID应被改写进父事件命名空间")
	assert.Contains(t, plan.SubEvents, "E1.2", "合规ID应保持原样")
	assert.Contains(t, plan.SubEvents, "E1.3", "重复ID应顺延到下一个可用序号")
	assert.Equal(t, "第一拍", plan.SubEvents["E1.1"].Summary)
	assert.Equal(t, "第三拍", plan.SubEvents["E1.3"].Summary)
}

func TestBuildPlanWeaveRetrySucceeds(t *testing.T) {
	graph := planGraph("E1", "E2")
	log := &callLog{}

	gen := generatorFunc(func(_ context.Context, stage, _, user string) (string, error) {
		log.add(stage, user)
		switch {
		case stage == StageDecompose:
			if strings.Contains(user, `"event_id": "E1"`) {
				return eventsJSON(subEventJSON("E1.1", "开端"), subEventJSON("E1.2", "发展")), nil
			}
			return eventsJSON(subEventJSON("E2.1", "高潮")), nil
		case stage == StageWeave && strings.Contains(user, weaveRetryMarker):
			return eventsJSON(
				chapterJSON("C1", "上篇", "E1.1", "E1.2"),
				chapterJSON("C2", "下篇", "E2.1"),
			), nil
		case stage == StageWeave:
			// 首次编织：引用了不存在的子事件，还漏掉了两个
			return eventsJSON(chapterJSON("C1", "残缺章", "E1.1", "E9.1")), nil
		default:
			return "", errors.New("意外的阶段: " + stage)
		}
	})

	svc := NewPlanningService(gen)
	plan, err := svc.BuildPlan(context.Background(), "重问测试", graph, models.StoryParams{}, nil)

	require.NoError(t, err)
	require.Len(t, plan.Chapters, 2)
	assert.ElementsMatch(t, []string{"E1.1", "E1.2", "E2.1"}, plan.ChapterAssignments())
	assert.Equal(t, 2, log.count(StageWeave), "违规结果应恰好触发一次纠错重问")

	retryPrompts := log.promptsFor(StageWeave)
	require.Len(t, retryPrompts, 2)
	assert.Contains(t, retryPrompts[1], "references unknown sub-event E9.1",
		"重问提示词应携带具体违规")
	assert.Contains(t, retryPrompts[1], "sub-event E2.1 is not assigned to any chapter")
}

func TestBuildPlanDeterministicRepair(t *testing.T) {
	graph := planGraph("E1", "E2")
	log := &callLog{}

	gen := generatorFunc(func(_ context.Context, stage, _, user string) (string, error) {
		log.add(stage, user)
		switch {
		case stage == StageDecompose:
			if strings.Contains(user, `"event_id": "E1"`) {
				return eventsJSON(subEventJSON("E1.1", "开端"), subEventJSON("E1.2", "发展")), nil
			}
			return eventsJSON(subEventJSON("E2.1", "高潮")), nil
		case stage == StageWeave && strings.Contains(user, weaveRetryMarker):
			// 重问后依旧违规：重复引用加不存在的子事件
			return eventsJSON(chapterJSON("CX", "拼凑章", "E1.1", "E1.1", "E9.9")), nil
		case stage == StageWeave:
			return eventsJSON(chapterJSON("C1", "残缺章", "E9.9")), nil
		default:
			return "", errors.New("意外的阶段: " + stage)
		}
	})

	svc := NewPlanningService(gen)
	plan, err := svc.BuildPlan(context.Background(), "修复测试", graph, models.StoryParams{}, nil)

	require.NoError(t, err)
	require.Len(t, plan.Chapters, 1)
	assert.Equal(t, "C1", plan.Chapters[0].ChapterID, "修复后的章节应重新编号")
	assert.Equal(t, "拼凑章", plan.Chapters[0].Title, "修复应基于重问后的结果")
	assert.Equal(t, []string{"E1.1", "E1.2", "E2.1"}, plan.Chapters[0].SubEventIDs,
		"去重后遗漏的子事件应按分解顺序补进末章")
}

func TestBuildPlanFallbackChapterOnEmptyWeave(t *testing.T) {
	graph := planGraph("E1")
	log := &callLog{}

	gen := generatorFunc(func(_ context.Context, stage, _, user string) (string, error) {
		log.add(stage, user)
		if stage == StageDecompose {
			return eventsJSON(subEventJSON("E1.1", "开端"), subEventJSON("E1.2", "结尾")), nil
		}
		return "完全不是JSON的回复", nil
	})

	svc := NewPlanningService(gen)
	plan, err := svc.BuildPlan(context.Background(), "回退测试", graph, models.StoryParams{}, nil)

	require.NoError(t, err)
	require.Len(t, plan.Chapters, 1)
	assert.Equal(t, []string{"E1.1", "E1.2"}, plan.Chapters[0].SubEventIDs,
		"回退单章应按分解顺序装下全部子事件")
	assert.Equal(t, 1, log.count(StageWeave), "解析不出章节时直接回退，不再重问")
}

func TestBuildPlanRejectsEmptyGraph(t *testing.T) {
	svc := NewPlanningService(generatorFunc(func(context.Context, string, string, string) (string, error) {
		return "", errors.New("不应被调用")
	}))

	_, err := svc.BuildPlan(context.Background(), "空图测试", nil, models.StoryParams{}, nil)
	assert.True(t, apperrors.IsValidationError(err), "空事件图应返回校验错误")

	_, err = svc.BuildPlan(context.Background(), "空图测试", models.NewEventGraph(), models.StoryParams{}, nil)
	assert.True(t, apperrors.IsValidationError(err))
}

func TestBuildPlanSkipsUnparsableDecompose(t *testing.T) {
	graph := planGraph("E1", "E2")

	gen := generatorFunc(func(_ context.Context, stage, _, user string) (string, error) {
		switch stage {
		case StageDecompose:
			if strings.Contains(user, `"event_id": "E1"`) {
				return "损坏的回复", nil
			}
			return eventsJSON(subEventJSON("E2.1", "唯一的节拍")), nil
		case StageWeave:
			return eventsJSON(chapterJSON("C1", "独章", "E2.1")), nil
		default:
			return "", errors.New("意外的阶段: " + stage)
		}
	})

	svc := NewPlanningService(gen)
	plan, err := svc.BuildPlan(context.Background(), "部分失败测试", graph, models.StoryParams{}, nil)

	require.NoError(t, err, "单个事件分解失败不应中止整体规划")
	assert.Len(t, plan.SubEvents, 1)
	assert.Contains(t, plan.SubEvents, "E2.1")
}

func TestBuildPlanGeneratorErrorAborts(t *testing.T) {
	graph := planGraph("E1", "E2")
	providerErr := errors.New("上游限流")
	log := &callLog{}

	gen := generatorFunc(func(_ context.Context, stage, _, user string) (string, error) {
		log.add(stage, user)
		if stage == StageDecompose && strings.Contains(user, `"event_id": "E1"`) {
			return "", providerErr
		}
		if stage == StageDecompose {
			return eventsJSON(subEventJSON("E2.1", "正常产出")), nil
		}
		return "", errors.New("编织不应执行")
	})

	svc := NewPlanningService(gen)
	plan, err := svc.BuildPlan(context.Background(), "错误中止测试", graph,
		models.StoryParams{DecomposeWorkers: 1}, nil)

	assert.Nil(t, plan)
	assert.ErrorIs(t, err, providerErr, "生成器的资源类错误必须向上传递")
	assert.Zero(t, log.count(StageWeave), "分解失败后不应进入编织阶段")
}

func TestBuildPlanAllDecomposeEmpty(t *testing.T) {
	graph := planGraph("E1", "E2")
	log := &callLog{}

	gen := generatorFunc(func(_ context.Context, stage, _, user string) (string, error) {
		log.add(stage, user)
		return "没有任何结构化内容", nil
	})

	svc := NewPlanningService(gen)
	plan, err := svc.BuildPlan(context.Background(), "全空分解测试", graph, models.StoryParams{}, nil)

	require.NoError(t, err)
	assert.Empty(t, plan.SubEvents)
	assert.Empty(t, plan.Chapters)
	assert.Zero(t, log.count(StageWeave), "没有子事件时不应调用编织")
}

func TestValidateCoverage(t *testing.T) {
	subs := []*models.SubEvent{
		{SubEventID: "E1.1"}, {SubEventID: "E1.2"}, {SubEventID: "E2.1"},
	}
	index := map[string]*models.SubEvent{}
	for _, se := range subs {
		index[se.SubEventID] = se
	}

	tests := []struct {
		name     string
		chapters []models.Chapter
		want     []string
	}{
		{
			name: "完全覆盖无违规",
			chapters: []models.Chapter{
				{ChapterID: "C1", SubEventIDs: []string{"E2.1", "E1.1"}},
				{ChapterID: "C2", SubEventIDs: []string{"E1.2"}},
			},
			want: nil,
		},
		{
			name: "遗漏与重复同时上报",
			chapters: []models.Chapter{
				{ChapterID: "C1", SubEventIDs: []string{"E1.1", "E1.1"}},
			},
			want: []string{
				"sub-event E1.1 is assigned 2 times",
				"sub-event E1.2 is not assigned to any chapter",
				"sub-event E2.1 is not assigned to any chapter",
			},
		},
		{
			name: "不存在的引用被单独点名",
			chapters: []models.Chapter{
				{ChapterID: "C1", SubEventIDs: []string{"E1.1", "E1.2", "E2.1", "E7.7"}},
			},
			want: []string{"chapter C1 references unknown sub-event E7.7"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := validateCoverage(tt.chapters, subs, index)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.ElementsMatch(t, tt.want, got)
		})
	}
}

func TestNormalizeSubEventIDs(t *testing.T) {
	subs := []*models.SubEvent{
		{SubEventID: " E1.1 "},
		{SubEventID: "bogus"},
		{SubEventID: "E1.1"},
		{SubEventID: "E1.0"},
	}

	normalizeSubEventIDs("E1", subs)

	assert.Equal(t, "E1.1", subs[0].SubEventID, "前后空白应被修剪")
	assert.Equal(t, "E1.2", subs[1].SubEventID, "非法格式改写为首个可用序号")
	assert.Equal(t, "E1.3", subs[2].SubEventID, "重复ID顺延")
	assert.Equal(t, "E1.4", subs[3].SubEventID, "序号必须为正整数")
}
