// internal/services/story_service_test.go
package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Corphon/StoryWeaverMCP/internal/errors"
	"github.com/Corphon/StoryWeaverMCP/internal/models"
	"github.com/Corphon/StoryWeaverMCP/internal/storage"
)

func newTestStoryService(t *testing.T, gen TextGenerator) *StoryService {
	t.Helper()
	store, err := storage.NewStoryStore(t.TempDir())
	require.NoError(t, err, "创建故事存储不应失败")

	return NewStoryService(store,
		NewOutlineService(gen),
		NewPlanningService(gen),
		NewWritingService(gen),
		NewProgressService(),
		NewLockManager())
}

// waitTask 等待构建任务结束并返回其跟踪器
func waitTask(t *testing.T, s *StoryService, taskID string) *ProgressTracker {
	t.Helper()
	tracker, ok := s.Progress.GetTracker(taskID)
	require.True(t, ok, "任务跟踪器应存在")

	select {
	case <-tracker.Done:
	case <-time.After(10 * time.Second):
		t.Fatal("等待构建任务超时")
	}
	return tracker
}

// smallParams 两个事件即触顶的最小构建参数
func smallParams() models.StoryParams {
	return models.StoryParams{
		KCandidates:      2,
		MaxRevise:        2,
		MaxEvents:        2,
		DecomposeWorkers: 1,
	}
}

func TestCreateStory(t *testing.T) {
	svc := newTestStoryService(t, generatorFunc(func(_ context.Context, _, _, _ string) (string, error) {
		return "", errors.New("不应触发生成")
	}))

	story, err := svc.CreateStory("迷雾灯塔", "守塔人发现灯塔的光能照出过去", models.StoryParams{})
	require.NoError(t, err, "创建故事不应失败")
	assert.NotEmpty(t, story.ID)
	assert.Equal(t, models.StoryStatusDraft, story.Status)
	assert.Equal(t, models.DefaultKCandidates, story.Params.KCandidates, "零值参数应回落到默认值")
	assert.True(t, svc.Store.StoryExists(story.ID), "故事应已落盘")

	loaded, err := svc.GetStory(story.ID)
	require.NoError(t, err)
	assert.Equal(t, "迷雾灯塔", loaded.Title)

	_, err = svc.CreateStory("无前提", "   ", models.StoryParams{})
	assert.True(t, apperrors.IsValidationError(err), "空前提应返回验证错误")
}

func TestCreateStoryDerivesTitle(t *testing.T) {
	svc := newTestStoryService(t, generatorFunc(func(_ context.Context, _, _, _ string) (string, error) {
		return "", errors.New("不应触发生成")
	}))

	story, err := svc.CreateStory("", "夜里灯塔的光第一次拐了弯，照亮了三十年前沉没的船", models.StoryParams{})
	require.NoError(t, err)
	assert.Equal(t, "夜里灯塔的光第一次拐了弯，照亮了…", story.Title, "缺省标题应从前提截取")
}

func TestGetStoryNotFound(t *testing.T) {
	svc := newTestStoryService(t, generatorFunc(func(_ context.Context, _, _, _ string) (string, error) {
		return "", errors.New("不应触发生成")
	}))

	_, err := svc.GetStory("ghost")
	assert.True(t, apperrors.IsNotFoundError(err), "不存在的故事应返回未找到错误")

	story, err := svc.CreateStory("草稿", "一个尚未构建的故事", models.StoryParams{})
	require.NoError(t, err)

	_, err = svc.GetOutline(story.ID)
	assert.True(t, apperrors.IsNotFoundError(err), "未构建的大纲应返回未找到错误")
	_, err = svc.GetPlan(story.ID)
	assert.True(t, apperrors.IsNotFoundError(err))
	_, err = svc.GetChapters(story.ID)
	assert.True(t, apperrors.IsNotFoundError(err))
}

func TestListStoriesNewestFirst(t *testing.T) {
	svc := newTestStoryService(t, generatorFunc(func(_ context.Context, _, _, _ string) (string, error) {
		return "", errors.New("不应触发生成")
	}))

	first, err := svc.CreateStory("第一个", "前提一", models.StoryParams{})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	second, err := svc.CreateStory("第二个", "前提二", models.StoryParams{})
	require.NoError(t, err)

	// 一个没有元信息文件的残缺目录应被跳过
	require.NoError(t, os.MkdirAll(filepath.Join(svc.Store.BaseDir, "stories", "broken"), 0755))

	stories, err := svc.ListStories()
	require.NoError(t, err, "列出故事不应失败")
	require.Len(t, stories, 2, "残缺目录应被跳过")
	assert.Equal(t, second.ID, stories[0].ID, "最新创建的故事应排在最前")
	assert.Equal(t, first.ID, stories[1].ID)
}

func TestBuildStoryFullPipeline(t *testing.T) {
	log := &callLog{}
	gen := generatorFunc(func(_ context.Context, stage, _, user string) (string, error) {
		log.add(stage, user)
		switch stage {
		case StageCompleteness:
			return completenessJSON(false, "尚未形成完整弧线", "结局"), nil
		case StageSeed:
			return eventsJSON(
				eventJSON("E1", "出发", "主角离开小镇前往灯塔"),
				eventJSON("E2", "抵达", "主角在暴雨夜抵达灯塔"),
			), nil
		case StageValidate:
			return eventsJSON(
				verdictJSON("E1", true, 0.8, 0.9, ""),
				verdictJSON("E2", true, 0.7, 0.8, ""),
			), nil
		case StageRelations:
			return eventsJSON(relationJSON("causal", "E1", "E2")), nil
		case StageDecompose:
			if strings.Contains(user, `"event_id": "E1"`) {
				return eventsJSON(subEventJSON("E1.1", "收拾行囊")), nil
			}
			return eventsJSON(subEventJSON("E2.1", "敲响塔门")), nil
		case StageWeave:
			return eventsJSON(
				chapterJSON("C1", "出发", "E1.1"),
				chapterJSON("C2", "灯塔", "E2.1"),
			), nil
		case StageWrite:
			if strings.Contains(user, `"chapter_id": "C1"`) {
				return "灯塔的光第一次亮起。", nil
			}
			return "守塔人写下最后一页日志。", nil
		default:
			return "", errors.New("意外的阶段: " + stage)
		}
	})

	svc := newTestStoryService(t, gen)
	story, err := svc.CreateStory("灯塔", "守塔人发现灯塔的光能照出过去", smallParams())
	require.NoError(t, err)

	taskID, err := svc.BuildStoryAsync(story.ID)
	require.NoError(t, err, "启动完整构建不应失败")
	assert.True(t, strings.HasPrefix(taskID, "story_"), "完整构建任务ID应带阶段前缀")

	tracker := waitTask(t, svc, taskID)
	assert.Equal(t, "completed", tracker.Status, "构建应成功完成")
	assert.Equal(t, 100, tracker.Progress)
	assert.Contains(t, tracker.Message, "故事构建完成")

	// 元信息
	final, err := svc.GetStory(story.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StoryStatusWritten, final.Status)
	assert.Equal(t, 2, final.EventCount)
	assert.Equal(t, 2, final.SubEventCount)
	assert.Equal(t, 2, final.ChapterCount)
	assert.Empty(t, final.LastError)

	// 产物
	graph, err := svc.GetOutline(story.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"E1", "E2"}, graph.EventIDs())
	require.Len(t, graph.Edges, 1)

	plan, err := svc.GetPlan(story.ID)
	require.NoError(t, err)
	require.Len(t, plan.Chapters, 2)
	assert.Equal(t, 2, plan.SubEventCount())

	chapters, err := svc.GetChapters(story.ID)
	require.NoError(t, err)
	require.Len(t, chapters, 2)
	assert.Equal(t, "灯塔的光第一次亮起。", chapters[0].Content)
	assert.Greater(t, chapters[0].WordCount, 0)

	// 各阶段调用次数
	assert.Equal(t, 1, log.count(StageCompleteness))
	assert.Equal(t, 1, log.count(StageSeed))
	assert.Equal(t, 1, log.count(StageValidate))
	assert.Equal(t, 1, log.count(StageRelations))
	assert.Equal(t, 2, log.count(StageDecompose))
	assert.Equal(t, 1, log.count(StageWeave))
	assert.Equal(t, 2, log.count(StageWrite))

	// 任务槽位最终释放
	assert.Eventually(t, func() bool {
		_, busy := svc.ActiveTask(story.ID)
		return !busy
	}, time.Second, 10*time.Millisecond, "任务结束后槽位应释放")
}

func TestResumeOutlineSeedsExistingGraph(t *testing.T) {
	log := &callLog{}
	gen := generatorFunc(func(_ context.Context, stage, _, user string) (string, error) {
		log.add(stage, user)
		if stage == StageRelations {
			return eventsJSON(relationJSON("temporal", "E1", "E2")), nil
		}
		return "", errors.New("已达事件上限，不应再进入生成阶段: " + stage)
	})

	svc := newTestStoryService(t, gen)
	story, err := svc.CreateStory("续跑", "在已有事件图上继续构建", smallParams())
	require.NoError(t, err)
	require.NoError(t, svc.Store.SaveOutline(story.ID, planGraph("E1", "E2")))

	taskID, err := svc.BuildOutlineAsync(story.ID, true)
	require.NoError(t, err)

	tracker := waitTask(t, svc, taskID)
	assert.Equal(t, "completed", tracker.Status, "续跑应直接进入关系推断并完成")
	assert.Equal(t, 1, log.count(StageRelations), "只应发生一次关系推断调用")
	assert.Len(t, log.stages, 1)

	final, err := svc.GetStory(story.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StoryStatusOutlined, final.Status)
	assert.Equal(t, 2, final.EventCount)

	graph, err := svc.GetOutline(story.ID)
	require.NoError(t, err)
	require.Len(t, graph.Edges, 1, "续跑推断出的关系应落盘")
}

func TestRebuildOutlineInvalidatesDownstream(t *testing.T) {
	gen := generatorFunc(func(_ context.Context, stage, _, _ string) (string, error) {
		switch stage {
		case StageCompleteness:
			return completenessJSON(false, "从头开始"), nil
		case StageSeed:
			return eventsJSON(
				eventJSON("E1", "新开场", "重建后的第一幕"),
				eventJSON("E2", "新转折", "重建后的第二幕"),
			), nil
		case StageValidate:
			return eventsJSON(
				verdictJSON("E1", true, 0.9, 0.9, ""),
				verdictJSON("E2", true, 0.8, 0.8, ""),
			), nil
		case StageRelations:
			return "[]", nil
		default:
			return "", errors.New("意外的阶段: " + stage)
		}
	})

	svc := newTestStoryService(t, gen)
	story, err := svc.CreateStory("重建", "重建大纲会使旧计划失效", smallParams())
	require.NoError(t, err)

	// 预置一套旧产物
	require.NoError(t, svc.Store.SaveOutline(story.ID, planGraph("OLD1")))
	require.NoError(t, svc.Store.SavePlan(story.ID, writablePlan()))
	require.NoError(t, svc.Store.SaveChapters(story.ID, []*models.ChapterText{
		{ChapterID: "C1", Title: "旧章", Content: "旧正文", WordCount: 3, CreatedAt: time.Now()},
	}))

	taskID, err := svc.BuildOutlineAsync(story.ID, false)
	require.NoError(t, err)

	tracker := waitTask(t, svc, taskID)
	require.Equal(t, "completed", tracker.Status)

	final, err := svc.GetStory(story.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StoryStatusOutlined, final.Status)
	assert.Equal(t, 2, final.EventCount)
	assert.Zero(t, final.SubEventCount, "重建大纲后子事件计数应清零")
	assert.Zero(t, final.ChapterCount, "重建大纲后章节计数应清零")

	assert.False(t, svc.Store.HasPlan(story.ID), "旧计划应被清理")
	assert.False(t, svc.Store.HasChapters(story.ID), "旧正文应被清理")

	graph, err := svc.GetOutline(story.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"E1", "E2"}, graph.EventIDs(), "resume 为 false 时应从零开始构建")
}

func TestBuildPlanRequiresOutline(t *testing.T) {
	svc := newTestStoryService(t, generatorFunc(func(_ context.Context, _, _, _ string) (string, error) {
		return "", errors.New("不应触发生成")
	}))

	story, err := svc.CreateStory("空手", "还没有大纲", models.StoryParams{})
	require.NoError(t, err)

	_, err = svc.BuildPlanAsync(story.ID)
	assert.True(t, apperrors.IsValidationError(err), "没有大纲时编排计划应返回验证错误")

	_, err = svc.WriteChaptersAsync(story.ID)
	assert.True(t, apperrors.IsValidationError(err), "没有计划时成文应返回验证错误")
}

func TestConcurrentBuildRejected(t *testing.T) {
	release := make(chan struct{})
	gen := generatorFunc(func(ctx context.Context, _, _, _ string) (string, error) {
		select {
		case <-release:
			return "", errors.New("构建被测试终止")
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})

	svc := newTestStoryService(t, gen)
	story, err := svc.CreateStory("占位", "同一故事不允许并发构建", smallParams())
	require.NoError(t, err)

	taskID, err := svc.BuildOutlineAsync(story.ID, false)
	require.NoError(t, err)

	activeID, busy := svc.ActiveTask(story.ID)
	assert.True(t, busy)
	assert.Equal(t, taskID, activeID)

	_, err = svc.BuildOutlineAsync(story.ID, false)
	assert.True(t, apperrors.IsConflictError(err), "重复启动构建应返回冲突错误")
	_, err = svc.BuildStoryAsync(story.ID)
	assert.True(t, apperrors.IsConflictError(err))

	err = svc.DeleteStory(story.ID)
	assert.True(t, apperrors.IsConflictError(err), "构建进行中不允许删除故事")

	close(release)
	tracker := waitTask(t, svc, taskID)
	assert.Equal(t, "failed", tracker.Status)

	final, err := svc.GetStory(story.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StoryStatusFailed, final.Status)
	assert.Contains(t, final.LastError, "构建被测试终止")

	assert.Eventually(t, func() bool {
		_, busy := svc.ActiveTask(story.ID)
		return !busy
	}, time.Second, 10*time.Millisecond, "失败后任务槽位应释放")
}

func TestCancelBuild(t *testing.T) {
	gen := generatorFunc(func(ctx context.Context, _, _, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})

	svc := newTestStoryService(t, gen)
	story, err := svc.CreateStory("可取消", "构建可以被取消", smallParams())
	require.NoError(t, err)

	taskID, err := svc.BuildStoryAsync(story.ID)
	require.NoError(t, err)

	require.NoError(t, svc.CancelBuild(story.ID), "取消进行中的构建不应失败")

	tracker := waitTask(t, svc, taskID)
	assert.Equal(t, "failed", tracker.Status)
	assert.Contains(t, tracker.Message, "构建已取消")

	final, err := svc.GetStory(story.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StoryStatusFailed, final.Status)
	assert.Equal(t, "构建已取消", final.LastError)

	assert.Eventually(t, func() bool {
		_, busy := svc.ActiveTask(story.ID)
		return !busy
	}, time.Second, 10*time.Millisecond)

	err = svc.CancelBuild(story.ID)
	assert.True(t, apperrors.IsNotFoundError(err), "没有进行中的任务时取消应返回未找到错误")
}

func TestDeleteStoryRemovesEverything(t *testing.T) {
	svc := newTestStoryService(t, generatorFunc(func(_ context.Context, _, _, _ string) (string, error) {
		return "", errors.New("不应触发生成")
	}))

	story, err := svc.CreateStory("待删除", "删除应带走全部产物", models.StoryParams{})
	require.NoError(t, err)
	require.NoError(t, svc.Store.SaveOutline(story.ID, planGraph("E1")))

	require.NoError(t, svc.DeleteStory(story.ID), "删除故事不应失败")

	_, err = svc.GetStory(story.ID)
	assert.True(t, apperrors.IsNotFoundError(err), "删除后故事应不存在")

	err = svc.DeleteStory(story.ID)
	assert.True(t, apperrors.IsNotFoundError(err), "重复删除应返回未找到错误")
}

func TestDeriveTitle(t *testing.T) {
	cases := []struct {
		name    string
		premise string
		want    string
	}{
		{"短前提原样保留", "灯塔照出过去", "灯塔照出过去"},
		{"恰好十六字不截断", "一二三四五六七八九十一二三四五六", "一二三四五六七八九十一二三四五六"},
		{"超长前提截断加省略号", "一二三四五六七八九十一二三四五六七八", "一二三四五六七八九十一二三四五六…"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, deriveTitle(tc.premise))
		})
	}
}
