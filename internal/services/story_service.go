// internal/services/story_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Corphon/StoryWeaverMCP/internal/config"
	apperrors "github.com/Corphon/StoryWeaverMCP/internal/errors"
	"github.com/Corphon/StoryWeaverMCP/internal/models"
	"github.com/Corphon/StoryWeaverMCP/internal/storage"
	"github.com/Corphon/StoryWeaverMCP/internal/utils"
)

// StoryService 故事构建门面
// 管理故事生命周期，驱动大纲、计划、成文三个阶段，
// 负责产物持久化、状态转移、进度跟踪与构建取消
type StoryService struct {
	Store    *storage.StoryStore
	Outline  *OutlineService
	Planning *PlanningService
	Writing  *WritingService
	Progress *ProgressService
	Locks    *LockManager

	// 每个故事同一时刻至多一个构建任务
	taskMutex   sync.Mutex
	activeTasks map[string]string // storyID -> taskID

	metrics StoryServiceMetrics
}

// NewStoryService 装配故事构建门面
func NewStoryService(store *storage.StoryStore, outline *OutlineService, planning *PlanningService,
	writing *WritingService, progress *ProgressService, locks *LockManager) *StoryService {
	if progress == nil {
		progress = NewProgressService()
	}
	if locks == nil {
		locks = NewLockManager()
	}
	return &StoryService{
		Store:       store,
		Outline:     outline,
		Planning:    planning,
		Writing:     writing,
		Progress:    progress,
		Locks:       locks,
		activeTasks: make(map[string]string),
	}
}

// CreateStory 创建故事，标题缺省时从前提截取
// 未指定的构建参数先回落到全局配置默认值，再由 Normalized 兜底
func (s *StoryService) CreateStory(title, premise string, params models.StoryParams) (*models.Story, error) {
	premise = strings.TrimSpace(premise)
	if premise == "" {
		return nil, apperrors.NewValidationError("故事前提不能为空", nil)
	}

	title = strings.TrimSpace(title)
	if title == "" {
		title = deriveTitle(premise)
	}

	defaults := config.StoryDefaults()
	if params.KCandidates <= 0 {
		params.KCandidates = defaults.KCandidates
	}
	if params.MaxRevise <= 0 {
		params.MaxRevise = defaults.MaxRevise
	}
	if params.MaxEvents <= 0 {
		params.MaxEvents = defaults.MaxEvents
	}
	if params.DecomposeWorkers <= 0 {
		params.DecomposeWorkers = defaults.DecomposeWorkers
	}

	now := time.Now()
	story := &models.Story{
		ID:          uuid.NewString(),
		Title:       title,
		Premise:     premise,
		Status:      models.StoryStatusDraft,
		Params:      params.Normalized(),
		CreatedAt:   now,
		LastUpdated: now,
	}

	if err := s.Store.SaveStory(story); err != nil {
		return nil, apperrors.NewProcessingError("保存故事失败", err)
	}

	utils.GetLogger().Info("故事已创建", map[string]interface{}{
		"story_id": story.ID,
		"title":    story.Title,
	})

	return story, nil
}

// GetStory 读取故事元信息
func (s *StoryService) GetStory(storyID string) (*models.Story, error) {
	var story *models.Story
	err := s.Locks.ExecuteWithStoryReadLock(storyID, func() error {
		if !s.Store.StoryExists(storyID) {
			return apperrors.NewNotFoundError(fmt.Sprintf("故事不存在: %s", storyID), nil)
		}
		loaded, err := s.Store.LoadStory(storyID)
		if err != nil {
			return apperrors.NewProcessingError("读取故事失败", err)
		}
		story = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return story, nil
}

// ListStories 按创建时间倒序返回全部故事
// 读取失败的单个故事跳过，不影响其余故事
func (s *StoryService) ListStories() ([]*models.Story, error) {
	ids, err := s.Store.ListStoryIDs()
	if err != nil {
		return nil, apperrors.NewProcessingError("读取故事列表失败", err)
	}

	stories := make([]*models.Story, 0, len(ids))
	for _, id := range ids {
		story, err := s.Store.LoadStory(id)
		if err != nil {
			utils.GetLogger().Warn("跳过无法读取的故事", map[string]interface{}{
				"story_id": id,
				"error":    err.Error(),
			})
			continue
		}
		stories = append(stories, story)
	}

	sort.Slice(stories, func(i, j int) bool {
		return stories[i].CreatedAt.After(stories[j].CreatedAt)
	})
	return stories, nil
}

// DeleteStory 删除故事及其全部产物
// 有进行中的构建任务时拒绝删除
func (s *StoryService) DeleteStory(storyID string) error {
	if taskID, busy := s.ActiveTask(storyID); busy {
		return apperrors.NewConflictError(fmt.Sprintf("故事有进行中的构建任务 %s，无法删除", taskID), nil)
	}

	err := s.Locks.ExecuteWithStoryLock(storyID, func() error {
		if !s.Store.StoryExists(storyID) {
			return apperrors.NewNotFoundError(fmt.Sprintf("故事不存在: %s", storyID), nil)
		}
		if err := s.Store.DeleteStory(storyID); err != nil {
			return apperrors.NewProcessingError("删除故事失败", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.Locks.ReleaseStoryLock(storyID)
	utils.GetLogger().Info("故事已删除", map[string]interface{}{"story_id": storyID})
	return nil
}

// GetOutline 读取故事的事件图
func (s *StoryService) GetOutline(storyID string) (*models.EventGraph, error) {
	if _, err := s.GetStory(storyID); err != nil {
		return nil, err
	}
	if !s.Store.HasOutline(storyID) {
		return nil, apperrors.NewNotFoundError("尚未生成事件大纲", nil)
	}
	graph, err := s.Store.LoadOutline(storyID)
	if err != nil {
		return nil, apperrors.NewProcessingError("读取事件大纲失败", err)
	}
	return graph, nil
}

// GetPlan 读取故事计划
func (s *StoryService) GetPlan(storyID string) (*models.StoryPlan, error) {
	if _, err := s.GetStory(storyID); err != nil {
		return nil, err
	}
	if !s.Store.HasPlan(storyID) {
		return nil, apperrors.NewNotFoundError("尚未编排故事计划", nil)
	}
	plan, err := s.Store.LoadPlan(storyID)
	if err != nil {
		return nil, apperrors.NewProcessingError("读取故事计划失败", err)
	}
	return plan, nil
}

// GetChapters 读取章节正文
func (s *StoryService) GetChapters(storyID string) ([]*models.ChapterText, error) {
	if _, err := s.GetStory(storyID); err != nil {
		return nil, err
	}
	if !s.Store.HasChapters(storyID) {
		return nil, apperrors.NewNotFoundError("尚未生成章节正文", nil)
	}
	chapters, err := s.Store.LoadChapters(storyID)
	if err != nil {
		return nil, apperrors.NewProcessingError("读取章节正文失败", err)
	}
	return chapters, nil
}

// ActiveTask 返回故事当前进行中的构建任务ID
func (s *StoryService) ActiveTask(storyID string) (string, bool) {
	s.taskMutex.Lock()
	defer s.taskMutex.Unlock()
	taskID, ok := s.activeTasks[storyID]
	return taskID, ok
}

// CancelBuild 取消故事当前的构建任务
func (s *StoryService) CancelBuild(storyID string) error {
	taskID, ok := s.ActiveTask(storyID)
	if !ok {
		return apperrors.NewNotFoundError("该故事没有进行中的构建任务", nil)
	}
	if _, cancelled := s.Progress.CancelTask(taskID); !cancelled {
		return apperrors.NewConflictError("构建任务已结束，无法取消", nil)
	}
	utils.GetLogger().Info("构建任务取消信号已发出", map[string]interface{}{
		"story_id": storyID,
		"task_id":  taskID,
	})
	return nil
}

// BuildOutlineAsync 启动大纲构建任务，立即返回任务ID
// resume 为 true 且已有大纲时，在现有事件图基础上继续生长
func (s *StoryService) BuildOutlineAsync(storyID string, resume bool) (string, error) {
	story, err := s.GetStory(storyID)
	if err != nil {
		return "", err
	}

	var seed *models.EventGraph
	if resume && s.Store.HasOutline(storyID) {
		seed, err = s.Store.LoadOutline(storyID)
		if err != nil {
			return "", apperrors.NewProcessingError("读取现有事件图失败", err)
		}
	}

	taskID := fmt.Sprintf("outline_%d", time.Now().UnixNano())
	ctx, cancel := context.WithCancel(context.Background())
	tracker, err := s.beginTask(storyID, taskID, models.StoryStatusOutlining, cancel)
	if err != nil {
		cancel()
		return "", err
	}

	go func() {
		defer cancel()
		defer s.clearTask(storyID)
		defer s.recordBuildResult(storyID, "outline", time.Now(), tracker)
		s.runOutline(ctx, story, seed, tracker)
	}()

	return taskID, nil
}

// BuildPlanAsync 启动计划编排任务，立即返回任务ID
func (s *StoryService) BuildPlanAsync(storyID string) (string, error) {
	story, err := s.GetStory(storyID)
	if err != nil {
		return "", err
	}
	if !s.Store.HasOutline(storyID) {
		return "", apperrors.NewValidationError("请先构建事件大纲", nil)
	}

	graph, err := s.Store.LoadOutline(storyID)
	if err != nil {
		return "", apperrors.NewProcessingError("读取事件大纲失败", err)
	}

	taskID := fmt.Sprintf("plan_%d", time.Now().UnixNano())
	ctx, cancel := context.WithCancel(context.Background())
	tracker, err := s.beginTask(storyID, taskID, models.StoryStatusPlanning, cancel)
	if err != nil {
		cancel()
		return "", err
	}

	go func() {
		defer cancel()
		defer s.clearTask(storyID)
		defer s.recordBuildResult(storyID, "plan", time.Now(), tracker)
		s.runPlanning(ctx, story, graph, tracker)
	}()

	return taskID, nil
}

// WriteChaptersAsync 启动章节成文任务，立即返回任务ID
func (s *StoryService) WriteChaptersAsync(storyID string) (string, error) {
	story, err := s.GetStory(storyID)
	if err != nil {
		return "", err
	}
	if !s.Store.HasPlan(storyID) {
		return "", apperrors.NewValidationError("请先编排故事计划", nil)
	}

	plan, err := s.Store.LoadPlan(storyID)
	if err != nil {
		return "", apperrors.NewProcessingError("读取故事计划失败", err)
	}

	taskID := fmt.Sprintf("write_%d", time.Now().UnixNano())
	ctx, cancel := context.WithCancel(context.Background())
	tracker, err := s.beginTask(storyID, taskID, models.StoryStatusWriting, cancel)
	if err != nil {
		cancel()
		return "", err
	}

	go func() {
		defer cancel()
		defer s.clearTask(storyID)
		defer s.recordBuildResult(storyID, "write", time.Now(), tracker)
		s.runWriting(ctx, story, plan, tracker)
	}()

	return taskID, nil
}

// BuildStoryAsync 启动完整构建任务：大纲 → 计划 → 成文一气呵成
// 每个阶段的产物在该阶段完成时即落盘，中途取消不丢失已完成阶段
func (s *StoryService) BuildStoryAsync(storyID string) (string, error) {
	story, err := s.GetStory(storyID)
	if err != nil {
		return "", err
	}

	taskID := fmt.Sprintf("story_%d", time.Now().UnixNano())
	ctx, cancel := context.WithCancel(context.Background())
	tracker, err := s.beginTask(storyID, taskID, models.StoryStatusOutlining, cancel)
	if err != nil {
		cancel()
		return "", err
	}

	go func() {
		defer cancel()
		defer s.clearTask(storyID)
		defer s.recordBuildResult(storyID, "story", time.Now(), tracker)
		s.runFullBuild(ctx, story, tracker)
	}()

	return taskID, nil
}

// beginTask 占用故事的构建槽位，创建进度跟踪器并落盘状态转移
func (s *StoryService) beginTask(storyID, taskID string, status models.StoryStatus, cancel context.CancelFunc) (*ProgressTracker, error) {
	s.taskMutex.Lock()
	if existing, busy := s.activeTasks[storyID]; busy {
		s.taskMutex.Unlock()
		return nil, apperrors.NewConflictError(fmt.Sprintf("故事已有进行中的构建任务: %s", existing), nil)
	}
	s.activeTasks[storyID] = taskID
	s.taskMutex.Unlock()

	tracker := s.Progress.CreateTracker(taskID)
	tracker.BindCancel(cancel)

	if _, err := s.mutateStory(storyID, func(st *models.Story) {
		st.Status = status
		st.LastError = ""
	}); err != nil {
		s.clearTask(storyID)
		tracker.Fail("无法更新故事状态")
		return nil, apperrors.NewProcessingError("更新故事状态失败", err)
	}

	utils.GetLogger().Info("构建任务已启动", map[string]interface{}{
		"story_id": storyID,
		"task_id":  taskID,
		"status":   string(status),
	})

	return tracker, nil
}

func (s *StoryService) clearTask(storyID string) {
	s.taskMutex.Lock()
	delete(s.activeTasks, storyID)
	s.taskMutex.Unlock()
}

// recordBuildResult 构建协程结束后记录任务指标
// defer 注册时即取到任务启动时刻，作为耗时起点
func (s *StoryService) recordBuildResult(storyID, taskType string, start time.Time, tracker *ProgressTracker) {
	duration := time.Since(start)
	success := tracker.Snapshot().Status == "completed"
	s.metrics.RecordBuild(taskType, duration, success)
	utils.NewAPIMetrics().RecordStoryBuild(storyID, taskType, success, duration)
}

// Metrics 返回构建任务的性能指标快照
func (s *StoryService) Metrics() map[string]interface{} {
	return s.metrics.GetMetrics()
}

// runOutline 大纲构建协程
func (s *StoryService) runOutline(ctx context.Context, story *models.Story, seed *models.EventGraph, tracker *ProgressTracker) {
	graph, err := s.Outline.BuildOutline(ctx, story.Premise, seed, story.Params, tracker)
	if err != nil {
		s.failBuild(story.ID, "大纲构建失败", err, tracker)
		return
	}

	if err := s.finishOutline(story.ID, graph); err != nil {
		s.failBuild(story.ID, "保存事件大纲失败", err, tracker)
		return
	}

	tracker.Complete(fmt.Sprintf("大纲构建完成，共 %d 个事件", graph.Size()))
}

// runPlanning 计划编排协程
func (s *StoryService) runPlanning(ctx context.Context, story *models.Story, graph *models.EventGraph, tracker *ProgressTracker) {
	plan, err := s.Planning.BuildPlan(ctx, story.Premise, graph, story.Params, tracker)
	if err != nil {
		s.failBuild(story.ID, "计划编排失败", err, tracker)
		return
	}

	if err := s.finishPlan(story.ID, plan); err != nil {
		s.failBuild(story.ID, "保存故事计划失败", err, tracker)
		return
	}

	tracker.Complete(fmt.Sprintf("计划编排完成：%d 个子事件，%d 个章节", plan.SubEventCount(), len(plan.Chapters)))
}

// runWriting 章节成文协程
func (s *StoryService) runWriting(ctx context.Context, story *models.Story, plan *models.StoryPlan, tracker *ProgressTracker) {
	chapters, err := s.Writing.WriteChapters(ctx, story.Premise, plan, tracker)
	if err != nil {
		s.failBuild(story.ID, "章节成文失败", err, tracker)
		return
	}

	if err := s.finishChapters(story.ID, chapters); err != nil {
		s.failBuild(story.ID, "保存章节正文失败", err, tracker)
		return
	}

	tracker.Complete(fmt.Sprintf("全部章节成文完成，共 %d 字", totalWordCount(chapters)))
}

// runFullBuild 完整构建协程：三个阶段串联，共用一个进度跟踪器
func (s *StoryService) runFullBuild(ctx context.Context, story *models.Story, tracker *ProgressTracker) {
	graph, err := s.Outline.BuildOutline(ctx, story.Premise, nil, story.Params, tracker)
	if err != nil {
		s.failBuild(story.ID, "大纲构建失败", err, tracker)
		return
	}
	if err := s.finishOutline(story.ID, graph); err != nil {
		s.failBuild(story.ID, "保存事件大纲失败", err, tracker)
		return
	}

	if _, err := s.mutateStory(story.ID, func(st *models.Story) {
		st.Status = models.StoryStatusPlanning
	}); err != nil {
		s.failBuild(story.ID, "更新故事状态失败", err, tracker)
		return
	}
	plan, err := s.Planning.BuildPlan(ctx, story.Premise, graph, story.Params, tracker)
	if err != nil {
		s.failBuild(story.ID, "计划编排失败", err, tracker)
		return
	}
	if err := s.finishPlan(story.ID, plan); err != nil {
		s.failBuild(story.ID, "保存故事计划失败", err, tracker)
		return
	}

	if _, err := s.mutateStory(story.ID, func(st *models.Story) {
		st.Status = models.StoryStatusWriting
	}); err != nil {
		s.failBuild(story.ID, "更新故事状态失败", err, tracker)
		return
	}
	chapters, err := s.Writing.WriteChapters(ctx, story.Premise, plan, tracker)
	if err != nil {
		s.failBuild(story.ID, "章节成文失败", err, tracker)
		return
	}
	if err := s.finishChapters(story.ID, chapters); err != nil {
		s.failBuild(story.ID, "保存章节正文失败", err, tracker)
		return
	}

	tracker.Complete(fmt.Sprintf("故事构建完成：%d 个事件，%d 个章节，共 %d 字",
		graph.Size(), len(chapters), totalWordCount(chapters)))
}

// finishOutline 保存事件图并同步元信息
// 大纲更新后旧的计划与正文随之失效，一并清理
func (s *StoryService) finishOutline(storyID string, graph *models.EventGraph) error {
	if err := s.Store.SaveOutline(storyID, graph); err != nil {
		return err
	}
	if err := s.Store.DeletePlan(storyID); err != nil {
		utils.GetLogger().Warn("清理过期故事计划失败", map[string]interface{}{
			"story_id": storyID,
			"error":    err.Error(),
		})
	}
	if err := s.Store.DeleteChapters(storyID); err != nil {
		utils.GetLogger().Warn("清理过期章节正文失败", map[string]interface{}{
			"story_id": storyID,
			"error":    err.Error(),
		})
	}

	_, err := s.mutateStory(storyID, func(st *models.Story) {
		st.Status = models.StoryStatusOutlined
		st.EventCount = graph.Size()
		st.SubEventCount = 0
		st.ChapterCount = 0
	})
	return err
}

// finishPlan 保存故事计划并同步元信息，旧正文一并清理
func (s *StoryService) finishPlan(storyID string, plan *models.StoryPlan) error {
	if err := s.Store.SavePlan(storyID, plan); err != nil {
		return err
	}
	if err := s.Store.DeleteChapters(storyID); err != nil {
		utils.GetLogger().Warn("清理过期章节正文失败", map[string]interface{}{
			"story_id": storyID,
			"error":    err.Error(),
		})
	}

	_, err := s.mutateStory(storyID, func(st *models.Story) {
		st.Status = models.StoryStatusPlanned
		st.SubEventCount = plan.SubEventCount()
		st.ChapterCount = len(plan.Chapters)
	})
	return err
}

// finishChapters 保存章节正文并同步元信息
func (s *StoryService) finishChapters(storyID string, chapters []*models.ChapterText) error {
	if err := s.Store.SaveChapters(storyID, chapters); err != nil {
		return err
	}

	_, err := s.mutateStory(storyID, func(st *models.Story) {
		st.Status = models.StoryStatusWritten
		st.ChapterCount = len(chapters)
	})
	return err
}

// failBuild 统一的失败收尾：标记故事失败并结束任务
func (s *StoryService) failBuild(storyID, stage string, err error, tracker *ProgressTracker) {
	msg := err.Error()
	if errors.Is(err, context.Canceled) {
		msg = "构建已取消"
	}

	if _, uerr := s.mutateStory(storyID, func(st *models.Story) {
		st.Status = models.StoryStatusFailed
		st.LastError = msg
	}); uerr != nil {
		utils.GetLogger().Error("标记故事失败状态时出错", map[string]interface{}{
			"story_id": storyID,
			"error":    uerr.Error(),
		})
	}

	tracker.Fail(fmt.Sprintf("%s: %s", stage, msg))
	utils.GetLogger().Error(stage, map[string]interface{}{
		"story_id": storyID,
		"error":    err.Error(),
	})
}

// mutateStory 在故事锁内执行元信息的读-改-写
func (s *StoryService) mutateStory(storyID string, mutate func(*models.Story)) (*models.Story, error) {
	var story *models.Story
	err := s.Locks.ExecuteWithStoryLock(storyID, func() error {
		loaded, err := s.Store.LoadStory(storyID)
		if err != nil {
			return err
		}
		mutate(loaded)
		loaded.LastUpdated = time.Now()
		if err := s.Store.SaveStory(loaded); err != nil {
			return err
		}
		story = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return story, nil
}

// deriveTitle 未提供标题时从前提截取
func deriveTitle(premise string) string {
	const maxTitleRunes = 16
	runes := []rune(premise)
	if len(runes) <= maxTitleRunes {
		return premise
	}
	return string(runes[:maxTitleRunes]) + "…"
}

// totalWordCount 汇总全部章节的字数
func totalWordCount(chapters []*models.ChapterText) int {
	total := 0
	for _, chapter := range chapters {
		total += chapter.WordCount
	}
	return total
}
