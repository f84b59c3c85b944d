// internal/services/planning_service.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	apperrors "github.com/Corphon/StoryWeaverMCP/internal/errors"
	"github.com/Corphon/StoryWeaverMCP/internal/models"
	"github.com/Corphon/StoryWeaverMCP/internal/parser"
	"github.com/Corphon/StoryWeaverMCP/internal/prompts"
	"github.com/Corphon/StoryWeaverMCP/internal/utils"
)

// PlanningService 把事件图编排为可供成文的故事计划：
// 先把每个事件并行分解为细粒度子事件，再一次性编织为章节结构。
// 章节分配必须恰好覆盖全部子事件，违规时先纠错重问、再确定性修复。
type PlanningService struct {
	generator TextGenerator
}

// NewPlanningService 创建故事计划编排服务
func NewPlanningService(generator TextGenerator) *PlanningService {
	return &PlanningService{generator: generator}
}

// complete 在每次模型调用前确认任务未被取消
func (s *PlanningService) complete(ctx context.Context, stage, systemPrompt, userPrompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("规划构建已取消: %w", err)
	}
	return s.generator.CompleteText(ctx, stage, systemPrompt, userPrompt)
}

// BuildPlan 把事件图编排为故事计划。
// 分解阶段按 params.DecomposeWorkers 并行推进；任一事件遇到生成器
// 资源类错误时整体中止，单个事件的解析失败只让该事件不贡献子事件。
func (s *PlanningService) BuildPlan(ctx context.Context, premise string, graph *models.EventGraph, params models.StoryParams, tracker *ProgressTracker) (*models.StoryPlan, error) {
	if graph == nil || graph.Size() == 0 {
		return nil, apperrors.NewValidationError("事件图为空，无法编排故事计划", nil)
	}
	params = params.Normalized()

	logger := utils.GetLogger()
	logger.Info("开始编排故事计划", map[string]interface{}{
		"events":  graph.Size(),
		"workers": params.DecomposeWorkers,
	})
	reportProgress(tracker, 62, "分解事件为叙事节拍...")

	events := graph.Events()
	results := make([][]*models.SubEvent, len(events))

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	sem := make(chan struct{}, params.DecomposeWorkers)

	for i, event := range events {
		wg.Add(1)
		go func(slot int, parent *models.Event) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-workerCtx.Done():
				return
			}

			subs, err := s.decomposeEvent(workerCtx, premise, parent)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
					cancelWorkers()
				}
				mu.Unlock()
				return
			}
			results[slot] = subs
		}(i, event)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("规划构建已取消: %w", err)
	}

	// 按事件图顺序合并分解结果，子事件全集与其稳定次序在此确定
	allSubEvents := make(map[string]*models.SubEvent)
	var ordered []*models.SubEvent
	for _, subs := range results {
		for _, se := range subs {
			allSubEvents[se.SubEventID] = se
			ordered = append(ordered, se)
		}
	}

	logger.Info("事件分解完成", map[string]interface{}{
		"events":     len(events),
		"sub_events": len(allSubEvents),
	})
	reportProgress(tracker, 68, fmt.Sprintf("分解完成，共 %d 个子事件", len(allSubEvents)))

	if len(allSubEvents) == 0 {
		logger.Warn("全部事件的分解均无产出，返回无章节的计划", nil)
		return &models.StoryPlan{EventGraph: graph, SubEvents: allSubEvents}, nil
	}

	reportProgress(tracker, 70, "编织章节结构...")
	chapters, err := s.weaveChapters(ctx, premise, graph, ordered, allSubEvents)
	if err != nil {
		return nil, err
	}

	plan := &models.StoryPlan{
		EventGraph: graph,
		SubEvents:  allSubEvents,
		Chapters:   chapters,
	}
	logger.Info("故事计划编排完成", map[string]interface{}{
		"sub_events": len(allSubEvents),
		"chapters":   len(chapters),
	})
	reportProgress(tracker, 75, fmt.Sprintf("故事计划完成：%d 章，%d 个子事件", len(chapters), len(allSubEvents)))
	return plan, nil
}

// decomposeEvent 把单个事件分解为子事件序列。
// 解析失败时该事件不贡献子事件；标识一律收敛到父事件命名空间。
func (s *PlanningService) decomposeEvent(ctx context.Context, premise string, parent *models.Event) ([]*models.SubEvent, error) {
	text, err := s.complete(ctx, StageDecompose,
		prompts.DecomposeSystemPrompt,
		prompts.BuildDecomposePrompt(premise, parent))
	if err != nil {
		return nil, err
	}

	subs := parseSubEvents(text)
	if len(subs) == 0 {
		utils.GetLogger().Warn("事件分解未产出子事件", map[string]interface{}{"event_id": parent.EventID})
		return nil, nil
	}
	normalizeSubEventIDs(parent.EventID, subs)
	return subs, nil
}

// weaveChapters 把全部子事件编织为章节结构并保证覆盖性：
// 每个子事件恰好出现在一个章节。首次违规时携带违规清单重问一次，
// 仍不达标则确定性修复；完全解析不出章节时回退为单章计划。
func (s *PlanningService) weaveChapters(ctx context.Context, premise string, graph *models.EventGraph, ordered []*models.SubEvent, index map[string]*models.SubEvent) ([]models.Chapter, error) {
	logger := utils.GetLogger()

	text, err := s.complete(ctx, StageWeave,
		prompts.WeaveSystemPrompt,
		prompts.BuildWeavePrompt(premise, graph, ordered))
	if err != nil {
		return nil, err
	}

	chapters := parseChapters(text)
	if len(chapters) == 0 {
		logger.Warn("编织未产出章节，使用单章回退", nil)
		return []models.Chapter{fallbackChapter(ordered)}, nil
	}

	violations := validateCoverage(chapters, ordered, index)
	if len(violations) == 0 {
		return renumberChapters(chapters), nil
	}

	logger.Warn("章节分配违反覆盖性约束，纠错重问", map[string]interface{}{
		"violations": len(violations),
	})
	retryText, err := s.complete(ctx, StageWeave,
		prompts.WeaveSystemPrompt,
		prompts.BuildWeaveRetryPrompt(premise, graph, ordered, violations))
	if err != nil {
		return nil, err
	}
	if retried := parseChapters(retryText); len(retried) > 0 {
		retriedViolations := validateCoverage(retried, ordered, index)
		if len(retriedViolations) == 0 {
			return renumberChapters(retried), nil
		}
		chapters = retried
		violations = retriedViolations
	}

	logger.Warn("纠错后仍违反覆盖性约束，执行确定性修复", map[string]interface{}{
		"violations": len(violations),
	})
	return renumberChapters(repairCoverage(chapters, ordered, index)), nil
}

// parseSubEvents 把模型回复解析为子事件列表。
// 缺少摘要的记录无法支撑后续成文，直接丢弃。
func parseSubEvents(text string) []*models.SubEvent {
	records, derr := parser.DecodeRecords(text)
	if derr != nil {
		utils.GetLogger().Warn("子事件列表解析失败", map[string]interface{}{"err": derr.Error()})
		return nil
	}

	subs := make([]*models.SubEvent, 0, len(records))
	for _, raw := range records {
		var se models.SubEvent
		if err := json.Unmarshal(raw, &se); err != nil {
			utils.GetLogger().Warn("忽略无法解析的子事件记录", map[string]interface{}{"err": err.Error()})
			continue
		}
		if strings.TrimSpace(se.Summary) == "" {
			utils.GetLogger().Warn("忽略缺少摘要的子事件记录", map[string]interface{}{"sub_event_id": se.SubEventID})
			continue
		}
		subs = append(subs, &se)
	}
	return subs
}

// parseChapters 把模型回复解析为章节列表
func parseChapters(text string) []models.Chapter {
	records, derr := parser.DecodeRecords(text)
	if derr != nil {
		utils.GetLogger().Warn("章节列表解析失败", map[string]interface{}{"err": derr.Error()})
		return nil
	}

	chapters := make([]models.Chapter, 0, len(records))
	for _, raw := range records {
		var ch models.Chapter
		if err := json.Unmarshal(raw, &ch); err != nil {
			utils.GetLogger().Warn("忽略无法解析的章节记录", map[string]interface{}{"err": err.Error()})
			continue
		}
		chapters = append(chapters, ch)
	}
	return chapters
}

// normalizeSubEventIDs 把子事件标识收敛到父事件命名空间：
// 不符合 "<parent>.<index>" 形式或组内重复的标识，改写为首个可用序号
func normalizeSubEventIDs(parent string, subs []*models.SubEvent) {
	used := make(map[string]bool, len(subs))
	next := 1
	for _, se := range subs {
		se.SubEventID = strings.TrimSpace(se.SubEventID)
		if se.ParentEventID() != parent || se.Index() <= 0 || used[se.SubEventID] {
			for used[fmt.Sprintf("%s.%d", parent, next)] {
				next++
			}
			rewritten := fmt.Sprintf("%s.%d", parent, next)
			next++
			if se.SubEventID != "" {
				utils.GetLogger().Warn("子事件标识越界，已改写", map[string]interface{}{
					"from": se.SubEventID,
					"to":   rewritten,
				})
			}
			se.SubEventID = rewritten
		}
		used[se.SubEventID] = true
	}
}

// validateCoverage 校验章节分配恰好覆盖全部子事件。
// 返回确定性顺序的违规描述（英文，供纠错重问直接引用）；合规时为空。
func validateCoverage(chapters []models.Chapter, ordered []*models.SubEvent, index map[string]*models.SubEvent) []string {
	var violations []string
	counts := make(map[string]int, len(index))
	for _, ch := range chapters {
		for _, id := range ch.SubEventIDs {
			if _, ok := index[id]; !ok {
				violations = append(violations,
					fmt.Sprintf("chapter %s references unknown sub-event %s", ch.ChapterID, id))
				continue
			}
			counts[id]++
		}
	}
	for _, se := range ordered {
		switch counts[se.SubEventID] {
		case 1:
		case 0:
			violations = append(violations,
				fmt.Sprintf("sub-event %s is not assigned to any chapter", se.SubEventID))
		default:
			violations = append(violations,
				fmt.Sprintf("sub-event %s is assigned %d times", se.SubEventID, counts[se.SubEventID]))
		}
	}
	return violations
}

// repairCoverage 对章节分配做确定性修复：未知标识被丢弃，重复分配
// 保留首个章节，修复后空掉的章节被移除，遗漏的子事件按分解顺序
// 补进末章。修复结果必然满足覆盖性约束。
func repairCoverage(chapters []models.Chapter, ordered []*models.SubEvent, index map[string]*models.SubEvent) []models.Chapter {
	assigned := make(map[string]bool, len(index))
	repaired := make([]models.Chapter, 0, len(chapters))
	for _, ch := range chapters {
		ids := make([]string, 0, len(ch.SubEventIDs))
		for _, id := range ch.SubEventIDs {
			if _, ok := index[id]; !ok || assigned[id] {
				continue
			}
			assigned[id] = true
			ids = append(ids, id)
		}
		if len(ids) == 0 {
			continue
		}
		ch.SubEventIDs = ids
		repaired = append(repaired, ch)
	}

	var orphans []string
	for _, se := range ordered {
		if !assigned[se.SubEventID] {
			orphans = append(orphans, se.SubEventID)
		}
	}

	if len(repaired) == 0 {
		return []models.Chapter{fallbackChapter(ordered)}
	}
	if len(orphans) > 0 {
		last := &repaired[len(repaired)-1]
		last.SubEventIDs = append(last.SubEventIDs, orphans...)
	}
	return repaired
}

// renumberChapters 按阅读顺序重排章节标识为 C1..Cn
func renumberChapters(chapters []models.Chapter) []models.Chapter {
	for i := range chapters {
		chapters[i].ChapterID = fmt.Sprintf("C%d", i+1)
	}
	return chapters
}

// fallbackChapter 构造装下全部子事件的单章计划
func fallbackChapter(ordered []*models.SubEvent) models.Chapter {
	ids := make([]string, 0, len(ordered))
	for _, se := range ordered {
		ids = append(ids, se.SubEventID)
	}
	return models.Chapter{
		ChapterID:   "C1",
		Title:       "完整故事",
		Summary:     "章节编织失败后的回退计划，包含全部子事件",
		SubEventIDs: ids,
	}
}
