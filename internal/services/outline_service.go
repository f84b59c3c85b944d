// internal/services/outline_service.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	apperrors "github.com/Corphon/StoryWeaverMCP/internal/errors"
	"github.com/Corphon/StoryWeaverMCP/internal/models"
	"github.com/Corphon/StoryWeaverMCP/internal/parser"
	"github.com/Corphon/StoryWeaverMCP/internal/prompts"
	"github.com/Corphon/StoryWeaverMCP/internal/utils"
)

// minNoveltyScore 低于该新颖度的候选视为重复事件，即使裁决给出通过
const minNoveltyScore = 0.2

// OutlineService 将故事前提迭代生长为经过校验的事件图。
// 每轮先判定大纲完整性，不完整时生成一批候选事件，
// 经校验与修订后合并进图；全部事件确定后一次性推断事件间关系。
type OutlineService struct {
	generator TextGenerator
}

// NewOutlineService 创建大纲构建服务
func NewOutlineService(generator TextGenerator) *OutlineService {
	return &OutlineService{generator: generator}
}

// reportProgress 安全地更新进度，tracker 为 nil 时跳过
func reportProgress(tracker *ProgressTracker, progress int, message string) {
	if tracker != nil {
		tracker.UpdateProgress(progress, message)
	}
}

// complete 在每次模型调用前确认任务未被取消
func (s *OutlineService) complete(ctx context.Context, stage, systemPrompt, userPrompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("大纲构建已取消: %w", err)
	}
	return s.generator.CompleteText(ctx, stage, systemPrompt, userPrompt)
}

// BuildOutline 从故事前提构建事件图。
// initial 不为 nil 时在其副本上继续生长，调用方持有的图不被修改。
// 生成器的资源类错误会中止构建并向上传递；单个阶段的解析失败只
// 降级该阶段的结果，由迭代上限和无进展检测保证循环有界。
func (s *OutlineService) BuildOutline(ctx context.Context, premise string, initial *models.EventGraph, params models.StoryParams, tracker *ProgressTracker) (*models.EventGraph, error) {
	if strings.TrimSpace(premise) == "" {
		return nil, apperrors.NewValidationError("故事前提不能为空", nil)
	}
	params = params.Normalized()

	graph := models.NewEventGraph()
	if initial != nil {
		graph = initial.Clone()
	}

	// 迭代上限防止完整性判定永不满足时的死循环
	maxIterations := params.MaxEvents * params.MaxRevise * 2
	if maxIterations < 30 {
		maxIterations = 30
	}

	logger := utils.GetLogger()
	logger.Info("开始构建事件图", map[string]interface{}{
		"premise_len":  len(premise),
		"initial_size": graph.Size(),
		"max_events":   params.MaxEvents,
		"k_candidates": params.KCandidates,
	})
	reportProgress(tracker, 10, "开始构建事件图...")

	for iteration := 0; iteration < maxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("大纲构建已取消: %w", err)
		}
		if graph.Size() >= params.MaxEvents {
			logger.Info("事件数已达上限，停止扩展", map[string]interface{}{"events": graph.Size()})
			break
		}

		completeness, err := s.checkCompleteness(ctx, premise, graph)
		if err != nil {
			return nil, err
		}
		if completeness.Complete {
			logger.Info("事件图已完整", map[string]interface{}{"reason": completeness.Reason})
			break
		}
		logger.Info("事件图尚不完整，继续扩展", map[string]interface{}{
			"iteration": iteration + 1,
			"reason":    completeness.Reason,
			"missing":   strings.Join(completeness.MissingElements, ", "),
		})

		pct := 10 + graph.Size()*45/params.MaxEvents
		if pct > 55 {
			pct = 55
		}
		reportProgress(tracker, pct, fmt.Sprintf("构建事件图（已有 %d/%d 个事件）...", graph.Size(), params.MaxEvents))

		candidates, err := s.generateCandidates(ctx, premise, graph, completeness, params.KCandidates)
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			logger.Warn("未生成任何候选事件，停止扩展", nil)
			break
		}

		acceptedThisIter := 0
		for reviseIter := 0; reviseIter < params.MaxRevise; reviseIter++ {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("大纲构建已取消: %w", err)
			}

			verdicts, err := s.validateCandidates(ctx, premise, graph, candidates)
			if err != nil {
				return nil, err
			}
			verdictByID := make(map[string]*models.EventValidate, len(verdicts))
			for _, v := range verdicts {
				verdictByID[v.EventID] = v
			}

			// 按候选顺序对齐裁决；未获裁决的候选直接放弃
			var rejected []*models.Event
			var feedback []*models.EventValidate
			acceptedCount := 0
			for _, cand := range candidates {
				verdict, ok := verdictByID[cand.EventID]
				if !ok {
					logger.Warn("候选事件未获得校验结果，放弃", map[string]interface{}{"event_id": cand.EventID})
					continue
				}
				if verdict.Valid && verdict.NoveltyScore > 0 && verdict.NoveltyScore < minNoveltyScore {
					verdict.Valid = false
					if verdict.Suggestion == "" {
						verdict.Suggestion = "与既有事件过于相似，需要明显不同的情节推进"
					}
				}
				if !verdict.Valid {
					rejected = append(rejected, cand)
					feedback = append(feedback, verdict)
					continue
				}
				cand.NoveltyScore = verdict.NoveltyScore
				cand.CoherenceScore = verdict.CoherenceScore
				resolveEventIDConflict(graph, cand)
				graph.AddEvent(cand)
				acceptedCount++
			}
			acceptedThisIter += acceptedCount

			logger.Info("候选事件校验完成", map[string]interface{}{
				"accepted":     acceptedCount,
				"rejected":     len(rejected),
				"total_events": graph.Size(),
			})

			if len(rejected) == 0 {
				break
			}
			if reviseIter == params.MaxRevise-1 {
				logger.Warn("达到修订次数上限，放弃未通过的候选", map[string]interface{}{"discarded": len(rejected)})
				break
			}

			candidates, err = s.reviseCandidates(ctx, premise, graph, rejected, feedback)
			if err != nil {
				return nil, err
			}
			if len(candidates) == 0 {
				logger.Warn("修订未产出任何候选，结束本轮", nil)
				break
			}
		}

		// 一整轮校验修订毫无进展时继续迭代只会重复同样的结果
		if acceptedThisIter == 0 {
			logger.Warn("本轮未接受任何事件，停止扩展", map[string]interface{}{"events": graph.Size()})
			break
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("大纲构建已取消: %w", err)
	}

	if graph.Size() > 0 {
		reportProgress(tracker, 56, "推断事件关系...")
		relations, err := s.inferRelations(ctx, premise, graph)
		if err != nil {
			return nil, err
		}
		graph.Edges = relations
	}

	logger.Info("事件图构建完成", map[string]interface{}{
		"events":    graph.Size(),
		"relations": len(graph.Edges),
	})
	reportProgress(tracker, 60, fmt.Sprintf("事件图构建完成：%d 个事件，%d 条关系", graph.Size(), len(graph.Edges)))
	return graph, nil
}

// checkCompleteness 判定当前事件图对故事前提是否已经完整。
// 判定结果无法解析时按未完成处理，避免把残缺大纲当成完整成品。
func (s *OutlineService) checkCompleteness(ctx context.Context, premise string, graph *models.EventGraph) (*models.EventCompleteness, error) {
	text, err := s.complete(ctx, StageCompleteness,
		prompts.CompletenessSystemPrompt,
		prompts.BuildCompletenessPrompt(premise, graph.Events()))
	if err != nil {
		return nil, err
	}

	var completeness models.EventCompleteness
	if derr := parser.DecodeObject(text, &completeness); derr != nil {
		utils.GetLogger().Warn("完整性判定解析失败，按未完成处理", map[string]interface{}{"err": derr.Error()})
		return &models.EventCompleteness{
			Complete:        false,
			Reason:          "Parse error",
			MissingElements: []string{"unknown"},
		}, nil
	}
	return &completeness, nil
}

// generateCandidates 依据完整性判定给出的缺口生成一批候选事件
func (s *OutlineService) generateCandidates(ctx context.Context, premise string, graph *models.EventGraph, gap *models.EventCompleteness, k int) ([]*models.Event, error) {
	text, err := s.complete(ctx, StageSeed,
		prompts.SeedSystemPrompt,
		prompts.BuildSeedPrompt(premise, graph.Events(), k, gap.Reason, gap.MissingElements))
	if err != nil {
		return nil, err
	}
	return parseEvents(text, "候选事件"), nil
}

// validateCandidates 批量校验候选事件，返回逐事件的裁决
func (s *OutlineService) validateCandidates(ctx context.Context, premise string, graph *models.EventGraph, candidates []*models.Event) ([]*models.EventValidate, error) {
	text, err := s.complete(ctx, StageValidate,
		prompts.ValidateSystemPrompt,
		prompts.BuildValidatePrompt(premise, graph.Events(), candidates))
	if err != nil {
		return nil, err
	}

	records, derr := parser.DecodeRecords(text)
	if derr != nil {
		utils.GetLogger().Warn("校验结果解析失败，视为无裁决", map[string]interface{}{"err": derr.Error()})
		return nil, nil
	}

	verdicts := make([]*models.EventValidate, 0, len(records))
	for _, raw := range records {
		var verdict models.EventValidate
		if err := json.Unmarshal(raw, &verdict); err != nil {
			utils.GetLogger().Warn("忽略无法解析的裁决记录", map[string]interface{}{"err": err.Error()})
			continue
		}
		if strings.TrimSpace(verdict.EventID) == "" {
			utils.GetLogger().Warn("忽略缺少event_id的裁决记录", nil)
			continue
		}
		verdicts = append(verdicts, &verdict)
	}
	return verdicts, nil
}

// reviseCandidates 按裁决反馈修订被拒绝的候选事件，返回的列表可能比输入短
func (s *OutlineService) reviseCandidates(ctx context.Context, premise string, graph *models.EventGraph, rejected []*models.Event, feedback []*models.EventValidate) ([]*models.Event, error) {
	text, err := s.complete(ctx, StageRevise,
		prompts.ReviseSystemPrompt,
		prompts.BuildRevisePrompt(premise, graph.Events(), rejected, feedback))
	if err != nil {
		return nil, err
	}
	return parseEvents(text, "修订事件"), nil
}

// inferRelations 对最终事件图一次性推断事件间的因果/时序/主题关系。
// 指向图外事件的关系与重复关系被丢弃，保证边的引用完整性。
func (s *OutlineService) inferRelations(ctx context.Context, premise string, graph *models.EventGraph) ([]models.Relation, error) {
	text, err := s.complete(ctx, StageRelations,
		prompts.RelationSystemPrompt,
		prompts.BuildRelationPrompt(premise, graph.Events()))
	if err != nil {
		return nil, err
	}

	records, derr := parser.DecodeRecords(text)
	if derr != nil {
		utils.GetLogger().Warn("关系推断结果解析失败，事件图不带关系边", map[string]interface{}{"err": derr.Error()})
		return nil, nil
	}

	seen := make(map[string]bool, len(records))
	relations := make([]models.Relation, 0, len(records))
	for _, raw := range records {
		var rel models.Relation
		if err := json.Unmarshal(raw, &rel); err != nil {
			utils.GetLogger().Warn("忽略无法解析的关系记录", map[string]interface{}{"err": err.Error()})
			continue
		}
		if rel.SourceEventID == "" || rel.TargetEventID == "" || rel.Type == "" {
			utils.GetLogger().Warn("忽略字段不全的关系记录", map[string]interface{}{
				"source": rel.SourceEventID,
				"target": rel.TargetEventID,
			})
			continue
		}
		if !graph.Contains(rel.SourceEventID) || !graph.Contains(rel.TargetEventID) {
			utils.GetLogger().Warn("忽略指向图外事件的关系", map[string]interface{}{
				"source": rel.SourceEventID,
				"target": rel.TargetEventID,
			})
			continue
		}
		if seen[rel.Key()] {
			continue
		}
		seen[rel.Key()] = true
		relations = append(relations, rel)
	}
	return relations, nil
}

// parseEvents 把模型回复解析为事件列表。
// 整体解析失败返回空列表；无法解析或缺少event_id的记录被逐条丢弃。
func parseEvents(text, kind string) []*models.Event {
	records, derr := parser.DecodeRecords(text)
	if derr != nil {
		utils.GetLogger().Warn(kind+"列表解析失败", map[string]interface{}{"err": derr.Error()})
		return nil
	}

	events := make([]*models.Event, 0, len(records))
	for _, raw := range records {
		var ev models.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			utils.GetLogger().Warn("忽略无法解析的"+kind+"记录", map[string]interface{}{"err": err.Error()})
			continue
		}
		if strings.TrimSpace(ev.EventID) == "" {
			utils.GetLogger().Warn("忽略缺少event_id的"+kind+"记录", nil)
			continue
		}
		events = append(events, &ev)
	}
	return events
}

// resolveEventIDConflict 在事件并入图之前消除标识冲突：
// 若 event_id 已被占用，追加最小可用的数字后缀（E3 -> E3_1）。
func resolveEventIDConflict(graph *models.EventGraph, event *models.Event) {
	if !graph.Contains(event.EventID) {
		return
	}
	base := event.EventID
	suffix := 1
	for graph.Contains(fmt.Sprintf("%s_%d", base, suffix)) {
		suffix++
	}
	event.EventID = fmt.Sprintf("%s_%d", base, suffix)
	utils.GetLogger().Info("候选事件标识冲突，已重命名", map[string]interface{}{
		"from": base,
		"to":   event.EventID,
	})
}
