// internal/services/writing_service.go
package services

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	apperrors "github.com/Corphon/StoryWeaverMCP/internal/errors"
	"github.com/Corphon/StoryWeaverMCP/internal/models"
	"github.com/Corphon/StoryWeaverMCP/internal/prompts"
	"github.com/Corphon/StoryWeaverMCP/internal/utils"
)

// previousTailRunes 传给下一章的前文窗口长度（按字符计）
const previousTailRunes = 2000

// WritingService 把故事计划的章节按阅读顺序逐章渲染为正文。
// 成文必须串行推进：每章的提示词携带前文末尾片段，保证跨章衔接。
type WritingService struct {
	generator TextGenerator
}

// NewWritingService 创建章节成文服务
func NewWritingService(generator TextGenerator) *WritingService {
	return &WritingService{generator: generator}
}

// complete 在每次模型调用前确认任务未被取消
func (s *WritingService) complete(ctx context.Context, stage, systemPrompt, userPrompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("章节成文已取消: %w", err)
	}
	return s.generator.CompleteText(ctx, stage, systemPrompt, userPrompt)
}

// WriteChapters 按章节顺序渲染正文。
// 正文是纯文本，不做结构化解析；空回复记录警告后保留空章。
// 生成器的资源类错误中止成文并向上传递。
func (s *WritingService) WriteChapters(ctx context.Context, premise string, plan *models.StoryPlan, tracker *ProgressTracker) ([]*models.ChapterText, error) {
	if plan == nil || len(plan.Chapters) == 0 {
		return nil, apperrors.NewValidationError("故事计划没有章节，无法成文", nil)
	}

	logger := utils.GetLogger()
	logger.Info("开始章节成文", map[string]interface{}{"chapters": len(plan.Chapters)})

	var written strings.Builder
	texts := make([]*models.ChapterText, 0, len(plan.Chapters))
	for i, chapter := range plan.Chapters {
		pct := 76 + i*19/len(plan.Chapters)
		reportProgress(tracker, pct, fmt.Sprintf("正在写第 %d/%d 章：%s", i+1, len(plan.Chapters), chapter.Title))

		subEvents := make([]*models.SubEvent, 0, len(chapter.SubEventIDs))
		for _, id := range chapter.SubEventIDs {
			se, ok := plan.SubEvents[id]
			if !ok {
				logger.Warn("章节引用的子事件不存在，跳过", map[string]interface{}{
					"chapter_id":   chapter.ChapterID,
					"sub_event_id": id,
				})
				continue
			}
			subEvents = append(subEvents, se)
		}

		content, err := s.complete(ctx, StageWrite,
			prompts.WriteSystemPrompt,
			prompts.BuildWritePrompt(premise, &chapter, subEvents, tailRunes(written.String(), previousTailRunes)))
		if err != nil {
			return nil, err
		}
		content = strings.TrimSpace(content)
		if content == "" {
			logger.Warn("章节成文为空", map[string]interface{}{"chapter_id": chapter.ChapterID})
		}

		texts = append(texts, &models.ChapterText{
			ChapterID: chapter.ChapterID,
			Title:     chapter.Title,
			Content:   content,
			WordCount: countContentRunes(content),
			CreatedAt: time.Now(),
		})
		written.WriteString(content)
		written.WriteString("\n\n")

		logger.Info("章节成文完成", map[string]interface{}{
			"chapter_id": chapter.ChapterID,
			"word_count": countContentRunes(content),
		})
	}

	reportProgress(tracker, 95, fmt.Sprintf("全部 %d 章成文完成", len(texts)))
	return texts, nil
}

// tailRunes 截取文本末尾最多 n 个字符
func tailRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}

// countContentRunes 统计正文字数：忽略空白，中英文混排按字符计
func countContentRunes(s string) int {
	n := 0
	for _, r := range s {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}
